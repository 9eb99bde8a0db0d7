package stage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/herdrun/herd/internal/idgen"
)

func TestForward(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	base := "mem://localhost/stage-" + idgen.New()
	source := base + "/inputs/data.csv"
	assert.NoError(t, fs.Upload(ctx, source, file.DefaultFileOsMode, strings.NewReader("a,b\n")))

	service := New(fs)
	workURL := base + "/work"
	assert.NoError(t, service.Forward(ctx, []string{source}, workURL))

	exists, err := fs.Exists(ctx, workURL+"/data.csv")
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestForward_MissingSourceIsFatal(t *testing.T) {
	service := New(afs.New())
	err := service.Forward(context.Background(), []string{"mem://localhost/nosuch/input.bin"}, "mem://localhost/work")
	assert.Error(t, err)
}

func TestBackward_SkipsMissingOutputs(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	base := "mem://localhost/stage-" + idgen.New()
	workURL := base + "/work"
	assert.NoError(t, fs.Upload(ctx, workURL+"/model.bin", file.DefaultFileOsMode, strings.NewReader("weights")))

	service := New(fs)
	copied, err := service.Backward(ctx, []string{"model.bin", "missing.log"}, workURL, base+"/results")
	assert.NoError(t, err)
	assert.Equal(t, []string{"model.bin"}, copied)

	exists, err := fs.Exists(ctx, base+"/results/model.bin")
	assert.NoError(t, err)
	assert.True(t, exists)
}
