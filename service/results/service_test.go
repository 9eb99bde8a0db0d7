package results

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/viant/afs"

	"github.com/herdrun/herd/internal/idgen"
)

func testRoot() string {
	return "mem://localhost/results-" + idgen.New()
}

func TestService_WriteAndExists(t *testing.T) {
	ctx := context.Background()
	service := New(afs.New(), testRoot())

	exists, err := service.Exists(ctx, "job1")
	assert.NoError(t, err)
	assert.False(t, exists)

	assert.NoError(t, service.Write(ctx, "job1", "out line\n", "err line\n"))

	exists, err = service.Exists(ctx, "job1")
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestService_WriteAppends(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	root := testRoot()
	service := New(fs, root)

	assert.NoError(t, service.Write(ctx, "job1", "first\n", ""))
	assert.NoError(t, service.Write(ctx, "job1", "second\n", "oops\n"))

	data, err := fs.DownloadWithURL(ctx, root+"/job1.out")
	assert.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))

	data, err = fs.DownloadWithURL(ctx, root+"/job1.err")
	assert.NoError(t, err)
	assert.Equal(t, "oops\n", string(data))
}

func TestService_JobFolderURL(t *testing.T) {
	service := New(nil, "mem://localhost/results")
	assert.Equal(t, "mem://localhost/results/job1", service.JobFolderURL("job1"))
}
