package dao

import (
	"context"
)

// Service abstracts persistence of batch records (job runs, snapshots) so
// the coordinator and tests can share one contract.
type Service[K comparable, T any] interface {
	Save(ctx context.Context, t *T) error

	Load(ctx context.Context, id K) (*T, error)

	Delete(ctx context.Context, id K) error

	List(ctx context.Context, parameters ...*Parameter) ([]*T, error)
}
