package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// KeyLister is implemented by stores that can enumerate their keys, so that
// owners of a key prefix can sweep rows they no longer need.
type KeyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}
