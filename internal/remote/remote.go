package remote

import (
	"context"
	"errors"

	"github.com/danmuck/blocksync/internal/blocks"
)

// ErrStreamClosed is returned by Next after the stream was closed locally.
var ErrStreamClosed = errors.New("remote: stream closed")

// EventKind discriminates change-feed events.
type EventKind string

const (
	EventUpsert EventKind = "upsert"
	EventDelete EventKind = "delete"
)

// Event is one decoded change-feed notification. Entity is only set for upserts.
type Event[T any] struct {
	Kind   EventKind
	ID     string
	Entity T
}

// Store is the request/response persistence API for one entity kind.
type Store[T blocks.Doc] interface {
	FetchAll(ctx context.Context, scope string) ([]T, error)
	Create(ctx context.Context, scope string, v T) (T, error)
	Persist(ctx context.Context, scope string, v T) (T, error)
	Remove(ctx context.Context, scope, id string) error
}

// Feed opens change-feed subscriptions.
type Feed[T any] interface {
	Open(ctx context.Context, scope string) (Stream[T], error)
}

// Stream is a live subscription. Close is the cancellation handle.
type Stream[T any] interface {
	Next(ctx context.Context) (Event[T], error)
	Close() error
}

// Record is the constraint for entities the Memory backend can version.
type Record[T any] interface {
	blocks.Doc
	WithRevision(rev string) T
}
