package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrBadEvent marks a single undecodable event; the stream stays usable.
var ErrBadEvent = errors.New("remote: bad event")

// wireEvent is the JSON frame used by the websocket feed and the delete
// payload of the SSE feed.
type wireEvent struct {
	Kind   EventKind       `json:"kind,omitempty"`
	ID     string          `json:"id"`
	Entity json.RawMessage `json:"entity,omitempty"`
}

func decodeEvent[T Keyed](kind EventKind, id string, entity []byte) (Event[T], error) {
	switch kind {
	case EventUpsert:
		var v T
		if err := json.Unmarshal(entity, &v); err != nil {
			return Event[T]{}, fmt.Errorf("%w: upsert: %v", ErrBadEvent, err)
		}
		if strings.TrimSpace(v.Key()) == "" {
			return Event[T]{}, fmt.Errorf("%w: upsert without id", ErrBadEvent)
		}
		return Event[T]{Kind: EventUpsert, ID: v.Key(), Entity: v}, nil
	case EventDelete:
		if id == "" {
			return Event[T]{}, fmt.Errorf("%w: delete without id", ErrBadEvent)
		}
		return Event[T]{Kind: EventDelete, ID: id}, nil
	default:
		return Event[T]{}, fmt.Errorf("%w: unknown kind %q", ErrBadEvent, kind)
	}
}

// Keyed is satisfied by every mirrored entity.
type Keyed interface {
	Key() string
}

type pumpResult[T any] struct {
	ev  Event[T]
	err error
}

// pumpStream adapts a blocking reader goroutine to the Stream contract.
type pumpStream[T any] struct {
	results chan pumpResult[T]
	done    chan struct{}
	once    sync.Once
	closeFn func()
}

func newPumpStream[T any](closeFn func()) *pumpStream[T] {
	return &pumpStream[T]{
		results: make(chan pumpResult[T], 16),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

// deliver hands one result to the consumer; false means the stream is closed.
func (p *pumpStream[T]) deliver(r pumpResult[T]) bool {
	select {
	case p.results <- r:
		return true
	case <-p.done:
		return false
	}
}

func (p *pumpStream[T]) Next(ctx context.Context) (Event[T], error) {
	select {
	case <-ctx.Done():
		return Event[T]{}, ctx.Err()
	case <-p.done:
		return Event[T]{}, ErrStreamClosed
	case r := <-p.results:
		return r.ev, r.err
	}
}

func (p *pumpStream[T]) Close() error {
	p.once.Do(func() {
		close(p.done)
		if p.closeFn != nil {
			p.closeFn()
		}
	})
	return nil
}
