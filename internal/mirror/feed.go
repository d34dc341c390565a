package mirror

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/blocksync/internal/observability"
	"github.com/danmuck/blocksync/internal/remote"
	"github.com/rs/zerolog/log"
)

// run owns the subscription until ctx ends. stream may be nil when the
// initial open failed; the loop then starts with a reconnect.
func (c *Collection[T]) run(ctx context.Context, stream remote.Stream[T], done chan struct{}) {
	defer close(done)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		if stream == nil {
			next, err := c.reconnect(ctx, &attempt, rng)
			if err != nil {
				return
			}
			stream = next
		}
		delivered, err := c.consume(ctx, stream)
		_ = stream.Close()
		stream = nil
		if ctx.Err() != nil {
			return
		}
		if delivered {
			attempt = 0
		}
		log.Warn().Msgf("mirror.%s.run feed lost scope=%q err=%v", c.name, c.scope, err)
		attempt++
		if err := remote.WaitBackoff(ctx, c.backoff, attempt, rng); err != nil {
			return
		}
	}
}

// reconnect reopens the feed and resyncs before incremental events resume.
func (c *Collection[T]) reconnect(ctx context.Context, attempt *int, rng *rand.Rand) (remote.Stream[T], error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stream, err := c.feed.Open(ctx, c.scope)
		if err == nil {
			if err = c.resync(ctx); err == nil {
				observability.RecordFeedReconnect(c.name, true)
				log.Info().Msgf("mirror.%s.reconnect resynced scope=%q attempt=%d", c.name, c.scope, *attempt)
				*attempt = 0
				return stream, nil
			}
			_ = stream.Close()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		observability.RecordFeedReconnect(c.name, false)
		*attempt++
		log.Warn().Msgf("mirror.%s.reconnect failed scope=%q attempt=%d err=%v", c.name, c.scope, *attempt, err)
		if err := remote.WaitBackoff(ctx, c.backoff, *attempt, rng); err != nil {
			return nil, err
		}
	}
}

// consume applies events until the stream fails. Undecodable events are
// logged and skipped.
func (c *Collection[T]) consume(ctx context.Context, stream remote.Stream[T]) (bool, error) {
	delivered := false
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, remote.ErrBadEvent) {
				observability.RecordFeedEvent(c.name, "unknown", "bad")
				log.Warn().Msgf("mirror.%s.consume skipped event scope=%q err=%v", c.name, c.scope, err)
				continue
			}
			return delivered, err
		}
		delivered = true
		c.apply(ev)
	}
}

func (c *Collection[T]) apply(ev remote.Event[T]) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	var change Change
	applied := false
	switch ev.Kind {
	case remote.EventUpsert:
		v := c.inbound(ev.Entity)
		if strings.TrimSpace(v.Key()) == "" {
			c.mu.Unlock()
			log.Warn().Msgf("mirror.%s.feed upsert without id dropped scope=%q", c.name, c.scope)
			observability.RecordFeedEvent(c.name, string(ev.Kind), "bad")
			return
		}
		applied = c.upsertLocked(v)
		change = c.change(ChangeUpsert, v.Key())
	case remote.EventDelete:
		applied = c.deleteLocked(ev.ID)
		change = c.change(ChangeDelete, ev.ID)
	}
	n := len(c.items)
	c.mu.Unlock()

	outcome := "skipped"
	if applied {
		outcome = "applied"
		observability.SetMirroredEntities(c.name, c.scope, n)
		c.hub.publish(change)
	}
	observability.RecordFeedEvent(c.name, string(ev.Kind), outcome)
}

func (c *Collection[T]) resync(ctx context.Context) error {
	snapshot, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return context.Canceled
	}
	changes := c.reconcileLocked(snapshot)
	n := len(c.items)
	c.mu.Unlock()

	observability.SetMirroredEntities(c.name, c.scope, n)
	c.hub.publish(changes...)
	return nil
}
