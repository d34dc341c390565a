package mirror

import (
	"testing"

	"github.com/danmuck/blocksync/internal/testutil/testlog"
)

func TestHubDropsWhenWatcherIsFull(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	ch, cancel := hub.Watch(1)
	hub.publish(Change{Kind: ChangeUpsert, ID: "a"}, Change{Kind: ChangeUpsert, ID: "b"})
	if got := <-ch; got.ID != "a" {
		t.Fatalf("first change=%+v", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected drop, got %+v", extra)
	default:
	}
	if hub.Watchers() != 1 {
		t.Fatalf("watchers=%d", hub.Watchers())
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after cancel")
	}
	if hub.Watchers() != 0 {
		t.Fatalf("watchers=%d", hub.Watchers())
	}
	var nilHub *Hub
	nilHub.publish(Change{ID: "ignored"})
}
