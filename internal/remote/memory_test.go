package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/testutil/testlog"
)

func testBlock(id string) blocks.Block {
	return blocks.Block{
		ServiceID: "spark-one",
		ID:        id,
		Type:      "Pid",
		Groups:    []int{0},
		Data:      map[string]any{"enabled": true},
	}
}

func TestMemoryRevisionsAndPreconditions(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	m := NewMemory[blocks.Block]()

	created, err := m.Create(ctx, "spark-one", testBlock("pid-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Rev == "" {
		t.Fatalf("create should assign a revision")
	}
	if _, err := m.Create(ctx, "spark-one", testBlock("pid-1")); !errors.Is(err, blocks.ErrConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	saved, err := m.Persist(ctx, "spark-one", created)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if saved.Rev == created.Rev {
		t.Fatalf("persist should bump revision")
	}
	if _, err := m.Persist(ctx, "spark-one", created); !errors.Is(err, blocks.ErrConflict) {
		t.Fatalf("expected stale revision conflict, got %v", err)
	}
	if _, err := m.Persist(ctx, "spark-one", testBlock("missing")); !errors.Is(err, blocks.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := m.Remove(ctx, "spark-one", "pid-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Remove(ctx, "spark-one", "pid-1"); !errors.Is(err, blocks.ErrNotFound) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
}

func TestMemoryStreamDeliversAndDisconnects(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m := NewMemory[blocks.Block]()

	stream, err := m.Open(ctx, "spark-one")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	put := m.Put("spark-one", testBlock("a"))
	m.Delete("spark-one", "a")

	ev, err := stream.Next(ctx)
	if err != nil || ev.Kind != EventUpsert || ev.Entity.Rev != put.Rev {
		t.Fatalf("unexpected upsert: %+v err=%v", ev, err)
	}
	ev, err = stream.Next(ctx)
	if err != nil || ev.Kind != EventDelete || ev.ID != "a" {
		t.Fatalf("unexpected delete: %+v err=%v", ev, err)
	}

	if n := m.Disconnect("spark-one"); n != 1 {
		t.Fatalf("expected one stream disconnected, got %d", n)
	}
	if _, err := stream.Next(ctx); err == nil {
		t.Fatalf("expected error after disconnect")
	}
}

func TestMemoryFaultsAndHolds(t *testing.T) {
	testlog.Start(t)
	m := NewMemory[blocks.Block]()
	boom := errors.New("boom")
	m.FailNext(OpFetch, boom)
	if _, err := m.FetchAll(context.Background(), "s"); !errors.Is(err, boom) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	if _, err := m.FetchAll(context.Background(), "s"); err != nil {
		t.Fatalf("fault should be one-shot: %v", err)
	}

	release := m.Hold(OpFetch)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.FetchAll(ctx, "s"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("held fetch should wait for ctx, got %v", err)
	}
	release()
	if _, err := m.FetchAll(context.Background(), "s"); err != nil {
		t.Fatalf("released fetch: %v", err)
	}
}
