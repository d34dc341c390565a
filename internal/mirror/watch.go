package mirror

import (
	"sync"

	"github.com/danmuck/blocksync/internal/observability"
)

// ChangeKind tells watchers whether an entity appeared/changed or went away.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)

// Change is published after a mutation was applied locally.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	Collection string     `json:"collection"`
	Scope      string     `json:"scope"`
	ID         string     `json:"id"`
	Volatile   bool       `json:"volatile,omitempty"`
}

// Hub fans out changes to watchers without blocking the publisher.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Change
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Change)}
}

// Watch registers a watcher. Changes that do not fit in buffer are dropped.
// The returned cancel func closes the channel and is safe to call twice.
func (h *Hub) Watch(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Watchers reports the number of registered watchers.
func (h *Hub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) publish(changes ...Change) {
	if h == nil || len(changes) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, change := range changes {
		for _, ch := range h.subs {
			select {
			case ch <- change:
			default:
				observability.RecordWatchDrop()
			}
		}
	}
}
