package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/oklog/ulid/v2"
)

// Operation names used for fault injection and holds.
const (
	OpFetch   = "fetch"
	OpCreate  = "create"
	OpPersist = "persist"
	OpRemove  = "remove"
	OpOpen    = "open"
)

const memStreamBuffer = 256

// Memory is an in-process backend implementing Store and Feed.
// Every write assigns a fresh ULID revision and fans out to open streams.
type Memory[T Record[T]] struct {
	mu      sync.Mutex
	scopes  map[string]map[string]T
	streams map[string]map[*memStream[T]]struct{}
	faults  map[string][]error
	holds   map[string]chan struct{}
	waiting map[string]int
}

// NewMemory constructs an empty backend.
func NewMemory[T Record[T]]() *Memory[T] {
	return &Memory[T]{
		scopes:  make(map[string]map[string]T),
		streams: make(map[string]map[*memStream[T]]struct{}),
		faults:  make(map[string][]error),
		holds:   make(map[string]chan struct{}),
		waiting: make(map[string]int),
	}
}

var _ Store[blocks.Block] = (*Memory[blocks.Block])(nil)
var _ Feed[blocks.Block] = (*Memory[blocks.Block])(nil)

// FailNext queues err to be returned by the next call of op.
func (m *Memory[T]) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

// Hold makes calls of op wait until the returned release func runs
// or the caller's context ends.
func (m *Memory[T]) Hold(op string) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.holds[op] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.holds[op] == ch {
				delete(m.holds, op)
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Waiting reports how many calls of op are parked on a hold.
func (m *Memory[T]) Waiting(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting[op]
}

func (m *Memory[T]) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	hold := m.holds[op]
	if hold != nil {
		m.waiting[op]++
	}
	m.mu.Unlock()
	if hold != nil {
		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-hold:
		}
		m.mu.Lock()
		m.waiting[op]--
		m.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if queued := m.faults[op]; len(queued) > 0 {
		err := queued[0]
		m.faults[op] = queued[1:]
		return err
	}
	return nil
}

// FetchAll returns a snapshot ordered by key.
func (m *Memory[T]) FetchAll(ctx context.Context, scope string) ([]T, error) {
	if err := m.enter(ctx, OpFetch); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.scopes[scope]
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		v, err := roundTrip(items[k])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *Memory[T]) Create(ctx context.Context, scope string, v T) (T, error) {
	var zero T
	if err := m.enter(ctx, OpCreate); err != nil {
		return zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scope][v.Key()]; ok {
		return zero, &blocks.ConflictError{Op: OpCreate, Scope: scope, ID: v.Key()}
	}
	return m.writeLocked(scope, v)
}

func (m *Memory[T]) Persist(ctx context.Context, scope string, v T) (T, error) {
	var zero T
	if err := m.enter(ctx, OpPersist); err != nil {
		return zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.scopes[scope][v.Key()]
	if !ok {
		return zero, &blocks.NotFoundError{Op: OpPersist, Scope: scope, ID: v.Key()}
	}
	if rev := v.Revision(); rev != "" && rev != current.Revision() {
		return zero, &blocks.ConflictError{Op: OpPersist, Scope: scope, ID: v.Key(), Revision: rev}
	}
	return m.writeLocked(scope, v)
}

func (m *Memory[T]) Remove(ctx context.Context, scope, id string) error {
	if err := m.enter(ctx, OpRemove); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scope][id]; !ok {
		return &blocks.NotFoundError{Op: OpRemove, Scope: scope, ID: id}
	}
	delete(m.scopes[scope], id)
	m.emitLocked(scope, Event[T]{Kind: EventDelete, ID: id})
	return nil
}

// Put writes v as if another client changed it, bypassing preconditions.
func (m *Memory[T]) Put(scope string, v T) T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, err := m.writeLocked(scope, v)
	if err != nil {
		panic(fmt.Sprintf("remote.Memory.Put: %v", err))
	}
	return out
}

// Delete removes id as if another client deleted it.
func (m *Memory[T]) Delete(scope, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scope][id]; !ok {
		return
	}
	delete(m.scopes[scope], id)
	m.emitLocked(scope, Event[T]{Kind: EventDelete, ID: id})
}

// Emit pushes a raw event to open streams without touching stored state.
func (m *Memory[T]) Emit(scope string, ev Event[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitLocked(scope, ev)
}

// Get returns the stored value for id.
func (m *Memory[T]) Get(scope, id string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.scopes[scope][id]
	return v, ok
}

// Disconnect fails every open stream on scope, simulating a dropped link.
func (m *Memory[T]) Disconnect(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for s := range m.streams[scope] {
		s.fail(fmt.Errorf("remote.Memory: scope %q disconnected", scope))
		n++
	}
	delete(m.streams, scope)
	return n
}

// StreamCount reports open streams for scope.
func (m *Memory[T]) StreamCount(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[scope])
}

// Open subscribes to scope. The stream is registered before Open returns.
func (m *Memory[T]) Open(ctx context.Context, scope string) (Stream[T], error) {
	if err := m.enter(ctx, OpOpen); err != nil {
		return nil, err
	}
	s := &memStream[T]{
		events: make(chan Event[T], memStreamBuffer),
		done:   make(chan struct{}),
	}
	s.detach = func() {
		m.mu.Lock()
		delete(m.streams[scope], s)
		m.mu.Unlock()
	}
	m.mu.Lock()
	if m.streams[scope] == nil {
		m.streams[scope] = make(map[*memStream[T]]struct{})
	}
	m.streams[scope][s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

func (m *Memory[T]) writeLocked(scope string, v T) (T, error) {
	var zero T
	stored, err := roundTrip(v.WithRevision(ulid.Make().String()))
	if err != nil {
		return zero, err
	}
	if m.scopes[scope] == nil {
		m.scopes[scope] = make(map[string]T)
	}
	m.scopes[scope][stored.Key()] = stored
	m.emitLocked(scope, Event[T]{Kind: EventUpsert, ID: stored.Key(), Entity: stored})
	return roundTrip(stored)
}

func (m *Memory[T]) emitLocked(scope string, ev Event[T]) {
	for s := range m.streams[scope] {
		if ev.Kind == EventUpsert {
			cp, err := roundTrip(ev.Entity)
			if err == nil {
				ev.Entity = cp
			}
		}
		if !s.push(ev) {
			s.fail(fmt.Errorf("remote.Memory: stream buffer overflow on %q", scope))
			delete(m.streams[scope], s)
		}
	}
}

// roundTrip copies v through its JSON form, as a real server would.
func roundTrip[T any](v T) (T, error) {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

type memStream[T any] struct {
	mu     sync.Mutex
	events chan Event[T]
	done   chan struct{}
	err    error
	closed bool
	detach func()
}

func (s *memStream[T]) push(ev Event[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *memStream[T]) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

func (s *memStream[T]) Next(ctx context.Context) (Event[T], error) {
	var zero Event[T]
	// Drain already-delivered events before reporting a failure.
	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.events:
			return ev, nil
		default:
		}
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		return zero, err
	}
}

func (s *memStream[T]) Close() error {
	s.fail(ErrStreamClosed)
	if s.detach != nil {
		s.detach()
	}
	return nil
}
