package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 15 * time.Second
	sseKeepalive   = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Mount serves m under prefix on r using the REST/SSE/WS wire layout.
func Mount[T Record[T]](r *mux.Router, prefix string, m *Memory[T]) {
	h := &memoryHandler[T]{mem: m}
	sub := r.PathPrefix(strings.TrimRight(prefix, "/")).Subrouter()
	sub.HandleFunc("/{scope}/_events", h.events).Methods(http.MethodGet)
	sub.HandleFunc("/{scope}/_ws", h.websocket).Methods(http.MethodGet)
	sub.HandleFunc("/{scope}", h.fetchAll).Methods(http.MethodGet)
	sub.HandleFunc("/{scope}", h.create).Methods(http.MethodPost)
	sub.HandleFunc("/{scope}/{id}", h.persist).Methods(http.MethodPut)
	sub.HandleFunc("/{scope}/{id}", h.remove).Methods(http.MethodDelete)
}

type memoryHandler[T Record[T]] struct {
	mem *Memory[T]
}

func (h *memoryHandler[T]) fetchAll(w http.ResponseWriter, r *http.Request) {
	items, err := h.mem.FetchAll(r.Context(), mux.Vars(r)["scope"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *memoryHandler[T]) create(w http.ResponseWriter, r *http.Request) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.mem.Create(r.Context(), mux.Vars(r)["scope"], v)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *memoryHandler[T]) persist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if v.Key() != vars["id"] {
		http.Error(w, fmt.Sprintf("id mismatch: path=%q body=%q", vars["id"], v.Key()), http.StatusBadRequest)
		return
	}
	out, err := h.mem.Persist(r.Context(), vars["scope"], v)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *memoryHandler[T]) remove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.mem.Remove(r.Context(), vars["scope"], vars["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *memoryHandler[T]) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	scope := mux.Vars(r)["scope"]
	stream, err := h.mem.Open(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	events := pump(r, stream)
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			var payload []byte
			if ev.Kind == EventDelete {
				payload, err = json.Marshal(wireEvent{ID: ev.ID})
			} else {
				payload, err = json.Marshal(ev.Entity)
			}
			if err != nil {
				log.Warn().Msgf("remote.handler.events encode failed scope=%q err=%v", scope, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}

func (h *memoryHandler[T]) websocket(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	stream, err := h.mem.Open(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Msgf("remote.handler.websocket upgrade failed scope=%q err=%v", scope, err)
		return
	}
	defer conn.Close()

	// Reader: only needed to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := pump(r, stream)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame := wireEvent{Kind: ev.Kind, ID: ev.ID}
			if ev.Kind == EventUpsert {
				raw, err := json.Marshal(ev.Entity)
				if err != nil {
					log.Warn().Msgf("remote.handler.websocket encode failed scope=%q err=%v", scope, err)
					continue
				}
				frame.Entity = raw
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

// pump forwards stream events to a channel closed when the stream fails.
func pump[T any](r *http.Request, stream Stream[T]) <-chan Event[T] {
	out := make(chan Event[T])
	go func() {
		defer close(out)
		for {
			ev, err := stream.Next(r.Context())
			if err != nil {
				return
			}
			select {
			case out <- ev:
			case <-r.Context().Done():
				return
			}
		}
	}()
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, blocks.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, blocks.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, blocks.ErrTransport):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}
