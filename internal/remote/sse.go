package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/danmuck/blocksync/internal/blocks"
)

// SSEFeed subscribes to server-sent events at {base}/{scope}/_events.
type SSEFeed[T Keyed] struct {
	base   string
	client *http.Client
}

// NewSSEFeed binds a feed client to base. The client must not set a
// whole-request timeout; a nil client uses http.DefaultClient.
func NewSSEFeed[T Keyed](base string, client *http.Client) *SSEFeed[T] {
	if client == nil {
		client = http.DefaultClient
	}
	return &SSEFeed[T]{base: strings.TrimRight(strings.TrimSpace(base), "/"), client: client}
}

var _ Feed[blocks.Block] = (*SSEFeed[blocks.Block])(nil)

func (f *SSEFeed[T]) Open(ctx context.Context, scope string) (Stream[T], error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, resourceURL(f.base, scope, "_events"), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote: build sse request %s: %w", scope, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	stop := context.AfterFunc(ctx, cancel)
	resp, err := f.client.Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, &blocks.TransportError{Op: OpOpen, Scope: scope, Err: err}
	}
	if err := statusError(OpOpen, scope, "", resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	stream := newPumpStream[T](func() {
		cancel()
		resp.Body.Close()
	})
	go readSSE(stream, scope, resp)
	return stream, nil
}

func readSSE[T Keyed](stream *pumpStream[T], scope string, resp *http.Response) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				name = ""
				continue
			}
			ev, err := decodeSSE[T](name, data.String())
			name = ""
			data.Reset()
			if !stream.deliver(pumpResult[T]{ev: ev, err: err}) {
				return
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("event stream ended")
	}
	stream.deliver(pumpResult[T]{err: &blocks.TransportError{Op: OpOpen, Scope: scope, Err: err}})
}

func decodeSSE[T Keyed](name, data string) (Event[T], error) {
	kind := EventKind(name)
	if kind == EventDelete {
		var w wireEvent
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			return Event[T]{}, fmt.Errorf("%w: delete: %v", ErrBadEvent, err)
		}
		return decodeEvent[T](kind, w.ID, nil)
	}
	return decodeEvent[T](kind, "", []byte(data))
}
