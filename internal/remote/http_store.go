package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/blocksync/internal/blocks"
)

const maxErrorBody = 4 << 10

// HTTPStore is the REST persistence client for one resource base.
type HTTPStore[T blocks.Doc] struct {
	base   string
	client *http.Client
}

// NewHTTPStore binds a client to base, e.g. "http://device/api/services".
// A nil client uses a 10s-timeout default.
func NewHTTPStore[T blocks.Doc](base string, client *http.Client) *HTTPStore[T] {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore[T]{
		base:   strings.TrimRight(strings.TrimSpace(base), "/"),
		client: client,
	}
}

var _ Store[blocks.Block] = (*HTTPStore[blocks.Block])(nil)

func (s *HTTPStore[T]) FetchAll(ctx context.Context, scope string) ([]T, error) {
	var out []T
	if err := s.do(ctx, OpFetch, http.MethodGet, scope, "", "", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func (s *HTTPStore[T]) Create(ctx context.Context, scope string, v T) (T, error) {
	var out T
	err := s.do(ctx, OpCreate, http.MethodPost, scope, "", v.Key(), v, &out)
	return out, err
}

func (s *HTTPStore[T]) Persist(ctx context.Context, scope string, v T) (T, error) {
	var out T
	err := s.do(ctx, OpPersist, http.MethodPut, scope, v.Key(), v.Key(), v, &out)
	return out, err
}

func (s *HTTPStore[T]) Remove(ctx context.Context, scope, id string) error {
	return s.do(ctx, OpRemove, http.MethodDelete, scope, id, id, nil, nil)
}

// do issues one request. pathID is appended to the URL; subject names the
// entity in errors.
func (s *HTTPStore[T]) do(ctx context.Context, op, method, scope, pathID, subject string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode %s %s/%s: %w", op, scope, subject, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, resourceURL(s.base, scope, pathID), reader)
	if err != nil {
		return fmt.Errorf("remote: build %s %s/%s: %w", op, scope, subject, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &blocks.TransportError{Op: op, Scope: scope, Err: err}
	}
	defer resp.Body.Close()

	if err := statusError(op, scope, subject, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &blocks.TransportError{Op: op, Scope: scope, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError maps HTTP status codes to the shared error taxonomy.
func statusError(op, scope, id string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &blocks.NotFoundError{Op: op, Scope: scope, ID: id}
	case http.StatusConflict, http.StatusPreconditionFailed:
		return &blocks.ConflictError{Op: op, Scope: scope, ID: id}
	default:
		return &blocks.TransportError{
			Op:    op,
			Scope: scope,
			Err:   fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}
}

func resourceURL(base, scope, id string) string {
	u := base + "/" + url.PathEscape(scope)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}
