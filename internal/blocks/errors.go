package blocks

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrRenameFailed  = errors.New("rename failed")
	ErrTransport     = errors.New("transport failure")
	ErrStateConflict = errors.New("state conflict")
)

// NotFoundError reports a remote entity that no longer exists.
type NotFoundError struct {
	Op    string
	Scope string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s/%s: not found", e.Op, e.Scope, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports an id collision or a stale revision.
type ConflictError struct {
	Op       string
	Scope    string
	ID       string
	Revision string
}

func (e *ConflictError) Error() string {
	if e.Revision != "" {
		return fmt.Sprintf("%s %s/%s: conflict at rev=%q", e.Op, e.Scope, e.ID, e.Revision)
	}
	return fmt.Sprintf("%s %s/%s: conflict", e.Op, e.Scope, e.ID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// RenameFailedError is returned when the create half of a rename fails after
// the old id was already removed remotely. Block holds the payload under the
// new id so the caller can retry the create.
type RenameFailedError struct {
	From  string
	Block Block
	Err   error
}

func (e *RenameFailedError) Error() string {
	return fmt.Sprintf("rename %s/%s -> %s: create failed after remove: %v",
		e.Block.ServiceID, e.From, e.Block.ID, e.Err)
}

func (e *RenameFailedError) Is(target error) bool { return target == ErrRenameFailed }

func (e *RenameFailedError) Unwrap() error { return e.Err }

// TransportError wraps network and stream failures.
type TransportError struct {
	Op    string
	Scope string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport: %v", e.Op, e.Scope, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// StateError reports a lifecycle misuse such as adding a live service twice.
type StateError struct {
	ServiceID string
	State     string
	Op        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: service is %s", e.Op, e.ServiceID, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrStateConflict }
