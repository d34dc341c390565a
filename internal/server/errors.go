package server

import (
	"errors"
	"net/http"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/mirror"
	"github.com/danmuck/blocksync/internal/spec"
	"github.com/gin-gonic/gin"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrTypeNotFound    = errors.New("block type not found")
	ErrBadRequest      = errors.New("bad request")
)

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, blocks.ErrRenameFailed):
		return http.StatusBadGateway
	case errors.Is(err, blocks.ErrNotFound), errors.Is(err, ErrServiceNotFound),
		errors.Is(err, ErrTypeNotFound):
		return http.StatusNotFound
	case errors.Is(err, blocks.ErrConflict), errors.Is(err, blocks.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, blocks.ErrTransport):
		return http.StatusServiceUnavailable
	case errors.Is(err, mirror.ErrNoPresets):
		return http.StatusNotImplemented
	case errors.Is(err, ErrBadRequest), errors.Is(err, mirror.ErrInvalidID),
		errors.Is(err, spec.ErrUnknownType), errors.Is(err, spec.ErrUnknownPreset):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var rf *blocks.RenameFailedError
	if errors.As(err, &rf) {
		body["block"] = rf.Block
		body["from"] = rf.From
	}
	c.JSON(statusOf(err), body)
}
