package observability

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestMetricsRegistrationAndRecording(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()
	RecordHTTPRequest("syncctl", "GET", "/services", 200, 5*time.Millisecond)
	RecordFeedEvent("blocks", "upsert", "applied")
	RecordFeedReconnect("blocks", true)
	RecordRemoteOp("blocks", "create", nil, time.Millisecond)
	SetMirroredEntities("blocks", "spark-one", 3)
	ForgetScope("blocks", "spark-one")
	RecordWatchDrop()
	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}

func TestOutcomeLabel(t *testing.T) {
	testlog.Start(t)
	cases := map[string]error{
		"ok":        nil,
		"not_found": &blocks.NotFoundError{Op: "persist", Scope: "s", ID: "a"},
		"conflict":  fmt.Errorf("wrapped: %w", &blocks.ConflictError{Op: "create", Scope: "s", ID: "a"}),
		"transport": &blocks.TransportError{Op: "fetch", Scope: "s", Err: errors.New("eof")},
		"error":     errors.New("other"),
	}
	for want, err := range cases {
		if got := OutcomeLabel(err); got != want {
			t.Fatalf("OutcomeLabel(%v)=%q want %q", err, got, want)
		}
	}
}
