package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/blocksync/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newLoggedEngine(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(buf)))
	r.Use(RequestMetricsMiddleware("middleware-test"))
	r.GET("/services/:service/blocks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"blocks": []string{}})
	})
	return r
}

func TestRequestLoggerTagsServiceAndRequestID(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newLoggedEngine(&buf)

	req := httptest.NewRequest(http.MethodGet, "/services/spark-one/blocks", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	minted := rr.Header().Get(RequestIDHeader)
	if len(minted) != 26 {
		t.Fatalf("expected a minted ulid request id, got %q", minted)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["service_id"] != "spark-one" || line["request_id"] != minted || line["route"] != "/services/:service/blocks" {
		t.Fatalf("log line=%v", line)
	}

	buf.Reset()
	req = httptest.NewRequest(http.MethodGet, "/services/spark-one/blocks", nil)
	req.Header.Set(RequestIDHeader, "dash-42")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if got := rr.Header().Get(RequestIDHeader); got != "dash-42" {
		t.Fatalf("client request id not echoed: %q", got)
	}
}

func TestUnmatchedRoutesShareOneLabel(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newLoggedEngine(&buf)
	RegisterMetrics()
	counter := httpRequests.WithLabelValues("middleware-test", http.MethodGet, unmatchedRoute, "404")
	before := testutil.ToFloat64(counter)

	for _, path := range []string{"/nope", "/services/x/unknown", "/.env"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Fatalf("unmatched count=%v", got)
	}
}
