package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/blocksync/internal/auth"
	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/mirror"
	"github.com/danmuck/blocksync/internal/remote"
	"github.com/danmuck/blocksync/internal/spec"
	"github.com/danmuck/blocksync/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const service = "spark-one"

type fixture struct {
	srv       *Server
	mem       *remote.Memory[blocks.Block]
	layouts   *remote.Memory[blocks.Layout]
	processes *remote.Memory[blocks.Process]
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mem := remote.NewMemory[blocks.Block]()
	reg := mirror.NewRegistry(mirror.Config{Blocks: mem, BlockFeed: mem})
	t.Cleanup(reg.Close)
	if err := reg.AddService(context.Background(), service); err != nil {
		t.Fatalf("add service: %v", err)
	}

	layoutMem := remote.NewMemory[blocks.Layout]()
	layouts := mirror.NewCollection(mirror.CollectionConfig[blocks.Layout]{
		Name:  "layouts",
		Scope: "default",
		Store: layoutMem,
		Feed:  layoutMem,
		Hub:   reg.Hub(),
	})
	if err := layouts.Start(context.Background()); err != nil {
		t.Fatalf("start layouts: %v", err)
	}
	t.Cleanup(layouts.Stop)

	processMem := remote.NewMemory[blocks.Process]()
	processes := mirror.NewCollection(mirror.CollectionConfig[blocks.Process]{
		Name:  "processes",
		Scope: "default",
		Store: processMem,
		Feed:  processMem,
		Hub:   reg.Hub(),
	})
	if err := processes.Start(context.Background()); err != nil {
		t.Fatalf("start processes: %v", err)
	}
	t.Cleanup(processes.Stop)

	srv := New("syncctl-test", ":0", reg, nil)
	srv.Layouts = layouts
	srv.Processes = processes
	srv.RegisterRoutes()
	srv.RegisterRoutes()
	return fixture{srv: srv, mem: mem, layouts: layoutMem, processes: processMem}
}

func (f fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.srv.HTTPRouter().ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &out)
	}
	log.Info().Msgf("server/http: %s %s status=%d", method, path, rr.Code)
	return rr, out
}

func TestHealthReadyAndServices(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	rr, body := f.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health status=%d body=%v", rr.Code, body)
	}
	rr, body = f.do(t, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusOK || body["ready"] != true {
		t.Fatalf("ready status=%d body=%v", rr.Code, body)
	}
	rr, body = f.do(t, http.MethodGet, "/services", nil)
	services, _ := body["services"].([]any)
	if rr.Code != http.StatusOK || len(services) != 1 {
		t.Fatalf("services status=%d body=%v", rr.Code, body)
	}

	rr, _ = f.do(t, http.MethodPost, "/services", addServiceRequest{ID: service})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate add status=%d", rr.Code)
	}
	rr, _ = f.do(t, http.MethodPost, "/services", addServiceRequest{ID: "spark-two"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add status=%d", rr.Code)
	}
	rr, _ = f.do(t, http.MethodDelete, "/services/spark-two", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("remove status=%d", rr.Code)
	}
	rr, _ = f.do(t, http.MethodGet, "/services/spark-two/blocks", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("removed service status=%d", rr.Code)
	}
}

func TestBlockCRUD(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	rr, body := f.do(t, http.MethodPost, "/services/spark-one/blocks", blocks.Block{ID: "pid-1", Type: spec.TypePid})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%v", rr.Code, body)
	}
	data, _ := body["data"].(map[string]any)
	if _, ok := data["kp"]; !ok || body["_rev"] == "" {
		t.Fatalf("created block missing defaults or rev: %v", body)
	}

	rr, _ = f.do(t, http.MethodPost, "/services/spark-one/blocks", blocks.Block{ID: "pid-1", Type: spec.TypePid})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate create status=%d", rr.Code)
	}

	rr, body = f.do(t, http.MethodGet, "/services/spark-one/blocks/pid-1", nil)
	if rr.Code != http.StatusOK || body["id"] != "pid-1" {
		t.Fatalf("get status=%d body=%v", rr.Code, body)
	}

	rr, body = f.do(t, http.MethodGet, "/services/spark-one/blocks/pid-1/fields/kp/unit", nil)
	if rr.Code != http.StatusOK || body["value"] != "1/degC" {
		t.Fatalf("field status=%d body=%v", rr.Code, body)
	}

	update := blocks.Block{ID: "pid-1", Type: spec.TypePid, Data: map[string]any{"enabled": true}}
	rr, body = f.do(t, http.MethodPut, "/services/spark-one/blocks/pid-1", update)
	if rr.Code != http.StatusOK {
		t.Fatalf("save status=%d body=%v", rr.Code, body)
	}
	stored, _ := f.mem.Get(service, "pid-1")
	if body["_rev"] != stored.Rev {
		t.Fatalf("save rev=%v stored=%q", body["_rev"], stored.Rev)
	}

	rr, _ = f.do(t, http.MethodPut, "/services/spark-one/blocks/pid-1", blocks.Block{ID: "other"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("mismatch status=%d", rr.Code)
	}

	rr, _ = f.do(t, http.MethodDelete, "/services/spark-one/blocks/pid-1", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rr.Code)
	}
	rr, _ = f.do(t, http.MethodDelete, "/services/spark-one/blocks/pid-1", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("second delete status=%d", rr.Code)
	}
	rr, _ = f.do(t, http.MethodGet, "/services/spark-one/blocks/pid-1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", rr.Code)
	}
	rr, _ = f.do(t, http.MethodPost, "/services/spark-one/blocks", blocks.Block{ID: "x", Type: "NoSuchType"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown type status=%d", rr.Code)
	}
}

func TestRenameFailureReturnsPayload(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	f.do(t, http.MethodPost, "/services/spark-one/blocks", blocks.Block{ID: "a", Type: spec.TypeMutex})

	rr, body := f.do(t, http.MethodPost, "/services/spark-one/blocks/a/rename", renameRequest{ID: "b"})
	if rr.Code != http.StatusOK || body["id"] != "b" {
		t.Fatalf("rename status=%d body=%v", rr.Code, body)
	}

	f.mem.FailNext(remote.OpCreate, errors.New("flash write failed"))
	rr, body = f.do(t, http.MethodPost, "/services/spark-one/blocks/b/rename", renameRequest{ID: "c"})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("failed rename status=%d body=%v", rr.Code, body)
	}
	payload, _ := body["block"].(map[string]any)
	if payload["id"] != "c" || body["from"] != "b" {
		t.Fatalf("payload=%v", body)
	}

	rr, _ = f.do(t, http.MethodPost, "/services/spark-one/blocks/missing/rename", renameRequest{ID: "z"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing rename status=%d", rr.Code)
	}
}

func TestTransportErrorsMapTo503(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	f.do(t, http.MethodPost, "/services/spark-one/blocks", blocks.Block{ID: "a", Type: spec.TypeMutex})
	f.mem.FailNext(remote.OpRemove, errors.New("timeout"))
	rr, _ := f.do(t, http.MethodDelete, "/services/spark-one/blocks/a", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestPresetsAndSpecs(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	rr, _ := f.do(t, http.MethodPost, "/presets", blocks.Preset{ID: "p"})
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("presets without store status=%d", rr.Code)
	}
	rr, body := f.do(t, http.MethodGet, "/specs", nil)
	types, _ := body["types"].([]any)
	if rr.Code != http.StatusOK || len(types) != len(spec.Builtin()) {
		t.Fatalf("specs status=%d body=%v", rr.Code, body)
	}
	rr, body = f.do(t, http.MethodGet, "/specs/Pid", nil)
	if rr.Code != http.StatusOK || body["type"] != spec.TypePid {
		t.Fatalf("spec status=%d body=%v", rr.Code, body)
	}
	rr, body = f.do(t, http.MethodGet, "/specs/Nope", nil)
	if msg, _ := body["error"].(string); rr.Code != http.StatusNotFound || !strings.Contains(msg, "block type not found") {
		t.Fatalf("unknown spec status=%d body=%v", rr.Code, body)
	}
}

func TestLayoutRoutes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	rr, body := f.do(t, http.MethodPost, "/layouts", blocks.Layout{ID: "l1", Title: "Brewhouse", Width: 10, Height: 6})
	if rr.Code != http.StatusCreated || body["_rev"] == "" {
		t.Fatalf("create status=%d body=%v", rr.Code, body)
	}
	rr, body = f.do(t, http.MethodPut, "/layouts/l1", blocks.Layout{Title: "Cellar"})
	if rr.Code != http.StatusOK || body["title"] != "Cellar" {
		t.Fatalf("save status=%d body=%v", rr.Code, body)
	}
	rr, body = f.do(t, http.MethodGet, "/layouts", nil)
	list, _ := body["layouts"].([]any)
	if rr.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list status=%d body=%v", rr.Code, body)
	}
	rr, _ = f.do(t, http.MethodDelete, "/layouts/l1", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rr.Code)
	}
	rr, _ = f.do(t, http.MethodGet, "/layouts/l1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", rr.Code)
	}

	rr, body = f.do(t, http.MethodPost, "/layouts", map[string]any{"title": "no id"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("create without id status=%d body=%v", rr.Code, body)
	}
	if items, _ := f.layouts.FetchAll(context.Background(), "default"); len(items) != 0 {
		t.Fatalf("layout without id stored remotely: %+v", items)
	}
	rr, _ = f.do(t, http.MethodPut, "/layouts/l2", blocks.Layout{ID: "other"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("id mismatch status=%d", rr.Code)
	}
}

func TestProcessRoutes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	process := blocks.Process{
		ID:    "ferment",
		Title: "Ferment",
		Steps: []blocks.ProcessStep{{ID: "s1", Title: "Pitch", Actions: []map[string]any{{"type": "BlockPatch", "blockId": "Beer Setpoint"}}}},
	}
	rr, body := f.do(t, http.MethodPost, "/processes", process)
	if rr.Code != http.StatusCreated || body["_rev"] == "" {
		t.Fatalf("create status=%d body=%v", rr.Code, body)
	}
	stored, ok := f.processes.Get("default", "ferment")
	if !ok || len(stored.Steps) != 1 || stored.Steps[0].Actions[0]["blockId"] != "Beer Setpoint" {
		t.Fatalf("stored=%+v ok=%v", stored, ok)
	}

	f.processes.Put("default", blocks.Process{ID: "crash", Title: "Cold crash"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body = f.do(t, http.MethodGet, "/processes", nil)
		if list, _ := body["processes"].([]any); len(list) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("feed upsert not mirrored: %v", body)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rr, body = f.do(t, http.MethodPut, "/processes/ferment", blocks.Process{Title: "Ferment ale", Rev: stored.Rev})
	if rr.Code != http.StatusOK || body["title"] != "Ferment ale" {
		t.Fatalf("save status=%d body=%v", rr.Code, body)
	}
	rr, _ = f.do(t, http.MethodDelete, "/processes/ferment", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rr.Code)
	}
	if _, ok := f.processes.Get("default", "ferment"); ok {
		t.Fatalf("process still stored after delete")
	}
}

func TestPreflightAllowsAuthorization(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv := New("syncctl-test", ":0", mirror.NewRegistry(mirror.Config{}), []string{"http://localhost:3000"})
	srv.Auth = auth.StaticToken{Token: "s3cret"}
	srv.RegisterRoutes()

	req := httptest.NewRequest(http.MethodOptions, "/services", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "authorization")
	rr := httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight status=%d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(strings.ToLower(got), "authorization") {
		t.Fatalf("preflight allow headers=%q", got)
	}
}

func TestStatusOf(t *testing.T) {
	testlog.Start(t)
	cases := map[int]error{
		http.StatusBadGateway:          &blocks.RenameFailedError{From: "a", Err: &blocks.TransportError{Op: "create", Err: errors.New("x")}},
		http.StatusServiceUnavailable:  &blocks.TransportError{Op: "fetch", Err: errors.New("x")},
		http.StatusConflict:            &blocks.StateError{ServiceID: "s", State: "starting", Op: "add_service"},
		http.StatusNotFound:            ErrServiceNotFound,
		http.StatusBadRequest:          fmt.Errorf("%w: create layouts without id", mirror.ErrInvalidID),
		http.StatusInternalServerError: errors.New("other"),
	}
	for want, err := range cases {
		if got := statusOf(err); got != want {
			t.Fatalf("statusOf(%v)=%d want %d", err, got, want)
		}
	}
}

func TestTokenGuardsRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	reg := mirror.NewRegistry(mirror.Config{})
	srv := New("syncctl-test", ":0", reg, nil)
	srv.Auth = auth.StaticToken{Token: "s3cret"}
	srv.RegisterRoutes()

	send := func(path, header string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		srv.HTTPRouter().ServeHTTP(rr, req)
		return rr.Code
	}
	if code := send("/health", ""); code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", code)
	}
	if code := send("/services", ""); code != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d", code)
	}
	if code := send("/services", "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d", code)
	}
	if code := send("/services", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("valid token status=%d", code)
	}
	if code := send("/services?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token status=%d", code)
	}
}
