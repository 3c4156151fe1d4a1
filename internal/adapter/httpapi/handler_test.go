package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nexus-edge/saj-gateway/internal/adapter/state"
	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/nexus-edge/saj-gateway/internal/service"
	"github.com/rs/zerolog"
)

type memDevice struct {
	mu   sync.Mutex
	regs map[uint16]uint16
}

func (d *memDevice) Read(ctx context.Context, address, count uint16) ([]uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint16, count)
	for i := range out {
		out[i] = d.regs[address+uint16(i)]
	}
	return out, nil
}

func (d *memDevice) Write(ctx context.Context, address uint16, values []uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.regs[address+uint16(i)] = v
	}
	return nil
}

func (d *memDevice) Reconnect(ctx context.Context) error { return nil }

type testEnv struct {
	gateway *service.Gateway
	store   *state.Store
	mux     *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registers := &domain.RegisterMap{
		Blocks: []domain.RegisterBlock{
			{Name: "limits", Start: 0x365A, Count: 1, Tier: domain.TierSlow, Fields: []domain.DecodeInstruction{
				{Name: "export_limit", Type: domain.TypeUint16},
			}},
		},
		Writable: []domain.WritableRegister{{Field: "export_limit", Address: 0x365A, Min: 0, Max: 1100}},
	}
	dev := &memDevice{regs: map[uint16]uint16{0x365A: 400}}
	store := state.NewStore()

	cfg := service.GatewayConfig{
		Polling: service.PollingConfig{Tiers: map[domain.Tier]service.TierConfig{
			domain.TierSlow: {Interval: time.Hour, Enabled: true},
		}},
		Fanout: service.FanoutConfig{FlushInterval: 5 * time.Millisecond},
	}
	g := service.NewGateway(cfg, registers, dev, []service.Sink{store}, zerolog.Nop(), nil)
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Stop(ctx)
	})

	waitFor(t, func() bool { _, ok := store.Get("export_limit"); return ok })

	mux := http.NewServeMux()
	NewHandler(g, store, Config{WaitTimeout: 2 * time.Second}, zerolog.Nop()).Register(mux)
	return &testEnv{gateway: g, store: store, mux: mux}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, target, rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestHandler_Snapshot(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/snapshot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	fields := body["fields"].(map[string]interface{})
	if fields["export_limit"] != 400.0 {
		t.Fatalf("fields = %v", fields)
	}

	rec, body = env.do(t, http.MethodGet, "/api/snapshot/export_limit", "")
	if rec.Code != http.StatusOK || body["value"] != 400.0 {
		t.Fatalf("field: %d %v", rec.Code, body)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/snapshot/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown field status = %d", rec.Code)
	}
}

func TestHandler_State(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	entries := body["entries"].(map[string]interface{})
	entry := entries["export_limit"].(map[string]interface{})
	if entry["value"] != 400.0 {
		t.Fatalf("entry = %v", entry)
	}

	version := env.store.Version()
	rec, body = env.do(t, http.MethodGet, "/api/state?since="+jsonNumber(version), "")
	if rec.Code != http.StatusOK || len(body["entries"].(map[string]interface{})) != 0 {
		t.Fatalf("since: %d %v", rec.Code, body)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/state?since=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", rec.Code)
	}
}

func jsonNumber(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestHandler_PostCommand(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/commands", `{"request_id":"r1","field":"export_limit","value":700}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d %v", rec.Code, body)
	}
	if body["request_id"] != "r1" || body["command_id"] == nil {
		t.Fatalf("body = %v", body)
	}

	rec, body = env.do(t, http.MethodPost, "/api/commands?wait=true", `{"request_id":"r2","field":"export_limit","value":900}`)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("wait: %d %v", rec.Code, body)
	}
	if v, _ := env.gateway.Field("export_limit"); v != int64(900) {
		t.Fatalf("snapshot export_limit = %v", v)
	}
}

func TestHandler_PostCommandRejections(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"field":`, http.StatusBadRequest},
		{"unknown key", `{"field":"export_limit","value":1,"colour":"red"}`, http.StatusBadRequest},
		{"missing value", `{"field":"export_limit"}`, http.StatusBadRequest},
		{"out of range", `{"field":"export_limit","value":5000}`, http.StatusBadRequest},
		{"unknown field", `{"field":"nope","value":1}`, http.StatusBadRequest},
		{"unknown kind", `{"kind":"reboot"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := env.do(t, http.MethodPost, "/api/commands", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%v)", rec.Code, tt.want, body)
			}
			if body["error"] == nil {
				t.Fatalf("no error in %v", body)
			}
		})
	}
}

func TestHandler_PostCommandAfterStop(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.gateway.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	rec, _ := env.do(t, http.MethodPost, "/api/commands", `{"field":"export_limit","value":1}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_Status(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if tiers := body["tiers"].([]interface{}); len(tiers) != 3 {
		t.Fatalf("tiers = %v", tiers)
	}
	if body["snapshot_fields"] != 1.0 {
		t.Fatalf("body = %v", body)
	}

	rec, _ = env.do(t, http.MethodPost, "/status", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /status = %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Validationf("bad"), http.StatusBadRequest},
		{domain.ErrQueueFull, http.StatusServiceUnavailable},
		{domain.ErrQueueClosed, http.StatusServiceUnavailable},
		{domain.ErrReconnectionNeeded, http.StatusBadGateway},
		{domain.ErrOperationFailed, http.StatusBadGateway},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
