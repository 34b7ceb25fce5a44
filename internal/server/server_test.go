package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lapso-labs/lapso-coordinator/internal/alert"
	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/config"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/ratelimit"
	"github.com/lapso-labs/lapso-coordinator/internal/service"
	"github.com/lapso-labs/lapso-coordinator/internal/storage/memory"
)

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, maxRequests int) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Real()
	store := memory.New()

	cfg := &config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = "server-test-secret"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Auth.Users = map[string]string{"alice": "alice-pw", "bob": "bob-pw"}

	limiter := ratelimit.NewLimiter(time.Minute, maxRequests, 4, clk)
	detector := ratelimit.NewDetector(ratelimit.DetectorConfig{Period: 5 * time.Minute, MaxOrigins: 3, MaxVolume: 1000}, 4, clk)
	monitor := service.NewSecurityMonitor(limiter, detector, alert.Discard, clk, logger)
	guard := service.NewGuard(service.NewStoreDirectory(store, clk), monitor, time.Second, logger)
	records := service.NewDeviceLocks(4)
	commands := service.NewCommandService(store, store, guard, records, service.CommandConfig{
		DefaultTTL:      time.Hour,
		DefaultPriority: 5,
		DefaultBatch:    10,
		MaxBatch:        50,
	}, 4, clk, logger)
	geofences := service.NewGeofenceService(store, store, guard, commands, alert.Discard, clk, logger)
	telemetry := service.NewTelemetryService(store, guard, monitor, geofences, records, clk, logger)
	auth, err := service.NewAuthService(cfg, clk, logger)
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	return New(cfg, telemetry, commands, geofences, auth, nil, logger)
}

func (s *Server) do(t *testing.T, method, path, token string, body any, headers ...string) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &env)
	return resp.StatusCode, env
}

func (s *Server) login(t *testing.T, user, password string) string {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": user, "password": password})
	if status != http.StatusOK {
		t.Fatalf("login %s: status %d (%s)", user, status, env.Msg)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		t.Fatalf("login %s: no token in %s", user, env.Data)
	}
	return data.Token
}

func registerAgent(t *testing.T, s *Server, deviceID, ownerID string) {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/api/agent/telemetry", "", map[string]any{
		"deviceId":     deviceID,
		"ownerId":      ownerID,
		"deviceName":   "laptop",
		"batteryLevel": 90,
	}, FingerprintHeader, "fp-"+deviceID)
	if status != http.StatusOK {
		t.Fatalf("register %s: status %d (%s)", deviceID, status, env.Msg)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 120)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	s := newTestServer(t, 120)
	status, env := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "alice", "password": "wrong"})
	if status != http.StatusUnauthorized || env.Code != model.UnauthorizedCode {
		t.Errorf("bad password: got %d/%s", status, env.Code)
	}

	token := s.login(t, "alice", "alice-pw")
	status, env = s.do(t, http.MethodGet, "/auth/profile", token, nil)
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"alice"`) {
		t.Errorf("profile: got %d %s", status, env.Data)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	s := newTestServer(t, 120)
	registerAgent(t, s, "dev-1", "alice")
	token := s.login(t, "alice", "alice-pw")

	for _, kind := range []string{"lock", "WIPE"} {
		status, env := s.do(t, http.MethodPost, "/api/commands", token, map[string]any{"deviceId": "dev-1", "kind": kind})
		if status != http.StatusCreated {
			t.Fatalf("enqueue %s: status %d (%s)", kind, status, env.Msg)
		}
	}

	status, env := s.do(t, http.MethodGet, "/api/agent/commands?deviceId=dev-1&ownerId=alice&max=2", "", nil, FingerprintHeader, "fp-dev-1")
	if status != http.StatusOK {
		t.Fatalf("poll: status %d (%s)", status, env.Msg)
	}
	var cmds []model.Command
	if err := json.Unmarshal(env.Data, &cmds); err != nil {
		t.Fatalf("decode poll: %v", err)
	}
	if len(cmds) != 2 || cmds[0].Kind != model.CommandWipe || cmds[1].Kind != model.CommandLock {
		t.Fatalf("poll order: got %+v", cmds)
	}

	status, env = s.do(t, http.MethodPost, "/api/agent/commands/"+cmds[1].ID+"/result", "", map[string]any{
		"deviceId": "dev-1",
		"ownerId":  "alice",
		"success":  true,
		"result":   map[string]string{"screen": "locked"},
	}, FingerprintHeader, "fp-dev-1")
	if status != http.StatusOK {
		t.Fatalf("result: status %d (%s)", status, env.Msg)
	}
	var ack service.ResultAck
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Applied || ack.Command.Status != model.CommandCompleted || ack.Command.Result != `{"screen":"locked"}` {
		t.Errorf("ack: got %+v", ack)
	}

	status, env = s.do(t, http.MethodGet, "/api/devices/dev-1", token, nil)
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"locked":true`) {
		t.Errorf("device after LOCK: got %d %s", status, env.Data)
	}
	if strings.Contains(string(env.Data), "fingerprint") {
		t.Errorf("device view exposes fingerprint: %s", env.Data)
	}

	status, env = s.do(t, http.MethodGet, "/api/devices/dev-1/commands", token, nil)
	if status != http.StatusOK {
		t.Fatalf("history: status %d", status)
	}
	var history []model.Command
	if err := json.Unmarshal(env.Data, &history); err != nil || len(history) != 2 {
		t.Errorf("history: got %s", env.Data)
	}

	status, env = s.do(t, http.MethodGet, "/api/devices/dev-1/commands?page=2&pageSize=1", token, nil)
	if status != http.StatusOK {
		t.Fatalf("paged history: status %d", status)
	}
	var page model.Page[model.Command]
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 2 || page.Pages != 2 || page.PageNum != 2 || len(page.Data) != 1 {
		t.Errorf("paged history: got %+v", page)
	}

	status, env = s.do(t, http.MethodGet, "/api/devices/dev-1/commands?page=922337203685477582&pageSize=10", token, nil)
	if status != http.StatusOK {
		t.Fatalf("far page: status %d (%s)", status, env.Msg)
	}
	if err := json.Unmarshal(env.Data, &page); err != nil || page.Total != 2 || len(page.Data) != 0 {
		t.Errorf("far page: got %s", env.Data)
	}

	status, env = s.do(t, http.MethodGet, "/api/status", token, nil)
	if status != http.StatusOK {
		t.Fatalf("status: %d", status)
	}
	var fleet model.FleetStatus
	if err := json.Unmarshal(env.Data, &fleet); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	want := model.FleetStatus{Status: "ok", AllDeviceNum: 1, OnlineDeviceNum: 1, LockedDeviceNum: 1}
	if fleet != want {
		t.Errorf("fleet status: got %+v, want %+v", fleet, want)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, 120)
	registerAgent(t, s, "dev-1", "alice")
	alice := s.login(t, "alice", "alice-pw")
	bob := s.login(t, "bob", "bob-pw")

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		body       any
		headers    []string
		wantStatus int
		wantCode   string
	}{
		{"admin without token", http.MethodGet, "/api/devices/dev-1", "", nil, nil, http.StatusUnauthorized, model.UnauthorizedCode},
		{"admin with garbage token", http.MethodGet, "/api/devices/dev-1", "garbage", nil, nil, http.StatusUnauthorized, model.UnauthorizedCode},
		{"foreign device", http.MethodGet, "/api/devices/dev-1", bob, nil, nil, http.StatusUnauthorized, model.UnauthorizedCode},
		{"unknown device is not revealed", http.MethodGet, "/api/devices/nope", alice, nil, nil, http.StatusUnauthorized, model.UnauthorizedCode},
		{"bad kind", http.MethodPost, "/api/commands", alice, map[string]any{"deviceId": "dev-1", "kind": "REBOOT"}, nil, http.StatusBadRequest, model.ValidationCode},
		{"bad priority", http.MethodPost, "/api/commands", alice, map[string]any{"deviceId": "dev-1", "kind": "LOCK", "priority": 42}, nil, http.StatusBadRequest, model.ValidationCode},
		{"unknown command", http.MethodGet, "/api/commands/nope", alice, nil, nil, http.StatusNotFound, model.NotFoundCode},
		{"unknown geofence", http.MethodGet, "/api/geofences/nope", alice, nil, nil, http.StatusNotFound, model.NotFoundCode},
		{"spoofed owner", http.MethodPost, "/api/agent/telemetry", "", map[string]any{"deviceId": "dev-1", "ownerId": "bob"}, []string{FingerprintHeader, "fp-dev-1"}, http.StatusUnauthorized, model.UnauthorizedCode},
		{"spoofed fingerprint", http.MethodPost, "/api/agent/telemetry", "", map[string]any{"deviceId": "dev-1", "ownerId": "alice"}, []string{FingerprintHeader, "stolen"}, http.StatusUnauthorized, model.UnauthorizedCode},
		{"unregistered agent poll", http.MethodGet, "/api/agent/commands?deviceId=ghost&ownerId=alice", "", nil, nil, http.StatusNotFound, model.NotFoundCode},
		{"invalid telemetry", http.MethodPost, "/api/agent/telemetry", "", map[string]any{"deviceId": "dev-1", "ownerId": "alice", "batteryLevel": 140}, []string{FingerprintHeader, "fp-dev-1"}, http.StatusBadRequest, model.ValidationCode},
		{"bad max", http.MethodGet, "/api/agent/commands?deviceId=dev-1&ownerId=alice&max=x", "", nil, nil, http.StatusBadRequest, model.ValidationCode},
		{"ttl overflowing a duration", http.MethodPost, "/api/commands", alice, map[string]any{"deviceId": "dev-1", "kind": "LOCK", "ttlSeconds": int64(18446744074)}, nil, http.StatusBadRequest, model.ValidationCode},
		{"ttl above cap", http.MethodPost, "/api/commands", alice, map[string]any{"deviceId": "dev-1", "kind": "LOCK", "ttlSeconds": int64(400 * 24 * 3600)}, nil, http.StatusBadRequest, model.ValidationCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := s.do(t, tt.method, tt.path, tt.token, tt.body, tt.headers...)
			if status != tt.wantStatus || env.Code != tt.wantCode {
				t.Errorf("got %d/%s (%s), want %d/%s", status, env.Code, env.Msg, tt.wantStatus, tt.wantCode)
			}
		})
	}

	// Every ownership failure reads the same.
	_, owner := s.do(t, http.MethodPost, "/api/agent/telemetry", "", map[string]any{"deviceId": "dev-1", "ownerId": "bob"}, FingerprintHeader, "fp-dev-1")
	_, fp := s.do(t, http.MethodPost, "/api/agent/telemetry", "", map[string]any{"deviceId": "dev-1", "ownerId": "alice"}, FingerprintHeader, "stolen")
	if owner.Msg != fp.Msg {
		t.Errorf("messages differ: %q vs %q", owner.Msg, fp.Msg)
	}
}

func TestTelemetryRateLimited(t *testing.T) {
	const limit = 3
	s := newTestServer(t, limit)
	registerAgent(t, s, "dev-1", "alice")

	body := map[string]any{"deviceId": "dev-1", "ownerId": "alice", "cpuUsage": 10}
	for i := 1; i < limit; i++ {
		if status, env := s.do(t, http.MethodPost, "/api/agent/telemetry", "", body, FingerprintHeader, "fp-dev-1"); status != http.StatusOK {
			t.Fatalf("request %d: status %d (%s)", i+1, status, env.Msg)
		}
	}
	status, env := s.do(t, http.MethodPost, "/api/agent/telemetry", "", body, FingerprintHeader, "fp-dev-1")
	if status != http.StatusTooManyRequests || env.Code != model.RateLimitedCode {
		t.Errorf("request %d: got %d/%s, want 429/%s", limit+1, status, env.Code, model.RateLimitedCode)
	}
}

func TestGeofenceEndpoints(t *testing.T) {
	s := newTestServer(t, 120)
	registerAgent(t, s, "dev-1", "alice")
	token := s.login(t, "alice", "alice-pw")

	status, env := s.do(t, http.MethodPost, "/api/geofences", token, map[string]any{
		"name":            "office",
		"centerLatitude":  38.7223,
		"centerLongitude": -9.1393,
		"radiusMeters":    300,
	})
	if status != http.StatusCreated {
		t.Fatalf("create: status %d (%s)", status, env.Msg)
	}
	var fence model.Geofence
	if err := json.Unmarshal(env.Data, &fence); err != nil {
		t.Fatalf("decode fence: %v", err)
	}

	if status, env := s.do(t, http.MethodPost, "/api/geofences", token, map[string]any{"name": "bad", "centerLatitude": 0, "centerLongitude": 0, "radiusMeters": -1}); status != http.StatusBadRequest {
		t.Errorf("negative radius: status %d (%s)", status, env.Msg)
	}

	status, _ = s.do(t, http.MethodPost, "/api/agent/telemetry", "", map[string]any{
		"deviceId":  "dev-1",
		"ownerId":   "alice",
		"latitude":  38.7224,
		"longitude": -9.1394,
	}, FingerprintHeader, "fp-dev-1")
	if status != http.StatusOK {
		t.Fatalf("location telemetry: status %d", status)
	}

	status, env = s.do(t, http.MethodGet, "/api/devices/dev-1/geofence-status", token, nil)
	if status != http.StatusOK {
		t.Fatalf("status: %d (%s)", status, env.Msg)
	}
	var gs model.GeofenceStatus
	if err := json.Unmarshal(env.Data, &gs); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !gs.HasLocation || len(gs.Inside) != 1 || gs.Inside[0].ID != fence.ID {
		t.Errorf("geofence status: got %+v", gs)
	}

	status, env = s.do(t, http.MethodPut, "/api/geofences/"+fence.ID, token, map[string]any{"radiusMeters": 50})
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"radiusMeters":50`) {
		t.Errorf("update: got %d %s", status, env.Data)
	}
	status, env = s.do(t, http.MethodPost, "/api/geofences/"+fence.ID+"/toggle", token, nil)
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"active":false`) {
		t.Errorf("toggle: got %d %s", status, env.Data)
	}
	status, env = s.do(t, http.MethodGet, "/api/geofences?activeOnly=true", token, nil)
	if status != http.StatusOK || string(env.Data) != "[]" {
		t.Errorf("active list: got %d %s", status, env.Data)
	}

	bob := s.login(t, "bob", "bob-pw")
	if status, _ := s.do(t, http.MethodDelete, "/api/geofences/"+fence.ID, bob, nil); status != http.StatusNotFound {
		t.Errorf("foreign delete: status %d, want 404", status)
	}
	if status, _ := s.do(t, http.MethodDelete, "/api/geofences/"+fence.ID, token, nil); status != http.StatusOK {
		t.Errorf("delete: status %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 120)
	registerAgent(t, s, "dev-1", "alice")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if want := fmt.Sprintf("lapso_telemetry_ingest_total{result=%q}", "accepted"); !strings.Contains(string(raw), want) {
		t.Errorf("metrics output missing %s", want)
	}
}
