package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/caffeineduck/wasmfs/config"
	"github.com/caffeineduck/wasmfs/hostfunc"
	"github.com/caffeineduck/wasmfs/readiness"
)

func setupTestSystem(t *testing.T, mutate func(*config.Config)) *system {
	t.Helper()

	cfg := config.GetDefaultConfig()
	cfg.StorageDir = newStorage(t, "home", "music")
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	s, err := newSystem(cfg)
	if err != nil {
		t.Fatalf("failed to create system: %v", err)
	}
	t.Cleanup(func() { s.close() })
	return s
}

func bootedSystem(t *testing.T, mutate func(*config.Config)) *system {
	t.Helper()
	s := setupTestSystem(t, mutate)
	if err := s.boot(context.Background()); err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	return s
}

func serve(t *testing.T, s *system, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	newRouter(s).ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := bootedSystem(t, nil)

	w := serve(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var resp healthResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "ok" || resp.Phase != "Mounted" {
		t.Errorf("unexpected health %+v", resp)
	}
}

func TestHealthReportsFailure(t *testing.T) {
	s := setupTestSystem(t, func(cfg *config.Config) { cfg.Mode = "synchronous" })
	s.registry.Unregister(hostfunc.CreateBackend)

	if err := s.boot(context.Background()); err == nil {
		t.Fatal("expected boot to fail without the backend factory")
	}

	w := serve(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
	var resp healthResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "failed" || resp.Phase != "Failed" {
		t.Errorf("unexpected health %+v", resp)
	}
	if !strings.Contains(resp.Error, "CapabilityUnavailable") {
		t.Errorf("error should name the failure kind: %q", resp.Error)
	}
}

func TestFlagsEndpoint(t *testing.T) {
	s := bootedSystem(t, nil)

	w := serve(t, s, http.MethodGet, "/flags", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var flags readiness.Flags
	if err := json.NewDecoder(w.Body).Decode(&flags); err != nil {
		t.Fatalf("decode flags: %v", err)
	}
	if !flags.FilesystemReady || !flags.BackendMounted || !flags.CapabilityAvailable {
		t.Errorf("unexpected flags %+v", flags)
	}
	if !strings.Contains(w.Body.String(), `"opfsFunctionsAvailable":true`) {
		t.Errorf("flags should use the published key names: %s", w.Body.String())
	}
}

func TestSetCapabilityEndpoint(t *testing.T) {
	s := bootedSystem(t, nil)

	w := serve(t, s, http.MethodPut, "/flags/capability", `{"available":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if s.channel.Bool(readiness.KeyCapabilityAvailable) {
		t.Error("capability flag should be cleared")
	}

	for _, body := range []string{``, `{}`, `{"available":"yes"}`} {
		if w := serve(t, s, http.MethodPut, "/flags/capability", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected status 400, got %d", body, w.Code)
		}
	}
}

func TestMountsEndpoint(t *testing.T) {
	s := bootedSystem(t, nil)

	w := serve(t, s, http.MethodGet, "/mounts", "")
	var mounts []mountView
	if err := json.NewDecoder(w.Body).Decode(&mounts); err != nil {
		t.Fatalf("decode mounts: %v", err)
	}
	if len(mounts) != 2 || mounts[0].Path != "/home" || mounts[1].Path != "/music" {
		t.Fatalf("unexpected mounts %+v", mounts)
	}
	if mounts[0].Mode != "0777" || mounts[0].Storage != "/home" {
		t.Errorf("unexpected mount %+v", mounts[0])
	}
}

func TestStatEndpoint(t *testing.T) {
	s := bootedSystem(t, nil)

	tests := []struct {
		target string
		want   int
	}{
		{"/fs/stat?path=/music", http.StatusOK},
		{"/fs/stat?path=/tmp", http.StatusOK},
		{"/fs/stat?path=/nope", http.StatusNotFound},
		{"/fs/stat?path=relative", http.StatusBadRequest},
		{"/fs/stat", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := serve(t, s, http.MethodGet, tt.target, ""); w.Code != tt.want {
			t.Errorf("%s: expected status %d, got %d: %s", tt.target, tt.want, w.Code, w.Body.String())
		}
	}

	w := serve(t, s, http.MethodGet, "/fs/stat?path=/music", "")
	var stat hostfunc.FSStatResponse
	json.NewDecoder(w.Body).Decode(&stat)
	if !stat.Mounted || !stat.IsDir {
		t.Errorf("unexpected stat %+v", stat)
	}
}

func TestSyncEndpoint(t *testing.T) {
	s := bootedSystem(t, nil)

	w := serve(t, s, http.MethodPost, "/fs/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"synced":2`) {
		t.Errorf("expected both mounts synced: %s", w.Body.String())
	}

	if w := serve(t, s, http.MethodGet, "/fs/sync", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := bootedSystem(t, nil)

	w := serve(t, s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"wasmfs_handshake_phase",
		`wasmfs_hook_invocations_total{hook="before_preload",result="ok"} 1`,
		`wasmfs_mount_total{result="ok"} 2`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics should contain %q", want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	s := bootedSystem(t, func(cfg *config.Config) { cfg.Metrics.Enabled = false })
	if w := serve(t, s, http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}
