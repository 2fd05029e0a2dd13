package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"telemetry-bridge/internal/config"
	"telemetry-bridge/internal/layouts"
	"telemetry-bridge/internal/registry"
)

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }

func testSurface(t *testing.T) *Surface {
	t.Helper()
	store, err := layouts.New(t.TempDir())
	if err != nil {
		t.Fatalf("layouts.New: %v", err)
	}

	cfg := config.Config{DataDir: t.TempDir(), MaxRingAge: 15 * time.Minute, RetentionSpan: 7 * 24 * time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := registry.New(ctx, cfg, zerolog.Nop(), nil)
	return New(store, reg, zerolog.Nop(), nil)
}

func TestIndexEmptyReturnsEmptyArray(t *testing.T) {
	s := testSurface(t)
	req := httptest.NewRequest(http.MethodGet, "/layouts/index.json", nil)
	w := httptest.NewRecorder()

	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "[]\n" {
		t.Fatalf("expected empty array body, got %q", got)
	}
}

func TestPutThenGetLayout(t *testing.T) {
	s := testSurface(t)

	put := httptest.NewRequest(http.MethodPut, "/layouts/dash1.json", stringsReader(`{"panels":[]}`))
	put.Header.Set("X-Layout-Target", "wss://upstream.example/robot")
	put.Header.Set("X-Layout-Retention", "true")
	wPut := httptest.NewRecorder()
	s.Router().ServeHTTP(wPut, put)
	if wPut.Code != http.StatusOK {
		t.Fatalf("PUT: expected 200, got %d: %s", wPut.Code, wPut.Body.String())
	}

	get := httptest.NewRequest(http.MethodGet, "/layouts/dash1.json", nil)
	wGet := httptest.NewRecorder()
	s.Router().ServeHTTP(wGet, get)
	if wGet.Code != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d", wGet.Code)
	}
	if wGet.Body.String() != `{"panels":[]}` {
		t.Fatalf("unexpected body: %s", wGet.Body.String())
	}
}

func TestGetMissingLayoutReturns404(t *testing.T) {
	s := testSurface(t)
	req := httptest.NewRequest(http.MethodGet, "/layouts/missing.json", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteLayoutThenRetentionReturns404(t *testing.T) {
	s := testSurface(t)

	put := httptest.NewRequest(http.MethodPut, "/layouts/dash1.json", stringsReader(`{}`))
	s.Router().ServeHTTP(httptest.NewRecorder(), put)

	del := httptest.NewRequest(http.MethodDelete, "/layouts/dash1.json", nil)
	wDel := httptest.NewRecorder()
	s.Router().ServeHTTP(wDel, del)
	if wDel.Code != http.StatusOK {
		t.Fatalf("DELETE: expected 200, got %d", wDel.Code)
	}

	retention := httptest.NewRequest(http.MethodPost, "/api/layouts/dash1/retention", stringsReader(`{"enabled":true}`))
	wRetention := httptest.NewRecorder()
	s.Router().ServeHTTP(wRetention, retention)
	if wRetention.Code != http.StatusNotFound {
		t.Fatalf("expected 404 retention-toggling a deleted layout, got %d", wRetention.Code)
	}
}

func TestRetentionTogglePersistsAndSyncsRegistry(t *testing.T) {
	s := testSurface(t)

	put := httptest.NewRequest(http.MethodPut, "/layouts/dash1.json", stringsReader(`{}`))
	put.Header.Set("X-Layout-Target", "wss://upstream.example/robot")
	s.Router().ServeHTTP(httptest.NewRecorder(), put)

	retention := httptest.NewRequest(http.MethodPost, "/api/layouts/dash1/retention", stringsReader(`{"enabled":true}`))
	wRetention := httptest.NewRecorder()
	s.Router().ServeHTTP(wRetention, retention)
	if wRetention.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", wRetention.Code, wRetention.Body.String())
	}

	slug := layouts.Slug("wss://upstream.example/robot")
	if _, err := s.registry.GetOrCreate(slug); err != nil {
		t.Fatalf("expected registry to have started the target after retention flip: %v", err)
	}
}
