// Package control implements the HTTP/WebSocket control surface of
// spec.md §4.8/§6: the REST routes that mutate the retained-set
// descriptor and the /ws/{slug} upgrade that delegates to a Target
// Manager's Attach.
package control

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"telemetry-bridge/internal/layouts"
	"telemetry-bridge/internal/metrics"
	"telemetry-bridge/internal/registry"
	"telemetry-bridge/internal/wsproto"
)

// Surface wires the REST routes and the WS upgrade endpoint onto an
// *http.ServeMux-compatible router.
type Surface struct {
	store    *layouts.Store
	registry *registry.Registry
	logger   zerolog.Logger
	metrics  *metrics.Registry
}

// New constructs a Surface. Call SyncFromStore once at startup so the
// Registry starts any already-retained targets from the store's index.
func New(store *layouts.Store, reg *registry.Registry, logger zerolog.Logger, m *metrics.Registry) *Surface {
	return &Surface{store: store, registry: reg, logger: logger, metrics: m}
}

// Router builds the gorilla/mux router serving every route in spec.md §6.
func (s *Surface) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/layouts/index.json", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/layouts/{name}.json", s.handleGetLayout).Methods(http.MethodGet)
	r.HandleFunc("/layouts/{name}.json", s.handlePutLayout).Methods(http.MethodPut)
	r.HandleFunc("/layouts/{name}.json", s.handleDeleteLayout).Methods(http.MethodDelete)
	r.HandleFunc("/api/layouts/{name}/retention", s.handleRetention).Methods(http.MethodPost)
	r.HandleFunc("/ws/{slug}", s.handleUpgrade)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// SyncFromStore reads the current index and pushes it through
// registry.Sync, matching spec.md §4.8's "adapter invokes sync on every
// change" for the initial load.
func (s *Surface) SyncFromStore() error {
	entries, err := s.store.Index()
	if err != nil {
		return err
	}
	s.registry.Sync(toDesired(entries))
	return nil
}

func toDesired(entries []layouts.Entry) []registry.Entry {
	out := make([]registry.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Target == "" {
			continue
		}
		var filter map[string]bool
		if len(e.Topics) > 0 {
			filter = make(map[string]bool, len(e.Topics))
			for _, t := range e.Topics {
				filter[t] = true
			}
		}
		out = append(out, registry.Entry{
			URL:         e.Target,
			Slug:        layouts.Slug(e.Target),
			Retention:   e.Retention,
			TopicFilter: filter,
		})
	}
	return out
}

// indexEntry adds a derived "running" flag to a layout descriptor: whether
// its target currently has a live Manager, per s.registry.Slugs().
type indexEntry struct {
	layouts.Entry
	Running bool `json:"running"`
}

func (s *Surface) handleIndex(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Index()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	running := make(map[string]bool)
	for _, slug := range s.registry.Slugs() {
		running[slug] = true
	}

	out := make([]indexEntry, len(entries))
	for i, e := range entries {
		out[i] = indexEntry{Entry: e, Running: e.Target != "" && running[layouts.Slug(e.Target)]}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Surface) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	blob, err := s.store.ReadBlob(name)
	if err == layouts.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(blob)
}

func (s *Surface) handlePutLayout(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := layouts.UpsertOpts{}
	if target := strings.TrimSpace(r.Header.Get("X-Layout-Target")); r.Header.Get("X-Layout-Target") != "" {
		opts.TargetSet = true
		opts.Target = target
	}
	opts.Retention = r.Header.Get("X-Layout-Retention")
	if raw := r.Header.Get("X-Layout-Topics"); raw != "" {
		opts.TopicsSet = true
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				opts.Topics = append(opts.Topics, t)
			}
		}
	}

	if err := s.store.Upsert(name, body, opts); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.SyncFromStore(); err != nil {
		s.logger.Error().Err(err).Msg("control: sync after upsert failed")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Surface) handleDeleteLayout(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.store.Delete(name); err == layouts.ErrNotFound {
		http.NotFound(w, r)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.SyncFromStore(); err != nil {
		s.logger.Error().Err(err).Msg("control: sync after delete failed")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Surface) handleRetention(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.SetRetention(name, body.Enabled); err == layouts.ErrNotFound {
		http.NotFound(w, r)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.SyncFromStore(); err != nil {
		s.logger.Error().Err(err).Msg("control: sync after retention flip failed")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleUpgrade implements spec.md §4.8's WebSocket upgrade steps.
func (s *Surface) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	if slug == "" {
		http.Error(w, "missing slug", http.StatusBadRequest)
		return
	}

	negotiated := false
	upgrader := ws.HTTPUpgrader{
		Protocol: func(offered string) bool {
			if offered == wsproto.Subprotocol {
				negotiated = true
				return true
			}
			return false
		},
	}

	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("slug", slug).Msg("control: ws upgrade failed")
		return
	}

	if !negotiated {
		_ = wsutilWriteClose(conn, 1002, "Unsupported protocol")
		conn.Close()
		return
	}

	mgr, err := s.registry.GetOrCreate(slug)
	if err != nil {
		_ = wsutilWriteClose(conn, 1002, "Unknown slug")
		conn.Close()
		return
	}

	lookback := r.URL.Query().Get("lookback")

	sess := newWSSession(conn, slug, s.logger)
	session, err := mgr.Attach(sess, lookback)
	if err != nil {
		s.logger.Error().Err(err).Str("slug", slug).Msg("control: attach failed")
		conn.Close()
		return
	}

	go sess.run(context.Background(), session.Detach)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func wsutilWriteClose(conn net.Conn, code int, reason string) error {
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	_, err := conn.Write(ws.MustCompileFrame(frame))
	return err
}
