// Package api implements the management/admin REST facade (design doc
// Section 6.3): upstream lifecycle, API key issuance, policy document
// management, resource-limit status, plus a live WebSocket event feed —
// all distinct from the client-facing MCP endpoint the proxy wrapper
// serves.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcpgate/mcpgate/internal/apikey"
	"github.com/mcpgate/mcpgate/internal/loadbalancer"
	"github.com/mcpgate/mcpgate/internal/manager"
	"github.com/mcpgate/mcpgate/internal/policy"
	"github.com/mcpgate/mcpgate/internal/resourcelimit"
	"github.com/mcpgate/mcpgate/internal/upstream"
	"github.com/mcpgate/mcpgate/internal/wrapper"
)

// Options bundles the facade's dependencies (composition-root wiring,
// mirroring the teacher's Options-struct-plus-New convention).
type Options struct {
	Wrapper        *wrapper.Wrapper
	Balancer       *loadbalancer.Balancer
	Manager        *manager.Manager
	Keys           *apikey.Store
	Policy         *policy.InternalDecider
	ResourceLimits *resourcelimit.Manager
}

// API serves the management REST surface and the live event feed.
type API struct {
	wrapper        *wrapper.Wrapper
	balancer       *loadbalancer.Balancer
	manager        *manager.Manager
	keys           *apikey.Store
	policy         *policy.InternalDecider
	resourceLimits *resourcelimit.Manager

	hub *eventHub
}

// New builds an API facade and starts its event hub goroutine.
func New(opts Options) *API {
	a := &API{
		wrapper:        opts.Wrapper,
		balancer:       opts.Balancer,
		manager:        opts.Manager,
		keys:           opts.Keys,
		policy:         opts.Policy,
		resourceLimits: opts.ResourceLimits,
		hub:            newEventHub(),
	}
	go a.hub.run()
	return a
}

// SetDeps attaches the wrapper and manager once they exist. The
// composition root builds the API facade first (so its event hub can be
// wired into the wrapper's telemetry fan-out before the wrapper itself
// exists), then calls SetDeps once the wrapper and manager are built.
func (a *API) SetDeps(w *wrapper.Wrapper, b *loadbalancer.Balancer, m *manager.Manager) {
	a.wrapper = w
	a.balancer = b
	a.manager = m
}

// Sink returns the telemetry sink that feeds the live event stream, for
// wiring into the wrapper's telemetry fan-out alongside the slog and
// Prometheus sinks.
func (a *API) Sink() *eventHub {
	return a.hub
}

// Handler builds the management API's mux. Routes mirror design doc
// Section 6.3's operation groups: upstreams, keys, policy, limits.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/upstreams", a.handleUpstreams)
	mux.HandleFunc("/api/upstreams/", a.handleUpstreamByID)
	mux.HandleFunc("/api/discover", a.handleDiscover)
	mux.HandleFunc("/api/rollup", a.handleRollup)
	mux.HandleFunc("/api/strategy", a.handleStrategy)

	mux.HandleFunc("/api/keys", a.handleKeys)
	mux.HandleFunc("/api/keys/revoke", a.handleKeyRevoke)

	mux.HandleFunc("/api/policy", a.handlePolicy)
	mux.HandleFunc("/api/policy/activate", a.handlePolicyActivate)
	mux.HandleFunc("/api/policy/versions", a.handlePolicyVersions)

	mux.HandleFunc("/api/limits/active", a.handleLimitsActive)
	mux.HandleFunc("/api/limits/history", a.handleLimitsHistory)
	mux.HandleFunc("/api/limits/interrupt", a.handleLimitsInterrupt)
	mux.HandleFunc("/api/limits/check-soft-limits", a.handleLimitsCheckSoft)
	mux.HandleFunc("/api/limits/check-hard-limits", a.handleLimitsCheckHard)

	mux.HandleFunc("/api/events", a.hub.handleWebSocket)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("management API: failed encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- upstreams -------------------------------------------------------

func (a *API) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.balancer.Snapshot())

	case http.MethodPost:
		var cfg upstream.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.wrapper.RegisterUpstream(r.Context(), cfg); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusCreated, cfg)

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

// handleUpstreamByID handles /api/upstreams/{id} and
// /api/upstreams/{id}/discover.
func (a *API) handleUpstreamByID(w http.ResponseWriter, r *http.Request) {
	id, sub := splitPath(r.URL.Path, "/api/upstreams/")
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing upstream id"))
		return
	}

	if sub == "discover" {
		descs, err := a.wrapper.DiscoverTools(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, descs)
		return
	}

	switch r.Method {
	case http.MethodGet:
		for _, c := range a.balancer.Snapshot() {
			if c.Config.ID == id {
				writeJSON(w, http.StatusOK, c)
				return
			}
		}
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown upstream %q", id))

	case http.MethodDelete:
		a.wrapper.UnregisterUpstream(id)
		writeJSON(w, http.StatusNoContent, nil)

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (a *API) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if err := a.manager.DiscoverAll(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, a.manager.Rollup())
}

func (a *API) handleRollup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Rollup())
}

func (a *API) handleStrategy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"available": a.balancer.StrategyNames()})

	case http.MethodPut:
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.balancer.SetStrategy(body.Name); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, nil)

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

// --- API keys ----------------------------------------------------------

func (a *API) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		recs, err := a.keys.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)

	case http.MethodPost:
		var body struct {
			Name        string            `json:"name"`
			Permissions []string          `json:"permissions"`
			TTL         time.Duration     `json:"ttl,omitempty"`
			Metadata    map[string]string `json:"metadata,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		plaintext, rec, err := a.keys.Issue(body.Name, body.Permissions, body.TTL, body.Metadata)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"key": plaintext, "record": rec})

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (a *API) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var body struct {
		HashedKey string `json:"hashed_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.keys.Revoke(body.HashedKey); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- policy --------------------------------------------------------

func (a *API) handlePolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]int{"active_version": a.policy.ActiveVersion()})

	case http.MethodPost:
		var doc policy.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		version := a.policy.Propose(doc)
		writeJSON(w, http.StatusCreated, map[string]int{"version": version})

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (a *API) handlePolicyActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var body struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.policy.Activate(body.Version); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (a *API) handlePolicyVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": a.policy.Versions(),
		"active":   a.policy.ActiveVersion(),
	})
}

// --- resource limits -----------------------------------------------

func (a *API) handleLimitsActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"active_count": a.resourceLimits.ActiveCount()})
}

func (a *API) handleLimitsHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.resourceLimits.History())
}

func executionIDFromBody(r *http.Request) (string, error) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.ID == "" {
		return "", fmt.Errorf("missing execution id")
	}
	return body.ID, nil
}

func (a *API) handleLimitsInterrupt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	id, err := executionIDFromBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.resourceLimits.Interrupt(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (a *API) handleLimitsCheckSoft(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	id, err := executionIDFromBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kinds, err := a.resourceLimits.CheckSoftLimits(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceeded": kinds})
}

func (a *API) handleLimitsCheckHard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	id, err := executionIDFromBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kinds, err := a.resourceLimits.CheckHardLimits(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceeded": kinds})
}

// splitPath splits "<prefix><id>[/<sub>]" into id and sub.
func splitPath(path, prefix string) (id, sub string) {
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

// ListenAndServe runs the management API on addr until ctx is canceled.
func ListenAndServe(ctx context.Context, addr string, a *API) error {
	srv := &http.Server{Addr: addr, Handler: a.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("management API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
