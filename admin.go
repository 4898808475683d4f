package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

// AdminServer implements the /admin/api/* surface behind X-Admin-Key.
type AdminServer struct {
	pool     *ProviderPool
	quota    *QuotaManager
	registry *ProviderRegistry
	adminKey string
}

func NewAdminServer(pool *ProviderPool, quota *QuotaManager, registry *ProviderRegistry, adminKey string) *AdminServer {
	return &AdminServer{pool: pool, quota: quota, registry: registry, adminKey: adminKey}
}

func hashKey(k string) [32]byte { return sha256.Sum256([]byte(k)) }

func (a *AdminServer) authorized(r *http.Request) bool {
	if a.adminKey == "" {
		return false
	}
	given := r.Header.Get("X-Admin-Key")
	want := hashKey(a.adminKey)
	got := hashKey(given)
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// ServeHTTP routes by path suffix: one entrypoint, a short dispatch table
// keyed on method+suffix.
func (a *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/admin/api")
	switch {
	case path == "/stats" && r.Method == http.MethodGet:
		a.handleStats(w, r)
	case path == "/auth/start" && r.Method == http.MethodPost:
		a.handleAuthStart(w, r)
	case path == "/auth/poll" && r.Method == http.MethodPost:
		a.handleAuthPoll(w, r)
	case path == "/providers/alias" && r.Method == http.MethodPatch:
		a.handleSetAlias(w, r)
	case path == "/providers" && r.Method == http.MethodDelete:
		a.handleRemoveProvider(w, r)
	case path == "/providers/rescan" && r.Method == http.MethodPost:
		a.handleRescan(w, r)
	default:
		http.NotFound(w, r)
	}
}

type statsResponse struct {
	Providers    []ProviderRuntimeState `json:"providers"`
	RecentErrors []recentErrorEntry     `json:"recentErrors"`
}

func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, statsResponse{
		Providers:    a.pool.Snapshot(),
		RecentErrors: a.pool.RecentErrors(),
	})
}

func (a *AdminServer) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CodeChallenge string `json:"codeChallenge"`
		ID            string `json:"id"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		http.Error(w, `{"error":"malformed JSON body"}`, http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = "qwen_creds_" + randomHex(4) + ".json"
	}
	auth := NewAuthManager(req.ID, a.pool.clientID, a.pool.deviceAuthURL, a.pool.tokenURL, a.pool.blobs, a.pool.httpClient)
	start, err := auth.StartDeviceAuth(r.Context(), req.CodeChallenge)
	if err != nil {
		http.Error(w, `{"error":"`+sanitizeForJSON(err.Error())+`"}`, http.StatusBadGateway)
		return
	}
	respondJSON(w, map[string]any{"id": req.ID, "deviceAuth": start})
}

func (a *AdminServer) handleAuthPoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string `json:"id"`
		DeviceCode string `json:"deviceCode"`
		Verifier   string `json:"verifier"`
	}
	if err := decodeJSON(r.Body, &req); err != nil || req.ID == "" {
		http.Error(w, `{"error":"malformed JSON body"}`, http.StatusBadRequest)
		return
	}
	auth := NewAuthManager(req.ID, a.pool.clientID, a.pool.deviceAuthURL, a.pool.tokenURL, a.pool.blobs, a.pool.httpClient)
	cred, err := auth.ExchangeDeviceCode(r.Context(), req.DeviceCode, req.Verifier)
	if err != nil {
		if err == errPending {
			respondJSON(w, map[string]any{"status": "pending"})
			return
		}
		http.Error(w, `{"error":"`+sanitizeForJSON(err.Error())+`"}`, http.StatusBadGateway)
		return
	}
	_ = a.registry.Ensure(r.Context(), canonicalID(req.ID))
	respondJSON(w, map[string]any{"status": "complete", "resourceUrl": cred.ResourceURL})
}

func (a *AdminServer) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, `{"error":"missing id"}`, http.StatusBadRequest)
		return
	}
	var req struct {
		Alias string `json:"alias"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		http.Error(w, `{"error":"malformed JSON body"}`, http.StatusBadRequest)
		return
	}
	if err := a.registry.SetAlias(r.Context(), id, req.Alias); err != nil {
		http.Error(w, `{"error":"`+sanitizeForJSON(err.Error())+`"}`, http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{"ok": true})
}

func (a *AdminServer) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, `{"error":"missing id"}`, http.StatusBadRequest)
		return
	}
	if err := a.registry.Remove(r.Context(), id); err != nil {
		http.Error(w, `{"error":"`+sanitizeForJSON(err.Error())+`"}`, http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{"ok": true})
}

func (a *AdminServer) handleRescan(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode != scanModeFull {
		mode = scanModeLight
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := a.pool.Rescan(ctx, mode); err != nil {
		http.Error(w, `{"error":"`+sanitizeForJSON(err.Error())+`"}`, http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{"ok": true, "providers": len(a.pool.Snapshot())})
}

func sanitizeForJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
