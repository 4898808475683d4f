package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func newTestPool(t *testing.T, n int, chatHandler http.HandlerFunc) *ProviderPool {
	t.Helper()
	srv := httptest.NewServer(chatHandler)
	t.Cleanup(srv.Close)

	blobs, err := NewBlobStore(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	store, err := NewRelStore(filepath.Join(t.TempDir(), "rel.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for i := 0; i < n; i++ {
		id := "qwen_creds_" + string(rune('a'+i)) + "aaa1111.json"
		cred := Credential{AccessToken: "tok", RefreshToken: "refresh", ResourceURL: srv.URL}
		if err := blobs.Set(id, cred, SetOptions{}); err != nil {
			t.Fatalf("seed cred: %v", err)
		}
	}

	registry := NewProviderRegistry(store)
	quota := NewQuotaManager(store, QuotaConfig{}, true)
	deferred := NewDeferredWork(16)
	t.Cleanup(deferred.Close)

	pool := NewProviderPool(registry, blobs, quota, deferred, srv.Client(), "client-id", srv.URL+"/device", srv.URL+"/token", srv.URL, defaultScanIntervalMs)
	if err := pool.Rescan(context.Background(), scanModeFull); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	return pool
}

func TestDispatchChatRotatesToNextOnFailure(t *testing.T) {
	var calls int
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
	pool := newTestPool(t, 2, handler)

	resp, err := pool.DispatchChat(context.Background(), map[string]any{"messages": []any{
		map[string]any{"role": "user", "content": "hi"},
	}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected eventual success, got %d", resp.StatusCode)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 upstream attempts, got %d", calls)
	}
}

func TestDispatchChatAllFailReturnsAggregateError(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	pool := newTestPool(t, 2, handler)

	_, err := pool.DispatchChat(context.Background(), map[string]any{"messages": []any{
		map[string]any{"role": "user", "content": "hi"},
	}})
	if err == nil {
		t.Fatalf("expected error when all providers fail")
	}
}

func TestDispatchSkipsProviderInCooldownUnlessLastCandidate(t *testing.T) {
	var calls []string
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
	pool := newTestPool(t, 2, handler)

	pool.mu.Lock()
	first := pool.providers[0]
	pool.mu.Unlock()
	first.mu.Lock()
	first.state.RetryAfterMs = time.Now().Add(time.Hour).UnixMilli()
	first.mu.Unlock()

	_, err := pool.DispatchChat(context.Background(), map[string]any{"messages": []any{
		map[string]any{"role": "user", "content": "hi"},
	}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected the cooled-down provider to be skipped, got calls=%v", calls)
	}
}

func TestRescanPreservesExistingProviderState(t *testing.T) {
	pool := newTestPool(t, 1, func(w http.ResponseWriter, r *http.Request) {})
	pool.mu.Lock()
	acc := pool.providers[0]
	pool.mu.Unlock()
	acc.mu.Lock()
	acc.state.TotalRequests = 42
	acc.mu.Unlock()

	if err := pool.Rescan(context.Background(), scanModeFull); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	pool.mu.Lock()
	got := pool.providers[0].Snapshot().TotalRequests
	pool.mu.Unlock()
	if got != 42 {
		t.Fatalf("expected rescan to preserve runtime state, got %d", got)
	}
}
