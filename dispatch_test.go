package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServeChatReturns503WhenNoProvidersConfigured(t *testing.T) {
	pool := NewProviderPool(nil, nil, nil, NewDeferredWork(1), http.DefaultClient, "", "", "", "", defaultScanIntervalMs)
	d := NewDispatcher(pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	rr := httptest.NewRecorder()
	d.ServeChat(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for zero providers, got %d: %s", rr.Code, rr.Body.String())
	}
	var body gatewayError
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "No Qwen providers configured" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestServeChatRejectsMalformedJSON(t *testing.T) {
	pool := NewProviderPool(nil, nil, nil, NewDeferredWork(1), http.DefaultClient, "", "", "", "", defaultScanIntervalMs)
	d := NewDispatcher(pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`not json`))
	rr := httptest.NewRecorder()
	d.ServeChat(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestServeSearchRejectsMissingQuery(t *testing.T) {
	pool := NewProviderPool(nil, nil, nil, NewDeferredWork(1), http.DefaultClient, "", "", "", "", defaultScanIntervalMs)
	d := NewDispatcher(pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/web_search", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	d.ServeSearch(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestServeChatForwardsSuccessfulUpstreamResponse(t *testing.T) {
	pool := newTestPool(t, 1, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	d := NewDispatcher(pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	rr := httptest.NewRecorder()
	d.ServeChat(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"ok":true`) {
		t.Fatalf("expected upstream body forwarded, got %s", rr.Body.String())
	}
}
