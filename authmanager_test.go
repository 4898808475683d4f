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

func newTestAuthManager(t *testing.T, tokenHandler http.HandlerFunc) (*AuthManager, *BlobStore) {
	t.Helper()
	srv := httptest.NewServer(tokenHandler)
	t.Cleanup(srv.Close)

	blobs, err := NewBlobStore(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	am := NewAuthManager("qwen_creds_aaaa1111.json", "client-id", srv.URL+"/device", srv.URL+"/token", blobs, srv.Client())
	return am, blobs
}

func TestGetValidFailsWithNoCreds(t *testing.T) {
	am, _ := newTestAuthManager(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := am.GetValid(context.Background())
	if err != errNoCreds {
		t.Fatalf("expected errNoCreds, got %v", err)
	}
}

func TestLegacyKeyMigratesOnFirstRead(t *testing.T) {
	am, blobs := newTestAuthManager(t, func(w http.ResponseWriter, r *http.Request) {})
	legacy := Credential{AccessToken: "tok", RefreshToken: "refresh"}
	if err := blobs.Set("./qwen_creds_aaaa1111.json", legacy, SetOptions{}); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}

	cred, err := am.GetValid(context.Background())
	if err != nil {
		t.Fatalf("get valid: %v", err)
	}
	if cred.AccessToken != "tok" {
		t.Fatalf("expected migrated credential, got %+v", cred)
	}

	ok, _ := blobs.Get("./qwen_creds_aaaa1111.json", &Credential{})
	if ok {
		t.Fatalf("legacy key should be deleted after migration")
	}
	ok, _ = blobs.Get("qwen_creds_aaaa1111.json", &Credential{})
	if !ok {
		t.Fatalf("canonical key should exist after migration")
	}
}

func TestRefreshRotatesTokenOnHTTP400(t *testing.T) {
	am, blobs := newTestAuthManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})
	seed := Credential{AccessToken: "old", RefreshToken: "refresh1", ExpiryUnixMs: time.Now().UnixMilli() - 1000}
	if err := blobs.Set("qwen_creds_aaaa1111.json", seed, SetOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := am.GetValid(context.Background())
	if err != errAuthExpired {
		t.Fatalf("expected errAuthExpired, got %v", err)
	}
}

func TestRefreshSucceedsAndPersistsCanonicalKey(t *testing.T) {
	am, blobs := newTestAuthManager(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			ExpiresIn:    3600,
		})
	})
	seed := Credential{AccessToken: "old", RefreshToken: "refresh1", ExpiryUnixMs: time.Now().UnixMilli() - 1000}
	if err := blobs.Set("qwen_creds_aaaa1111.json", seed, SetOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cred, err := am.GetValid(context.Background())
	if err != nil {
		t.Fatalf("get valid: %v", err)
	}
	if cred.AccessToken != "new-access" || cred.RefreshToken != "new-refresh" {
		t.Fatalf("unexpected refreshed credential: %+v", cred)
	}

	var stored Credential
	ok, err := blobs.Get("qwen_creds_aaaa1111.json", &stored)
	if err != nil || !ok {
		t.Fatalf("expected canonical key to hold refreshed credential")
	}
	if stored.AccessToken != "new-access" {
		t.Fatalf("store not updated: %+v", stored)
	}
}

func TestRefreshWaitsForRotationWhenLockHeld(t *testing.T) {
	am, blobs := newTestAuthManager(t, func(w http.ResponseWriter, r *http.Request) {})

	token, err := blobs.Acquire("token_refresh:qwen_creds_aaaa1111.json", 5)
	if err != nil || token == "" {
		t.Fatalf("expected to acquire lock for test setup: %v %q", err, token)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(200 * time.Millisecond)
		rotated := Credential{AccessToken: "rotated", RefreshToken: "rotated-refresh"}
		_ = blobs.Set("qwen_creds_aaaa1111.json", rotated, SetOptions{})
		_ = blobs.Release("token_refresh:qwen_creds_aaaa1111.json", token)
	}()

	cred, err := am.Refresh(context.Background(), "refresh1")
	<-done
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if cred.RefreshToken != "rotated-refresh" {
		t.Fatalf("expected to observe rotated credential, got %+v", cred)
	}
}

func TestExpiryExactlyAtBoundaryIsExpired(t *testing.T) {
	now := time.Now()
	c := Credential{ExpiryUnixMs: now.UnixMilli() + 300_000}
	if !c.expired(now) {
		t.Fatalf("expiry exactly now+300000ms should be considered expired")
	}
}

func TestNormalizedBaseURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"dashscope.example.com", "https://dashscope.example.com/v1"},
		{"https://dashscope.example.com", "https://dashscope.example.com/v1"},
		{"https://dashscope.example.com/v1", "https://dashscope.example.com/v1"},
		{"https://dashscope.example.com/v1/", "https://dashscope.example.com/v1"},
	}
	for _, c := range cases {
		cred := Credential{ResourceURL: c.in}
		if got := cred.normalizedBaseURL("https://default.example.com"); got != c.want {
			t.Fatalf("normalizedBaseURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
