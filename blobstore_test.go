package main

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	s, err := NewBlobStore(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBlobStoreSetGetDelete(t *testing.T) {
	s := openTestBlobStore(t)

	type payload struct{ A int }
	if err := s.Set("k1", payload{A: 7}, SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got payload
	ok, err := s.Get("k1", &got)
	if err != nil || !ok || got.A != 7 {
		t.Fatalf("get = %v, %v, %+v", ok, err, got)
	}

	if err := s.Delete("k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = s.Get("k1", &got)
	if err != nil || ok {
		t.Fatalf("expected absent after delete, got ok=%v err=%v", ok, err)
	}
}

func TestBlobStoreTTLExpires(t *testing.T) {
	s := openTestBlobStore(t)
	if err := s.Set("ephemeral", "v", SetOptions{TTLSec: 1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	var v string
	ok, _ := s.Get("ephemeral", &v)
	if !ok {
		t.Fatalf("expected present immediately after set")
	}
	time.Sleep(1100 * time.Millisecond)
	ok, err := s.Get("ephemeral", &v)
	if err != nil || ok {
		t.Fatalf("expected expired, got ok=%v err=%v", ok, err)
	}
}

func TestBlobStoreListPrefix(t *testing.T) {
	s := openTestBlobStore(t)
	_ = s.Set("qwen_creds_aaaa1111", "x", SetOptions{})
	_ = s.Set("qwen_creds_bbbb2222", "x", SetOptions{})
	_ = s.Set("other_key", "x", SetOptions{})

	keys, err := s.ListPrefix("qwen_creds_")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}

	_ = s.Delete("qwen_creds_aaaa1111")
	keys, _ = s.ListPrefix("qwen_creds_")
	if len(keys) != 1 || keys[0] != "qwen_creds_bbbb2222" {
		t.Fatalf("expected only bbbb2222 remaining, got %v", keys)
	}
}

func TestBlobStoreLockMutualExclusion(t *testing.T) {
	s := openTestBlobStore(t)

	tok1, err := s.Acquire("token_refresh:acct1", 60)
	if err != nil || tok1 == "" {
		t.Fatalf("expected to acquire lock, got token=%q err=%v", tok1, err)
	}

	tok2, err := s.Acquire("token_refresh:acct1", 60)
	if err != nil {
		t.Fatalf("acquire err: %v", err)
	}
	if tok2 != "" {
		t.Fatalf("expected second acquire to fail while lock held")
	}

	if err := s.Release("token_refresh:acct1", tok1); err != nil {
		t.Fatalf("release: %v", err)
	}

	tok3, err := s.Acquire("token_refresh:acct1", 60)
	if err != nil || tok3 == "" {
		t.Fatalf("expected to reacquire after release, got %q %v", tok3, err)
	}
}

func TestBlobStoreLockExpires(t *testing.T) {
	s := openTestBlobStore(t)
	tok1, err := s.Acquire("short", 1)
	if err != nil || tok1 == "" {
		t.Fatalf("acquire: %v %v", tok1, err)
	}
	time.Sleep(1100 * time.Millisecond)
	tok2, err := s.Acquire("short", 5)
	if err != nil || tok2 == "" {
		t.Fatalf("expected reacquire after expiry, got %q %v", tok2, err)
	}
}

func TestBlobStoreReleaseRequiresMatchingToken(t *testing.T) {
	s := openTestBlobStore(t)
	tok1, _ := s.Acquire("l", 60)
	if err := s.Release("l", "wrong-token"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// lock must still be held since the wrong token was supplied
	tok2, err := s.Acquire("l", 60)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if tok2 != "" {
		t.Fatalf("lock should still be held by tok1=%s", tok1)
	}
}
