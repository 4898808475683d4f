package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestQuotaManager(t *testing.T, cfg QuotaConfig) (*QuotaManager, *RelStore) {
	t.Helper()
	store, err := NewRelStore(filepath.Join(t.TempDir(), "rel.db"))
	if err != nil {
		t.Fatalf("open rel store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewQuotaManager(store, cfg, true), store
}

func waitForFlush(q *QuotaManager) {
	q.flushMu.Lock()
	tail := q.flushTail
	q.flushMu.Unlock()
	select {
	case <-tail:
	case <-time.After(2 * time.Second):
	}
}

func TestCheckQuotaZeroLimitAlwaysAllowed(t *testing.T) {
	q, _ := newTestQuotaManager(t, QuotaConfig{})
	d, err := q.CheckQuota(context.Background(), "p1", kindChat)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allowed with zero limits, got %+v", d)
	}
}

func TestCheckQuotaDailyBlocksAndAudits(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQuotaManager(t, QuotaConfig{Chat: KindLimits{Daily: 1}})

	q.IncrementUsage("p1", kindChat)
	waitForFlush(q)

	d, err := q.CheckQuota(ctx, "p1", kindChat)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != reasonDaily {
		t.Fatalf("expected daily block, got %+v", d)
	}
	waitForFlush(q)

	rows, err := store.RecentAudit(ctx, 10, true)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	var limited int
	for _, r := range rows {
		if r.Outcome == "limited:daily" {
			limited++
		}
	}
	if limited != 1 {
		t.Fatalf("expected exactly one limited:daily row, got %d (%+v)", limited, rows)
	}
}

func TestCheckQuotaRPMBlocks(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQuotaManager(t, QuotaConfig{Chat: KindLimits{RPM: 1}})

	q.IncrementUsage("p1", kindChat)
	waitForFlush(q)

	d, err := q.CheckQuota(ctx, "p1", kindChat)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != reasonRPM {
		t.Fatalf("expected rpm block, got %+v", d)
	}
}

func TestIncrementUsageTwiceIsPlusTwo(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQuotaManager(t, QuotaConfig{})
	q.IncrementUsage("p1", kindChat)
	q.IncrementUsage("p1", kindChat)
	waitForFlush(q)

	used, err := store.DailyUsage(ctx, beijingDate(time.Now()), "p1", kindChat)
	if err != nil {
		t.Fatalf("daily usage: %v", err)
	}
	if used != 2 {
		t.Fatalf("expected daily usage 2, got %d", used)
	}
}

func TestRecordFailureDoesNotIncrementDailyUsage(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQuotaManager(t, QuotaConfig{})
	q.RecordFailure("p1", kindChat, "upstream_429")
	waitForFlush(q)

	used, err := store.DailyUsage(ctx, beijingDate(time.Now()), "p1", kindChat)
	if err != nil {
		t.Fatalf("daily usage: %v", err)
	}
	if used != 0 {
		t.Fatalf("expected daily usage unaffected by failure, got %d", used)
	}

	rows, _ := store.RecentAudit(ctx, 10, true)
	var found bool
	for _, r := range rows {
		if r.Outcome == "error:upstream_429" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected error:upstream_429 audit row, got %+v", rows)
	}
}

func TestRecentAuditRespectsSuccessAuditFlag(t *testing.T) {
	ctx := context.Background()
	store, err := NewRelStore(filepath.Join(t.TempDir(), "rel.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	q := NewQuotaManager(store, QuotaConfig{}, false)
	q.IncrementUsage("p1", kindChat)
	waitForFlush(q)

	rows, err := q.GetRecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	for _, r := range rows {
		if r.Outcome == "success" {
			t.Fatalf("success row should be filtered when successAudit=false")
		}
	}
}
