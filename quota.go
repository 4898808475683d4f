package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// KindLimits is the daily/rpm ceiling pair for one request kind. A limit of
// 0 means "unlimited/not enforced".
type KindLimits struct {
	Daily int64
	RPM   int64
}

// QuotaConfig is the admission-control configuration for both request kinds.
type QuotaConfig struct {
	Chat   KindLimits
	Search KindLimits
}

func (c QuotaConfig) forKind(kind string) KindLimits {
	if kind == kindSearch {
		return c.Search
	}
	return c.Chat
}

const (
	kindChat   = "chat"
	kindSearch = "search"

	outcomeSuccess = "success"
	reasonDaily    = "daily"
	reasonRPM      = "rpm"
)

// QuotaDecision is the result of an admission check.
type QuotaDecision struct {
	Allowed bool
	Reason  string // "daily" | "rpm", empty when Allowed
}

// KindUsage is the daily/rpm usage snapshot for one request kind.
type KindUsage struct {
	Daily   UsageWindow
	RPM     UsageWindow
}

// UsageWindow is a {used, limit, percent} tuple.
type UsageWindow struct {
	Used    int64
	Limit   int64
	Percent float64
}

func usageWindow(used, limit int64) UsageWindow {
	w := UsageWindow{Used: used, Limit: limit}
	if limit > 0 {
		pct := float64(used) / float64(limit) * 100
		if pct > 100 {
			pct = 100
		}
		w.Percent = pct
	}
	return w
}

// AccountUsage is the full getUsage response for one account.
type AccountUsage struct {
	Chat   KindUsage
	Search KindUsage
}

type rpmCounter struct {
	minute string
	count  int64
}

type cacheEntry struct {
	usage     map[string]int64 // kind -> daily used
	expiresAt time.Time
}

// QuotaManager owns per-process RPM counters, buffered daily/audit writes
// flushed through a single-threaded serializer, a pre-flight admission
// check, and short-TTL cached snapshot reads.
type QuotaManager struct {
	store  *RelStore
	cfg    QuotaConfig
	nowFn  func() time.Time
	debugf func(string, ...any)

	successAudit bool

	rpmMu  sync.Mutex
	rpm    map[string]*rpmCounter // key: providerID|kind

	cacheMu sync.Mutex
	cache   map[string]cacheEntry // key: providerID

	pendingMu      sync.Mutex
	pendingUsage   map[string]*UsageDelta // key: date|provider|kind
	pendingAudit   map[string]*AuditDelta // key: minute|provider|kind|outcome
	pendingGlobals map[string]int64       // key: global key

	flushMu   sync.Mutex
	flushTail chan struct{} // closed when the previously-enqueued flush completes
}

// NewQuotaManager constructs a quota manager over store with the given
// admission limits. successAudit controls whether getRecentAudit surfaces
// success rows.
func NewQuotaManager(store *RelStore, cfg QuotaConfig, successAudit bool) *QuotaManager {
	done := make(chan struct{})
	close(done)
	return &QuotaManager{
		store:          store,
		cfg:            cfg,
		nowFn:          time.Now,
		debugf:         func(string, ...any) {},
		successAudit:   successAudit,
		rpm:            make(map[string]*rpmCounter),
		cache:          make(map[string]cacheEntry),
		pendingUsage:   make(map[string]*UsageDelta),
		pendingAudit:   make(map[string]*AuditDelta),
		pendingGlobals: make(map[string]int64),
		flushTail:      done,
	}
}

func (q *QuotaManager) now() time.Time { return q.nowFn() }

// ChatDailyLimit returns the configured per-account daily chat ceiling (0 if
// unenforced), for computing the fleet-wide aggregate quota alert.
func (q *QuotaManager) ChatDailyLimit() int64 { return q.cfg.Chat.Daily }

// CheckQuota is the pre-flight admission check. On a block it also records
// the limited:<reason> audit row and the rate-limited globals.
func (q *QuotaManager) CheckQuota(ctx context.Context, providerID, kind string) (QuotaDecision, error) {
	limits := q.cfg.forKind(kind)

	if limits.Daily > 0 {
		used, err := q.dailyUsedCached(ctx, providerID, kind)
		if err != nil {
			return QuotaDecision{}, err
		}
		if used >= limits.Daily {
			q.recordLimitHit(providerID, kind, reasonDaily)
			return QuotaDecision{Allowed: false, Reason: reasonDaily}, nil
		}
	}

	if limits.RPM > 0 {
		if q.currentMinuteCount(providerID, kind) >= limits.RPM {
			q.recordLimitHit(providerID, kind, reasonRPM)
			return QuotaDecision{Allowed: false, Reason: reasonRPM}, nil
		}
	}

	return QuotaDecision{Allowed: true}, nil
}

// IncrementUsage is called only on a successful upstream response.
func (q *QuotaManager) IncrementUsage(providerID, kind string) {
	q.bumpRPM(providerID, kind)
	now := q.now()
	date := beijingDate(now)
	q.bufferUsage(date, providerID, kind, 1)
	q.bufferAudit(beijingMinute(now), providerID, kind, outcomeSuccess, 1)
	q.bufferGlobal(kind+"_total", 1)
	q.bufferGlobal(kind+"_success", 1)
	q.mergeDailyCache(providerID, kind, 1)
	q.flush()
}

// RecordFailure is called on any categorized upstream/transport failure.
// Failures count against RPM (they consumed an attempt) but never increment
// the persisted daily accepted-request counter.
func (q *QuotaManager) RecordFailure(providerID, kind, reason string) {
	q.bumpRPM(providerID, kind)
	now := q.now()
	q.bufferAudit(beijingMinute(now), providerID, kind, "error:"+reason, 1)
	q.bufferGlobal(kind+"_total", 1)
	q.bufferGlobal(kind+"_error", 1)
	q.flush()
}

// recordLimitHit increments the RPM counter, the limited:<reason> audit row,
// and the rate-limited globals. It deliberately does not touch the
// persisted daily usage counter, since a blocked request was never admitted.
func (q *QuotaManager) recordLimitHit(providerID, kind, reason string) {
	q.bumpRPM(providerID, kind)
	now := q.now()
	q.bufferAudit(beijingMinute(now), providerID, kind, "limited:"+reason, 1)
	q.bufferGlobal(kind+"_total", 1)
	q.bufferGlobal(kind+"_rate_limited", 1)
	q.flush()
}

func (q *QuotaManager) bumpRPM(providerID, kind string) {
	key := providerID + "|" + kind
	minute := beijingMinute(q.now())
	q.rpmMu.Lock()
	c, ok := q.rpm[key]
	if !ok || c.minute != minute {
		c = &rpmCounter{minute: minute}
		q.rpm[key] = c
	}
	c.count++
	q.rpmMu.Unlock()
}

func (q *QuotaManager) currentMinuteCount(providerID, kind string) int64 {
	key := providerID + "|" + kind
	minute := beijingMinute(q.now())
	q.rpmMu.Lock()
	defer q.rpmMu.Unlock()
	c, ok := q.rpm[key]
	if !ok || c.minute != minute {
		return 0
	}
	return c.count
}

func (q *QuotaManager) bufferUsage(date, providerID, kind string, delta int64) {
	key := date + "|" + providerID + "|" + kind
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	d, ok := q.pendingUsage[key]
	if !ok {
		d = &UsageDelta{Date: date, ProviderID: providerID, Kind: kind}
		q.pendingUsage[key] = d
	}
	d.Count += delta
}

func (q *QuotaManager) bufferAudit(minute, providerID, kind, outcome string, delta int64) {
	key := minute + "|" + providerID + "|" + kind + "|" + outcome
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	d, ok := q.pendingAudit[key]
	if !ok {
		d = &AuditDelta{MinuteBucket: minute, ProviderID: providerID, Kind: kind, Outcome: outcome}
		q.pendingAudit[key] = d
	}
	d.Count += delta
}

func (q *QuotaManager) bufferGlobal(key string, delta int64) {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	q.pendingGlobals[key] += delta
}

func (q *QuotaManager) mergeDailyCache(providerID, kind string, delta int64) {
	q.cacheMu.Lock()
	defer q.cacheMu.Unlock()
	entry, ok := q.cache[providerID]
	if !ok || q.now().After(entry.expiresAt) {
		entry = cacheEntry{usage: map[string]int64{}, expiresAt: q.now().Add(5 * time.Second)}
	}
	entry.usage[kind] += delta
	q.cache[providerID] = entry
}

func (q *QuotaManager) dailyUsedCached(ctx context.Context, providerID, kind string) (int64, error) {
	q.cacheMu.Lock()
	entry, ok := q.cache[providerID]
	if ok && q.now().Before(entry.expiresAt) {
		used := entry.usage[kind]
		q.cacheMu.Unlock()
		return used, nil
	}
	q.cacheMu.Unlock()

	used, err := q.store.DailyUsage(ctx, beijingDate(q.now()), providerID, kind)
	if err != nil {
		return 0, err
	}
	q.cacheMu.Lock()
	q.cache[providerID] = cacheEntry{usage: map[string]int64{kind: used}, expiresAt: q.now().Add(5 * time.Second)}
	q.cacheMu.Unlock()
	return used, nil
}

// flush composes the three pending maps into one batch, clears them, and
// schedules the upsert via the flushChain serializer so concurrent callers
// observe FIFO durability without blocking the issuing path on the network.
func (q *QuotaManager) flush() {
	q.pendingMu.Lock()
	if len(q.pendingUsage) == 0 && len(q.pendingAudit) == 0 && len(q.pendingGlobals) == 0 {
		q.pendingMu.Unlock()
		return
	}
	usage := make([]UsageDelta, 0, len(q.pendingUsage))
	for _, d := range q.pendingUsage {
		usage = append(usage, *d)
	}
	audit := make([]AuditDelta, 0, len(q.pendingAudit))
	for _, d := range q.pendingAudit {
		audit = append(audit, *d)
	}
	globals := make([]GlobalDelta, 0, len(q.pendingGlobals))
	for k, v := range q.pendingGlobals {
		globals = append(globals, GlobalDelta{Key: k, Count: v})
	}
	q.pendingUsage = make(map[string]*UsageDelta)
	q.pendingAudit = make(map[string]*AuditDelta)
	q.pendingGlobals = make(map[string]int64)
	q.pendingMu.Unlock()

	q.flushMu.Lock()
	prev := q.flushTail
	next := make(chan struct{})
	q.flushTail = next
	q.flushMu.Unlock()

	go func() {
		<-prev // FIFO: wait for the previously-enqueued batch to finish
		defer close(next)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.store.FlushBatch(ctx, usage, audit, globals); err != nil {
			log.Printf("quota: flush batch failed (best-effort, not retried): %v", err)
		}
	}()
}

// GetUsage returns the current usage snapshot for one account. Daily comes
// from the cache/store; RPM comes from the current minute-bucket audit row
// (authoritative across instances), not the in-memory counter.
func (q *QuotaManager) GetUsage(ctx context.Context, providerID string) (AccountUsage, error) {
	var out AccountUsage
	for _, kind := range []string{kindChat, kindSearch} {
		limits := q.cfg.forKind(kind)
		used, err := q.dailyUsedCached(ctx, providerID, kind)
		if err != nil {
			return out, err
		}
		rpm, err := q.store.MinuteRPM(ctx, beijingMinute(q.now()), providerID, kind)
		if err != nil {
			return out, err
		}
		ku := KindUsage{Daily: usageWindow(used, limits.Daily), RPM: usageWindow(rpm, limits.RPM)}
		if kind == kindChat {
			out.Chat = ku
		} else {
			out.Search = ku
		}
	}
	return out, nil
}

// GetUsageBatch is the aggregate version using two grouped queries, returning
// zero-filled rows for unknown ids.
func (q *QuotaManager) GetUsageBatch(ctx context.Context, ids []string) (map[string]AccountUsage, error) {
	out := make(map[string]AccountUsage, len(ids))
	date := beijingDate(q.now())
	minute := beijingMinute(q.now())

	for _, kind := range []string{kindChat, kindSearch} {
		limits := q.cfg.forKind(kind)
		dailyByID, err := q.store.DailyUsageBatch(ctx, date, kind, ids)
		if err != nil {
			return nil, err
		}
		rpmByID, err := q.store.MinuteRPMBatch(ctx, minute, kind, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			au := out[id]
			ku := KindUsage{Daily: usageWindow(dailyByID[id], limits.Daily), RPM: usageWindow(rpmByID[id], limits.RPM)}
			if kind == kindChat {
				au.Chat = ku
			} else {
				au.Search = ku
			}
			out[id] = au
		}
	}
	return out, nil
}

// GetRecentAudit returns the most recent limit audit rows, minute descending.
func (q *QuotaManager) GetRecentAudit(ctx context.Context, limit int) ([]AuditDelta, error) {
	return q.store.RecentAudit(ctx, limit, q.successAudit)
}

func (q *QuotaManager) String() string {
	return fmt.Sprintf("QuotaManager{chat:%+v search:%+v}", q.cfg.Chat, q.cfg.Search)
}
