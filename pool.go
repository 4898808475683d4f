package main

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	scanModeLight = "light"
	scanModeFull  = "full"

	defaultScanIntervalMs = 30_000
	minScanIntervalMs     = 5_000
)

// ProviderPool holds every known AccountProvider, rotates dispatch across
// them, and periodically rescans the registry/blob store for new or removed
// accounts.
type ProviderPool struct {
	registry       *ProviderRegistry
	blobs          *BlobStore
	quota          *QuotaManager
	deferred       *DeferredWork
	httpClient     *http.Client
	clientID       string
	deviceAuthURL  string
	tokenURL       string
	defaultBase    string
	scanIntervalMs int64
	staticIDs      []string
	recent         *recentErrors

	mu           sync.Mutex
	providers    []*AccountProvider
	currentIndex int
	lastScanAtMs int64
	scanning     bool
}

func NewProviderPool(registry *ProviderRegistry, blobs *BlobStore, quota *QuotaManager, deferred *DeferredWork, httpClient *http.Client, clientID, deviceAuthURL, tokenURL, defaultBase string, scanIntervalMs int64) *ProviderPool {
	if scanIntervalMs < minScanIntervalMs {
		scanIntervalMs = defaultScanIntervalMs
	}
	return &ProviderPool{
		registry:       registry,
		blobs:          blobs,
		quota:          quota,
		deferred:       deferred,
		httpClient:     httpClient,
		clientID:       clientID,
		deviceAuthURL:  deviceAuthURL,
		tokenURL:       tokenURL,
		defaultBase:    defaultBase,
		scanIntervalMs: scanIntervalMs,
		recent:         newRecentErrors(50),
	}
}

// RecentErrors returns the most recent dispatch failures, newest first.
func (p *ProviderPool) RecentErrors() []recentErrorEntry {
	return p.recent.snapshot()
}

// SetStaticIDs configures the statically seeded account ids unioned into
// every scan.
func (p *ProviderPool) SetStaticIDs(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staticIDs = ids
}

// Snapshot returns the runtime state of every account, sorted by id, for the
// admin stats surface.
func (p *ProviderPool) Snapshot() []ProviderRuntimeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProviderRuntimeState, 0, len(p.providers))
	for _, acc := range p.providers {
		out = append(out, acc.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// discoverIDs implements light/full scan discovery: light only consults the
// registry; full additionally unions in raw blob-store keys matching the
// known credential-key prefixes, covering accounts dropped into storage
// out-of-band.
func (p *ProviderPool) discoverIDs(ctx context.Context, mode string) ([]string, error) {
	entries, err := p.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	staticIDs := append([]string(nil), p.staticIDs...)
	p.mu.Unlock()

	seen := make(map[string]bool, len(entries)+len(staticIDs))
	ids := make([]string, 0, len(entries)+len(staticIDs))
	for _, e := range entries {
		id := canonicalID(e.ID)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, raw := range staticIDs {
		id := canonicalID(raw)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	if mode == scanModeFull {
		for _, prefix := range []string{"qwen_creds_", "oauth_creds_", "./qwen_creds_", "./oauth_creds_"} {
			keys, err := p.blobs.ListPrefix(prefix)
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				id := canonicalID(k)
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}

	sort.Strings(ids)
	return ids, nil
}

// Rescan refreshes the pool's provider list. Existing providers are kept
// (preserving runtime state); new ids are initialized concurrently; ids no
// longer present are dropped. currentIndex is clamped into range.
func (p *ProviderPool) Rescan(ctx context.Context, mode string) error {
	p.mu.Lock()
	if p.scanning {
		p.mu.Unlock()
		return nil
	}
	p.scanning = true
	existing := make(map[string]*AccountProvider, len(p.providers))
	for _, acc := range p.providers {
		existing[acc.ID()] = acc
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.scanning = false
		p.lastScanAtMs = time.Now().UnixMilli()
		p.mu.Unlock()
	}()

	ids, err := p.discoverIDs(ctx, mode)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	next := make([]*AccountProvider, 0, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		if acc, ok := existing[id]; ok {
			mu.Lock()
			next = append(next, acc)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			credsKey := id
			if !strings.HasSuffix(credsKey, ".json") {
				credsKey += ".json"
			}
			auth := NewAuthManager(credsKey, p.clientID, p.deviceAuthURL, p.tokenURL, p.blobs, p.httpClient)
			acc := NewAccountProvider(canonicalID(credsKey), auth, p.httpClient, p.quota, p.deferred, p.defaultBase)
			acc.Initialize(ctx)
			_ = p.registry.Ensure(ctx, acc.ID())
			mu.Lock()
			next = append(next, acc)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(next, func(i, j int) bool { return next[i].ID() < next[j].ID() })

	p.mu.Lock()
	p.providers = next
	if p.currentIndex >= len(p.providers) {
		p.currentIndex = 0
	}
	p.mu.Unlock()
	return nil
}

// maybeBackgroundScan triggers a light rescan if the configured interval has
// elapsed, without blocking the caller.
func (p *ProviderPool) maybeBackgroundScan() {
	if p.registry == nil {
		return
	}
	p.mu.Lock()
	due := time.Now().UnixMilli()-p.lastScanAtMs >= p.scanIntervalMs
	p.mu.Unlock()
	if !due {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = p.Rescan(ctx, scanModeLight)
	}()
}

// DispatchError carries the HTTP status/body the gateway edge should return
// when no account satisfies a dispatch.
type DispatchError struct {
	Status   int
	Message  string
	Details  string
	Errors   []string
	Attempts int
}

func (e *DispatchError) Error() string { return e.Message }

// dispatchOutcome tracks why every candidate in a rotation was skipped or
// failed, split between accounts skipped without an attempt (circuit
// breaker / admission block) and accounts actually attempted upstream.
type dispatchOutcome struct {
	attempted int

	attemptedAuthExpired   int
	attemptedQuotaExceeded int
	attemptedRateLimited   int

	skippedAuthExpired int
	skippedQuotaBlocked int
	skippedOther       int

	errorMessages []string
}

func classifyMessage(msg string) string {
	switch {
	case strings.Contains(msg, "AUTH_EXPIRED") || strings.Contains(msg, "Unauthorized"):
		return "auth_expired"
	case strings.Contains(msg, "Quota exceeded"):
		return "quota_exceeded"
	case strings.Contains(msg, "Rate limited"):
		return "rate_limited"
	default:
		return "other"
	}
}

// dispatch walks the rotation starting at currentIndex, skipping accounts in
// cooldown (except as a last resort) and accounts over quota, and advances
// currentIndex past the first account actually attempted. It is generic over
// the attempt's success type so both chat (streamed UpstreamResponse) and
// search (a plain result map) share one rotation.
func dispatch[T any](ctx context.Context, p *ProviderPool, kind string, attempt func(*AccountProvider) (T, error)) (T, error) {
	var zero T
	p.maybeBackgroundScan()

	p.mu.Lock()
	n := len(p.providers)
	start := p.currentIndex
	providers := make([]*AccountProvider, n)
	copy(providers, p.providers)
	p.mu.Unlock()

	if n == 0 {
		return zero, &DispatchError{Status: http.StatusInternalServerError, Message: "No Qwen providers configured"}
	}

	now := time.Now()
	var outcome dispatchOutcome
	advanced := false

	for k := 0; k < n; k++ {
		idx := (start + k) % n
		acc := providers[idx]

		isLastCandidate := k == n-1
		if !acc.CanAttempt(now) && !isLastCandidate {
			switch classifyMessage(acc.Snapshot().LastError) {
			case "auth_expired":
				outcome.skippedAuthExpired++
			default:
				outcome.skippedOther++
			}
			continue
		}

		decision, err := p.quota.CheckQuota(ctx, acc.ID(), kind)
		if err != nil {
			outcome.skippedOther++
			outcome.errorMessages = append(outcome.errorMessages, err.Error())
			continue
		}
		if !decision.Allowed {
			outcome.skippedQuotaBlocked++
			continue
		}

		if !advanced {
			p.mu.Lock()
			p.currentIndex = (idx + 1) % n
			p.mu.Unlock()
			advanced = true
		}

		outcome.attempted++
		result, err := attempt(acc)
		if err == nil {
			return result, nil
		}

		msg := err.Error()
		outcome.errorMessages = append(outcome.errorMessages, msg)
		p.recent.add(acc.ID(), msg)
		switch classifyMessage(msg) {
		case "auth_expired":
			outcome.attemptedAuthExpired++
		case "quota_exceeded":
			outcome.attemptedQuotaExceeded++
		case "rate_limited":
			outcome.attemptedRateLimited++
		}
	}

	return zero, classifyDispatchFailure(outcome)
}

func classifyDispatchFailure(o dispatchOutcome) *DispatchError {
	details := strings.Join(o.errorMessages, "; ")

	if o.attempted == 0 {
		switch {
		case o.skippedAuthExpired > 0 && o.skippedQuotaBlocked == 0 && o.skippedOther == 0:
			return &DispatchError{Status: http.StatusUnauthorized, Message: "All providers unauthorized", Details: details}
		case o.skippedQuotaBlocked > 0 && o.skippedAuthExpired == 0 && o.skippedOther == 0:
			return &DispatchError{Status: http.StatusTooManyRequests, Message: "All providers rate limited", Details: details}
		default:
			return &DispatchError{Status: http.StatusServiceUnavailable, Message: "No available providers", Details: details, Errors: o.errorMessages}
		}
	}

	switch {
	case o.attemptedAuthExpired == o.attempted:
		return &DispatchError{Status: http.StatusUnauthorized, Message: "All providers unauthorized", Details: details}
	case o.attemptedRateLimited == o.attempted:
		return &DispatchError{Status: http.StatusTooManyRequests, Message: "All providers rate limited", Details: details}
	case o.attemptedQuotaExceeded == o.attempted:
		return &DispatchError{Status: http.StatusTooManyRequests, Message: "All providers quota exceeded", Details: details}
	default:
		return &DispatchError{Status: http.StatusInternalServerError, Message: "All providers failed", Details: details, Attempts: o.attempted, Errors: o.errorMessages}
	}
}

// DispatchChat routes one chat completion request across the pool.
func (p *ProviderPool) DispatchChat(ctx context.Context, payload map[string]any) (*UpstreamResponse, error) {
	return dispatch(ctx, p, kindChat, func(acc *AccountProvider) (*UpstreamResponse, error) {
		return acc.HandleChat(ctx, payload)
	})
}

// DispatchSearch routes one web-search request across the pool.
func (p *ProviderPool) DispatchSearch(ctx context.Context, query string) (map[string]any, error) {
	return dispatch(ctx, p, kindSearch, func(acc *AccountProvider) (map[string]any, error) {
		return acc.HandleSearch(ctx, query)
	})
}
