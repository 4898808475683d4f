package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const alertStateKey = "alert_engine_state"

// alertState is the persisted last-fired-alert fingerprint, so a restart
// doesn't immediately re-fire an alert that already latched before.
type alertState struct {
	AuthFailedFingerprint string `json:"authFailedFingerprint"`
	QuotaAlerted          bool   `json:"quotaAlerted"`
}

// AlertEngine periodically scans recent audit rows and per-account daily
// usage, firing webhook notifications on auth-failure clusters and
// high-daily-quota accounts, with RECOVERY messages when conditions clear.
// The periodic-scan/webhook-post shape is hand-rolled stdlib since nothing in
// the available dependency stack wires a DingTalk/Feishu client.
type AlertEngine struct {
	store        *RelStore
	quota        *QuotaManager
	registry     *ProviderRegistry
	blobs        *BlobStore
	httpClient   *http.Client
	webhookURL   string
	quotaPercent float64
	interval     time.Duration

	stop chan struct{}
}

func NewAlertEngine(store *RelStore, quota *QuotaManager, registry *ProviderRegistry, blobs *BlobStore, httpClient *http.Client, webhookURL string, quotaPercent float64) *AlertEngine {
	return &AlertEngine{
		store:        store,
		quota:        quota,
		registry:     registry,
		blobs:        blobs,
		httpClient:   httpClient,
		webhookURL:   webhookURL,
		quotaPercent: quotaPercent,
		interval:     time.Minute,
		stop:         make(chan struct{}),
	}
}

// Run starts the ticker loop. Blocks until Stop is called; run it in a
// goroutine.
func (e *AlertEngine) Run(ctx context.Context) {
	if e.webhookURL == "" {
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				log.Printf("alertengine: tick failed: %v", err)
			}
		}
	}
}

func (e *AlertEngine) Stop() { close(e.stop) }

func (e *AlertEngine) loadState(ctx context.Context) alertState {
	var st alertState
	_, _ = e.blobs.Get(alertStateKey, &st)
	return st
}

func (e *AlertEngine) saveState(st alertState) {
	_ = e.blobs.Set(alertStateKey, st, SetOptions{})
}

func (e *AlertEngine) tick(ctx context.Context) error {
	st := e.loadState(ctx)

	if err := e.checkAuthFailures(ctx, &st); err != nil {
		return err
	}
	if err := e.checkQuota(ctx, &st); err != nil {
		return err
	}

	e.saveState(st)
	return nil
}

// checkAuthFailures alerts when the set of accounts with auth failures and
// zero successes over the last 30 minutes is non-empty and has changed since
// the last tick, and fires a RECOVERY once that set goes back to empty.
func (e *AlertEngine) checkAuthFailures(ctx context.Context, st *alertState) error {
	since := beijingMinute(time.Now().Add(-30 * time.Minute))
	ids, err := e.store.AuthFailedProvidersSince(ctx, since, kindChat)
	if err != nil {
		return err
	}
	sort.Strings(ids)
	fingerprint := strings.Join(ids, ",")

	switch {
	case fingerprint != "" && fingerprint != st.AuthFailedFingerprint:
		e.notify("ALERT", "auth failures detected for accounts: "+fingerprint)
	case fingerprint == "" && st.AuthFailedFingerprint != "":
		e.notify("RECOVERY", "auth failures cleared")
	}
	st.AuthFailedFingerprint = fingerprint
	return nil
}

// checkQuota alerts the first time the fleet's aggregate daily chat usage
// (sum of today's chat audit rows across all accounts, divided by
// providerCount * perAccountDailyLimit) crosses quotaPercent, and recovers
// once it drops 5 points below that threshold (hysteresis avoids flapping
// at the boundary).
func (e *AlertEngine) checkQuota(ctx context.Context, st *alertState) error {
	limit := e.quota.ChatDailyLimit()
	if limit <= 0 {
		return nil
	}
	entries, err := e.registry.List(ctx)
	if err != nil {
		return err
	}
	providerCount := len(entries)
	if providerCount == 0 {
		return nil
	}

	total, err := e.store.TodayTotal(ctx, beijingDate(time.Now()), kindChat)
	if err != nil {
		return err
	}
	fleetLimit := int64(providerCount) * limit
	pct := float64(total) / float64(fleetLimit) * 100
	if pct > 100 {
		pct = 100
	}

	switch {
	case pct >= e.quotaPercent && !st.QuotaAlerted:
		st.QuotaAlerted = true
		e.notify("ALERT", "fleet chat daily usage at "+formatPercent(pct))
	case pct < e.quotaPercent-5 && st.QuotaAlerted:
		st.QuotaAlerted = false
		e.notify("RECOVERY", "fleet chat daily usage back to "+formatPercent(pct))
	}
	return nil
}

func formatPercent(pct float64) string {
	return strconv.FormatFloat(pct, 'f', 1, 64) + "%"
}

// notify posts a best-effort webhook message, auto-detecting DingTalk vs
// Feishu payload shape from the URL host.
func (e *AlertEngine) notify(kind, message string) {
	text := "[qwen-pool-gateway] " + kind + ": " + message
	payload := dingtalkPayload(text)
	if strings.Contains(e.webhookURL, "feishu") || strings.Contains(e.webhookURL, "larksuite") {
		payload = feishuPayload(text)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("alertengine: marshal webhook payload: %v", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, e.webhookURL, bytes.NewReader(raw))
	if err != nil {
		log.Printf("alertengine: build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		log.Printf("alertengine: webhook post failed: %v", err)
		return
	}
	resp.Body.Close()
}

func dingtalkPayload(text string) map[string]any {
	return map[string]any{
		"msgtype": "text",
		"text":    map[string]any{"content": text},
	}
}

func feishuPayload(text string) map[string]any {
	return map[string]any{
		"msg_type": "text",
		"content":  map[string]any{"text": text},
	}
}
