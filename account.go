package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	statusInitializing = "initializing"
	statusActive       = "active"
	statusError        = "error"
	statusInactive     = "inactive"

	qwenUserAgent = "QwenCode/0.9.1 (linux; x64)"
)

// ProviderRuntimeState is the in-memory (never persisted) runtime view of one
// account.
type ProviderRuntimeState struct {
	ID             string
	Alias          string
	Status         string
	LastError      string
	TotalRequests  int64
	ErrorCount     int64
	LastLatencyMs  int64
	LastUsedAt     time.Time
	RetryAfterMs   int64
}

// SearchResult is one normalized web-search hit.
type SearchResult struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"publishedDate"`
}

// UpstreamResponse is the result of a successful handleChat/handleSearch
// call, ready for the dispatcher to relay to the client.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// AccountProvider owns one AuthManager, builds upstream requests, classifies
// outcomes, and enforces a per-instance cooldown after failure.
type AccountProvider struct {
	id          string
	auth        *AuthManager
	httpClient  *http.Client
	quota       *QuotaManager
	deferred    *DeferredWork
	defaultBase string
	cooldownMs  int64

	mu    sync.Mutex
	state ProviderRuntimeState
}

func NewAccountProvider(id string, auth *AuthManager, httpClient *http.Client, quota *QuotaManager, deferred *DeferredWork, defaultBase string) *AccountProvider {
	return &AccountProvider{
		id:          id,
		auth:        auth,
		httpClient:  httpClient,
		quota:       quota,
		deferred:    deferred,
		defaultBase: defaultBase,
		cooldownMs:  15_000,
		state:       ProviderRuntimeState{ID: id, Status: statusInitializing},
	}
}

func (p *AccountProvider) ID() string { return p.id }

func (p *AccountProvider) Snapshot() ProviderRuntimeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Initialize loads credentials without probing the upstream: a probe would
// spend free quota, and under cold-start fan-out across many instances can
// itself trigger a 429 storm.
func (p *AccountProvider) Initialize(ctx context.Context) {
	p.mu.Lock()
	p.state.Alias = p.auth.CachedAlias()
	p.mu.Unlock()

	_, err := p.auth.GetValid(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err == nil:
		p.state.Status = statusActive
	case errors.Is(err, errNoCreds):
		p.state.Status = statusError
		p.state.LastError = "Missing Credentials"
	case errors.Is(err, errAuthExpired):
		p.state.Status = statusError
		p.state.LastError = "Unauthorized (Please Login)"
	default:
		p.state.Status = statusError
		p.state.LastError = err.Error()
	}
}

// CanAttempt reports whether the cooldown has elapsed.
func (p *AccountProvider) CanAttempt(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.UnixMilli() >= p.state.RetryAfterMs
}

func chatURL(base string) string { return strings.TrimSuffix(base, "/") + "/chat/completions" }
func searchURL(base string) string {
	return strings.TrimSuffix(base, "/") + "/api/v1/indices/plugin/web_search"
}

// HandleChat sends one chat-completion payload to this account's upstream,
// tracking latency and recording the outcome against quota.
func (p *AccountProvider) HandleChat(ctx context.Context, payload map[string]any) (*UpstreamResponse, error) {
	start := time.Now()
	creds, err := p.auth.GetValid(ctx)
	if err != nil {
		return nil, p.classifyAuthError(err)
	}

	injectSystemPromptAndCacheControl(payload)

	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := p.postChat(reqCtx, creds, payload)
	if err != nil {
		return nil, p.failTransport(err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		refreshed, rerr := p.auth.Refresh(ctx, creds.RefreshToken)
		if rerr != nil {
			return nil, p.classifyAuthError(rerr)
		}
		creds = refreshed
		resp, err = p.postChat(reqCtx, creds, payload)
		if err != nil {
			return nil, p.failTransport(err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, p.failUpstream(resp.StatusCode, body)
	}

	p.markSuccess(start)
	p.deferred.Schedule(func() { p.quota.IncrementUsage(p.id, kindChat) })
	return p.buildChatResponse(resp), nil
}

func (p *AccountProvider) postChat(ctx context.Context, creds *Credential, payload map[string]any) (*http.Response, error) {
	base := creds.normalizedBaseURL(p.defaultBase)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatURL(base), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("X-DashScope-AuthType", "qwen-oauth")
	req.Header.Set("X-DashScope-CacheControl", "enable")
	req.Header.Set("X-DashScope-UserAgent", qwenUserAgent)
	req.Header.Set("User-Agent", qwenUserAgent)
	return p.httpClient.Do(req)
}

func (p *AccountProvider) buildChatResponse(resp *http.Response) *UpstreamResponse {
	header := cloneHeader(resp.Header)
	for _, h := range []string{"Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection"} {
		header.Del(h)
	}
	var body io.ReadCloser = resp.Body
	if strings.Contains(strings.ToLower(header.Get("Content-Type")), "text/event-stream") {
		body = NewStreamDedup(resp.Body)
	}
	return &UpstreamResponse{StatusCode: resp.StatusCode, Header: header, Body: body}
}

func (p *AccountProvider) markSuccess(start time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Status = statusActive
	p.state.LastError = ""
	p.state.RetryAfterMs = 0
	p.state.TotalRequests++
	p.state.LastLatencyMs = time.Since(start).Milliseconds()
	p.state.LastUsedAt = time.Now()
}

func (p *AccountProvider) cooldown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.ErrorCount++
	p.state.Status = statusError
	p.state.RetryAfterMs = time.Now().UnixMilli() + p.cooldownMs
}

func (p *AccountProvider) classifyAuthError(err error) error {
	p.cooldown()
	if errors.Is(err, errAuthExpired) {
		p.mu.Lock()
		p.state.LastError = "Unauthorized (Please Login)"
		p.mu.Unlock()
		p.quota.RecordFailure(p.id, kindChat, "auth_expired")
		return errors.New("Unauthorized (Please Login)")
	}
	if errors.Is(err, errNoCreds) {
		p.mu.Lock()
		p.state.LastError = "Missing Credentials"
		p.mu.Unlock()
		p.quota.RecordFailure(p.id, kindChat, "auth_expired")
		return errors.New("AUTH_EXPIRED: Missing Credentials")
	}
	p.mu.Lock()
	p.state.LastError = err.Error()
	p.mu.Unlock()
	p.quota.RecordFailure(p.id, kindChat, "runtime_error")
	return fmt.Errorf("runtime error: %w", err)
}

func (p *AccountProvider) failTransport(err error) error {
	p.cooldown()
	p.mu.Lock()
	p.state.LastError = err.Error()
	p.mu.Unlock()
	if errors.Is(err, context.DeadlineExceeded) {
		p.quota.RecordFailure(p.id, kindChat, "runtime_error")
		return errors.New("Upstream Timeout (60s)")
	}
	p.quota.RecordFailure(p.id, kindChat, "runtime_error")
	return fmt.Errorf("transport error: %w", err)
}

func (p *AccountProvider) failUpstream(status int, body []byte) error {
	p.cooldown()
	text := strings.ToLower(string(body))
	p.mu.Lock()
	p.state.LastError = fmt.Sprintf("upstream %d: %s", status, safeText(body))
	p.mu.Unlock()

	if status == http.StatusTooManyRequests {
		if strings.Contains(text, "insufficient_quota") || strings.Contains(text, "free allocated quota exceeded") {
			p.quota.RecordFailure(p.id, kindChat, "upstream_quota_exceeded")
			return errors.New("Quota exceeded (Qwen free tier)")
		}
		p.quota.RecordFailure(p.id, kindChat, "upstream_429")
		return errors.New("Rate limited")
	}
	p.quota.RecordFailure(p.id, kindChat, "upstream_"+strconv.Itoa(status))
	return fmt.Errorf("Upstream Error: %d", status)
}

// injectSystemPromptAndCacheControl prepends a system message if absent, and
// marks the system message plus the last message with an ephemeral
// prompt-cache hint.
func injectSystemPromptAndCacheControl(payload map[string]any) {
	rawMessages, ok := payload["messages"].([]any)
	if !ok {
		return
	}

	hasSystem := false
	for _, m := range rawMessages {
		if msg, ok := m.(map[string]any); ok {
			if role, _ := msg["role"].(string); role == "system" {
				hasSystem = true
				break
			}
		}
	}
	if !hasSystem {
		systemMsg := map[string]any{"role": "system", "content": "你是助手"}
		rawMessages = append([]any{systemMsg}, rawMessages...)
	}

	markCacheControl(rawMessages[0])
	markCacheControl(rawMessages[len(rawMessages)-1])

	payload["messages"] = rawMessages
}

func markCacheControl(m any) {
	msg, ok := m.(map[string]any)
	if !ok {
		return
	}
	cacheControl := map[string]any{"type": "ephemeral"}
	switch content := msg["content"].(type) {
	case string:
		msg["content"] = []any{map[string]any{"type": "text", "text": content, "cache_control": cacheControl}}
	case []any:
		if len(content) == 0 {
			return
		}
		if last, ok := content[len(content)-1].(map[string]any); ok {
			last["cache_control"] = cacheControl
		}
	}
}

// HandleSearch issues one web-search query against this account's upstream.
func (p *AccountProvider) HandleSearch(ctx context.Context, query string) (map[string]any, error) {
	creds, err := p.auth.GetValid(ctx)
	if err != nil {
		return nil, p.classifyAuthError(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	base := creds.normalizedBaseURL(p.defaultBase)
	body, _ := json.Marshal(map[string]any{"uq": query, "page": 1, "rows": 10})
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, searchURL(base), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("X-DashScope-AuthType", "qwen-oauth")
	req.Header.Set("User-Agent", qwenUserAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, p.failTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.failUpstream(resp.StatusCode, raw)
	}

	var parsed struct {
		Status int `json:"status"`
		Data   struct {
			Items []struct {
				Title     string  `json:"title"`
				URL       string  `json:"url"`
				Snippet   string  `json:"snippet"`
				Score     float64 `json:"_score"`
				Timestamp string  `json:"timestamp_format"`
			} `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		p.cooldown()
		p.quota.RecordFailure(p.id, kindSearch, "runtime_error")
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if parsed.Status != 0 {
		p.cooldown()
		p.quota.RecordFailure(p.id, kindSearch, "invalid_payload")
		return nil, errors.New("invalid_payload")
	}

	results := make([]SearchResult, 0, len(parsed.Data.Items))
	for _, item := range parsed.Data.Items {
		results = append(results, SearchResult{
			Title:         item.Title,
			URL:           item.URL,
			Content:       item.Snippet,
			Score:         item.Score,
			PublishedDate: item.Timestamp,
		})
	}

	p.markSuccess(time.Now())
	p.deferred.Schedule(func() { p.quota.IncrementUsage(p.id, kindSearch) })

	return map[string]any{
		"success": true,
		"query":   query,
		"results": results,
	}, nil
}
