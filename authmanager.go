package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Credential is the OAuth credential record for one account. Only
// AccessToken and RefreshToken are required; everything else is optional.
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ResourceURL  string `json:"resourceUrl,omitempty"`
	ExpiryUnixMs int64  `json:"expiryUnixMs,omitempty"`
	Alias        string `json:"alias,omitempty"`
}

// expired reports whether the credential needs refreshing, honoring the
// 5-minute safety window. A zero ExpiryUnixMs is treated as "no expiry info"
// (never forces a refresh on its own).
func (c Credential) expired(now time.Time) bool {
	if c.ExpiryUnixMs == 0 {
		return false
	}
	return now.UnixMilli() >= c.ExpiryUnixMs-300_000
}

// normalizedBaseURL returns ResourceURL normalized to "https://<host>/v1",
// falling back to defaultBase when ResourceURL is empty.
func (c Credential) normalizedBaseURL(defaultBase string) string {
	raw := c.ResourceURL
	if raw == "" {
		raw = defaultBase
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	raw = strings.TrimSuffix(raw, "/")
	if strings.HasSuffix(raw, "/v1") {
		return raw
	}
	if u, err := url.Parse(raw); err == nil {
		u.Path = strings.TrimSuffix(u.Path, "/v1")
		return u.Scheme + "://" + u.Host + "/v1"
	}
	return raw + "/v1"
}

var (
	errNoCreds     = errors.New("NO_CREDS")
	errAuthExpired = errors.New("AUTH_EXPIRED")
	errPending     = errors.New("pending")
	errLockTimeout = errors.New("Timeout or failure waiting for token update")
)

// DeviceAuthStart is the response to starting a device-code flow.
type DeviceAuthStart struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// AuthManager is one per account: device-code start/exchange, credential
// load/save with legacy-key migration, expiry-driven refresh guarded by a
// distributed lock, and alias caching.
type AuthManager struct {
	credsKey     string
	legacyKey    string
	clientID     string
	deviceAuthURL string
	tokenURL     string
	httpClient   *http.Client
	blobs        *BlobStore

	mu               sync.Mutex
	memoryCreds      *Credential
	memoryLoadedAtMs int64
	legacyChecked    bool
}

// NewAuthManager constructs an AuthManager for the account stored under
// credsKey (canonical form, e.g. "qwen_creds_a1b2c3d4.json").
func NewAuthManager(credsKey, clientID, deviceAuthURL, tokenURL string, blobs *BlobStore, httpClient *http.Client) *AuthManager {
	return &AuthManager{
		credsKey:      canonicalID(credsKey),
		legacyKey:     "./" + canonicalID(credsKey),
		clientID:      clientID,
		deviceAuthURL: deviceAuthURL,
		tokenURL:      tokenURL,
		httpClient:    httpClient,
		blobs:         blobs,
	}
}

// StartDeviceAuth begins the device-code flow.
func (a *AuthManager) StartDeviceAuth(ctx context.Context, codeChallenge string) (*DeviceAuthStart, error) {
	form := url.Values{
		"client_id":             {a.clientID},
		"scope":                 {"openid profile email model.completion"},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.deviceAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("device auth start failed: %s: %s", resp.Status, string(body))
	}

	var out DeviceAuthStart
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode device auth response: %w", err)
	}
	return &out, nil
}

// ExchangeDeviceCode polls the token endpoint once. Returns errPending for
// upstream "authorization_pending"/"slow_down" responses.
func (a *AuthManager) ExchangeDeviceCode(ctx context.Context, deviceCode, verifier string) (*Credential, error) {
	form := url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":     {a.clientID},
		"device_code":   {deviceCode},
		"code_verifier": {verifier},
	}
	tokenResp, err := a.postToken(ctx, form)
	if err != nil {
		if errors.Is(err, errPending) {
			return nil, errPending
		}
		return nil, err
	}

	cred := &Credential{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		Scope:        tokenResp.Scope,
		ResourceURL:  tokenResp.ResourceURL,
		ExpiryUnixMs: time.Now().UnixMilli() + tokenResp.ExpiresIn*1000,
	}
	if err := a.save(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ResourceURL  string `json:"resource_url"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

func (a *AuthManager) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if err != nil {
		return nil, err
	}

	var out tokenResponse
	_ = decodeJSON(bytes.NewReader(body), &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error == "authorization_pending" || out.Error == "slow_down" {
			return nil, errPending
		}
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return nil, errAuthExpired
		}
		return nil, fmt.Errorf("token endpoint failed: %s: %s", resp.Status, string(body))
	}
	return &out, nil
}

// GetValid returns a non-expired credential, refreshing if necessary.
func (a *AuthManager) GetValid(ctx context.Context) (*Credential, error) {
	a.mu.Lock()
	if a.memoryCreds != nil && time.Now().UnixMilli()-a.memoryLoadedAtMs <= 5000 {
		cred := *a.memoryCreds
		a.mu.Unlock()
		if cred.expired(time.Now()) {
			return a.Refresh(ctx, cred.RefreshToken)
		}
		return &cred, nil
	}
	a.mu.Unlock()

	cred, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, errNoCreds
	}
	if cred.expired(time.Now()) {
		return a.Refresh(ctx, cred.RefreshToken)
	}
	return cred, nil
}

// load reads the canonical key, probing and migrating the legacy "./" key
// exactly once per process lifetime of this AuthManager.
func (a *AuthManager) load(ctx context.Context) (*Credential, error) {
	a.mu.Lock()
	checked := a.legacyChecked
	a.mu.Unlock()

	if !checked {
		var legacy Credential
		ok, err := a.blobs.Get(a.legacyKey, &legacy)
		if err == nil && ok {
			if err := a.blobs.Set(a.credsKey, legacy, SetOptions{}); err != nil {
				return nil, err
			}
			_ = a.blobs.Delete(a.legacyKey)
		}
		a.mu.Lock()
		a.legacyChecked = true
		a.mu.Unlock()
	}

	var cred Credential
	ok, err := a.blobs.Get(a.credsKey, &cred)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	a.cacheMemory(&cred)
	return &cred, nil
}

func (a *AuthManager) save(cred *Credential) error {
	if err := a.blobs.Set(a.credsKey, cred, SetOptions{}); err != nil {
		return err
	}
	a.cacheMemory(cred)
	return nil
}

func (a *AuthManager) cacheMemory(cred *Credential) {
	a.mu.Lock()
	cp := *cred
	a.memoryCreds = &cp
	a.memoryLoadedAtMs = time.Now().UnixMilli()
	a.mu.Unlock()
}

// Refresh acquires the distributed refresh lock and rotates the refresh
// token. If another instance is already refreshing, it polls for up to 30
// attempts at 500ms looking for a rotated refresh token as proof the other
// writer won the race.
func (a *AuthManager) Refresh(ctx context.Context, staleRefreshToken string) (*Credential, error) {
	const lockName = "token_refresh:"
	token, err := a.blobs.Acquire(lockName+a.credsKey, 60)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return a.waitForRotation(ctx, staleRefreshToken)
	}
	defer a.blobs.Release(lockName+a.credsKey, token)

	current, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, errNoCreds
	}
	if current.RefreshToken != staleRefreshToken {
		// another writer already rotated it while we waited for the lock
		return current, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {a.clientID},
		"refresh_token": {current.RefreshToken},
	}
	tokenResp, err := a.postToken(ctx, form)
	if err != nil {
		return nil, err
	}

	next := &Credential{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: current.RefreshToken,
		TokenType:    tokenResp.TokenType,
		Scope:        tokenResp.Scope,
		ResourceURL:  current.ResourceURL,
		ExpiryUnixMs: time.Now().UnixMilli() + tokenResp.ExpiresIn*1000,
		Alias:        current.Alias,
	}
	if tokenResp.RefreshToken != "" {
		next.RefreshToken = tokenResp.RefreshToken
	}
	if tokenResp.ResourceURL != "" {
		next.ResourceURL = tokenResp.ResourceURL
	}
	if err := a.save(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (a *AuthManager) waitForRotation(ctx context.Context, staleRefreshToken string) (*Credential, error) {
	for i := 0; i < 30; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		cred, err := a.load(ctx)
		if err != nil {
			return nil, err
		}
		if cred != nil && cred.RefreshToken != staleRefreshToken {
			return cred, nil
		}
	}
	return nil, errLockTimeout
}

// ProbeStatus performs a 5s-timeout minimal chat probe, returning the
// upstream HTTP status for one-shot validity checks.
func (a *AuthManager) ProbeStatus(ctx context.Context, creds *Credential, chatURL string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body := bytes.NewReader([]byte(`{"model":"probe","messages":[{"role":"user","content":"hi"}],"max_tokens":1}`))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// CachedAlias returns the in-memory alias, else the account id with known
// prefixes/suffixes stripped.
func (a *AuthManager) CachedAlias() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.memoryCreds != nil && a.memoryCreds.Alias != "" {
		return a.memoryCreds.Alias
	}
	id := strings.TrimSuffix(a.credsKey, ".json")
	id = strings.TrimPrefix(id, "qwen_creds_")
	id = strings.TrimPrefix(id, "oauth_creds_")
	return id
}
