package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"strings"
	"time"
)

// gatewayConfig is the fully resolved runtime configuration, env > config
// file > default.
type gatewayConfig struct {
	listenAddr string
	adminKey   string
	apiKey     string
	debug      bool

	blobStorePath string
	relStorePath  string

	qwenClientID  string
	deviceAuthURL string
	tokenURL      string
	defaultBase   string

	quota QuotaConfig

	successAudit bool

	scanIntervalMs int64
	fullScanEvery  time.Duration

	staticAuthFiles []string
	modelMappings   map[string]string

	alertWebhookURL   string
	alertQuotaPercent float64
}

var globalConfigFile *ConfigFile

func buildConfig() gatewayConfig {
	configFile, err := loadConfigFile("config.toml")
	if err != nil {
		log.Printf("warning: failed to load config.toml: %v", err)
	}
	globalConfigFile = configFile

	var fc ConfigFile
	if configFile != nil {
		fc = *configFile
	}

	cfg := gatewayConfig{}
	cfg.listenAddr = getConfigString("GATEWAY_LISTEN_ADDR", fc.ListenAddr, "127.0.0.1:8787")
	cfg.adminKey = getConfigString("GATEWAY_ADMIN_KEY", fc.AdminKey, "")
	cfg.apiKey = getConfigString("GATEWAY_API_KEY", fc.APIKey, "")
	cfg.debug = getConfigBool("GATEWAY_DEBUG", fc.Debug, false)

	cfg.blobStorePath = getConfigString("GATEWAY_BLOB_STORE_PATH", fc.BlobStorePath, "./data/blobs.db")
	cfg.relStorePath = getConfigString("GATEWAY_REL_STORE_PATH", fc.RelStorePath, "./data/gateway.db")

	cfg.qwenClientID = getConfigString("QWEN_OAUTH_CLIENT_ID", fc.QwenOAuthClientID, "f0304373b74a44d2b584a3fb70ca9e56")
	cfg.deviceAuthURL = getConfigString("QWEN_DEVICE_AUTH_URL", fc.DeviceAuthURL, "https://chat.qwen.ai/api/v1/oauth2/device/code")
	cfg.tokenURL = getConfigString("QWEN_TOKEN_URL", fc.TokenURL, "https://chat.qwen.ai/api/v1/oauth2/token")
	cfg.defaultBase = getConfigString("QWEN_DEFAULT_BASE", fc.DefaultBase, "https://dashscope.aliyuncs.com")

	cfg.quota = QuotaConfig{
		Chat: KindLimits{
			Daily: getConfigInt64("GATEWAY_QUOTA_CHAT_DAILY", fc.Quota.Chat.Daily, 0),
			RPM:   getConfigInt64("GATEWAY_QUOTA_CHAT_RPM", fc.Quota.Chat.RPM, 0),
		},
		Search: KindLimits{
			Daily: getConfigInt64("GATEWAY_QUOTA_SEARCH_DAILY", fc.Quota.Search.Daily, 0),
			RPM:   getConfigInt64("GATEWAY_QUOTA_SEARCH_RPM", fc.Quota.Search.RPM, 0),
		},
	}

	cfg.successAudit = getConfigBool("GATEWAY_AUDIT_SUCCESS_LOGS", fc.Audit.SuccessLogs, true)

	scanSeconds := getConfigInt64("GATEWAY_PROVIDER_SCAN_SECONDS", fc.Tuning.ProviderScanSeconds, 30)
	if scanSeconds < 5 {
		scanSeconds = 5
	}
	cfg.scanIntervalMs = scanSeconds * 1000

	fullScanMinutes := getConfigInt64("GATEWAY_PROVIDER_FULL_SCAN_MINUTES", fc.Tuning.ProviderFullKVScanMinutes, 0)
	if fullScanMinutes > 0 {
		cfg.fullScanEvery = time.Duration(fullScanMinutes) * time.Minute
	}

	cfg.staticAuthFiles = fc.Providers.Qwen.AuthFiles
	cfg.modelMappings = fc.ModelMappings

	cfg.alertWebhookURL = getConfigString("GATEWAY_ALERT_WEBHOOK_URL", fc.Alert.WebhookURL, "")
	cfg.alertQuotaPercent = getConfigFloat64("GATEWAY_ALERT_QUOTA_PERCENT", fc.Alert.QuotaPercent, 80)

	flag.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "listen address")
	flag.Parse()
	return cfg
}

func main() {
	cfg := buildConfig()

	blobs, err := NewBlobStore(cfg.blobStorePath)
	if err != nil {
		log.Fatalf("open blob store: %v", err)
	}
	defer blobs.Close()

	relStore, err := NewRelStore(cfg.relStorePath)
	if err != nil {
		log.Fatalf("open relational store: %v", err)
	}
	defer relStore.Close()

	registry := NewProviderRegistry(relStore)
	quota := NewQuotaManager(relStore, cfg.quota, cfg.successAudit)
	deferred := NewDeferredWork(256)
	defer deferred.Close()

	transport := newUpstreamTransport()
	httpClient := &http.Client{Transport: transport}

	pool := NewProviderPool(registry, blobs, quota, deferred, httpClient, cfg.qwenClientID, cfg.deviceAuthURL, cfg.tokenURL, cfg.defaultBase, cfg.scanIntervalMs)
	pool.SetStaticIDs(cfg.staticAuthFiles)

	bootCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := pool.Rescan(bootCtx, scanModeFull); err != nil {
		log.Printf("warning: initial provider scan failed: %v", err)
	}
	cancel()
	log.Printf("loaded %d qwen accounts", len(pool.Snapshot()))

	if cfg.fullScanEvery > 0 {
		go func() {
			ticker := time.NewTicker(cfg.fullScanEvery)
			defer ticker.Stop()
			for range ticker.C {
				ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
				if err := pool.Rescan(ctx, scanModeFull); err != nil {
					log.Printf("periodic full scan failed: %v", err)
				}
				cancel()
			}
		}()
	}

	if cfg.alertWebhookURL != "" {
		alerts := NewAlertEngine(relStore, quota, registry, blobs, httpClient, cfg.alertWebhookURL, cfg.alertQuotaPercent)
		ctx, alertCancel := context.WithCancel(context.Background())
		defer alertCancel()
		go alerts.Run(ctx)
	}

	dispatcher := NewDispatcher(pool)
	admin := NewAdminServer(pool, quota, registry, cfg.adminKey)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", requireAPIKey(cfg.apiKey, dispatcher.ServeChat))
	mux.HandleFunc("/v1/tools/web_search", requireAPIKey(cfg.apiKey, dispatcher.ServeSearch))
	mux.Handle("/admin/api/", admin)

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
	if err := configureHTTP2Server(srv); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	log.Printf("qwen-pool-gateway listening on %s (accounts=%d)", cfg.listenAddr, len(pool.Snapshot()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// requireAPIKey enforces the external bearer token. When unset, the gateway
// runs unauthenticated, suited to local/dev deployments.
func requireAPIKey(apiKey string, next http.HandlerFunc) http.HandlerFunc {
	if apiKey == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != apiKey {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
