package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/ratelimit"

	"mktv-gateway/work/access"
	"mktv-gateway/work/auth"
	"mktv-gateway/work/catalog"
	"mktv-gateway/work/client"
	"mktv-gateway/work/config"
	"mktv-gateway/work/handlers"
	"mktv-gateway/work/locks"
	"mktv-gateway/work/logger"
	"mktv-gateway/work/middleware"
	"mktv-gateway/work/proxy"
)

var Version = "v0.1.0" // default version

func main() {

	// load our config
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// set up logging
	appLog := logger.New(cfg.LogLevel)
	if cfg.Debug {
		appLog.SetLevel("DEBUG")
	}

	// worker pool for parallel playlist loading
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// shared HTTP clients: one for upstream media, one for identity/ledger calls
	upstreamClient := client.NewUpstreamClient(cfg.UpstreamTimeout)
	apiClient := client.NewAPIClient()

	// the catalog loads once; a broken playlist source is fatal, a partial
	// catalog is never served
	cat, err := catalog.Load(cfg, appLog, workerPool, apiClient)
	if err != nil {
		log.Fatalf("Failed to load playlist: %v", err)
	}
	appLog.Info("Playlist loaded: %d channels, %d groups", cat.Len(), len(cat.Groups()))

	// identity verification with TTL cache
	verifier := auth.NewVerifier(cfg.SupabaseURL, cfg.SupabaseAnonKey,
		cfg.TokenCacheTTL, cfg.IdentityRateLimit, apiClient, appLog)

	// approval ledger: Supabase when configured, local sqlite as fallback
	var store access.Store
	ledgerKind := "none"
	if supa := access.NewSupabaseStore(cfg.SupabaseURL, serviceKey(cfg), apiClient); supa != nil {
		store = supa
		ledgerKind = "supabase"
	} else if cfg.LedgerPath != "" {
		sqlStore, err := access.OpenSQLiteStore(cfg.LedgerPath)
		if err != nil {
			log.Fatalf("Failed to open access ledger: %v", err)
		}
		defer sqlStore.Close()
		store = sqlStore
		ledgerKind = "sqlite"
	}

	gate := access.NewGate(verifier, store, cfg.AdminEmails, appLog)
	lockManager := locks.NewManager(cfg.StreamLockTTL, cfg.MaxStreamsPerUser, cfg.StreamLockEnforced)
	upstreamLimiter := ratelimit.New(cfg.UpstreamRateLimit)
	streamProxy := proxy.New(upstreamClient, upstreamLimiter, cfg.MaxRedirects,
		cfg.ObfuscateUrls, cfg.Debug, appLog)

	app := &handlers.App{
		Config:  cfg,
		Log:     appLog,
		Catalog: cat,
		Gate:    gate,
		Locks:   lockManager,
		Proxy:   streamProxy,
	}

	// setup HTTP routes
	router := mux.NewRouter()
	gz := middleware.Gzip(appLog)

	router.Handle("/api/channels", gz(handlers.HandleChannels(app))).Methods("GET")
	router.Handle("/api/groups", gz(handlers.HandleGroups(app))).Methods("GET")
	router.Handle("/api/public-config", gz(handlers.HandlePublicConfig(app))).Methods("GET")
	router.Handle("/api/access/status", gz(handlers.HandleAccessStatus(app))).Methods("GET")
	router.Handle("/api/access/pending", gz(handlers.HandlePendingAccess(app))).Methods("GET")
	router.Handle("/api/access/approve", gz(handlers.HandleApproveAccess(app))).Methods("POST")
	router.HandleFunc("/api/proxy", handlers.HandleProxy(app)).Methods("GET")
	router.Handle("/api/session/release", gz(handlers.HandleSessionRelease(app))).Methods("POST")
	router.HandleFunc("/healthz", handlers.HandleHealth(app)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.Port)

	// show info
	appLog.Info("Starting MKTV Gateway %s", Version)
	appLog.Info("Server configuration:")
	appLog.Info("  - Listen Address: %s", addr)
	appLog.Info("  - Playlist Sources: %d", len(cfg.Sources))
	appLog.Info("  - Identity Provider: %v", verifier.Configured())
	appLog.Info("  - Approval Ledger: %s", ledgerKind)
	appLog.Info("  - Admin Accounts: %d", len(cfg.AdminEmails))
	appLog.Info("  - Token Cache TTL: %s", cfg.TokenCacheTTL)
	appLog.Info("  - Stream Lock TTL: %s", cfg.StreamLockTTL)
	appLog.Info("  - Stream Lock Enforced: %v (ceiling %d)", cfg.StreamLockEnforced, cfg.MaxStreamsPerUser)
	appLog.Info("  - Upstream Timeout: %s", cfg.UpstreamTimeout)
	appLog.Info("  - Max. Redirects: %d", cfg.MaxRedirects)
	appLog.Info("  - Debug Enabled: %v", cfg.Debug)
	appLog.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       65 * time.Second,
	}

	// fire us up
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// serviceKey prefers the privileged key for ledger writes, falling back to
// the anon key for projects where row-level policies allow it.
func serviceKey(cfg *config.Config) string {
	if cfg.SupabaseServiceKey != "" {
		return cfg.SupabaseServiceKey
	}
	return cfg.SupabaseAnonKey
}
