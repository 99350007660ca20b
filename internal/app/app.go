// Package app wires configuration, storage, pools, checkers, and the
// operator HTTP surface into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Japgutter/keywarden/internal/checker"
	"github.com/Japgutter/keywarden/internal/config"
	"github.com/Japgutter/keywarden/internal/db"
	admin "github.com/Japgutter/keywarden/internal/http/api/admin"
	"github.com/Japgutter/keywarden/internal/keypool"
	"github.com/Japgutter/keywarden/internal/metrics"
	"github.com/Japgutter/keywarden/internal/probe"
	"github.com/Japgutter/keywarden/internal/store"
	"github.com/Japgutter/keywarden/internal/watcher"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 10 * time.Second

// vendorRuntime groups one vendor's running components.
type vendorRuntime struct {
	vendor  keypool.Vendor
	pool    *keypool.Pool
	checker *checker.Checker
}

// RunServer boots the key pool manager and blocks until ctx is cancelled.
func RunServer(ctx context.Context, configPath string, overridePort int) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	if overridePort > 0 {
		cfg.Server.Port = overridePort
	}

	var conn *gorm.DB
	if strings.TrimSpace(cfg.Store.DSN) != "" {
		opened, errOpen := db.Open(cfg.Store.DSN)
		if errOpen != nil {
			return errOpen
		}
		if errMigrate := db.Migrate(opened); errMigrate != nil {
			return errMigrate
		}
		conn = opened
	}

	providers := make(map[keypool.Vendor]keypool.Provider)
	var runtimes []*vendorRuntime
	var flushTargets []store.FlushTarget

	fileWatcher, errWatcher := watcher.New()
	if errWatcher != nil {
		return errWatcher
	}

	vendorConfigs := map[keypool.Vendor]config.VendorConfig{
		keypool.VendorOpenAI:    cfg.OpenAI,
		keypool.VendorAnthropic: cfg.Anthropic,
	}
	for vendor, vendorCfg := range vendorConfigs {
		if !vendorCfg.HasKeys(cfg.Store.DSN) {
			log.Infof("app: no key source configured for %s, vendor skipped", vendor)
			continue
		}
		runtime, flushTarget, errVendor := buildVendor(ctx, vendor, vendorCfg, conn, fileWatcher)
		if errVendor != nil {
			return errVendor
		}
		runtimes = append(runtimes, runtime)
		providers[vendor] = metrics.InstrumentProvider(runtime.pool, string(vendor))
		if flushTarget != nil {
			flushTargets = append(flushTargets, *flushTarget)
		}
	}
	if len(runtimes) == 0 {
		return fmt.Errorf("app: no vendor has a key source configured")
	}

	var flusher *store.Flusher
	if len(flushTargets) > 0 {
		built, errFlusher := store.NewFlusher(cfg.Store.FlushInterval.Std(), flushTargets)
		if errFlusher != nil {
			return errFlusher
		}
		flusher = built
		flusher.Start()
	}
	fileWatcher.Start()
	for _, runtime := range runtimes {
		if runtime.checker != nil {
			runtime.checker.Start()
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	admin.RegisterAdminRoutes(engine, cfg.Admin, providers)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("app: listening on %s", server.Addr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			serveErr <- errServe
		}
	}()

	select {
	case errServe := <-serveErr:
		return errServe
	case <-ctx.Done():
	}

	log.Info("app: shutting down")
	for _, runtime := range runtimes {
		if runtime.checker != nil {
			runtime.checker.Stop()
		}
	}
	fileWatcher.Stop()
	if flusher != nil {
		flusher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildVendor assembles one vendor's pool, store, checker, and watches.
func buildVendor(ctx context.Context, vendor keypool.Vendor, vendorCfg config.VendorConfig,
	conn *gorm.DB, fileWatcher *watcher.Watcher) (*vendorRuntime, *store.FlushTarget, error) {

	pool := keypool.New(keypool.Options{
		Vendor:           vendor,
		ReuseDelay:       vendorCfg.ReuseDelay.Std(),
		RateLimitLockout: vendorCfg.RateLimitLockout.Std(),
	})

	keys, errKeys := loadKeys(ctx, vendor, vendorCfg, conn)
	if errKeys != nil {
		return nil, nil, errKeys
	}
	pool.Load(keys)
	metrics.RegisterPoolGauges(string(vendor), pool.Available, pool.Disabled)

	runtime := &vendorRuntime{vendor: vendor, pool: pool}
	if vendorCfg.CheckKeys {
		client, errClient := probeClient(vendor, vendorCfg)
		if errClient != nil {
			return nil, nil, errClient
		}
		runtime.checker = checker.New(vendor, pool, client, checker.Config{
			RecheckPeriod:       vendorCfg.RecheckPeriod.Std(),
			MinInterval:         vendorCfg.MinProbeInterval.Std(),
			StartupBatch:        vendorCfg.StartupBatch,
			StartupDelay:        vendorCfg.StartupDelay.Std(),
			RateLimitRetryDelay: vendorCfg.RateLimitRetryDelay.Std(),
		})
		pool.AttachChecker(runtime.checker)
	}

	if keyFile := strings.TrimSpace(vendorCfg.KeyFile); keyFile != "" {
		if errWatch := fileWatcher.WatchFile(keyFile, pool.Recheck); errWatch != nil {
			log.WithError(errWatch).Warnf("app: cannot watch %s key file", vendor)
		}
	}

	var flushTarget *store.FlushTarget
	if conn != nil {
		flushTarget = &store.FlushTarget{
			Vendor: vendor,
			Store:  store.NewGormKeyStore(conn, vendor),
			Export: pool.Export,
		}
	}
	return runtime, flushTarget, nil
}

// loadKeys assembles the initial key set: database rows when a store is
// configured, supplemented by key-file secrets not yet persisted.
func loadKeys(ctx context.Context, vendor keypool.Vendor, vendorCfg config.VendorConfig, conn *gorm.DB) ([]keypool.Key, error) {
	var keys []keypool.Key
	known := make(map[string]struct{})

	if conn != nil {
		dbKeys, errLoad := store.NewGormKeyStore(conn, vendor).Load(ctx)
		if errLoad != nil {
			return nil, errLoad
		}
		for _, k := range dbKeys {
			known[k.Hash] = struct{}{}
		}
		keys = dbKeys
	}

	if keyFile := strings.TrimSpace(vendorCfg.KeyFile); keyFile != "" {
		fileKeys, errLoad := store.NewFileKeyStore(keyFile, vendor).Load(ctx)
		if errLoad != nil {
			return nil, errLoad
		}
		for _, k := range fileKeys {
			if _, exists := known[k.Hash]; exists {
				continue
			}
			known[k.Hash] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// probeClient builds the vendor's HTTP probe collaborator.
func probeClient(vendor keypool.Vendor, vendorCfg config.VendorConfig) (probe.Client, error) {
	switch vendor {
	case keypool.VendorOpenAI:
		return probe.NewOpenAI(vendorCfg.BaseURL, vendorCfg.ProbeTimeout.Std()), nil
	case keypool.VendorAnthropic:
		return probe.NewAnthropic(vendorCfg.BaseURL, vendorCfg.ProbeTimeout.Std()), nil
	default:
		return nil, fmt.Errorf("app: unknown vendor %q", vendor)
	}
}
