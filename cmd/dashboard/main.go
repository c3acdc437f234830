// Command dashboard runs the full lighter-md pipeline: upstream client,
// discovery manager, per-market store, funding analytics, and the
// downstream HTTP/WebSocket boundary. Grounded on the teacher's
// cmd/gatherer/main.go composition root shape (flag-free env config,
// signal-driven shutdown, a health server started early).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rickgao/lighter-md/internal/analytics"
	"github.com/rickgao/lighter-md/internal/boundary"
	"github.com/rickgao/lighter-md/internal/bus"
	"github.com/rickgao/lighter-md/internal/config"
	"github.com/rickgao/lighter-md/internal/manager"
	"github.com/rickgao/lighter-md/internal/metadata"
	"github.com/rickgao/lighter-md/internal/msgmodel"
	"github.com/rickgao/lighter-md/internal/store"
	"github.com/rickgao/lighter-md/internal/version"
	"github.com/rickgao/lighter-md/internal/wsclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting lighter-md",
		"version", version.Version,
		"commit", version.Commit,
		"ws_url", cfg.WSURL,
		"dashboard_port", cfg.DashboardPort,
	)

	marketMeta := metadata.Load(cfg.MarketMetadata, logger)
	logger.Info("market metadata loaded", "entries", len(marketMeta))

	marketBus := bus.New[store.Update](128)
	st := store.New(marketBus, marketMeta, cfg.Debounce())

	fundingBus := bus.New[msgmodel.FundingSnapshot](512)
	analyticsWorker := analytics.New(st, fundingBus, cfg.FundingRefresh, cfg.FundingMinAssets, logger)

	mgr := manager.New(st, logger)
	mgr.OnIngest(boundary.RecordMarketUpdate)

	wsCfg := wsclient.Config{
		URL:           cfg.WSURL,
		PingInterval:  cfg.PingInterval,
		PingTimeout:   cfg.PingInterval + 5*time.Second,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
		WriteTimeout:  10 * time.Second,
		OnReconnect:   boundary.RecordReconnect,
	}
	client := wsclient.New(wsCfg, mgr.OnConnect, mgr.OnMessage, logger)
	mgr.AttachSender(client)

	var clientRunning atomicBool
	status := func() (bool, int) {
		return clientRunning.Load(), len(st.MarketIDs())
	}

	server := boundary.New(st, marketBus, fundingBus, analyticsWorker.Latest, status, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.DashboardHost, cfg.DashboardPort),
		Handler: server.Handler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := analyticsWorker.Start(ctx); err != nil {
		logger.Error("failed to start analytics", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clientRunning.Store(true)
		defer clientRunning.Store(false)
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("upstream client stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("starting http server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	analyticsWorker.Stop(shutdownCtx)
	st.Close()
	wg.Wait()

	logger.Info("lighter-md stopped")
}

func parseLevel(raw string) slog.Level {
	switch strings.ToUpper(raw) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// atomicBool is a tiny sync.Mutex-backed flag, matching the teacher's
// preference for a plain mutex over sync/atomic for simple state guards.
type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (b *atomicBool) Store(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *atomicBool) Load() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}
