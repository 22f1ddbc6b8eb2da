package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pmdata/market-data-api/internal/alerts"
	"github.com/pmdata/market-data-api/internal/api"
	"github.com/pmdata/market-data-api/internal/blacklist"
	"github.com/pmdata/market-data-api/internal/config"
	"github.com/pmdata/market-data-api/internal/metrics"
	"github.com/pmdata/market-data-api/internal/observ"
	"github.com/pmdata/market-data-api/internal/orchestrator"
	"github.com/pmdata/market-data-api/internal/sources"
	"github.com/pmdata/market-data-api/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "path to config file")
		addr       = flag.String("addr", "", "listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	st, err := store.NewFileStore(cfg.Store.Path, time.Duration(cfg.Store.SaveIntervalSeconds)*time.Second)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	var notifier alerts.Notifier = alerts.LogNotifier{}
	var slack *alerts.SlackNotifier
	if cfg.Slack.Enabled {
		slack = alerts.NewSlackNotifier(cfg.Slack)
		notifier = slack
	}

	recorder := metrics.NewRecorder(st, cfg.Priorities)
	bl := blacklist.New(st, cfg.Blacklist, notifier)

	stockTimeout := time.Duration(cfg.Sources.TimeoutSecondsStock) * time.Second
	rateTimeout := time.Duration(cfg.Sources.TimeoutSecondsExchange) * time.Second

	clients := []sources.Client{
		sources.NewYahooFreeClient(stockTimeout, cfg.Sources.RateLimitPerMinute),
		sources.NewYahooJapanClient(stockTimeout),
		sources.NewToushinLibClient(stockTimeout),
		sources.NewJPXClient(stockTimeout),
	}
	apiKey := os.Getenv(cfg.Sources.YahooAPIKeyEnv)
	if apiKey != "" {
		clients = append(clients, sources.NewYahooAPIClient(sources.YahooAPIOptions{
			APIKey:             apiKey,
			APIHost:            cfg.Sources.YahooAPIHost,
			Timeout:            stockTimeout,
			PageSize:           cfg.Sources.PageSize,
			PageDelay:          time.Duration(cfg.Sources.PageDelayMs) * time.Millisecond,
			RateLimitPerMinute: cfg.Sources.RateLimitPerMinute,
			Notifier:           notifier,
		}))
	} else {
		observ.Log("yahoo_api_disabled", map[string]any{"env": cfg.Sources.YahooAPIKeyEnv})
	}

	rates := sources.NewExchangeRateService(recorder, rateTimeout,
		sources.NewExchangerateAPIClient(rateTimeout),
		sources.NewFrankfurterClient(rateTimeout),
		sources.HardcodedRates{},
	)

	orch := orchestrator.New(orchestrator.Options{
		Clients:   clients,
		Rates:     rates,
		Blacklist: bl,
		Recorder:  recorder,
		Store:     st,
		Notifier:  notifier,
		Retry: &orchestrator.RetryPolicy{
			MaxRetries:  cfg.Sources.MaxRetries,
			BackoffBase: time.Duration(cfg.Sources.BackoffBaseMs) * time.Millisecond,
		},
		BatchDelay:         time.Duration(cfg.Batch.DelayMs) * time.Millisecond,
		ErrorRateThreshold: cfg.Batch.ErrorRateThreshold,
		AlertThreshold:     cfg.Batch.AlertThreshold,
		CacheTTL:           5 * time.Minute,
	})

	mux := http.NewServeMux()
	api.NewHandler(orch, cfg.Server.MaxSymbols).Register(mux)
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		observ.Log("server_started", map[string]any{"addr": cfg.Server.Addr, "sources": len(clients)})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	// Periodic blacklist cleanup so expired entries disappear without
	// waiting to be read.
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				bl.Cleanup()
			case <-cleanupDone:
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	observ.Log("server_stopping", nil)

	close(cleanupDone)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		observ.Log("server_shutdown_error", map[string]any{"error": err.Error()})
	}
	if slack != nil {
		slack.Close()
	}
	if err := st.Stop(); err != nil {
		observ.Log("store_flush_error", map[string]any{"error": err.Error()})
	}
	observ.Log("server_stopped", nil)
}
