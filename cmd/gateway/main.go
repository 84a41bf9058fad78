package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/nbramov/gateway/internal/config"
	"github.com/nbramov/gateway/internal/convo"
	"github.com/nbramov/gateway/internal/dispatch"
	"github.com/nbramov/gateway/internal/gateway"
	"github.com/nbramov/gateway/internal/logger"
	"github.com/nbramov/gateway/internal/provider"
	"github.com/nbramov/gateway/internal/server"
	"github.com/nbramov/gateway/internal/store"
)

const (
	shutdownTimeout = 15 * time.Second
	sweeperGrace    = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[gateway] %v", err)
	}

	logg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("[gateway] failed to init logger: %v", err)
	}
	defer logg.Sync()

	if err := dispatch.VerifyLocalTarget(cfg.BackendURL); err != nil {
		logg.Fatal("backend target rejected", "error", err)
	}

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		logg.Fatal("failed to open database", "error", err)
	}
	defer db.Close()
	if err := store.InitSchema(db); err != nil {
		logg.Fatal("failed to init schema", "error", err)
	}
	st := store.New(db)

	adapter, err := buildAdapter(cfg, logg)
	if err != nil {
		logg.Fatal("failed to init provider", "error", err)
	}

	assembler := &convo.Assembler{History: st, Window: cfg.ContextWindowTurns, Log: logg}
	engine := dispatch.New(dispatch.Config{
		BaseURL:    cfg.BackendURL,
		Route:      cfg.BackendRoute,
		Token:      cfg.BackendToken,
		Model:      cfg.BackendModel,
		Source:     cfg.Provider,
		MaxRetries: cfg.DispatchMaxRetries,
		Timeout:    cfg.DispatchTimeout,
	}, assembler, logg)
	policy := &convo.Policy{
		History:            st,
		Summarizer:         engine,
		Enabled:            cfg.EnableContextSummary,
		Window:             cfg.ContextWindowTurns,
		RefreshEveryNTurns: cfg.SummaryUpdateEveryTurns,
		TokenThreshold:     cfg.SummaryTokenThreshold,
		MaxChars:           cfg.SummaryMaxChars,
		Timeout:            cfg.SummaryTimeout,
		Log:                logg,
	}
	processor := &gateway.Processor{
		Store:      st,
		Dispatcher: engine,
		Summaries:  policy,
		Sender:     adapter,
		Log:        logg,
	}

	logResourceWarnings(cfg, logg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.WaitReady(ctx)
	if err := adapter.ConfigureWebhook(ctx); err != nil {
		logg.Warn("webhook registration failed", "error", err)
	}

	sweeper := &gateway.Sweeper{
		Store:    st,
		Horizon:  cfg.RetentionHorizon(),
		Interval: cfg.RetentionInterval,
		Log:      logg,
	}
	sweeperDone := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(sweeperDone)
	}()

	server.SetMode(cfg.LogMode)
	router := server.NewRouter(server.RouterConfig{
		Adapter: adapter,
		Process: func(m provider.IncomingMessage) {
			processor.Process(context.Background(), m)
		},
		Health: server.HealthInfo{
			Provider:          cfg.Provider,
			WindowTurns:       cfg.ContextWindowTurns,
			SummaryEnabled:    cfg.EnableContextSummary,
			SummaryEveryTurns: cfg.SummaryUpdateEveryTurns,
			RetentionDays:     cfg.RetentionDays,
		},
		Log: logg,
	})
	srv := server.New(cfg.ListenAddr, router)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()
	logg.Info("gateway startup complete", "provider", adapter.Name(), "addr", cfg.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logg.Fatal("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("server shutdown failed", "error", err)
	}

	select {
	case <-sweeperDone:
	case <-time.After(sweeperGrace):
		logg.Warn("retention sweeper did not stop in time")
	}
}

func buildAdapter(cfg config.Config, logg *logger.Logger) (provider.Adapter, error) {
	switch cfg.Provider {
	case "telegram":
		return provider.NewTelegram(cfg.TelegramBotToken, cfg.TelegramWebhookSecret, cfg.TelegramWebhookURL, logg), nil
	}
	return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
}

func logResourceWarnings(cfg config.Config, logg *logger.Logger) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logg.Warn("failed to read memory stats", "error", err)
		return
	}
	totalGB := float64(vm.Total) / (1 << 30)
	if totalGB < cfg.RAMWarnThresholdGB {
		logg.Warn("low system RAM detected",
			"total_gb", fmt.Sprintf("%.2f", totalGB),
			"threshold_gb", cfg.RAMWarnThresholdGB)
	}
}
