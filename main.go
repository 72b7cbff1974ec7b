package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"perp-agent/internal/agent"
	"perp-agent/internal/api"
	"perp-agent/internal/diary"
	"perp-agent/internal/engine"
	"perp-agent/internal/events"
	"perp-agent/internal/monitor"
	"perp-agent/internal/notify"
	"perp-agent/internal/paper"
	"perp-agent/internal/persistence"
	"perp-agent/pkg/config"
	"perp-agent/pkg/db"
	"perp-agent/pkg/instance"
	"perp-agent/pkg/logger"
	market "perp-agent/pkg/market/binance"
)

const shutdownTimeout = 15 * time.Second

func main() {
	tokenFor := flag.String("token", "", "print an operator token for the given name and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the token printed by -token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *tokenFor != "" {
		token, err := api.GenerateToken(*tokenFor, cfg.JWTSecret, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("❌ perp-agent stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v0.1-dev"
	}
	instanceID := instance.ID()
	log.Info("🚀 starting perp-agent",
		zap.String("version", buildVersion),
		zap.String("instance", instanceID),
		zap.Strings("assets", cfg.Assets),
		zap.String("interval", cfg.Interval),
		zap.String("mode", cfg.TradingMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	bus := events.NewBus()
	writer := persistence.NewBatchWriter(database.DB, 50, 2*time.Second, log.Named("persistence"))
	defer func() {
		if err := writer.Close(); err != nil {
			log.Warn("batch writer close", zap.Error(err))
		}
	}()

	md := market.NewClient(cfg.BinanceBaseURL, log.Named("binance"))
	paperEx, err := paper.New(paper.Config{
		StartingBalance: cfg.StartingBalance,
		Slippage:        cfg.Slippage,
		TriggerSlippage: cfg.TriggerSlippage,
		FeeRate:         cfg.FeeRate,
		ChargeFees:      cfg.ChargeFees,
		StatePath:       cfg.PaperStatePath,
		PriceTTL:        cfg.PriceCacheTTL,
	}, md, log.Named("paper"))
	if err != nil {
		return fmt.Errorf("init paper exchange: %w", err)
	}
	paperEx.SetFillSink(writer)

	decider, closeAgent, err := buildAgent(cfg, log.Named("agent"))
	if err != nil {
		return err
	}
	defer closeAgent()

	dlog, err := buildDiary(cfg, database, instanceID, log.Named("diary"))
	if err != nil {
		return err
	}

	deps := engine.Deps{
		Config:     cfg,
		Exchange:   paperEx,
		Agent:      decider,
		Diary:      dlog,
		Bus:        bus,
		Audit:      writer,
		Metrics:    monitor.NewSystemMetrics(),
		InstanceID: instanceID,
		Log:        log.Named("engine"),
	}
	if cfg.MarketStream {
		deps.Stream = market.NewStreamClient(cfg.BinanceStreamURL, log.Named("stream"))
	}
	sched, err := engine.New(deps)
	if err != nil {
		return err
	}

	mon := &monitor.Monitor{
		Bus:     bus,
		Metrics: deps.Metrics,
		AlertFn: func(msg string) { log.Warn("🚨 alert", zap.String("message", msg)) },
		Log:     log.Named("monitor"),
	}
	mon.Start(ctx)

	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, sched, bus, log.Named("telegram"))
		if err != nil {
			log.Warn("telegram disabled", zap.Error(err))
		} else {
			tg.Start(ctx)
			log.Info("📨 telegram approvals enabled", zap.Int64("chat_id", cfg.TelegramChatID))
		}
	}

	if cfg.JWTSecret == "" {
		log.Warn("⚠️ JWT_SECRET not set; control API is unauthenticated")
	}
	server := api.NewServer(sched, bus, deps.Metrics, api.SystemMeta{
		Backend:    cfg.TradingBackend,
		Assets:     cfg.Assets,
		Interval:   cfg.Interval,
		AgentKind:  cfg.AgentKind,
		InstanceID: instanceID,
		Version:    buildVersion,
	}, cfg.JWTSecret, log.Named("api"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("🌐 control API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("🛑 shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		runErr = fmt.Errorf("api server: %w", err)
	}

	sched.Stop()
	sched.Wait()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	return runErr
}

func buildAgent(cfg *config.Config, log *zap.Logger) (agent.Agent, func(), error) {
	switch cfg.AgentKind {
	case "grpc":
		g, err := agent.DialGRPC(cfg.AgentGRPCAddr, cfg.AgentTimeout, log)
		if err != nil {
			return nil, nil, fmt.Errorf("dial decision agent: %w", err)
		}
		return g, func() { _ = g.Close() }, nil
	default:
		return agent.NewHTTPAgent(cfg.AgentURL, cfg.AgentAPIKey, cfg.AgentTimeout, log), func() {}, nil
	}
}

func buildDiary(cfg *config.Config, database *db.Database, instanceID string, log *zap.Logger) (diary.Log, error) {
	if cfg.DiaryBackend == "sqlite" {
		return diary.NewSQLLog(database, instanceID), nil
	}
	f, err := diary.NewFileLog(cfg.DiaryPath, instanceID, log)
	if err != nil {
		return nil, fmt.Errorf("open diary: %w", err)
	}
	return f, nil
}
