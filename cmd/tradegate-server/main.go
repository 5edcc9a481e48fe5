package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradegate/internal/api"
	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/engine"
	"tradegate/internal/events"
	"tradegate/internal/market"
	"tradegate/internal/notify"
	"tradegate/internal/risk"
	"tradegate/internal/store"
	"tradegate/internal/telemetry"
	"tradegate/internal/util"
)

func main() {
	cfgPath := "config/tradegate.yaml"
	if p := os.Getenv("TRADEGATE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tradegate-server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = tp.Shutdown(sctx)
	}()

	classifier, err := newClassifier(ctx, cfg.Risk)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	deps := engine.Deps{
		Market: newMarket(cfg, logger),
		Risk:   classifier,
		Broker: broker.NewSimulatorBroker(broker.SimulatorOptions{
			MinLatency:      cfg.Simulator.MinLatency,
			MaxLatency:      cfg.Simulator.MaxLatency,
			PartialFillRate: cfg.Simulator.PartialFillRate,
			RejectRate:      cfg.Simulator.RejectRate,
			Seed:            cfg.Simulator.Seed,
		}),
		Store:    db,
		Notifier: newNotifier(cfg.Notify, cfg.Engine.NotifyTimeout, logger),
		Router:   notify.NewRouter(cfg.Notify.DefaultSupervisor, cfg.Notify.Supervisors, cfg.Notify.RoleSupervisors),
		Events:   bus,
		Meter:    tp.Meter("tradegate/engine"),
		Logger:   logger,
		OnFatal: func(attemptID string, err error) {
			logger.Error("operator attention required", "attempt_id", attemptID, "error", err)
		},
	}
	if cfg.Storage.ArchiveDir != "" {
		deps.Archive = store.NewParquetArchive(cfg.Storage.ArchiveDir)
	}

	eng, err := engine.NewEngine(cfg.Engine, deps)
	if err != nil {
		return err
	}
	logger.Info("engine started",
		"market", deps.Market.Name(),
		"risk", classifier.Name(),
		"broker", deps.Broker.Name(),
		"store", cfg.Storage.SQLitePath,
	)

	srv := api.NewServer(cfg.Server, eng, bus, logger)
	serveErr := srv.ListenAndServe(ctx)

	// Listeners are closed; let undispatched attempts abort and executing
	// ones finish.
	sctx, scancel := context.WithTimeout(context.Background(), cfg.Engine.ExecutionTimeout+5*time.Second)
	defer scancel()
	if err := eng.Shutdown(sctx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	logger.Info("tradegate-server stopped")
	return nil
}

func newMarket(cfg *config.Config, logger *slog.Logger) market.Provider {
	if cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != "" {
		return market.NewAlpacaProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	}
	logger.Info("alpaca credentials not set, using static reference prices",
		"symbols", len(cfg.Simulator.ReferencePrices))
	return market.NewStaticProvider(cfg.Simulator.ReferencePrices)
}

func newClassifier(ctx context.Context, cfg config.RiskConfig) (risk.Classifier, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		c, err := risk.NewOpenAIClassifier(ctx, cfg.APIKey, cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("creating openai classifier: %w", err)
		}
		return c, nil
	default:
		return risk.NewRulesClassifier(cfg.MediumNotional, cfg.HighNotional, cfg.MaxConcentration), nil
	}
}

// newNotifier tries Slack, then the webhook. Every alert is also logged; the
// log only counts as delivery when neither remote channel is configured.
func newNotifier(cfg config.NotifyConfig, timeout time.Duration, logger *slog.Logger) notify.Notifier {
	var chain notify.Multi
	if cfg.SlackToken != "" {
		chain = append(chain, notify.NewSlackNotifier(cfg.SlackToken, ""))
	}
	if cfg.WebhookURL != "" {
		chain = append(chain, notify.NewWebhookNotifier(cfg.WebhookURL, timeout))
	}
	return append(chain, notify.NewLogNotifier(logger))
}
