// Package bootstrap wires configuration, logging, telemetry and the trading
// components into a runnable application.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"paneltrader/internal/agent"
	"paneltrader/internal/alert"
	"paneltrader/internal/config"
	"paneltrader/internal/core"
	"paneltrader/internal/feed"
	"paneltrader/internal/logging"
	"paneltrader/internal/margin"
	"paneltrader/internal/meeting"
	"paneltrader/internal/position"
	"paneltrader/internal/risk"
	"paneltrader/internal/safety"
	"paneltrader/internal/scheduler"
	"paneltrader/internal/server"
	"paneltrader/internal/store"
	"paneltrader/internal/trading"
	"paneltrader/pkg/liveserver"
	"paneltrader/pkg/telemetry"
)

// App holds the wired application
type App struct {
	Cfg    *config.Config
	Logger *logging.Logger

	telemetry *telemetry.Telemetry
	stateDB   core.StateStore
	wsFeed    *feed.WSSource
	priceFeed *feed.Tiered
	engine    *margin.Engine
	breaker   *risk.CircuitBreaker
	panel     *agent.PanelRunner
	pipeline  *trading.Pipeline
	scheduler *scheduler.Scheduler
	control   *server.ControlServer
	alerts    *alert.Manager
	stream    *liveserver.Hub
}

// NewApp builds the full component graph from the config file
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tel, err := telemetry.Setup("paneltrader")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{Cfg: cfg, Logger: logger, telemetry: tel}
	if err := app.wire(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Cfg
	logger := a.Logger

	// State store
	if cfg.App.StatePath != "" {
		db, err := store.NewSQLiteStore(cfg.App.StatePath)
		if err != nil {
			return fmt.Errorf("state store: %w", err)
		}
		a.stateDB = db
	} else {
		logger.Warn("No state path configured, snapshots are in-memory only")
		a.stateDB = store.NewMemoryStore()
	}

	// Price feed: streamed primary, REST fallback, anomaly filter on top
	var primary, backup core.PriceFeed
	if cfg.Feed.WSURL != "" {
		a.wsFeed = feed.NewWSSource(cfg.Feed.WSURL, cfg.Feed.StaleAfter, logger)
		primary = a.wsFeed
	}
	if cfg.Feed.RESTURL != "" {
		backup = feed.NewRESTSource(cfg.Feed.RESTURL, cfg.Feed.RequestsPerSecond, logger)
	}
	if primary == nil && backup == nil {
		return fmt.Errorf("feed: at least one of ws_url and rest_url is required")
	}
	a.priceFeed = feed.NewTiered(feed.TieredConfig{
		MaxJumpPercent: decimal.NewFromFloat(cfg.Feed.MaxJumpPercent * 100),
	}, primary, backup, logger)

	// Margin engine over the vetted feed
	a.engine = margin.NewEngine(margin.Config{
		Symbol:               cfg.App.Symbol,
		InitialBalance:       decimal.NewFromFloat(cfg.App.InitialBalance),
		MaxLeverage:          decimal.NewFromFloat(cfg.Trading.MaxLeverage),
		LiquidationThreshold: decimal.NewFromFloat(cfg.Trading.LiquidationThreshold),
		DefaultTPPercent:     decimal.NewFromFloat(cfg.Trading.DefaultTPPercent),
		DefaultSLPercent:     decimal.NewFromFloat(cfg.Trading.DefaultSLPercent),
		MaxLossPercent:       decimal.NewFromFloat(cfg.Trading.MaxLossPercent),
		TradeHistoryLimit:    cfg.Trading.TradeHistoryLimit,
		EquityHistoryLimit:   cfg.Trading.EquityHistoryLimit,
	}, a.priceFeed, a.stateDB, logger)
	if err := a.engine.RestoreState(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	checker := safety.NewChecker(logger)
	if err := checker.CheckSnapshot(a.engine.GetAccount(), a.engine.GetPosition()); err != nil {
		return fmt.Errorf("restored state failed safety check: %w", err)
	}

	// Notifications and live stream
	a.alerts = alert.NewManager(logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		a.alerts.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
	}
	if cfg.Alerts.TelegramBotToken != "" {
		a.alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}
	a.stream = liveserver.NewHub(logger)

	// Circuit breaker fed by every full close
	a.breaker = risk.NewCircuitBreaker(risk.CircuitConfig{
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		CooldownDuration:     cfg.Risk.CooldownDuration,
	}, logger)
	a.breaker.SetTripCallback(func(st core.CooldownStatus) {
		a.alerts.Notify(alert.Critical, "Circuit breaker tripped",
			"New cycles are paused until the cooldown expires", map[string]string{
				"consecutive_losses": fmt.Sprintf("%d", st.ConsecutiveLosses),
				"cooldown_until":     st.CooldownUntil.Format(time.RFC3339),
			})
	})
	symbol := cfg.App.Symbol
	a.engine.SetCloseCallback(func(pnl decimal.Decimal) {
		a.breaker.RecordTrade(pnl)
		f, _ := pnl.Float64()
		telemetry.GetGlobalMetrics().RecordClosedTrade(context.Background(), symbol, "close", f)
		a.stream.Publish(liveserver.TypeTrade, map[string]string{"symbol": symbol, "pnl": pnl.String()})
	})

	// Agent panel
	chatModel, err := agent.NewChatModel(ctx, agent.ModelConfig{
		BaseURL:   cfg.Agents.BaseURL,
		APIKeyEnv: cfg.Agents.APIKeyEnv,
		Model:     cfg.Agents.Model,
	})
	if err != nil {
		return fmt.Errorf("agent model: %w", err)
	}
	runner := agent.NewRunner(agent.RunnerConfig{
		TurnTimeout:     cfg.Meeting.TurnTimeout,
		TurnMaxAttempts: cfg.Meeting.TurnMaxAttempts,
	}, chatModel, logger)
	a.panel = agent.NewPanelRunner(runner, cfg.Meeting.PanelWorkers, logger)

	// Meeting orchestrator
	orch := meeting.NewOrchestrator(meeting.Config{
		Participants:       cfg.Agents.Participants,
		MaxLeverage:        decimal.NewFromFloat(cfg.Trading.MaxLeverage),
		DefaultSizePercent: decimal.NewFromFloat(cfg.Trading.DefaultSizePercent),
		MinConfidence:      cfg.Trading.MinConfidence,
		HighConfidence:     cfg.Trading.HighConfidence,
		DefaultTPPercent:   decimal.NewFromFloat(cfg.Trading.DefaultTPPercent),
		DefaultSLPercent:   decimal.NewFromFloat(cfg.Trading.DefaultSLPercent),
		Keywords: meeting.KeywordPolicy{
			Bullish: cfg.Agents.BullishKeywords,
			Bearish: cfg.Agents.BearishKeywords,
		},
	}, a.panel, logger)

	// Executor and cycle pipeline
	executor := trading.NewExecutor(trading.ExecutorConfig{
		MaxLeverage:        decimal.NewFromFloat(cfg.Trading.MaxLeverage),
		MinPositionPercent: decimal.NewFromFloat(cfg.Trading.MinPositionPercent),
		MaxPositionPercent: decimal.NewFromFloat(cfg.Trading.MaxPositionPercent),
		DefaultSizePercent: decimal.NewFromFloat(cfg.Trading.DefaultSizePercent),
		MinAddAmount:       decimal.NewFromFloat(cfg.Trading.MinAddAmount),
	}, a.engine, logger)

	a.pipeline = trading.NewPipeline(trading.PipelineConfig{
		Symbol: cfg.App.Symbol,
		Builder: position.BuilderConfig{
			MaxPositionPercent: decimal.NewFromFloat(cfg.Trading.MaxPositionPercent),
			MinAddAmount:       decimal.NewFromFloat(cfg.Trading.MinAddAmount),
		},
	}, a.priceFeed, a.engine, orch, executor, logger)
	a.pipeline.SetObserver(func(rec core.CycleRecord) {
		a.stream.Publish(liveserver.TypeCycle, rec)
	})

	// Scheduler and control surface
	a.scheduler = scheduler.NewScheduler(scheduler.Config{
		CycleInterval: cfg.Meeting.CycleInterval,
		CycleTimeout:  cfg.Meeting.CycleTimeout,
		WatchInterval: cfg.Meeting.WatchInterval,
	}, a.pipeline, a.engine, a.breaker, logger)
	a.scheduler.SetAlerts(a.alerts)

	a.control = server.NewControlServer(
		fmt.Sprintf("%d", cfg.App.ControlPort),
		a.scheduler, a.engine, a.pipeline, a.breaker, logger)
	a.control.AttachStream(a.stream)
	a.control.AttachMeeting(orch)

	// Runtime config: applied updates are pushed into the live components
	cfgManager := config.NewManager(cfg)
	cfgManager.OnApply(func(next *config.Config) {
		a.scheduler.SetCycleInterval(next.Meeting.CycleInterval)
		executor.SetLimits(
			decimal.NewFromFloat(next.Trading.MaxLeverage),
			decimal.NewFromFloat(next.Trading.MinPositionPercent),
			decimal.NewFromFloat(next.Trading.MaxPositionPercent),
			decimal.NewFromFloat(next.Trading.DefaultSizePercent))
		a.engine.SetMaxLeverage(decimal.NewFromFloat(next.Trading.MaxLeverage))
		a.breaker.SetLimits(next.Risk.MaxConsecutiveLosses, next.Risk.CooldownDuration)
		logger.Info("Runtime config applied",
			"cycle_interval", next.Meeting.CycleInterval,
			"max_leverage", next.Trading.MaxLeverage,
			"max_consecutive_losses", next.Risk.MaxConsecutiveLosses)
	})
	a.control.AttachConfig(cfgManager)

	return nil
}

// Run starts every component and blocks until a termination signal
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Logger.Info("Starting application", "symbol", a.Cfg.App.Symbol)

	if a.wsFeed != nil {
		a.wsFeed.Start()
	}
	a.control.Start()
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	a.Logger.Info("Application shut down")
	return err
}

func (a *App) shutdown() error {
	a.Logger.Info("Shutting down")

	_ = a.scheduler.Stop()
	if a.wsFeed != nil {
		a.wsFeed.Stop()
	}
	a.panel.Stop()
	a.stream.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.control.Stop(shutdownCtx); err != nil {
		a.Logger.Warn("Control server shutdown failed", "error", err)
	}
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
	if err := a.stateDB.Close(); err != nil {
		a.Logger.Warn("State store close failed", "error", err)
	}
	_ = a.Logger.Sync()
	return nil
}
