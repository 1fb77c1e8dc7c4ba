// Command scalper runs the Gate.io spot scalping system. Without flags it
// acts as the supervisor, spawning one worker process per pair; with
// --worker-mode it runs a single trading engine for one pair.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"scalper/internal/config"
	"scalper/internal/core"
	"scalper/internal/exchange/gate"
	"scalper/internal/monitor"
	"scalper/internal/session"
	"scalper/internal/trading/engine"
	"scalper/internal/trading/order"
	"scalper/internal/wallet"
	"scalper/pkg/cli"
	"scalper/pkg/logging"
	"scalper/pkg/ratelimit"
	"scalper/pkg/retry"
	"scalper/pkg/sleep"
)

var (
	workerMode  = flag.Bool("worker-mode", false, "Run a single trading worker instead of the supervisor")
	pairFlag    = flag.String("pair", "", "Currency pair, e.g. BTC_USDT (worker mode)")
	pairsFlag   = flag.String("pairs", "", "Comma-separated pairs to supervise")
	budgetFlag  = flag.Float64("budget", 0, "Quote budget per trade (0 uses the preset default)")
	targetFlag  = flag.Float64("target", 0, "Target profit percent override (0 uses the preset)")
	presetFlag  = flag.String("preset", "conservative", "Config preset: conservative, aggressive or moderate")
	configFlag  = flag.String("config", "", "Optional YAML config file (overrides the preset)")
	stateDir    = flag.String("state-dir", "state", "Directory for shared state, alerts and trade history")
	logLevel    = flag.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")
	timeoutMin  = flag.Int("position-timeout", 0, "Force-exit positions held longer than this many minutes (0 disables)")
	metricsPort = flag.Int("metrics-port", 0, "Prometheus metrics port (0 disables)")
)

func main() {
	flag.Parse()

	logger, err := logging.NewZapLogger(*logLevel)
	if err != nil {
		logger, _ = logging.NewZapLogger("INFO")
	}
	logging.SetGlobalLogger(logger)

	creds, err := config.LoadCredentials()
	if err != nil {
		logger.Fatal("Missing exchange credentials", "error", err)
	}
	logger.Info("Credentials loaded", "api_key", creds.MaskedKey())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *workerMode {
		runWorker(ctx, logger.WithField("mode", "worker"), creds)
		return
	}
	runSupervisor(ctx, logger.WithField("mode", "supervisor"), creds)
}

// buildConfig resolves the effective bot configuration for one pair.
func buildConfig(pair string) (*config.BotConfig, error) {
	if *configFlag != "" {
		cfg, err := config.LoadConfig(*configFlag)
		if err != nil {
			return nil, err
		}
		if pair != "" {
			cfg.Trading.Pair = pair
		}
		return cfg, nil
	}
	cfg, err := config.PresetByName(*presetFlag, pair, *budgetFlag)
	if err != nil {
		return nil, err
	}
	if *targetFlag > 0 {
		cfg.Trading.TargetProfitPercent = *targetFlag
	}
	return cfg, cfg.Err()
}

// newExchange wires the shared client stack: limiter, breaker, retrier.
func newExchange(creds config.Credentials, sleeper core.ISleeper, logger core.ILogger) (*gate.Client, *retry.CircuitBreaker) {
	enforcer := ratelimit.NewEnforcer(logger)
	breaker := retry.NewCircuitBreaker(retry.DefaultBreakerConfig(), logger, nil)
	retrier := retry.NewManager(retry.DefaultPolicy(), sleeper, enforcer, breaker, nil, logger)
	return gate.NewClient(creds, enforcer, retrier, logger, gate.Options{}), breaker
}

func runWorker(ctx context.Context, logger core.ILogger, creds config.Credentials) {
	if err := cli.ValidatePair(*pairFlag); err != nil {
		logger.Fatal("Worker mode requires a valid --pair", "error", err)
	}
	if err := cli.ValidateBudget(*budgetFlag); err != nil {
		logger.Fatal("Invalid --budget", "error", err)
	}
	cfg, err := buildConfig(*pairFlag)
	if err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}
	pair := cfg.Trading.Pair
	logger = logger.WithField("pair", pair)

	// Workers live inside the trading loop, so the tighter ceilings apply.
	sleeper := sleep.NewManager(sleep.TradingLimits(), logger)
	client, breaker := newExchange(creds, sleeper, logger)
	defer client.Close()

	healthCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.CheckHealth(healthCtx)
	cancel()
	if err != nil {
		logger.Fatal("Exchange health check failed, check API keys and connectivity", "error", err)
	}

	bus := monitor.NewBus(logger,
		monitor.WithLogAnalyzer(monitor.NewLogAnalyzer("trading_logs", 24)))
	bus.RegisterHandler(monitor.NewConsoleAlertHandler(logger))
	if fileHandler, err := monitor.NewFileAlertHandler(filepath.Join(*stateDir, "alerts.log")); err == nil {
		bus.RegisterHandler(fileHandler)
	} else {
		logger.Warn("Alert log unavailable", "error", err)
	}
	bus.Start(ctx, time.Minute)
	defer bus.Stop()

	if *metricsPort > 0 {
		monitor.NewServer(*metricsPort, monitor.NewMetrics(), logger).Start()
	} else if cfg.Performance.MetricsPort > 0 {
		monitor.NewServer(cfg.Performance.MetricsPort, monitor.NewMetrics(), logger).Start()
	}

	audit, err := order.NewFileAuditLogger("trading_logs")
	if err != nil {
		logger.Fatal("Cannot create trade audit log", "error", err)
	}

	view := wallet.NewView(client, nil, core.QuoteAsset(pair), logger)
	orders := order.NewService(client, view, audit, bus, breaker, logger)
	safety := engine.NewSafetySystemFromConfig(cfg)
	perf := monitor.NewPerformanceMetrics()

	health := monitor.NewHealthRegistry(logger)
	health.Register("circuit_breaker", func() error {
		if breaker.State() == retry.StateOpen {
			return fmt.Errorf("breaker open")
		}
		return nil
	})

	var history engine.TradeRecorder
	if h, err := session.NewTradeHistory(filepath.Join(*stateDir, "trades.db")); err == nil {
		defer h.Close()
		history = h
		health.Register("trade_history", h.Ping)
	} else {
		logger.Warn("Trade history unavailable", "error", err)
	}

	state := session.NewSharedState(filepath.Join(*stateDir, "shared_state.json"), logger)

	eng := engine.New(cfg, engine.Deps{
		Exchange:        client,
		Orders:          orders,
		Wallet:          view,
		Sleeper:         sleeper,
		Safety:          safety,
		Bus:             bus,
		Perf:            perf,
		Logger:          logger,
		History:         history,
		PositionTimeout: time.Duration(*timeoutMin) * time.Minute,
		OnStatus: func(status core.BotStatus) {
			err := state.Update(ctx, func(doc *session.Document) error {
				existing := doc.Bots[pair]
				if existing.BotID != "" {
					status.BotID = existing.BotID
				}
				if !existing.AllocatedBudget.IsZero() {
					status.AllocatedBudget = existing.AllocatedBudget
				}
				status.ErrorsCount = existing.ErrorsCount
				doc.Bots[pair] = status
				return nil
			})
			if err != nil {
				logger.Warn("Status publish failed", "error", err)
			}
		},
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				verdicts := health.Status()
				err := state.Update(ctx, func(doc *session.Document) error {
					doc.Health = verdicts
					return nil
				})
				if err != nil {
					logger.Warn("Health publish failed", "error", err)
				}
			}
		}
	}()

	logger.Info("Worker starting", "session_id", eng.SessionID(),
		"budget", cfg.Trading.BudgetPerTrade, "target_percent", cfg.Trading.TargetProfitPercent)

	err = eng.Run(ctx)
	snapshot := perf.Snapshot()
	logger.Info("Worker finished",
		"trades", snapshot.Trades,
		"success_rate", snapshot.SuccessRate,
		"total_profit", snapshot.TotalProfit)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
}

func runSupervisor(ctx context.Context, logger core.ILogger, creds config.Credentials) {
	pairs, err := cli.ValidatePairs(*pairsFlag)
	if err != nil {
		logger.Fatal("Supervisor mode requires valid --pairs, e.g. --pairs BTC_USDT,ETH_USDT", "error", err)
	}
	if err := cli.ValidateBudget(*budgetFlag); err != nil {
		logger.Fatal("Invalid --budget", "error", err)
	}

	sleeper := sleep.NewManager(sleep.DefaultLimits(), logger)
	client, _ := newExchange(creds, sleeper, logger)
	defer client.Close()

	healthCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.CheckHealth(healthCtx)
	cancel()
	if err != nil {
		logger.Fatal("Exchange health check failed", "error", err)
	}

	state := session.NewSharedState(filepath.Join(*stateDir, "shared_state.json"), logger)
	budget := session.NewBudgetCoordinator(client, state, quoteOf(pairs), logger)
	manager := session.NewManager(state, budget, nil, logger)

	if err := state.Update(ctx, func(doc *session.Document) error {
		doc.SystemStatus = "running"
		return nil
	}); err != nil {
		logger.Fatal("Shared state unavailable", "error", err)
	}
	if err := budget.Update(ctx); err != nil {
		logger.Fatal("Cannot read quote balance", "error", err)
	}

	for _, pair := range pairs {
		cfg, err := buildConfig(pair)
		if err != nil {
			logger.Fatal("Invalid configuration", "pair", pair, "error", err)
		}
		botID, err := manager.Register(ctx, cfg)
		if err != nil {
			logger.Fatal("Registration failed", "pair", pair, "error", err)
		}
		if err := manager.Start(ctx, botID); err != nil {
			logger.Error("Worker start failed", "pair", pair, "error", err)
		}
	}

	go manager.RunHealthLoop(ctx)

	logger.Info("Supervisor running", "pairs", *pairsFlag)
	<-ctx.Done()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)

	if err := state.Update(shutdownCtx, func(doc *session.Document) error {
		doc.SystemStatus = "stopped"
		doc.GlobalBudget.AllocatedQuote = decimal.Zero
		return nil
	}); err != nil {
		logger.Warn("Final state write failed", "error", err)
	}
}

// quoteOf picks the common quote asset of the supervised pairs.
func quoteOf(pairs []string) string {
	for _, pair := range pairs {
		if quote := core.QuoteAsset(strings.TrimSpace(pair)); quote != "" {
			return quote
		}
	}
	return "USDT"
}
