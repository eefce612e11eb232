// Command gridengine runs one grid-trading session, backtest or live,
// against either the in-memory simulated exchange or a generic REST/WS
// adapter, per the loaded configuration.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"

	"gridengine/internal/config"
	"gridengine/internal/core"
	"gridengine/internal/engine"
	"gridengine/internal/engine/durable"
	"gridengine/internal/exchange/httpadapter"
	"gridengine/internal/exchange/simulated"
	"gridengine/internal/grid"
	"gridengine/internal/ladder"
	"gridengine/internal/ledger"
	"gridengine/internal/order"
	"gridengine/internal/persistence"
	"gridengine/internal/reconcile"
	"gridengine/internal/safety"
	"gridengine/internal/session"
	"gridengine/pkg/logging"
	"gridengine/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gridengine.yaml", "Path to configuration file")
	barsPath := flag.String("bars", "", "Path to a CSV bar file (required in backtest mode)")
	dbPath := flag.String("db", "gridengine.db", "Path to the SQLite event log / snapshot store")
	resumeSession := flag.String("resume-session", "", "Session id to resume from a persisted snapshot, if any")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gridengine version %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLoggerFromString(cfg.System.LogLevel, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting gridengine", "version", version, "symbol", cfg.App.Symbol, "mode", cfg.App.Mode)

	tel, err := telemetry.Setup("gridengine")
	if err != nil {
		logger.Warn("telemetry setup failed, continuing without it", "error", err)
	}
	if tel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	// wireEngine already runs the startup safety check and moves eng to
	// RUNNING (Start for a fresh session, Restore for a resumed one), so
	// only the durable wrapper's own runtime needs an explicit Start call
	// below; calling eng.Start a second time would re-run grid.Setup.
	eng, sess, exch, err := wireEngine(cfg, logger, *dbPath, *resumeSession)
	if err != nil {
		logger.Error("failed to wire engine", "error", err)
		os.Exit(1)
	}
	eng.BindSession(sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var driver interface {
		Stop(ctx context.Context) error
	} = eng

	if cfg.App.EngineType == "durable" {
		dbosCtx, err := dbos.NewDBOSContext(dbos.Config{
			AppName:     "gridengine",
			DatabaseURL: cfg.App.DatabaseURL,
		})
		if err != nil {
			logger.Error("failed to create DBOS context", "error", err)
			os.Exit(1)
		}
		dbosEngine := durable.NewDBOSEngine(dbosCtx, eng, logger)
		if err := dbosEngine.Start(ctx); err != nil {
			logger.Error("durable runtime start failed", "error", err)
			os.Exit(1)
		}
		driver = dbosEngine
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// ticker is the tick/bar entry point: the durable wrapper when
	// engine_type=durable (so every tick is DBOS-checkpointed), the plain
	// engine otherwise.
	var ticker tickDriver = eng
	if dbosEngine, ok := driver.(*durable.DBOSEngine); ok {
		ticker = dbosEngine
	}

	switch cfg.App.Mode {
	case "backtest":
		runBacktest(ctx, ticker, *barsPath, logger, sigChan)
	case "live":
		runLive(ctx, ticker, eng, exch, cfg, logger, sigChan)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := driver.Stop(stopCtx); err != nil {
		logger.Error("engine stop failed", "error", err)
	}
	logger.Info("gridengine stopped")
}

// wireEngine builds every component the spec names and assembles them into
// one engine.Engine, following the teacher's factory-then-inject bootstrap
// shape.
func wireEngine(cfg *config.Config, logger core.ILogger, dbPath, resumeSessionID string) (*engine.Engine, *session.Manager, core.IExchange, error) {
	exch, err := buildExchange(cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build exchange: %w", err)
	}

	eventLog, err := persistence.NewSQLiteEventLog(dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open event log: %w", err)
	}
	snapshots, err := persistence.NewSQLiteSnapshotStore(dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open snapshot store: %w", err)
	}

	ledg := ledger.New()

	l, err := buildLadder(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build ladder: %w", err)
	}

	gridCfg := grid.Config{
		ActiveBuyLevels:     cfg.Grid.ActiveBuyLevels,
		RiskBudgetPct:       decimal.NewFromFloat(cfg.Grid.RiskBudgetPct),
		Leverage:            decimal.NewFromFloat(cfg.Grid.Leverage),
		InitialCash:         decimal.NewFromFloat(cfg.Grid.InitialCash),
		MakerFeeRate:        decimal.NewFromFloat(cfg.Exchange.MakerFeeRate),
		EnableShortInBear:   cfg.Grid.EnableShortInBearish,
		Regime:              cfg.Grid.Regime,
		BreakoutBlockThresh: decimal.NewFromFloat(cfg.Grid.BreakoutBlockThresh),
	}
	gridMgr := grid.New(l, ledg, logger, gridCfg, nil, nil)

	gate := safety.New(safety.Config{
		EpsilonSell:     decimal.NewFromFloat(cfg.Safety.EpsilonSell),
		LeverageMax:     decimal.NewFromFloat(cfg.Grid.Leverage),
		LeverageBuffer:  decimal.NewFromFloat(cfg.Safety.LeverageBuffer),
		MaxLeverageHint: int(cfg.Grid.Leverage),
	}, logger)

	executor := order.New(logger)

	var sess *session.Manager
	if resumeSessionID != "" {
		prior := core.Session{ID: resumeSessionID}
		sess = session.Resume(prior, cfg.String())
	} else {
		sess = session.Open(cfg)
	}

	reconciler := reconcile.New(reconcile.Config{
		EpsilonFill: decimal.NewFromFloat(cfg.Safety.EpsilonFill),
		EpsilonSell: decimal.NewFromFloat(cfg.Safety.EpsilonSell),
	}, gate, gridMgr, ledg, executor, logger, sess.Current().ID)

	eng := engine.New(
		engine.Config{
			Symbol:               cfg.App.Symbol,
			ReconcileInterval:    time.Duration(cfg.System.ReconcileIntervalSeconds) * time.Second,
			TickTimeout:          time.Duration(cfg.System.TickTimeoutSeconds) * time.Second,
			CancelOnExit:         cfg.System.CancelOnExit,
			MaxUnrealizedLossPct: decimal.NewFromFloat(cfg.Safety.MaxUnrealizedLossPct),
			MaxInventoryRatio:    decimal.NewFromFloat(cfg.Safety.MaxInventoryRatio),
			DataStaleBudget:      5 * time.Second,
		},
		exch, gridMgr, ledg, reconciler, gate, eventLog, snapshots, logger,
	)
	eng.WireEvents(gridMgr.OnEvent, reconciler.OnEvent)

	if resumeSessionID != "" {
		snapshot, err := snapshots.LoadSnapshot(context.Background(), resumeSessionID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load snapshot for resume: %w", err)
		}
		if err := eng.Restore(context.Background(), sess, snapshot); err != nil {
			return nil, nil, nil, fmt.Errorf("restore engine: %w", err)
		}
	} else {
		if err := eng.Start(context.Background()); err != nil {
			return nil, nil, nil, fmt.Errorf("start engine: %w", err)
		}
	}

	return eng, sess, exch, nil
}

func buildExchange(cfg *config.Config, logger core.ILogger) (core.IExchange, error) {
	switch cfg.Exchange.Kind {
	case "simulated":
		return simulated.New(simulated.Config{
			MakerFeeRate:  decimal.NewFromFloat(cfg.Exchange.MakerFeeRate),
			PriceDecimals: cfg.Exchange.PriceDecimals,
			QtyDecimals:   cfg.Exchange.QtyDecimals,
			InitialCash:   decimal.NewFromFloat(cfg.Grid.InitialCash),
		}), nil
	case "http":
		return httpadapter.New(httpadapter.Config{
			BaseURL:       cfg.Exchange.BaseURL,
			WSURL:         cfg.Exchange.WSURL,
			APIKey:        string(cfg.Exchange.APIKey),
			SecretKey:     string(cfg.Exchange.SecretKey),
			Symbol:        cfg.App.Symbol,
			PriceDecimals: cfg.Exchange.PriceDecimals,
			QtyDecimals:   cfg.Exchange.QtyDecimals,
			Timeout:       30 * time.Second,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown exchange kind %q", cfg.Exchange.Kind)
	}
}

func buildLadder(cfg *config.Config) (ladder.Ladder, error) {
	gen := ladder.Config{
		Support:           decimal.NewFromFloat(cfg.Grid.Support),
		Resistance:        decimal.NewFromFloat(cfg.Grid.Resistance),
		MinReturn:         decimal.NewFromFloat(cfg.Grid.MinReturn),
		MakerFee:          decimal.NewFromFloat(cfg.Exchange.MakerFeeRate),
		VolatilityK:       decimal.NewFromFloat(cfg.Grid.VolatilityK),
		CushionMultiplier: decimal.NewFromFloat(cfg.Grid.CushionMultiplier),
		BuyLevels:         cfg.Grid.GridLayersBuy,
		SellLevels:        cfg.Grid.GridLayersSell,
		EnableMidShift:    cfg.Grid.EnableMidShift,
		CurrentPrice:      decimal.NewFromFloat((cfg.Grid.Support + cfg.Grid.Resistance) / 2),
	}
	return ladder.Build(gen), nil
}

// tickDriver is the common surface both the plain engine and the DBOS
// durable wrapper expose for advancing time; runBacktest/runLive are
// written against it so mode selection doesn't leak into their bodies.
type tickDriver interface {
	OnBar(ctx context.Context, bar core.Bar) error
	Tick(ctx context.Context) error
}

// runBacktest feeds every bar in the CSV file at barsPath through the
// engine in order, stopping early on a shutdown signal.
func runBacktest(ctx context.Context, eng tickDriver, barsPath string, logger core.ILogger, sigChan chan os.Signal) {
	if barsPath == "" {
		logger.Error("backtest mode requires -bars")
		return
	}

	bars, err := loadBars(barsPath)
	if err != nil {
		logger.Error("failed to load bars", "error", err)
		return
	}

	for _, bar := range bars {
		select {
		case <-sigChan:
			logger.Info("backtest interrupted")
			return
		default:
		}
		if err := eng.OnBar(ctx, bar); err != nil {
			logger.Error("bar processing failed", "error", err, "timestamp", bar.TimestampUTC)
		}
	}
	logger.Info("backtest complete", "bars", len(bars))
}

// fillStreamer is the extra surface a live exchange adapter exposes beyond
// core.IExchange: a push feed of confirmed fills, so the engine doesn't
// have to discover them only via the next reconcile tick's QueryOrder calls.
type fillStreamer interface {
	StartFillStream(ctx context.Context) error
	Fills() <-chan core.Fill
}

// runLive drives a reconcile tick on a fixed interval until a shutdown
// signal arrives, applying fills from any push fill stream the exchange
// adapter exposes on this same loop, between ticks.
func runLive(ctx context.Context, ticker tickDriver, eng *engine.Engine, exch core.IExchange, cfg *config.Config, logger core.ILogger, sigChan chan os.Signal) {
	var fills <-chan core.Fill
	if streamer, ok := exch.(fillStreamer); ok {
		if err := streamer.StartFillStream(ctx); err != nil {
			logger.Warn("fill stream unavailable, relying on reconcile polling", "error", err)
		} else {
			fills = streamer.Fills()
		}
	}

	interval := time.Duration(cfg.System.ReconcileIntervalSeconds) * time.Second
	reconcileTicker := time.NewTicker(interval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-sigChan:
			logger.Info("received shutdown signal")
			return
		case fill, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			eng.OnFill(fill)
		case <-reconcileTicker.C:
			tickCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.System.TickTimeoutSeconds)*time.Second)
			if err := ticker.Tick(tickCtx); err != nil {
				logger.Error("tick failed", "error", err)
			}
			cancel()
		}
	}
}

// loadBars reads a CSV file of OHLCV rows: timestamp_unix,open,high,low,close,volume.
// No library in this repo's stack parses bar data, so this one reader stays
// on encoding/csv.
func loadBars(path string) ([]core.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	bars := make([]core.Bar, 0, len(records))
	for i, rec := range records {
		if i == 0 && len(rec) > 0 && rec[0] == "timestamp" {
			continue
		}
		if len(rec) < 6 {
			return nil, fmt.Errorf("bar row %d: expected 6 columns, got %d", i, len(rec))
		}
		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bar row %d: bad timestamp: %w", i, err)
		}
		open, err := decimal.NewFromString(rec[1])
		if err != nil {
			return nil, fmt.Errorf("bar row %d: bad open: %w", i, err)
		}
		high, err := decimal.NewFromString(rec[2])
		if err != nil {
			return nil, fmt.Errorf("bar row %d: bad high: %w", i, err)
		}
		low, err := decimal.NewFromString(rec[3])
		if err != nil {
			return nil, fmt.Errorf("bar row %d: bad low: %w", i, err)
		}
		closePrice, err := decimal.NewFromString(rec[4])
		if err != nil {
			return nil, fmt.Errorf("bar row %d: bad close: %w", i, err)
		}
		volume, err := decimal.NewFromString(rec[5])
		if err != nil {
			return nil, fmt.Errorf("bar row %d: bad volume: %w", i, err)
		}
		bars = append(bars, core.Bar{
			TimestampUTC: time.Unix(ts, 0).UTC(),
			Open:         open,
			High:         high,
			Low:          low,
			Close:        closePrice,
			Volume:       volume,
		})
	}
	return bars, nil
}
