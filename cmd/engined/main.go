package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/quadmarket/config"
	"github.com/alejandrodnm/quadmarket/internal/adapters/notify"
	"github.com/alejandrodnm/quadmarket/internal/adapters/storage"
	"github.com/alejandrodnm/quadmarket/internal/application/engine"
	"github.com/alejandrodnm/quadmarket/internal/application/scheduler"
	"github.com/alejandrodnm/quadmarket/internal/application/session"
	"github.com/alejandrodnm/quadmarket/internal/domain"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one batch tick and exit")
	ordersPath := flag.String("orders", "", "JSON-lines file of orders to submit on startup")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full state + fills tables (default: compact 1-line)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("quadmarket starting",
		"config", *configPath,
		"outcomes", len(cfg.Market.Outcomes),
		"interval", cfg.BatchInterval(),
		"once", *once,
	)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	pr := cfg.Params()
	eng := engine.New(pr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := initStateIfNeeded(ctx, store, cfg); err != nil {
		slog.Error("failed to init market state", "err", err)
		os.Exit(1)
	}

	notifier := notify.NewConsole(*table)

	var mu sync.Mutex
	svc := session.New(store, eng, session.Config{
		StartingBalance: decimal.NewFromFloat(cfg.Session.StartingBalance),
		GasFee:          decimal.NewFromFloat(cfg.Session.GasFee),
		SubmitRate:      rate.Limit(cfg.Session.SubmitRatePerSecond),
		SubmitBurst:     cfg.Session.SubmitBurst,
	}, &mu)

	if *ordersPath != "" {
		if err := replayOrders(ctx, svc, *ordersPath); err != nil {
			slog.Error("failed to replay orders", "err", err, "path", *ordersPath)
			os.Exit(1)
		}
	}

	sched := scheduler.New(store, notifier, eng, cfg.BatchInterval(), rounds(cfg), &mu)

	if *once {
		if err := sched.RunTick(ctx, time.Now().UTC()); err != nil {
			slog.Error("tick failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := sched.Run(ctx); err != nil {
		slog.Error("engine exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("quadmarket stopped cleanly")
}

// initStateIfNeeded crea el estado inicial del mercado si la base está vacía.
func initStateIfNeeded(ctx context.Context, store *storage.SQLiteStorage, cfg *config.Config) error {
	if _, err := store.LoadState(ctx); err == nil {
		slog.Info("resuming existing market state")
		return nil
	}
	pr := cfg.Params()
	st := domain.NewState(cfg.Market.Outcomes, pr.Subsidy, decimal.NewFromFloat(cfg.Market.Q0))
	if err := domain.Validate(st); err != nil {
		return err
	}
	slog.Info("initialized new market",
		"outcomes", cfg.Market.Outcomes,
		"subsidy_z", cfg.Market.SubsidyZ,
		"liquidity", st.Binaries[0].Liquidity,
	)
	return store.InitState(ctx, st)
}

// replayOrders envía al servicio de sesión las órdenes de un archivo
// JSON-lines. Pensado para simulaciones y demos reproducibles.
func replayOrders(ctx context.Context, svc *session.Service, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	type orderLine struct {
		UserID      string  `json:"user_id"`
		Outcome     int     `json:"outcome"`
		Side        string  `json:"side"`
		Direction   string  `json:"direction"`
		Type        string  `json:"type"`
		Size        float64 `json:"size"`
		LimitPrice  float64 `json:"limit_price"`
		MaxSlippage float64 `json:"max_slippage"`
		AutoFillIn  bool    `json:"auto_fill_in"`
	}

	submitted := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var ol orderLine
		if err := json.Unmarshal(line, &ol); err != nil {
			return fmt.Errorf("line %d: %w", submitted+1, err)
		}
		req := session.SubmitRequest{
			UserID:      ol.UserID,
			Outcome:     ol.Outcome,
			Side:        domain.Side(ol.Side),
			Direction:   domain.Direction(ol.Direction),
			Type:        domain.OrderType(ol.Type),
			Size:        decimal.NewFromFloat(ol.Size),
			LimitPrice:  decimal.NewFromFloat(ol.LimitPrice),
			MaxSlippage: decimal.NewFromFloat(ol.MaxSlippage),
			AutoFillIn:  ol.AutoFillIn,
		}
		id, err := svc.Submit(ctx, req)
		if err != nil {
			slog.Warn("order rejected", "user", ol.UserID, "err", err)
			continue
		}
		slog.Debug("order queued", "id", id, "user", ol.UserID)
		submitted++
	}
	if err := sc.Err(); err != nil {
		return err
	}
	slog.Info("orders replayed", "submitted", submitted, "path", path)
	return nil
}

func rounds(cfg *config.Config) []scheduler.Round {
	out := make([]scheduler.Round, 0, len(cfg.Market.Rounds))
	for _, r := range cfg.Market.Rounds {
		out = append(out, scheduler.Round{
			Offset:    time.Duration(r.OffsetMinutes) * time.Minute,
			Freeze:    time.Duration(r.FreezeMinutes) * time.Minute,
			Eliminate: r.Eliminate,
			Final:     r.Final,
			Winner:    cfg.Market.FinalWinner,
		})
	}
	return out
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
