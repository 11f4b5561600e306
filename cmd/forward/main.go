// cmd/forward runs a live paper-trading session: it warms up from SQLite
// history, streams prices over WebSocket, and applies the same strategy rules
// as the backtester minute by minute, publishing events to Redis and alert
// channels.
//
// Usage:
//
//	go run ./cmd/forward --strategy=strategies/breakout.json --instrument=NIFTY
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"optionsim/config"
	"optionsim/internal/backtest"
	"optionsim/internal/feed"
	"optionsim/internal/forward"
	"optionsim/internal/logger"
	"optionsim/internal/markethours"
	"optionsim/internal/metrics"
	"optionsim/internal/model"
	"optionsim/internal/notification"
	redisstore "optionsim/internal/store/redis"
	sqlitestore "optionsim/internal/store/sqlite"
	"optionsim/internal/strategy"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	strategyPath := flag.String("strategy", "", "Path to strategy JSON (required)")
	instrument := flag.String("instrument", "", "Instrument override (default: first in strategy)")
	journal := flag.Bool("journal", true, "Record closed trades into the SQLite journal at session end")
	flag.Parse()

	if *strategyPath == "" {
		log.Fatal("[forward] --strategy is required")
	}

	cfg := config.Load()
	compiled, err := strategy.Load(*strategyPath)
	if err != nil {
		log.Fatalf("[forward] strategy load failed: %v", err)
	}

	inst := *instrument
	if inst == "" {
		if len(compiled.Instruments) == 0 {
			log.Fatal("[forward] strategy lists no instruments and --instrument not set")
		}
		inst = compiled.Instruments[0]
	}
	lotSize, err := config.LotSize(inst)
	if err != nil {
		log.Fatalf("[forward] %v", err)
	}
	strikeStep, err := config.StrikeStep(inst)
	if err != nil {
		log.Fatalf("[forward] %v", err)
	}

	lg := logger.Init("forward", slog.LevelInfo)
	lg.Info("starting", "strategy", compiled.Name, "instrument", inst, "lot_size", lotSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		lg.Info("signal received, shutting down", "signal", s.String())
		cancel()
	}()

	// Observability
	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	srv := metrics.NewServer(cfg.MetricsAddr, health)
	srv.Start()
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shCancel()
		srv.Stop(shCtx)
	}()

	// Warm-up history
	reader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[forward] sqlite open failed: %v", err)
	}
	defer reader.Close()

	// Live feed
	feedClient, err := feed.NewClient(feed.Config{
		URL:        cfg.FeedURL,
		APIKey:     cfg.FeedAPIKey,
		ClientCode: cfg.FeedClientCode,
		FeedToken:  cfg.FeedToken,
		TOTPSecret: cfg.FeedTOTPSecret,
		Logger:     lg,
		Metrics:    m,
		Health:     health,
	})
	if err != nil {
		log.Fatalf("[forward] feed client: %v", err)
	}

	// Event fan-out: Redis pub/sub when reachable, alert channels always.
	pub, err := redisstore.NewPublisher(redisstore.PublisherConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Instrument: inst,
	})
	if err != nil {
		lg.Warn("redis unavailable, events stay local", "err", err)
		pub = nil
	} else {
		defer pub.Close()
	}

	var rdb *goredis.Client
	if pub != nil {
		rdb = pub.Client()
	}
	health.StartLivenessChecker(ctx, rdb, reader.DB(), 30*time.Second)

	notifiers := buildNotifiers(cfg)
	pubCh := make(chan model.Event, 256)
	notifyCh := make(chan model.Event, 256)
	go notification.Pump(ctx, inst, notifyCh, notifiers...)
	if pub != nil {
		go pub.Run(ctx, pubCh)
	} else {
		go drain(ctx, pubCh)
	}

	onEvent := func(ev model.Event) {
		m.IncEvent(string(ev.Kind))
		select {
		case pubCh <- ev:
		default:
		}
		select {
		case notifyCh <- ev:
		default:
		}
	}

	// Wait for the session window if the market is closed.
	if err := waitForMarket(ctx, lg); err != nil {
		return
	}

	go func() {
		if err := feedClient.Run(ctx); err != nil && ctx.Err() == nil {
			lg.Error("feed terminated", "err", err)
		}
	}()
	if err := feedClient.Subscribe(feed.SpotKey); err != nil {
		lg.Warn("spot subscribe deferred until connect", "err", err)
	}

	engine, err := forward.New(forward.Config{
		Instrument:        inst,
		Strategy:          compiled,
		LotSize:           lotSize,
		StrikeStep:        strikeStep,
		Quotes:            feedClient,
		Candles:           feedClient,
		History:           reader,
		Feed:              feedClient,
		WarmupStrikeRange: cfg.WarmupStrikeRange,
		Logger:            lg,
		OnEvent:           onEvent,
		Metrics:           m,
	})
	if err != nil {
		log.Fatalf("[forward] engine init failed: %v", err)
	}

	if pub != nil {
		go sessionStatusLoop(ctx, pub, engine, compiled.Name, 30*time.Second)
	}

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		lg.Error("session aborted", "err", err)
	}

	trades := engine.CompletedTrades()
	summary := backtest.Summarize(trades)
	lg.Info("session complete",
		"trades", summary.TotalTrades,
		"wins", summary.Wins,
		"losses", summary.Losses,
		"money_pnl", summary.TotalMoneyPnL)

	if *journal && len(trades) > 0 {
		writer, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
		if err != nil {
			lg.Error("journal open failed", "err", err)
			return
		}
		defer writer.Close()
		runID := "fwd-" + time.Now().In(markethours.IST).Format("20060102")
		if err := writer.RecordTrades(runID, compiled.Name, trades); err != nil {
			lg.Error("journal write failed", "err", err)
			return
		}
		lg.Info("trades journalled", "run_id", runID, "count", len(trades))
	}
}

// waitForMarket blocks until shortly before the next open when the market is
// closed. Returns an error only on cancellation.
func waitForMarket(ctx context.Context, lg *slog.Logger) error {
	now := time.Now().In(markethours.IST)
	if markethours.IsMarketOpen(now) {
		return nil
	}
	connectAt := markethours.WSConnectTime(markethours.NextOpen(now))
	lg.Info("waiting for market", "status", markethours.StatusString(now),
		"resume_at", connectAt.Format(time.RFC3339))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Until(connectAt)):
		return nil
	}
}

func buildNotifiers(cfg *config.Config) []notification.Notifier {
	notifiers := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	return notifiers
}

// sessionStatusLoop refreshes the Redis session key so dashboards and other
// subscribers can poll live state without consuming the event stream.
func sessionStatusLoop(ctx context.Context, pub *redisstore.Publisher, engine *forward.Engine, strategyName string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := engine.Snapshot()
			now := time.Now().In(markethours.IST)
			st := redisstore.SessionStatus{
				Strategy:   strategyName,
				ATMStrike:  snap.ATMStrike,
				Expiry:     snap.Expiry,
				DayTrades:  snap.DayTrades,
				TotalPnL:   snap.TotalPnL,
				MarketOpen: markethours.IsMarketOpen(now),
			}
			if err := pub.SetSessionStatus(ctx, st); err != nil {
				log.Printf("[forward] session status write failed: %v", err)
			}
		}
	}
}

// drain keeps the publish channel from backing up when Redis is disabled.
func drain(ctx context.Context, ch <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
		}
	}
}
