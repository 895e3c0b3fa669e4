// Command gridserver bootstraps the grid trading service: it loads
// configuration, wires the exchange, store, risk supervisor, and controller,
// starts the price feed and HTTP control surface, and blocks until an
// interrupt or termination signal triggers graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/alert"
	"gridtrader/internal/config"
	"gridtrader/internal/controller"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
	"gridtrader/internal/feed"
	"gridtrader/internal/httpapi"
	"gridtrader/internal/logging"
	"gridtrader/internal/risk"
	"gridtrader/internal/store"
	"gridtrader/pkg/concurrency"
	"gridtrader/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gridserver.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gridserver version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLoggerFromString(cfg.App.LogLevel, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("starting gridserver",
		"version", version,
		"exchange", cfg.App.CurrentExchange,
		"http_addr", cfg.App.HTTPAddr,
	)

	tel, err := telemetry.Setup("gridserver", version)
	if err != nil {
		logger.Warn("failed to initialize telemetry", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := buildStore(cfg.App.StoreDSN)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	btcSymbol := "BTCUSDT"
	riskSupervisor := risk.New(cfg.RiskControl, nil, logger, btcSymbol)

	exch, err := buildExchange(cfg, riskSupervisor)
	if err != nil {
		logger.Error("failed to create exchange", "error", err)
		os.Exit(1)
	}
	riskSupervisor.SetExchange(exch)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "order-placement",
		MaxWorkers:  cfg.Concurrency.PlacementPoolSize,
		MaxCapacity: cfg.Concurrency.PlacementPoolSize * 10,
	}, logger)

	ctrl := controller.New(riskSupervisor, exch, st, logger, pool)
	ctrl.SetAlertManager(buildAlertManager(cfg, logger))
	ctrl.Run(ctx)

	go riskSupervisor.Run(ctx)
	go riskSupervisor.PollEquity(ctx)

	for _, g := range cfg.Grids {
		symbol, lower, upper, investment, count, stopLoss, takeProfit := g.ToDecimal()
		params := core.GridParameters{
			Symbol:           symbol,
			LowerPrice:       lower,
			UpperPrice:       upper,
			GridCount:        count,
			TotalInvestment:  investment,
			StopLoss:         stopLoss,
			TakeProfit:       takeProfit,
			BTCFilterEnabled: g.BTCFilterEnabled,
			FeeBps:           decimal.NewFromFloat(exchangeFeeBps(cfg)),
		}
		if err := ctrl.Deploy(ctx, params); err != nil {
			logger.Error("failed to deploy configured grid", "symbol", symbol, "error", err)
			continue
		}
		if _, err := ctrl.Start(ctx, symbol); err != nil {
			logger.Error("failed to start configured grid", "symbol", symbol, "error", err)
		}
	}

	priceFeed := feed.New(ctrl, exch, "", time.Second, logger)
	feedSymbols := make([]string, 0, len(cfg.Grids))
	for _, g := range cfg.Grids {
		feedSymbols = append(feedSymbols, g.Symbol)
	}
	go func() {
		if err := priceFeed.Run(ctx, feedSymbols); err != nil && ctx.Err() == nil {
			logger.Error("price feed stopped", "error", err)
		}
	}()

	var router *alert.Router
	if cfg.Webhook.Secret != "" {
		router = alert.NewRouter(cfg.Webhook.Secret, cfg.Webhook.AlertHistorySize, httpapi.NewControllerDispatch(ctrl))
	}

	server := httpapi.New(cfg.App.HTTPAddr, ctrl, router, logger)
	server.Start()

	logger.Info("gridserver is running", "http_addr", cfg.App.HTTPAddr)

	<-ctx.Done()
	logger.Info("received shutdown signal, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	if _, err := ctrl.Kill(shutdownCtx); err != nil {
		logger.Error("failed to stop grids during shutdown", "error", err)
	}
	pool.Stop()
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
	if tel != nil {
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}
	logger.Info("gridserver stopped")
}

func buildStore(dsn string) (core.Store, error) {
	if dsn == "" {
		return store.Null{}, nil
	}
	return store.NewSQLiteStore(dsn)
}

// buildExchange activates the mock exchange when no credentials are
// configured for the selected exchange (§6: "Absence of exchange keys
// activates a mock exchange that synthesizes deterministic price walks for
// test").
func buildExchange(cfg *config.Config, recorder core.APICallRecorder) (core.Exchange, error) {
	if cfg.App.CurrentExchange == "mock" {
		return buildMock(cfg), nil
	}
	exchCfg, err := cfg.GetCurrentExchangeConfig()
	if err != nil {
		return nil, err
	}
	if exchCfg.APIKey == "" {
		return buildMock(cfg), nil
	}
	return exchange.New(*exchCfg, cfg.Concurrency, recorder), nil
}

func buildMock(cfg *config.Config) *exchange.Mock {
	startPrices := make(map[string]decimal.Decimal, len(cfg.Grids))
	for _, g := range cfg.Grids {
		mid := (g.LowerPrice + g.UpperPrice) / 2
		startPrices[g.Symbol] = decimal.NewFromFloat(mid)
	}
	// A fixed seed makes every mock run replay the same price walk.
	return exchange.NewMock(1, startPrices, decimal.NewFromInt(100000))
}

// buildAlertManager wires whichever outbound notification channels have
// credentials configured; the manager still runs with zero channels,
// logging kill events without fanning them out anywhere.
func buildAlertManager(cfg *config.Config, logger core.ILogger) *alert.AlertManager {
	am := alert.NewAlertManager(logger)
	if cfg.Notifications.SlackWebhookURL != "" {
		am.AddChannel(alert.NewSlackChannel(cfg.Notifications.SlackWebhookURL))
	}
	if cfg.Notifications.TelegramBotToken != "" && cfg.Notifications.TelegramChatID != "" {
		am.AddChannel(alert.NewTelegramChannel(cfg.Notifications.TelegramBotToken, cfg.Notifications.TelegramChatID))
	}
	return am
}

func exchangeFeeBps(cfg *config.Config) float64 {
	if exchCfg, err := cfg.GetCurrentExchangeConfig(); err == nil {
		return exchCfg.FeeBps
	}
	return 10
}
