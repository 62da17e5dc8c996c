// Command settlementd runs the fiat/stablecoin settlement service: the HTTP
// API, the rail webhook endpoints, and the polling reconciler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stablerail/bankverify"
	"stablerail/config"
	"stablerail/custody"
	"stablerail/ledger"
	"stablerail/observability/logging"
	"stablerail/preflight"
	"stablerail/rails"
	"stablerail/rates"
	"stablerail/recon"
	"stablerail/server"
	"stablerail/settle"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("settlementd", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	store, err := ledger.Open(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("open ledger", "error", err)
		os.Exit(1)
	}

	var rateSource rates.RateSource
	if cfg.Rates.SourceURL != "" {
		rateSource = rates.NewHTTPRateSource(cfg.Rates.SourceURL, cfg.Rates.SourceToken)
	}
	rateEngine, err := rates.NewEngine(rateSource, rates.Config{
		CacheTTL:     cfg.Rates.CacheTTL,
		FetchTimeout: cfg.Rates.FetchTimeout,
		FallbackRate: parseRat(cfg.Rates.FallbackRate),
		Policies: map[rates.Direction]rates.FeePolicy{
			rates.DirectionOnramp:  feePolicy(cfg.Rates.Onramp),
			rates.DirectionOfframp: feePolicy(cfg.Rates.Offramp),
		},
	})
	if err != nil {
		logger.Error("configure rate engine", "error", err)
		os.Exit(1)
	}

	wallet := custody.NewHTTPClient(cfg.Custody.BaseURL, cfg.Custody.Token, cfg.Custody.Network)
	minGas, ok := new(big.Int).SetString(cfg.Custody.MinGasWei, 10)
	if !ok {
		logger.Error("invalid min gas configuration", "value", cfg.Custody.MinGasWei)
		os.Exit(1)
	}
	checker := preflight.NewChecker(wallet, cfg.Custody.StableAsset, minGas, cfg.Custody.GasBufferBps)

	collector := rails.NewHTTPCollector(cfg.Collector.BaseURL, cfg.Collector.APIKey)
	disburser := rails.NewHTTPDisburser(cfg.Disburser.BaseURL, cfg.Disburser.APIKey)
	verifier := bankverify.NewHTTPClient(cfg.BankVerify.BaseURL, cfg.BankVerify.APIKey)

	engine, err := settle.NewEngine(settle.Config{
		StableAsset:     cfg.Custody.StableAsset,
		StableDecimals:  cfg.Custody.StableDecimals,
		FiatCurrency:    cfg.Settlement.FiatCurrency,
		TreasuryAddress: cfg.Custody.TreasuryAddress,
		AmountTolerance: parseRat(cfg.Settlement.AmountTolerance),
	}, store, rateEngine, checker, wallet, collector, disburser, verifier)
	if err != nil {
		logger.Error("configure settlement engine", "error", err)
		os.Exit(1)
	}

	poller := recon.NewPoller(recon.Config{
		Interval:    cfg.Recon.Interval,
		Grace:       cfg.Recon.Grace,
		MaxAttempts: cfg.Recon.MaxAttempts,
	}, engine, collector, disburser)

	handler := server.New(server.Config{
		CollectorSecret: cfg.Collector.WebhookSecret,
		DisburserSecret: cfg.Disburser.WebhookSecret,
		WebhookPerSec:   cfg.RateLimit.PerSecond,
		WebhookBurst:    cfg.RateLimit.Burst,
	}, engine, verifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go poller.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("settlementd listening",
		"address", cfg.ListenAddress,
		"environment", cfg.Environment,
		"asset", cfg.Custody.StableAsset,
		"currency", cfg.Settlement.FiatCurrency,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("settlementd stopped")
}

func feePolicy(dc config.DirectionConfig) rates.FeePolicy {
	return rates.FeePolicy{
		FeePercent: parseRat(dc.FeePercent),
		FeeCap:     parseRat(dc.FeeCap),
		Markup:     parseRat(dc.Markup),
		Bounds: rates.Bounds{
			Min: parseRat(dc.MinAmount),
			Max: parseRat(dc.MaxAmount),
		},
	}
}

// parseRat converts an optional decimal setting; empty or malformed values
// become nil so the zero-value behaviour of the consumer applies.
func parseRat(raw string) *big.Rat {
	if raw == "" {
		return nil
	}
	value, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil
	}
	return value
}
