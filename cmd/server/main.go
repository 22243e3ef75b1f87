package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arhyth/ledgergo"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"gopkg.in/yaml.v3"

	"github.com/rs/zerolog"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	var cfg ledgergo.Config
	cfp := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()
	cfgfl, err := os.Open(*cfp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening config file")
	}
	if err = yaml.NewDecoder(cfgfl).Decode(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("error decoding config file")
	}

	var repo ledgergo.Repository
	if cfg.Database.ConnectionString != "" {
		repo, err = ledgergo.NewPostgresEndpoint(cfg.Database.ConnectionString, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("error starting database")
		}
	} else {
		logger.Warn().Msg("no database configured, using in-memory store")
		repo = ledgergo.NewMemoryEndpoint()
	}

	bankAcct := cfg.Ledger.BankAccount
	if bankAcct == "" {
		bankAcct = "BANK"
	}
	feeStr := cfg.Ledger.Fee
	if feeStr == "" {
		feeStr = "1"
	}
	fee, err := decimal.NewFromString(feeStr)
	if err != nil {
		logger.Fatal().Err(err).Str("fee", feeStr).Msg("error parsing fee")
	}

	core, err := ledgergo.NewService(repo, bankAcct, fee, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting service")
	}
	core.WithRetry(cfg.Retry.Attempts, time.Duration(cfg.Retry.BackoffMillis)*time.Millisecond)

	var svc ledgergo.Service = core
	svc = ledgergo.NewLimitMiddleware(ledgergo.NewServiceLimits(&cfg))(svc)
	svc = ledgergo.NewCircuitBreakMiddleware(ledgergo.NewServiceBreaker(gobreaker.Settings{}))(svc)
	svc = ledgergo.NewValidationMiddleware(bankAcct)(svc)

	hndlr := ledgergo.NewHTTPHandler(svc, &logger)

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":3000"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           hndlr,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}
