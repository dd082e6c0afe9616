package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/umojafsp/essbridge/pkg/db"
	"github.com/umojafsp/essbridge/pkg/logging"
	"github.com/umojafsp/essbridge/pkg/sigenv"
	"github.com/umojafsp/essbridge/services/bridge/internal/cbs"
	"github.com/umojafsp/essbridge/services/bridge/internal/config"
	"github.com/umojafsp/essbridge/services/bridge/internal/dispatch"
	"github.com/umojafsp/essbridge/services/bridge/internal/httpapi"
	"github.com/umojafsp/essbridge/services/bridge/internal/loanapp"
	"github.com/umojafsp/essbridge/services/bridge/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	log, err := logging.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log = log.With().Str("service", "essbridge").Logger()

	privPEM, err := os.ReadFile(cfg.Keys.PrivateKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read signing key")
	}
	priv, err := sigenv.LoadPrivateKeyPEM(privPEM)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse signing key")
	}
	pubPEM, err := os.ReadFile(cfg.Keys.ESSPublicKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read counterpart public key")
	}
	essPub, err := sigenv.LoadPublicKeyPEM(pubPEM)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse counterpart public key")
	}
	signer := sigenv.NewSigner(priv)

	pool, err := db.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	st := store.New(pool)

	gateway := cbs.New(cfg.CBS.BaseURL, cfg.CBS.Username, cfg.CBS.Password, cfg.CBS.TenantID,
		time.Duration(cfg.CBS.TimeoutSeconds)*time.Second)

	dispatcher := dispatch.New(dispatch.Config{
		CallbackURL: cfg.ESS.CallbackURL,
		Timeout:     time.Duration(cfg.Delivery.TimeoutSeconds) * time.Second,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseBackoff: time.Duration(cfg.Delivery.BaseBackoffSeconds) * time.Second,
		MaxBackoff:  time.Duration(cfg.Delivery.MaxBackoffSeconds) * time.Second,
	}, st, log.With().Str("component", "dispatch").Logger())

	minLoan, err := decimal.NewFromString(cfg.Product.MinLoanAmount)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid PRODUCT_MIN_LOAN_AMOUNT")
	}

	svc := loanapp.NewService(loanapp.Config{
		FSPCode: cfg.ESS.FSPCode,
		ESSName: cfg.ESS.ESSName,
		Product: loanapp.ProductTerms{
			Code:               cfg.Product.Code,
			MaxTenureMonths:    cfg.Product.MaxTenureMonths,
			AnnualInterestRate: cfg.Product.AnnualInterestRate,
			MinLoanAmount:      minLoan,
			ProcessingFeePct:   cfg.Product.ProcessingFeePct,
			InsurancePct:       cfg.Product.InsurancePct,
			OfficeID:           cfg.Product.OfficeID,
		},
	}, st, gateway, dispatcher, signer, log)

	handler := httpapi.NewHandler(svc, signer, essPub, cfg.ESS.FSPCode, cfg.ESS.ESSName, log)

	go dispatcher.RunResender(ctx,
		time.Duration(cfg.Delivery.ResendIntervalSeconds)*time.Second,
		cfg.Delivery.ResendBatch, int64(cfg.Delivery.ResendConcurrency))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.App.Port).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server exited")
		}
	}
}

func fail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
	os.Exit(1)
}
