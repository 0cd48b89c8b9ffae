package oracled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"evmoracle/evmc"
	"evmoracle/observability"
	"evmoracle/observability/logging"
	telemetry "evmoracle/observability/otel"
	"evmoracle/services/oracled/config"
	"evmoracle/services/oracled/journal"
	"evmoracle/services/oracled/oracle"
	"evmoracle/services/oracled/pipeline"
	"evmoracle/services/oracled/server"
	"evmoracle/services/oracled/sources"
	"evmoracle/services/oracled/state"
	"evmoracle/storage"
)

// Main runs the oracle daemon using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/oracled/config.yaml", "path to oracled config (.yaml or .toml)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ORACLED_ENV"))
	logger := logging.Setup("oracled", env)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("oracled", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	owner, peer, self, err := cfg.Identities()
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	gasPrice, err := cfg.GasPrice()
	if err != nil {
		return err
	}
	bytecode, err := cfg.Bytecode()
	if err != nil {
		return err
	}
	if len(bytecode) == 0 {
		logger.Warn("no aggregator bytecode configured; contract deployment disabled", slog.String("bytecode_file", cfg.Chain.BytecodeFile))
	}

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = db.Close() }()

	journalDB, err := journal.OpenDB(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	relays, err := journal.New(journalDB)
	if err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	defer func() { _ = relays.Close() }()

	pool := evmc.NewPool(nil)
	defer pool.Close()

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	opts := oracle.Options{
		DB:              db,
		Capacity:        cfg.Storage.Capacity,
		InitialSettings: state.Settings{Owner: owner, EVMPeer: peer},
		Self:            self,
		Pool:            pool,
		ChainID:         cfg.ChainID(),
		GasPrice:        gasPrice,
		Bytecode:        bytecode,
		Decimals:        cfg.Decimals,
		Journal:         relays,
		Logger:          logger,
		Metrics:         observability.Oracle(),
	}
	if !cfg.Sources.Coinbase.Disabled {
		opts.Spot = sources.NewCoinbase(httpClient, cfg.Sources.Coinbase.Endpoint, limits(cfg.Sources.Coinbase))
	}
	if !cfg.Sources.CoinGecko.Disabled {
		opts.Batch = sources.NewCoinGecko(httpClient, cfg.Sources.CoinGecko.Endpoint, cfg.Sources.CoinGecko.Assets, limits(cfg.Sources.CoinGecko))
	}
	svc, err := oracle.New(opts)
	if err != nil {
		return fmt.Errorf("build oracle: %w", err)
	}

	secret := cfg.HMACSecret()
	if secret == "" {
		logger.Warn("no JWT secret configured; every caller is anonymous")
	} else {
		logger.Info("caller auth configured", logging.MaskField("hmac_secret", secret), slog.String("issuer", cfg.Auth.Issuer))
	}
	srv := server.New(server.Config{
		Service: svc,
		Auth: server.NewCallerAuth(server.CallerConfig{
			HMACSecret: secret,
			Issuer:     cfg.Auth.Issuer,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		Limit: server.RateLimit{
			RequestsPerMinute: cfg.Auth.RequestsPerMinute,
			Burst:             cfg.Auth.Burst,
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(srv.Handler(), "oracled"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Scheduler.Source != "" {
		source, err := pipeline.ParseSource(cfg.Scheduler.Source)
		if err != nil {
			return err
		}
		scheduler, err := pipeline.NewScheduler(svc.Pipeline(), source, svc.Pairs, cfg.Scheduler.Interval.Duration, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := scheduler.Run(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("scheduler exited", slog.Any("error", err))
			}
		}()
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("oracled listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func limits(src config.SourceConfig) sources.Limits {
	return sources.Limits{
		RequestsPerSecond: src.RequestsPerSecond,
		Burst:             src.Burst,
		Timeout:           src.Timeout.Duration,
		MaxBodyBytes:      src.MaxBodyBytes,
	}
}
