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

	"reservation-ledger/internal/account"
	"reservation-ledger/internal/config"
	"reservation-ledger/internal/httpapi"
	"reservation-ledger/internal/logging"
	"reservation-ledger/internal/reservation"
	"reservation-ledger/internal/store"
	"reservation-ledger/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type repository interface {
	account.Repository
	reservation.Reservations
}

func openPostgres(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	logger.Info("parsing DB config")
	pcfg, err := pgxpool.ParseConfig(cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	pcfg.MaxConns = int32(cfg.DBMaxConns)
	pcfg.MinConns = 1
	pcfg.HealthCheckPeriod = 10 * time.Second
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute

	logger.Info("connecting to DB", zap.Int("max_conns", cfg.DBMaxConns))
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.DBMigrate {
		logger.Info("running migrations")
		if err := store.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
	} else {
		logger.Info("migrations disabled")
	}
	return pool, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

// run owns every resource of the process, so that all deferred cleanup happens before main exits.
func run() error {
	start := time.Now()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("startup begin",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.Store),
		zap.Bool("migrate", cfg.DBMigrate),
	)

	// Startup context
	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startCancel()

	var repo repository
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := openPostgres(startCtx, cfg, logger)
		if err != nil {
			logger.Error("db startup failed", zap.Error(err))
			return err
		}
		defer pool.Close()
		repo = store.New(pool)
	default:
		logger.Warn("using in-memory store; state is lost on exit")
		repo = store.NewMemory()
	}

	tp, err := telemetry.NewTracerProvider(startCtx, telemetry.Config{CollectorEndpoint: cfg.OTLPEndpoint}, logger)
	if err != nil {
		logger.Error("telemetry startup failed", zap.Error(err))
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}()

	accounts := account.New(repo, logger)
	reservations := reservation.New(accounts, repo,
		reservation.WithLogger(logger),
		reservation.WithTracerProvider(tp),
	)
	h := httpapi.NewHandlers(accounts, reservations, logger)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.Router(h, cfg.MaxInflight),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("ready",
		zap.Duration("startup", time.Since(start).Truncate(time.Millisecond)),
		zap.String("addr", cfg.HTTPAddr),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			return err
		}
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			return err
		}
	}
	return nil
}
