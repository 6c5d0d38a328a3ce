package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olyamironova/ledger-engine/internal/adapter/cache"
	"github.com/olyamironova/ledger-engine/internal/adapter/in_memory"
	"github.com/olyamironova/ledger-engine/internal/adapter/pg"
	"github.com/olyamironova/ledger-engine/internal/adapter/sqlite"
	grpcapi "github.com/olyamironova/ledger-engine/internal/api/grpc"
	httpapi "github.com/olyamironova/ledger-engine/internal/api/http"
	"github.com/olyamironova/ledger-engine/internal/config"
	"github.com/olyamironova/ledger-engine/internal/core"
	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/logger"
	"github.com/olyamironova/ledger-engine/internal/middleware"
	"github.com/olyamironova/ledger-engine/internal/port"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "ledger",
		Short:        "Trading ledger: order execution with balance and inventory consistency",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("LEDGER_CONFIG", configPath)
			}
			return nil
		},
		RunE: runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overrides LEDGER_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and gRPC servers",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the store schema and exit",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Compare position counters against the trade log; exits non-zero on drift",
			RunE:  runReconcile,
		},
	)
	return root
}

type app struct {
	cfg   *config.Config
	log   *zap.Logger
	repo  port.Repository
	cache port.Cache
	eng   *core.Engine
}

func (a *app) close() {
	if c, ok := a.cache.(*cache.RedisCache); ok {
		_ = c.Close()
	}
	a.repo.Close(context.Background())
	_ = a.log.Sync()
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	repo, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("open store", zap.String("store", cfg.Store), zap.Error(err))
		return nil, err
	}
	c, err := openCache(ctx, cfg)
	if err != nil {
		repo.Close(ctx)
		log.Error("open cache", zap.String("redis_addr", cfg.RedisAddr), zap.Error(err))
		return nil, err
	}

	eng := core.NewEngine(repo, c,
		core.WithLogger(log),
		core.WithCommissionRate(cfg.Commission()),
		core.WithMaxRetries(cfg.MaxRetries),
		core.WithRetryBackoff(cfg.RetryBackoff),
		core.WithCurrency(cfg.Currency),
	)
	log.Info("ledger ready",
		zap.String("store", cfg.Store),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.String("commission_rate", eng.CommissionRate().String()),
		zap.Int("max_retries", cfg.MaxRetries))
	return &app{cfg: cfg, log: log, repo: repo, cache: c, eng: eng}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (port.Repository, error) {
	switch cfg.Store {
	case config.StorePostgres:
		repo, err := pg.NewPgRepo(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close(ctx)
			return nil, fmt.Errorf("pg: migrate: %w", err)
		}
		return repo, nil
	case config.StoreSQLite:
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return in_memory.NewMemoryRepo(), nil
	}
}

func openCache(ctx context.Context, cfg *config.Config) (port.Cache, error) {
	if cfg.RedisAddr == "" {
		return in_memory.NewCacheWithTTL(cfg.StatsCacheTTL), nil
	}
	c := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.StatsCacheTTL)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return c, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	var grpcLis net.Listener
	if a.cfg.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", a.cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc: listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           httpapi.NewHTTPServer(a.eng, a.log, middleware.PerSecond(a.cfg.RateLimit)).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("http listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	grpcSrv := grpcapi.NewServer(a.eng, a.log)
	if grpcLis != nil {
		g.Go(func() error {
			a.log.Info("grpc listening", zap.String("addr", a.cfg.GRPCAddr))
			if err := grpcSrv.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down", zap.Duration("timeout", a.cfg.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		err := httpSrv.Shutdown(shutdownCtx)

		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		a.log.Error("server stopped", zap.Error(err))
		return err
	}
	a.log.Info("server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	// openStore applies the schema for both SQL backends.
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	a.log.Info("schema up to date", zap.String("store", a.cfg.Store))
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	drift, err := a.eng.ReconcilePositions(cmd.Context())
	if err != nil {
		return err
	}
	if drift == nil {
		drift = []domain.PositionDrift{}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(drift); err != nil {
		return err
	}
	if len(drift) > 0 {
		return fmt.Errorf("reconcile: %d position(s) drifted from the trade log", len(drift))
	}
	return nil
}
