// Command bookmaild serves book mail over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rbaliyan/bookmail"
	"github.com/rbaliyan/bookmail/internal/config"
	"github.com/rbaliyan/bookmail/internal/httpapi"
	"github.com/rbaliyan/bookmail/internal/scheduler"
	"github.com/rbaliyan/bookmail/permission"
	"github.com/rbaliyan/bookmail/plugin/ratelimit"
	"github.com/rbaliyan/bookmail/retry"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	envFile := flag.String("env", ".env", "env file loaded before BOOKMAIL_* overrides")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bookmaild: %v\n", err)
		os.Exit(2)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bookmaild exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	connectPolicy := retry.DefaultPolicy()
	connectPolicy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("connect failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.release(); err != nil {
			logger.Warn("release store resources", "error", err)
		}
	}()

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := retry.Do(ctx, connectPolicy, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	var checkers []bookmail.PermissionChecker
	if len(cfg.Permission.Users) > 0 {
		checkers = append(checkers, permission.NewDirectory(cfg.Permission.Users))
	}
	var blocklist *permission.Blocklist
	if cfg.Permission.Blocklist {
		blocklist = permission.NewBlocklist(rdb)
		checkers = append(checkers, blocklist)
	}

	opts := []bookmail.Option{
		bookmail.WithStore(st.Store),
		bookmail.WithLogger(logger),
		bookmail.WithServiceName("bookmaild"),
		bookmail.WithPermissionChecker(permission.All(checkers...)),
	}
	if cfg.Mailbox.UndoWindow > 0 {
		opts = append(opts, bookmail.WithUndoWindow(cfg.Mailbox.UndoWindow))
	}
	if cfg.Mailbox.MaxBodySize > 0 {
		opts = append(opts, bookmail.WithMaxBodySize(cfg.Mailbox.MaxBodySize))
	}
	if cfg.Mailbox.MaxConcurrentSends > 0 {
		opts = append(opts, bookmail.WithMaxConcurrentSends(cfg.Mailbox.MaxConcurrentSends))
	}
	if cfg.Mailbox.SettleBatchSize > 0 {
		opts = append(opts, bookmail.WithSettleBatchSize(cfg.Mailbox.SettleBatchSize))
	}
	if rdb != nil {
		opts = append(opts, bookmail.WithRedisClient(rdb))
	}
	if cfg.RateLimit.RPS > 0 {
		opts = append(opts, bookmail.WithPlugin(ratelimit.New(
			ratelimit.WithRate(rate.Limit(cfg.RateLimit.RPS)),
			ratelimit.WithBurst(cfg.RateLimit.Burst),
		)))
	}

	svc, err := bookmail.NewService(opts...)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := retry.Do(ctx, connectPolicy, svc.Connect); err != nil {
		return fmt.Errorf("connect service: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("close service", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithRegistry(reg),
		httpapi.WithCORSOrigins(cfg.Server.CORSOrigins...),
	}
	if blocklist != nil {
		apiOpts = append(apiOpts, httpapi.WithBlocklist(blocklist))
	}
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           httpapi.New(svc, apiOpts...).Router(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "address", srv.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Settle.Enabled {
		sched, err := scheduler.New("settle", cfg.Settle.Cron, func(ctx context.Context) error {
			res, err := svc.Settle(ctx)
			if err != nil {
				return err
			}
			if res.SettledCount > 0 {
				logger.Info("settled undo windows", "count", res.SettledCount, "interrupted", res.Interrupted)
			}
			return nil
		}, scheduler.WithLogger(logger))
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	return g.Wait()
}
