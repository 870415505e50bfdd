package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/tokenguard/internal/config"
	"github.com/flemzord/tokenguard/internal/cron"
	"github.com/flemzord/tokenguard/internal/events"
	"github.com/flemzord/tokenguard/internal/gateway"
	"github.com/flemzord/tokenguard/internal/guard"
	"github.com/flemzord/tokenguard/internal/metrics"
	"github.com/flemzord/tokenguard/internal/reload"
	"github.com/flemzord/tokenguard/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin gateway, snapshot scheduler and config watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, path, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd, s)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s, path, logger)
		},
	}
}

// sinks is the set of event sinks opened from the settings.
type sinks struct {
	emitter events.Emitter
	pruner  cron.Pruner
	closers []io.Closer
}

func (s *sinks) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// openSinks opens every configured sink. Emit errors are logged, never
// returned to the request path.
func openSinks(ctx context.Context, s config.Settings, logger *slog.Logger) (*sinks, error) {
	out := &sinks{}
	onError := func(err error) { logger.Warn("event sink write failed", "error", err) }
	var emitters []events.Emitter

	if s.Events.Log {
		emitters = append(emitters, events.LogSink{Logger: logger.With("component", "events"), Level: slog.LevelInfo})
	}
	if s.Events.JSONL != "" {
		sink, closer, err := events.OpenJSONL(s.Events.JSONL, onError)
		if err != nil {
			return nil, errors.Join(err, out.Close())
		}
		emitters = append(emitters, sink)
		out.closers = append(out.closers, closer)
	}
	if s.Events.SQLite != "" {
		sink, err := events.OpenSQLite(s.Events.SQLite, onError)
		if err != nil {
			return nil, errors.Join(err, out.Close())
		}
		emitters = append(emitters, sink)
		out.closers = append(out.closers, sink)
		out.pruner = sink
	}
	if s.Events.Postgres != "" {
		sink, err := events.OpenPostgres(ctx, s.Events.Postgres, onError)
		if err != nil {
			return nil, errors.Join(err, out.Close())
		}
		emitters = append(emitters, sink)
		out.closers = append(out.closers, sink)
		if out.pruner == nil {
			out.pruner = sink
		}
	}
	if s.Events.Redis.Addr != "" {
		sink, err := events.NewRedisSink(ctx, s.RedisConfig(), onError)
		if err != nil {
			return nil, errors.Join(err, out.Close())
		}
		emitters = append(emitters, sink)
		out.closers = append(out.closers, sink)
	}

	out.emitter = events.Multi(emitters...)
	return out, nil
}

// cleanups undoes startup steps in reverse order.
type cleanups []func(context.Context) error

func (c *cleanups) push(fn func(context.Context) error) {
	*c = append(*c, fn)
}

// run calls every cleanup once, latest first, and empties the stack.
func (c *cleanups) run(ctx context.Context) error {
	var errs []error
	for i := len(*c) - 1; i >= 0; i-- {
		errs = append(errs, (*c)[i](ctx))
	}
	*c = nil
	return errors.Join(errs...)
}

// currentSettings returns the last reloaded settings, or s before any reload.
func currentSettings(h *reload.Handler, s config.Settings) func() config.Settings {
	return func() config.Settings {
		if reloaded, ok := h.Settings(); ok {
			return reloaded
		}
		return s
	}
}

// serve runs every long-lived component until ctx is done, then shuts
// them down in reverse order. A failed startup undoes the steps already
// taken.
func serve(ctx context.Context, s config.Settings, configPath string, logger *slog.Logger) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stack cleanups
	defer func() {
		if err != nil {
			_ = stack.run(context.Background())
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, s.TracingConfig())
	if err != nil {
		return err
	}
	stack.push(shutdownTracing)

	sk, err := openSinks(ctx, s, logger)
	if err != nil {
		return err
	}
	stack.push(func(context.Context) error { return sk.Close() })

	rec := metrics.New()
	g, err := guard.New(s,
		guard.WithLogger(logger),
		guard.WithEmitter(sk.emitter),
		guard.WithMetrics(rec),
	)
	if err != nil {
		return err
	}
	stack.push(func(context.Context) error { g.Close(); return nil })

	scheduler := cron.NewScheduler(logger.With("component", "cron"))
	if s.Snapshot.Schedule != "" {
		if err := scheduler.RegisterJob(&cron.StatsSnapshotJob{
			Stats:        g.Budget(),
			Circuits:     g.Breaker(),
			Emitter:      sk.emitter,
			Logger:       logger,
			ScheduleExpr: s.Snapshot.Schedule,
		}); err != nil {
			return err
		}
	}
	if sk.pruner != nil && s.Events.Retention > 0 {
		if err := scheduler.RegisterJob(&cron.EventRetentionJob{
			Store:  sk.pruner,
			MaxAge: s.Events.Retention.Std(),
			Logger: logger,
		}); err != nil {
			return err
		}
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	stack.push(scheduler.Stop)

	handler := reload.NewHandler(g, logger.With("component", "reload"))
	if configPath != "" {
		watcher := reload.NewWatcher(reload.WatcherConfig{ConfigPath: configPath, Logger: logger})
		watcher.Start(ctx)
		stack.push(func(context.Context) error { watcher.Stop(); return nil })
		go handler.Watch(ctx, watcher.Events())
	}

	if s.Gateway.Enabled {
		opts := []gateway.Option{
			gateway.WithLogger(logger.With("component", "gateway")),
			gateway.WithMetricsHandler(rec.Handler()),
			gateway.WithSettings(currentSettings(handler, s)),
		}
		if configPath != "" {
			opts = append(opts, gateway.WithReload(func(ctx context.Context) ([]string, error) {
				return handler.HandleReload(ctx, configPath)
			}))
		}
		gw := gateway.New(gateway.ConfigFrom(s.Gateway), g, opts...)
		if err := gw.Start(ctx); err != nil {
			return err
		}
		stack.push(gw.Stop)
	}

	logger.Info("tokenguard started",
		"endpoints", len(s.Budget.Limits),
		"gateway", s.Gateway.Enabled,
		"config", configPath,
	)
	<-ctx.Done()
	logger.Info("tokenguard shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), s.Gateway.ShutdownTimeout.Std()+5*time.Second)
	defer cancelShutdown()
	if err := stack.run(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
