package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/dispatch"
	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/queue"
	"github.com/haasonsaas/relay/internal/reply"
	"github.com/haasonsaas/relay/internal/schedule"
	"github.com/haasonsaas/relay/internal/state"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

func buildServeCmd(configPath *string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event pipeline and session manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			configureLogging(cfg)
			return runServe(cmd.Context(), cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func configureLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runServe(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	logger := slog.Default()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Shared cross-process state: kill switch + reload flags.
	stateStore, err := state.NewSQLiteStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return err
	}
	defer stateStore.Close()

	// Tool connections and scheduled tasks.
	configStore, err := storage.NewSQLiteStore(filepath.Join(cfg.DataDir, "config.db"))
	if err != nil {
		return err
	}
	defer configStore.Close()

	metrics := observability.NewMetrics()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer metricsSrv.Close()
		logger.Info("serving metrics", "addr", metricsAddr)
	}

	queueStore, err := openQueueStore(cfg)
	if err != nil {
		return err
	}
	if queueStore != nil {
		defer queueStore.Close()
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithMetrics(metrics),
		dispatch.WithDedupWindow(cache.NewWindow(cache.Options{
			TTL:     cfg.DedupTTL(),
			MaxSize: cfg.Dedup.MaxEntries,
		})),
	}
	if queueStore != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithQueue(queueStore))
	}
	dispatcher := dispatch.New(stateStore, dispatchOpts...)

	manager := mcp.NewSessionManager(configStore,
		mcp.WithConnectTimeout(cfg.ConnectTimeout()),
		mcp.WithCloseTimeout(cfg.CloseTimeout()),
		mcp.WithManagerMetrics(metrics))

	replyBus := reply.NewInProcessBus(logger)
	dispatcher.Register(sessionHandler(manager, replyBus, logger))

	var worker *queue.Worker
	if queueStore != nil {
		worker = queue.NewWorker(queueStore, dispatcher.HandleEvent, stateStore,
			queue.WithWorkerMetrics(metrics),
			queue.WithWorkerPollInterval(cfg.QueuePollInterval()),
			queue.WithRetention(cfg.CompletedRetention(), cfg.FailedRetention()))
		worker.Start(ctx)
		defer worker.Stop()
	}

	producer := schedule.NewProducer(configStore, dispatcher, logger)
	if err := producer.Start(ctx); err != nil {
		return err
	}
	defer producer.Stop()

	watcher := state.NewWatcher(stateStore,
		[]string{state.ScopeMCP, state.ScopeSchedule, state.ScopeChannels},
		func(ctx context.Context, scopes []string) {
			for _, scope := range scopes {
				metrics.ReloadObservations.WithLabelValues(scope).Inc()
				switch scope {
				case state.ScopeMCP:
					manager.Reload(ctx)
				case state.ScopeSchedule:
					if err := producer.Reload(ctx); err != nil {
						logger.Error("schedule reload failed", "error", err)
					}
				case state.ScopeChannels:
					logger.Info("channel config changed, producers reload on next delivery")
				}
			}
		},
		state.WithPollInterval(cfg.ReloadPollInterval()))
	watcher.Start(ctx)
	defer watcher.Stop()

	logger.Info("relay started",
		"queue_driver", cfg.Queue.Driver,
		"data_dir", cfg.DataDir)

	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	logger.Info("shutting down")
	manager.Reload(context.Background())
	return nil
}

func openQueueStore(cfg *config.Config) (queue.Store, error) {
	switch cfg.Queue.Driver {
	case "local":
		return nil, nil
	case "sqlite":
		path := cfg.Queue.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "queue.db")
		}
		return queue.NewSQLiteStore(path)
	case "postgres":
		return queue.NewPostgresStoreFromDSN(cfg.Queue.DSN, queue.DefaultPostgresConfig())
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// sessionHandler is the built-in handler: it borrows the shared tool
// session and acknowledges message events on the reply bus. Real
// execution engines register their own handlers in-process.
func sessionHandler(manager *mcp.SessionManager, bus reply.Bus, logger *slog.Logger) dispatch.Handler {
	return func(ctx context.Context, event *models.Event) error {
		session, err := manager.GetSession(ctx)
		if err != nil {
			return fmt.Errorf("acquire tool session: %w", err)
		}
		defer session.Close()

		logger.Info("event handled",
			"event", event.ID,
			"type", event.Type,
			"tools", len(session.ToolNames()),
			"degraded_connections", len(session.Failed()))

		if event.Payload.Kind == models.KindMessage && event.Payload.Message.Channel != nil {
			return bus.Publish(ctx, reply.Reply{
				Channel: event.Payload.Message.Channel.Channel,
				EventID: event.ID,
				Message: "received",
			})
		}
		return nil
	}
}
