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

	"github.com/life-stream-dev/life-stream-go-shortener/internal/api"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/config"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/delivery"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/event"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/events"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/gateway"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/logger"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/registry"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/store"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string
	port       int
)

func init() {
	cmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to the JSON configuration file")
	cmd.PersistentFlags().IntVar(&port, "port", 0, "HTTP port, overrides app_port and PORT")
}

var cmd = &cobra.Command{
	Use:          "shortener",
	Short:        "URL shortener delivering results over WebSocket",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("error occured while reading config: %w", err)
		}
		if port != 0 {
			cfg.AppPort = port
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cfg)
	},
}

func run(ctx context.Context, cfg *config.Config) error {
	loggerCallback := logger.Init(cfg.LogDir, cfg.DebugMode)
	logger.Debug("Application initializing...")

	cleaner := event.NewCleaner(config.Duration(cfg.ShutdownTimeout))
	defer func() {
		cleaner.Add("logger", loggerCallback)
		_ = cleaner.Clean()
	}()

	persister, err := newPersister(ctx, cfg)
	if err != nil {
		logger.ErrorF("Error occured while initializing storage, details: %v", err)
		return err
	}
	mappings := store.NewStore(persister)
	if err := mappings.Load(ctx); err != nil {
		_ = persister.Close(context.Background())
		logger.ErrorF("Error occured while loading mappings, details: %v", err)
		return err
	}
	cleaner.Add("store", event.CallableFunc(mappings.Close))

	m := metrics.New()
	reg := registry.NewRegistry(
		registry.WithWriteTimeout(config.Duration(cfg.Gateway.WriteTimeout)),
		registry.WithGauge(m.ClientsConnected),
	)
	manager := delivery.NewManager(reg,
		delivery.WithBaseDelay(config.Duration(cfg.Delivery.BaseDelay)),
		delivery.WithWorkers(cfg.Delivery.Workers),
		delivery.WithQueueSize(cfg.Delivery.QueueSize),
		delivery.WithMetrics(m.Delivery()),
	)

	var checkOrigin func(r *http.Request) bool
	if len(cfg.Gateway.AllowedOrigins) > 0 {
		origins := cors.New(cors.Options{AllowedOrigins: cfg.Gateway.AllowedOrigins})
		checkOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origins.OriginAllowed(r)
		}
	}
	ws := gateway.New(reg, manager, gateway.Options{
		MaxConnections: cfg.Gateway.MaxConnections,
		ReadTimeout:    config.Duration(cfg.Gateway.ReadTimeout),
		PingInterval:   config.Duration(cfg.Gateway.PingInterval),
		WriteTimeout:   config.Duration(cfg.Gateway.WriteTimeout),
		CheckOrigin:    checkOrigin,
	})

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Events.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		logger.InfoF("Publishing link events to %s on %v", cfg.Events.Topic, cfg.Events.Brokers)
	}
	cleaner.Add("events", event.CallableFunc(func(context.Context) error { return publisher.Close() }))

	handler := api.NewHandler(mappings, manager, api.Options{
		PublicBaseURL: cfg.PublicBaseURL,
		MaxRetries:    cfg.Delivery.MaxRetries,
		Publisher:     publisher,
		Created:       m.LinksCreated,
		Resolved:      m.LinksResolved,
	})
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.AppPort),
		Handler: api.NewRouter(handler, api.RouterOptions{
			WebSocketPath:  cfg.Gateway.Path,
			Gateway:        ws,
			Metrics:        m.Handler(),
			StaticDir:      cfg.StaticDir,
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(ctx)
	})
	g.Go(func() error {
		logger.InfoF("Server listening on port %d", cfg.AppPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.ShutdownTimeout))
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		logger.ErrorF("Server stopped with error, details: %v", err)
	}
	return err
}

func newPersister(ctx context.Context, cfg *config.Config) (store.Persister, error) {
	switch cfg.Storage.Driver {
	case config.StorageMongo:
		return store.NewMongoPersister(ctx, cfg.AppName, cfg.Storage.Mongo)
	default:
		return store.NewFilePersister(cfg.Storage.FilePath)
	}
}

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
