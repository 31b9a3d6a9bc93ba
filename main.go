package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courierd/courier/internal/agent"
	"github.com/courierd/courier/internal/cache"
	"github.com/courierd/courier/internal/database"
	"github.com/courierd/courier/internal/device"
	"github.com/courierd/courier/internal/dispatch"
	"github.com/courierd/courier/internal/engine"
	"github.com/courierd/courier/internal/executor"
	"github.com/courierd/courier/internal/logging"
	"github.com/courierd/courier/internal/messagebus"
	"github.com/courierd/courier/internal/metrics"
	"github.com/courierd/courier/internal/realtime"
	"github.com/courierd/courier/pkg/config"
	"github.com/courierd/courier/pkg/messages"
	"github.com/courierd/courier/pkg/server"
)

func main() {
	fmt.Println("Courier - task dispatch daemon for AI coding agents")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfigFromFile(configPath)
	if err != nil {
		log.Printf("Warning: Failed to load config from %s: %v", configPath, err)
		log.Printf("Using default configuration")
		cfg = config.DefaultConfig()
	} else {
		log.Printf("Loaded configuration from %s", configPath)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Courier failed: %v", err)
	}
}

func run(cfg *config.Config) error {
	deviceID, err := device.Resolve(cfg.Device.ID, cfg.Device.IDFile)
	if err != nil {
		return fmt.Errorf("resolve device id: %w", err)
	}
	log.Printf("Running as device %s", deviceID)

	store, err := database.NewPostgres(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer store.Close()

	registry, err := agent.LoadDir(cfg.Agents.ConfigDir, cfg.Agents.Aliases)
	if err != nil {
		return fmt.Errorf("load agent descriptors: %w", err)
	}
	log.Printf("Loaded %d agent descriptors from %s", len(registry.Keys()), cfg.Agents.ConfigDir)

	m := metrics.NewMetrics()
	hub := realtime.NewHub()
	defer hub.Close()

	// The event log captures [Component] flow logging into a queryable
	// ring buffer, persists it, and streams entries to websocket clients.
	events := logging.NewManager(store.DB(), 0)
	events.AddHandler(func(entry logging.Entry) {
		hub.Broadcast(messages.LogEvent(entry))
	})
	events.InstallLogInterceptor()

	// The engine writes through a fan-out sink: PostgreSQL is
	// authoritative, then the bus, tail cache, and websocket hub get a
	// best-effort copy.
	secondaries := []engine.StatusSink{realtime.NewHubSink(hub)}

	var bus *messagebus.NatsMessageBus
	if cfg.Nats.URL != "" {
		bus, err = messagebus.NewNatsMessageBus(messagebus.Config{
			URL:            cfg.Nats.URL,
			StreamName:     cfg.Nats.StreamName,
			Timeout:        cfg.Nats.Timeout,
			ConsumerPrefix: cfg.Nats.ConsumerPrefix,
		})
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer bus.Close()
		secondaries = append(secondaries, messagebus.NewBusSink(bus))
	} else {
		log.Printf("NATS is not configured; running in poll-only mode")
	}

	var tail *cache.TailCache
	if cfg.Cache.Enabled {
		tail, err = cache.New(cache.Config{
			RedisURL:   cfg.Cache.RedisURL,
			TailBytes:  int64(cfg.Cache.TailBytes),
			DefaultTTL: cfg.Cache.DefaultTTL,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer tail.Close()
		secondaries = append(secondaries, tail)
	}

	sink := engine.NewMultiSink(store, secondaries...)

	eng := engine.New(registry, executor.New(), sink, m, engine.Options{
		DefaultTimeout:   cfg.Agents.DefaultTimeout,
		TimeoutOverrides: cfg.Agents.TimeoutOverrides,
		KillGrace:        cfg.Dispatch.KillGrace,
		FlushInterval:    cfg.Dispatch.FlushInterval,
		FlushChunks:      cfg.Dispatch.FlushChunks,
	})

	var notifier dispatch.TaskNotifier
	if bus != nil {
		notifier = bus
	}

	dispatcher := dispatch.New(store, store, sink, eng, notifier, m, dispatch.Options{
		DeviceID:     deviceID,
		PollInterval: cfg.Dispatch.PollInterval,
		PollLimit:    cfg.Dispatch.PollLimit,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if bus != nil {
		err = bus.SubscribeCancels(deviceID, func(msg *messages.CancelMessage) {
			if err := dispatcher.Cancel(ctx, msg.TaskID); err != nil {
				log.Printf("Remote cancel of task %s failed: %v", msg.TaskID, err)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe to cancel requests: %w", err)
		}
	}

	srv := server.NewServer(store, registry, dispatcher, busOrNil(bus), tail, hub, events, m, deviceID)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      srv.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("Shutting down")
	case err := <-errCh:
		stop()
		log.Printf("Shutting down after error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	return nil
}

// busOrNil avoids handing the server a typed-nil interface value.
func busOrNil(bus *messagebus.NatsMessageBus) messagebus.TaskPublisher {
	if bus == nil {
		return nil
	}
	return bus
}
