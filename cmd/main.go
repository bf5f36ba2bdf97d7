package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"watersmart/internal/api"
	"watersmart/internal/clock"
	"watersmart/internal/config"
	"watersmart/internal/ha"
	"watersmart/internal/httpcache"
	"watersmart/internal/mqtt"
	"watersmart/internal/poller"
	"watersmart/internal/state"
	"watersmart/internal/store"
	"watersmart/internal/usage"
	"watersmart/internal/watersmart"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a .yaml or .toml config file")
	envFile := flag.String("env-file", ".env", "path to a .env file")
	once := flag.Bool("once", false, "poll once, print the summary as JSON and exit")
	flag.Parse()

	// Load environment variables before building the logger so LOG_LEVEL applies.
	envErr := config.LoadEnvFile(*envFile)

	logger, level, err := newLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("No .env file found, using environment variables", zap.String("path", *envFile))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	level.SetLevel(cfg.Level())

	logger.Info("Starting WaterSmart monitor",
		zap.String("url", cfg.WaterSmart.URL),
		zap.Duration("poll_interval", cfg.Poll.Interval),
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.Bool("home_assistant", cfg.HomeAssistant.Enabled()),
		zap.Bool("mqtt", cfg.MQTT.Enabled()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once); err != nil {
		logger.Fatal("Exiting", zap.Error(err))
	}
	logger.Info("Shut down gracefully")
}

// newLogger builds the production logger. The returned level can be raised
// or lowered once the configuration is loaded.
func newLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, zap.AtomicLevel{}, err
		}
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, zcfg.Level, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, once bool) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clk := clock.NewRealClock()

	// Persistence
	var db *store.DB
	if cfg.Store.Path != "" {
		db, err = store.Open(cfg.Store.Path, logger)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	// Portal client, optionally behind the response cache
	wsCfg := watersmart.Config{
		URL:        cfg.WaterSmart.URL,
		Email:      cfg.WaterSmart.Email,
		Password:   cfg.WaterSmart.Password,
		Timeout:    cfg.WaterSmart.Timeout,
		MaxRetries: cfg.WaterSmart.MaxRetries,
	}
	var cache *httpcache.Transport
	if cfg.Cache.Enabled {
		var storage httpcache.Storage = httpcache.NewMemoryStorage()
		if db != nil {
			storage = db
		}
		cache = httpcache.NewTransport(http.DefaultTransport, storage, cfg.Cache.ExpireAfter, clk, logger)
		wsCfg.Transport = cache
	}
	client, err := watersmart.NewClient(wsCfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	// Aggregate, seeded from the database
	aggregator := usage.NewAggregator(loc, clk)
	if db != nil {
		var since time.Time
		if cfg.Poll.Retention > 0 {
			since = clk.Now().Add(-cfg.Poll.Retention)
		}
		readings, err := db.LoadReadings(ctx, since)
		if err != nil {
			return err
		}
		aggregator.Merge(readings)
		logger.Info("Loaded stored readings", zap.Int("count", len(readings)))
	}

	opts := poller.Options{
		Source:     client,
		Aggregator: aggregator,
		Interval:   cfg.Poll.Interval,
		MaxBackoff: cfg.Poll.MaxBackoff,
		Retention:  cfg.Poll.Retention,
		Clock:      clk,
	}
	if db != nil {
		opts.Store = db
	}
	if cache != nil {
		opts.Purger = cache
	}

	// Home Assistant state mirror
	var stateManager *state.Manager
	if cfg.HomeAssistant.Enabled() {
		haClient := ha.NewClient(ha.Config{
			URL:   cfg.HomeAssistant.URL,
			Token: cfg.HomeAssistant.Token,
		}, logger)
		if err := haClient.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to Home Assistant: %w", err)
		}
		defer haClient.Disconnect()

		stateManager = state.NewManager(haClient, logger, cfg.HomeAssistant.ReadOnly)
		if err := stateManager.SyncFromHA(ctx); err != nil {
			return fmt.Errorf("failed to sync state from Home Assistant: %w", err)
		}
		haClient.OnReconnect(func() {
			if err := stateManager.SyncFromHA(ctx); err != nil {
				logger.Warn("Failed to resync state after reconnect", zap.Error(err))
			}
		})
		if cfg.HomeAssistant.ReadOnly {
			logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
		}
		opts.Sinks = append(opts.Sinks, state.NewSink(stateManager, logger))
	}

	// MQTT discovery
	if cfg.MQTT.Enabled() {
		sinkCfg := mqtt.SinkConfig{
			DiscoveryPrefix:    cfg.MQTT.DiscoveryPrefix,
			TopicPrefix:        cfg.MQTT.TopicPrefix,
			MaxReadingEntities: cfg.MQTT.MaxReadingEntities,
		}
		if sinkCfg.TopicPrefix == "" {
			sinkCfg.TopicPrefix = mqtt.DefaultTopicPrefix
		}
		broker, err := mqtt.Connect(mqtt.Options{
			BrokerURL:   cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			WillTopic:   sinkCfg.AvailabilityTopic(),
			WillPayload: "offline",
		}, logger)
		if err != nil {
			return err
		}
		defer broker.Close()
		opts.Sinks = append(opts.Sinks, mqtt.NewSink(broker, sinkCfg, logger))
	}

	p, err := poller.New(opts, logger)
	if err != nil {
		return err
	}

	if once {
		if err := p.PollOnce(ctx); err != nil {
			return err
		}
		return printSummary(aggregator.Summary())
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(aggregator, p, stateManager, logger, cfg.API.Port)
		if err := server.Start(); err != nil {
			return err
		}
	}

	if err := p.Start(ctx); err != nil {
		return err
	}

	logger.Info("Application running. Press Ctrl+C to exit.")
	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	p.Stop()
	if server != nil {
		if err := server.Stop(); err != nil {
			logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}
	return nil
}

func printSummary(summary usage.Summary) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
