package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/config"
	"github.com/dcclite-server/dcclite-broker/internal/integration"
	"github.com/dcclite-server/dcclite-broker/internal/server"
	"github.com/dcclite-server/dcclite-broker/internal/storage"
)

func main() {
	// Command line flags
	var configFile string
	var showConfig bool
	flag.StringVar(&configFile, "config", "config/dcclite-broker.yml", "Configuration file path")
	flag.BoolVar(&showConfig, "show-config", false, "Print configuration and exit")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg.ConfigureLogger(os.Stderr)

	if showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if cfg.NATS.URL == "" {
		log.Fatal().Msg("NATS is required by the event forwarder")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientID+"-event-forwarder"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().
				Err(err).
				Str("subject", sub.Subject).
				Msg("NATS error")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()
	log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")

	var wg sync.WaitGroup

	// Event log writer needs the database
	var store integration.EventStore
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.DSN, storage.PoolOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
		store = pg
		log.Info().Msg("Connected to database")

		subscriber := server.NewNATSSubscriber(nc, pg, cfg.NATS.SubjectPrefix)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := subscriber.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("NATS subscriber stopped")
			}
		}()
	} else {
		log.Info().Msg("Database not configured, event logs disabled")
	}

	if cfg.MQTT.Broker != "" || cfg.Webhook.URL != "" {
		forwarder := integration.NewForwarderService(nc, store, cfg.NATS.SubjectPrefix, cfg.MQTT, cfg.Webhook)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := forwarder.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Integration forwarder stopped")
			}
		}()
	} else {
		log.Info().Msg("No MQTT broker or webhook configured, forwarding disabled")
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()
	wg.Wait()

	log.Info().Msg("Event forwarder stopped")
}
