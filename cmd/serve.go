package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"buddy/internal/agent"
	"buddy/internal/gate"
	"buddy/internal/gateway"
	"buddy/internal/ingest"
	"buddy/internal/logger"
	"buddy/internal/offline"
	"buddy/internal/speech"
)

var (
	serveAPIAddr   string
	serveDebugFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker",
	Long: `Start the broker: the websocket endpoint for live clients, the REST API and,
when enabled, the ZeroMQ listener for background-triggered events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, path, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if serveAPIAddr != "" {
			config.Server.API.Address = serveAPIAddr
		}
		if serveDebugFlag {
			config.Logging.Level = logger.LOG_DEBUG
		}

		setupLogging(config)
		log := logger.GetLogger("serve")

		log.Info().
			Str("config_file", path).
			Str("api_address", config.Server.API.Address).
			Str("queue_backend", config.Queue.Backend).
			Bool("zmq_enabled", config.Server.ZMQ.Enabled).
			Bool("speech_enabled", config.Speech.Enabled).
			Str("log_level", config.Logging.Level).
			Msg("Starting broker")

		store, err := openQueueStore(config)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open offline queue")
			return err
		}

		var provider speech.Provider
		if config.Speech.Enabled {
			provider = speech.NewHTTPProvider(config.Speech.Endpoint, config.Speech.Voice, config.GetSpeechTimeout())
		}

		broker := gateway.NewBroker(gateway.BrokerOptions{
			Runtime:      agent.Echo{},
			Store:        store,
			Speech:       provider,
			DefaultAgent: config.Agent.Default,
			GateOptions: []gate.Option{
				gate.WithConfirmationTimeout(config.GetConfirmationTimeout()),
				gate.WithFormTimeout(config.GetFormTimeout()),
				gate.WithResolvedCacheSize(config.Gates.ResolvedCacheSize),
			},
		})

		apiServer := gateway.NewAPIServer(broker, config)

		var listener *ingest.Listener
		if config.Server.ZMQ.Enabled {
			listener = ingest.NewListener(config.Server.ZMQ.Address, broker)
			if err := listener.Start(); err != nil {
				broker.Close()
				return fmt.Errorf("failed to start trigger listener: %w", err)
			}
		}

		errChan := make(chan error, 1)
		go func() {
			if err := apiServer.Start(config.Server.API.Address); err != nil {
				errChan <- fmt.Errorf("API server error: %w", err)
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received shutdown signal")
		case runErr = <-errChan:
			log.Error().Err(runErr).Msg("Service error")
		}

		log.Info().Msg("Shutting down broker")

		if listener != nil {
			if err := listener.Stop(); err != nil {
				log.Error().Err(err).Msg("Error stopping trigger listener")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
		}

		if err := broker.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing broker")
		}

		log.Info().Msg("Broker stopped")
		return runErr
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAPIAddr, "addr", "", "API listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveDebugFlag, "debug", false, "enable debug logging")
}

// loadConfiguration loads the config file when present, defaults otherwise
func loadConfiguration() (*gateway.Config, string, error) {
	path := configPath
	if path == "" {
		path = defaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, path, fmt.Errorf("failed to check config file: %w", err)
		}
		if configPath != "" {
			return nil, path, fmt.Errorf("config file not found: %s", path)
		}
		return gateway.NewDefaultConfig(), path + " (not found, using defaults)", nil
	}

	config, err := gateway.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	return config, path, nil
}

// setupLogging configures the logger based on configuration
func setupLogging(config *gateway.Config) {
	logger.SetSilentMode(false)
	logger.SetFormat(config.Logging.Format)
	logger.SetLevel(config.Logging.Level)
}

func openQueueStore(config *gateway.Config) (offline.Store, error) {
	if config.Queue.Backend == "sqlite" {
		store, err := offline.NewSQLiteStore(config.Queue.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite queue: %w", err)
		}
		return store, nil
	}
	return offline.NewMemoryStore(), nil
}
