package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/avalkov/meshbridge/pkg/meshbridge/ai"
	"github.com/avalkov/meshbridge/pkg/meshbridge/bot"
	"github.com/avalkov/meshbridge/pkg/meshbridge/config"
	"github.com/avalkov/meshbridge/pkg/meshbridge/email"
	"github.com/avalkov/meshbridge/pkg/meshbridge/session"
	"github.com/avalkov/meshbridge/pkg/meshbridge/transport"
	"github.com/avalkov/meshbridge/pkg/meshbridge/weather"
)

// newServeCmd creates the `meshbridge serve` command that runs the
// bridge daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		Long: `Connect to the MQTT uplink and serve mesh users until interrupted.

Examples:
  meshbridge serve
  meshbridge serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gemini, err := ai.NewGemini(ctx, cfg.AI.APIKey, cfg.AI.Model, logger)
	if err != nil {
		return fmt.Errorf("ai backend: %w", err)
	}
	wx := weather.New(logger)
	sessions := session.NewStore(cfg.Session.Timeout(), logger)

	var (
		store   *email.Store
		mailer  bot.Mailer
		monitor *email.Monitor
	)
	if cfg.Email.Enabled {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("data dir: %w", err)
		}
		store, err = email.OpenStore(filepath.Join(cfg.DataDir, "emails.db"), logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if known, err := store.KnownSenders(); err == nil {
			logger.Info("known senders loaded", "count", len(known))
		}

		mailer = email.NewSender(email.SMTPConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.Address,
			Password: cfg.Email.Password,
			From:     cfg.Email.Address,
		}, store, logger)

		imapHost, imapPort, err := splitIMAPAddr(cfg.Email.IMAPAddr)
		if err != nil {
			return err
		}
		monitor = email.NewMonitor(email.IMAPConfig{
			Host:     imapHost,
			Port:     imapPort,
			Username: cfg.Email.Address,
			Password: cfg.Email.Password,
		}, store, logger)
	}

	b := bot.New(ctx, bot.Options{
		ChunkBytes:          cfg.Mesh.ChunkBytes,
		ChunkDelay:          cfg.Mesh.ChunkDelay(),
		WeatherWait:         cfg.Session.WeatherWait(),
		DefaultChannelIndex: cfg.Mesh.DefaultChannelIndex,
	}, nil, gemini, wx, mailer, store, sessions, logger)

	mqttClient, err := transport.Connect(cfg.MQTT, logger, b.HandleMessage)
	if err != nil {
		return err
	}
	defer mqttClient.Close()
	b.SetPublisher(mqttClient)

	if cfg.Email.Enabled {
		relay := bot.NewRelay(b, monitor, store, cfg.Email.PollInterval(), logger)
		if err := relay.Start(); err != nil {
			return err
		}
		defer relay.Stop()
	}

	logger.Info("meshbridge running",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
		"filter", cfg.MQTT.RootFilter,
		"email", cfg.Email.Enabled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	cancel()
	return nil
}

func newLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose || cfg.Level == "debug" {
		level = slog.LevelDebug
	} else if cfg.Level == "warn" {
		level = slog.LevelWarn
	} else if cfg.Level == "error" {
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func splitIMAPAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("imap address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("imap port %q: %w", portStr, err)
	}
	return host, port, nil
}
