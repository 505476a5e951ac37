package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/avalkov/meshbridge/pkg/meshbridge/ai"
	"github.com/avalkov/meshbridge/pkg/meshbridge/bot"
	"github.com/avalkov/meshbridge/pkg/meshbridge/config"
	"github.com/avalkov/meshbridge/pkg/meshbridge/email"
	"github.com/avalkov/meshbridge/pkg/meshbridge/mesh"
	"github.com/avalkov/meshbridge/pkg/meshbridge/session"
	"github.com/avalkov/meshbridge/pkg/meshbridge/weather"
)

// Console identity: one fake node talking to the bot through one
// fake gateway.
const (
	consoleNode    = 0x11223344
	consoleGateway = "!deadbeef"
	consoleTopic   = "msh/EU/2/json/ch/" + consoleGateway
)

// newConsoleCmd creates the `meshbridge console` command: a local
// REPL that plays the role of a mesh user, with downlinks printed
// instead of published.
func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Local REPL against the bot, no broker needed",
		Long: `Type messages as if they were DMs from a mesh node. Replies that
would go out over the radio are printed instead. Needs the Gemini key
configured; email commands use a local database but really send mail
when the relay is enabled.

Example:
  meshbridge console
  mesh> /weather Berlin, DE`,
		RunE: runConsole,
	}
}

func runConsole(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Keep the console quiet unless asked.
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gemini, err := ai.NewGemini(ctx, cfg.AI.APIKey, cfg.AI.Model, logger)
	if err != nil {
		return fmt.Errorf("ai backend: %w", err)
	}
	wx := weather.New(logger)
	sessions := session.NewStore(cfg.Session.Timeout(), logger)

	var (
		store  *email.Store
		mailer bot.Mailer
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
		mailer = email.NewSender(email.SMTPConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.Address,
			Password: cfg.Email.Password,
			From:     cfg.Email.Address,
		}, store, logger)
	}

	b := bot.New(ctx, bot.Options{
		ChunkBytes:          cfg.Mesh.ChunkBytes,
		ChunkDelay:          cfg.Mesh.ChunkDelay(),
		WeatherWait:         cfg.Session.WeatherWait(),
		DefaultChannelIndex: cfg.Mesh.DefaultChannelIndex,
	}, &printPublisher{}, gemini, wx, mailer, store, sessions, logger)

	rl, err := readline.New("mesh> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("Acting as node " + mesh.NodeID(consoleNode) + ". Try /help, /ai, /weather, /email. /reset clears the AI context; Ctrl-D exits.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		// Local meta command, never sent through the dispatcher.
		if line == "/reset" {
			gemini.Reset(strconv.FormatUint(uint64(consoleNode), 10))
			fmt.Println("AI chat context cleared.")
			continue
		}
		b.HandleMessage(consoleTopic, consolePacket(line))
	}
}

// consolePacket shapes typed input as the JSON a gateway would
// publish for a DM to the bot.
func consolePacket(text string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"from":    consoleNode,
		"to":      1,
		"channel": 0,
		"type":    "text",
		"payload": map[string]any{"text": text},
	})
	return payload
}

// printPublisher renders downlinks to stdout instead of MQTT.
type printPublisher struct{}

func (printPublisher) PublishDownlink(gateway string, dl *mesh.Downlink) error {
	if dl.To == mesh.Broadcast {
		fmt.Printf("\n[public via %s]\n%s\n", gateway, dl.Payload)
	} else {
		fmt.Printf("\n[%s -> %s]\n%s\n", gateway, mesh.NodeID(dl.To), dl.Payload)
	}
	return nil
}
