// Package bot is the routing core of the bridge: it turns decoded
// mesh packets into command handling, tracks per-user conversation
// state, and paces replies back out through the gateway.
package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avalkov/meshbridge/pkg/meshbridge/chunker"
	"github.com/avalkov/meshbridge/pkg/meshbridge/email"
	"github.com/avalkov/meshbridge/pkg/meshbridge/mesh"
	"github.com/avalkov/meshbridge/pkg/meshbridge/session"
	"github.com/avalkov/meshbridge/pkg/meshbridge/weather"
)

// Publisher delivers downlink commands to a gateway.
type Publisher interface {
	PublishDownlink(gateway string, dl *mesh.Downlink) error
}

// AI produces conversational replies with per-user context.
type AI interface {
	GenerateReply(ctx context.Context, userID, prompt string) (string, error)
}

// WeatherService resolves locations and fetches forecasts.
type WeatherService interface {
	ResolveLocation(ctx context.Context, query string) (weather.Location, bool)
	ReverseLabel(ctx context.Context, lat, lon float64) string
	FetchForecast(ctx context.Context, lat, lon float64) (*weather.Forecast, error)
}

// Mailer sends mesh-originated email and returns its short id.
type Mailer interface {
	Send(ctx context.Context, meshID int64, recipient, subject, body, replyToID string) (string, error)
}

// Options carries the tunables the Bot needs from configuration.
type Options struct {
	ChunkBytes          int
	ChunkDelay          time.Duration
	WeatherWait         time.Duration
	DefaultChannelIndex int
}

// Bot routes inbound packets to handlers and owns all per-user state.
// HandleMessage is called from the MQTT client callback, which
// serializes calls; slow work (forecast fetches, AI calls, chunk
// pacing) must not assume any other ordering.
type Bot struct {
	opts     Options
	pub      Publisher
	ai       AI
	weather  WeatherService
	mailer   Mailer       // nil when email is disabled
	store    *email.Store // nil when email is disabled
	sessions *session.Store
	chunker  *chunker.Chunker
	logger   *slog.Logger
	ctx      context.Context

	mu          sync.Mutex
	gatewayChan map[string]int

	// afterFunc schedules the GPS fallback; replaceable in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New wires a Bot from its collaborators. mailer and store may be nil
// when the email relay is disabled.
func New(ctx context.Context, opts Options, pub Publisher, aiClient AI, wx WeatherService, mailer Mailer, store *email.Store, sessions *session.Store, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = chunker.DefaultMaxBytes
	}
	if opts.WeatherWait <= 0 {
		opts.WeatherWait = 20 * time.Second
	}
	return &Bot{
		opts:        opts,
		pub:         pub,
		ai:          aiClient,
		weather:     wx,
		mailer:      mailer,
		store:       store,
		sessions:    sessions,
		chunker:     chunker.New(opts.ChunkBytes),
		logger:      logger.With("component", "bot"),
		ctx:         ctx,
		gatewayChan: make(map[string]int),
		afterFunc:   time.AfterFunc,
	}
}

// SetPublisher installs the downlink publisher. The MQTT client
// needs the message handler at connect time, so the publisher is
// wired right after the connection is up.
func (b *Bot) SetPublisher(pub Publisher) {
	b.mu.Lock()
	b.pub = pub
	b.mu.Unlock()
}

func (b *Bot) publisher() Publisher {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pub
}

// HandleMessage is the transport entry point: decode and route one
// raw MQTT message. Undecodable payloads are dropped silently.
func (b *Bot) HandleMessage(topic string, payload []byte) {
	pkt := mesh.Decode(payload, topic)
	if pkt == nil {
		return
	}

	if pkt.HasChannel && pkt.Gateway != "" {
		b.learnChannel(pkt.Gateway, pkt.Channel)
	}

	// A position can ride on any packet. If its sender is waiting
	// for weather it resolves the request immediately.
	if pkt.Position != nil {
		b.handlePositionUpdate(pkt)
	}

	if pkt.Text == "" {
		return
	}
	b.dispatch(pkt)
}

// emailEnabled reports whether the email commands are live.
func (b *Bot) emailEnabled() bool {
	return b.mailer != nil && b.store != nil
}

// markKnown records the sender as a known DM user.
func (b *Bot) markKnown(userID string) {
	if b.store == nil {
		return
	}
	if err := b.store.MarkKnownSender(userID); err != nil {
		b.logger.Warn("known sender not recorded", "user", userID, "error", err)
	}
}
