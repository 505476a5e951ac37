// Package transport connects the bridge to the Meshtastic MQTT
// broker: one wildcard subscription in, downlink publishes out.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/avalkov/meshbridge/pkg/meshbridge/config"
	"github.com/avalkov/meshbridge/pkg/meshbridge/mesh"
)

// Handler receives every message that arrives on the subscription.
// Calls are serialized by the client; handlers must not block.
type Handler func(topic string, payload []byte)

// MQTT wraps the broker connection. Reconnects and resubscribes
// automatically.
type MQTT struct {
	client        mqtt.Client
	logger        *slog.Logger
	rootFilter    string
	downlinkTopic string
}

// Connect dials the broker and subscribes to the configured root
// filter. onMessage runs for every inbound publish.
func Connect(cfg config.MQTTConfig, logger *slog.Logger, onMessage Handler) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")

	t := &MQTT{
		logger:        logger,
		rootFilter:    cfg.RootFilter,
		downlinkTopic: mesh.DownlinkTopic(cfg.Region, cfg.Version),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", "error", err)
	})
	// Subscribing in OnConnect restores the subscription after a
	// reconnect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("connected to broker", "host", cfg.Host, "filter", t.rootFilter)
		token := c.Subscribe(t.rootFilter, 0, func(_ mqtt.Client, msg mqtt.Message) {
			onMessage(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Error("subscribe failed", "filter", t.rootFilter, "error", err)
		}
	})

	t.client = mqtt.NewClient(opts)
	token := t.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("connect to %s:%d: timeout", cfg.Host, cfg.Port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return t, nil
}

// PublishDownlink serializes a downlink command and publishes it to
// the gateway's JSON downlink topic.
func (t *MQTT) PublishDownlink(gateway string, dl *mesh.Downlink) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode downlink: %w", err)
	}
	topic := t.downlinkTopic + gateway
	token := t.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	t.logger.Debug("downlink published", "topic", topic, "type", dl.Type, "to", dl.To)
	return nil
}

// Close disconnects from the broker, allowing in-flight work to
// finish.
func (t *MQTT) Close() {
	t.client.Disconnect(1000)
}
