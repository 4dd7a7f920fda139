package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/config"
)

// MQTT bridges the agent onto an MQTT broker, which makes it easy to
// wire into home automation. Messages published to <prefix>/in/<chat>
// become conversation turns; replies appear on <prefix>/out/<chat>.
type MQTT struct {
	cfg    config.MQTTConfig
	bus    *bus.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTT creates the MQTT channel but does not connect.
func NewMQTT(cfg config.MQTTConfig, b *bus.Bus, logger *slog.Logger) *MQTT {
	return &MQTT{cfg: cfg, bus: b, logger: logger}
}

func (m *MQTT) Name() string { return "mqtt" }

// Start connects to the broker and consumes inbound topics until ctx
// is cancelled. Reconnects are handled by autopaho; the inbound
// subscription is re-established on every connection.
func (m *MQTT) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := m.cfg.TopicPrefix + "/availability"
	inTopic := m.cfg.TopicPrefix + "/in/+"

	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = "kestrel"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: inTopic, QoS: 1},
				},
			}); err != nil {
				m.logger.Warn("mqtt subscribe failed", "topic", inTopic, "error", err)
			}
			m.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.handleInbound(ctx, pr.Packet)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	m.publishAvailability(stopCtx, cm, "offline")
	_ = cm.Disconnect(stopCtx)
	return ctx.Err()
}

// Send publishes the reply to <prefix>/out/<chat>.
func (m *MQTT) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if m.cm == nil {
		return fmt.Errorf("mqtt channel not started")
	}
	topic := m.cfg.TopicPrefix + "/out/" + msg.ChatID
	_, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: []byte(msg.Content),
	})
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) handleInbound(ctx context.Context, pkt *paho.Publish) {
	chatID, ok := chatFromTopic(m.cfg.TopicPrefix, pkt.Topic)
	if !ok {
		m.logger.Debug("mqtt message on unexpected topic", "topic", pkt.Topic)
		return
	}
	content := strings.TrimSpace(string(pkt.Payload))
	if content == "" {
		return
	}
	inbound := bus.InboundMessage{
		Channel:  "mqtt",
		SenderID: chatID,
		ChatID:   chatID,
		Content:  content,
	}
	if err := m.bus.PublishInbound(ctx, inbound); err != nil {
		m.logger.Error("mqtt inbound publish failed", "error", err)
	}
}

func (m *MQTT) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	topic := m.cfg.TopicPrefix + "/availability"
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Retain:  true,
		Payload: []byte(state),
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed", "error", err)
	}
}

// chatFromTopic extracts the chat id from <prefix>/in/<chat>. Chat ids
// with slashes are rejected rather than silently merged.
func chatFromTopic(prefix, topic string) (string, bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/in/")
	if !found || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
