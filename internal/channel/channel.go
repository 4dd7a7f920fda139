// Package channel implements the chat surface adapters: Telegram
// long-polling, the local playground web UI, and MQTT. Each adapter
// turns protocol-specific traffic into bus.InboundMessage values and
// delivers bus.OutboundMessage replies back to the user.
package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kestrelhq/kestrel/internal/bus"
)

// Channel is a chat surface the agent can talk through.
type Channel interface {
	// Name returns the channel identifier used in session keys and
	// outbound routing (e.g. "telegram").
	Name() string

	// Start runs the channel until ctx is cancelled. It blocks.
	Start(ctx context.Context) error

	// Send delivers a finished reply to the user.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// ProgressSender is implemented by channels that can surface in-flight
// status updates (typing indicators, draft edits). Optional.
type ProgressSender interface {
	SendProgress(ctx context.Context, msg bus.ProgressMessage) error
}

// Manager starts the enabled channels and routes outbound and progress
// traffic from the bus to the channel that owns each conversation.
type Manager struct {
	channels map[string]Channel
	bus      *bus.Bus
	logger   *slog.Logger
}

// NewManager creates a manager over the given channels.
func NewManager(b *bus.Bus, channels []Channel, logger *slog.Logger) *Manager {
	m := &Manager{
		channels: make(map[string]Channel, len(channels)),
		bus:      b,
		logger:   logger,
	}
	for _, ch := range channels {
		m.channels[ch.Name()] = ch
	}
	return m
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Run starts every channel plus the outbound and progress dispatch
// loops, and blocks until ctx is cancelled and everything has stopped.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("channel stopped", "channel", name, "error", err)
			}
		}(name, ch)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.dispatchOutbound(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.dispatchProgress(ctx)
	}()

	wg.Wait()
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		ch, found := m.channels[msg.Channel]
		if !found {
			m.logger.Warn("outbound message for unknown channel", "channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			m.logger.Error("send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}

func (m *Manager) dispatchProgress(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeProgress(ctx)
		if !ok {
			return
		}
		ch, found := m.channels[msg.Channel]
		if !found {
			continue
		}
		ps, supported := ch.(ProgressSender)
		if !supported {
			continue
		}
		if err := ps.SendProgress(ctx, msg); err != nil {
			m.logger.Debug("progress send failed", "channel", msg.Channel, "error", err)
		}
	}
}
