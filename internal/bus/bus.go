// Package bus provides the in-process message queues connecting channel
// adapters to the agent loop. Inbound messages flow from channels to the
// loop; outbound and progress messages flow back. All queues are
// buffered Go channels — the runtime is single-process by design.
package bus

import (
	"context"
	"fmt"
)

// InboundMessage is a message arriving from a channel adapter.
type InboundMessage struct {
	Channel  string         `json:"channel"`
	SenderID string         `json:"sender_id"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Media    []string       `json:"media,omitempty"` // local file paths
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionKey identifies the conversation this message belongs to.
func (m InboundMessage) SessionKey() string {
	return fmt.Sprintf("%s:%s", m.Channel, m.ChatID)
}

// OutboundMessage is a response headed back to a channel adapter.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProgressMessage is an advisory status update streamed while a turn is
// in flight. Channels may ignore it.
type ProgressMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Status  string `json:"status"`
}

// Bus carries messages between channel adapters and the agent loop.
type Bus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	progress chan ProgressMessage
}

// New creates a bus with bounded queues.
func New() *Bus {
	return &Bus{
		inbound:  make(chan InboundMessage, 100),
		outbound: make(chan OutboundMessage, 100),
		progress: make(chan ProgressMessage, 100),
	}
}

// PublishInbound enqueues a message for the agent loop. Blocks when the
// queue is full, providing backpressure to channel adapters.
func (b *Bus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *Bus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a response for channel delivery. Blocks when
// the queue is full until a dispatcher drains it or ctx is done.
func (b *Bus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOutbound blocks until a response is available or ctx is done.
func (b *Bus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// PublishProgress enqueues a progress update. Progress is best-effort:
// if the queue is full the update is dropped rather than stalling a turn.
func (b *Bus) PublishProgress(msg ProgressMessage) {
	select {
	case b.progress <- msg:
	default:
	}
}

// ConsumeProgress blocks until a progress update is available or ctx is done.
func (b *Bus) ConsumeProgress(ctx context.Context) (ProgressMessage, bool) {
	select {
	case msg := <-b.progress:
		return msg, true
	case <-ctx.Done():
		return ProgressMessage{}, false
	}
}
