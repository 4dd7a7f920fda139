package tools

import (
	"context"
	"fmt"

	"github.com/kestrelhq/kestrel/internal/bus"
)

// RegisterMessageTool adds the message tool, which sends an immediate
// message to the current conversation's channel before the turn
// finishes. Useful for progress notes during long multi-tool turns.
func RegisterMessageTool(r *Registry, b *bus.Bus) {
	r.Register(&Tool{
		Name:        "message",
		Description: "Send a message to the user immediately, before the current turn completes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "Message text to send.",
				},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, call Call, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			if text == "" {
				return "", fmt.Errorf("text is required")
			}
			if call.Channel == "" || call.ChatID == "" {
				return "", fmt.Errorf("no conversation to send to")
			}
			if err := b.PublishOutbound(ctx, bus.OutboundMessage{
				Channel: call.Channel,
				ChatID:  call.ChatID,
				Content: text,
			}); err != nil {
				return "", fmt.Errorf("send message: %w", err)
			}
			return "Message sent.", nil
		},
	})
}
