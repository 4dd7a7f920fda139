package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/config"
)

func dialPlayground(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPlaygroundRoundTrip(t *testing.T) {
	b := bus.New()
	p := NewPlayground(config.PlaygroundConfig{}, b, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", p.handleWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialPlayground(t, srv, "")

	if err := conn.WriteJSON(playgroundFrame{Type: "message", Content: "hi kestrel"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	inbound, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if inbound.Channel != "playground" || inbound.Content != "hi kestrel" {
		t.Errorf("inbound = %+v", inbound)
	}
	if inbound.ChatID == "" || inbound.ChatID != inbound.SenderID {
		t.Errorf("chat id should identify the session: %+v", inbound)
	}

	// Reply routes back over the same connection.
	if err := p.Send(ctx, bus.OutboundMessage{Channel: "playground", ChatID: inbound.ChatID, Content: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var frame playgroundFrame
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if frame.Type != "message" || frame.Content != "hello" {
		t.Errorf("reply frame = %+v", frame)
	}
}

func TestPlaygroundProgress(t *testing.T) {
	b := bus.New()
	p := NewPlayground(config.PlaygroundConfig{}, b, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", p.handleWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialPlayground(t, srv, "")
	if err := conn.WriteJSON(playgroundFrame{Type: "message", Content: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	inbound, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}

	if err := p.SendProgress(ctx, bus.ProgressMessage{Channel: "playground", ChatID: inbound.ChatID, Status: "Thinking..."}); err != nil {
		t.Fatalf("SendProgress: %v", err)
	}
	var frame playgroundFrame
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if frame.Type != "progress" || frame.Status != "Thinking..." {
		t.Errorf("progress frame = %+v", frame)
	}
}

func TestPlaygroundTokenRequired(t *testing.T) {
	b := bus.New()
	p := NewPlayground(config.PlaygroundConfig{Token: "secret"}, b, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", p.handleWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial with wrong token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}

	dialPlayground(t, srv, "secret")
}

func TestPlaygroundSend_DisconnectedChatDropped(t *testing.T) {
	b := bus.New()
	p := NewPlayground(config.PlaygroundConfig{}, b, testLogger())

	err := p.Send(context.Background(), bus.OutboundMessage{ChatID: "gone", Content: "x"})
	if err != nil {
		t.Fatalf("send to disconnected chat should be a no-op, got %v", err)
	}
}
