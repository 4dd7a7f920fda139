package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// botAPIStub records Bot API calls and lets tests script the response
// per method.
type botAPIStub struct {
	mu       sync.Mutex
	calls    []botAPICall
	respond  func(method string, params map[string]any) (ok bool, result any)
	received chan string // method names, for ordering assertions
}

type botAPICall struct {
	Method string
	Params map[string]any
}

func newBotAPIStub() *botAPIStub {
	return &botAPIStub{received: make(chan string, 16)}
}

func (s *botAPIStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.TrimPrefix(r.URL.Path, "/")
		var params map[string]any
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			// sendPhoto uploads a form; record fields and the photo
			// payload under the same params map.
			_ = r.ParseMultipartForm(1 << 20)
			params = map[string]any{}
			for k, v := range r.MultipartForm.Value {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
			if files := r.MultipartForm.File["photo"]; len(files) > 0 {
				f, err := files[0].Open()
				if err == nil {
					data, _ := io.ReadAll(f)
					f.Close()
					params["photo"] = string(data)
				}
			}
		} else if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&params)
		}

		s.mu.Lock()
		s.calls = append(s.calls, botAPICall{Method: method, Params: params})
		respond := s.respond
		s.mu.Unlock()

		select {
		case s.received <- method:
		default:
		}

		ok, result := true, any(map[string]any{})
		if respond != nil {
			ok, result = respond(method, params)
		}
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "scripted failure"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	})
}

func (s *botAPIStub) callsFor(method string) []botAPICall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []botAPICall
	for _, c := range s.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestTelegram(t *testing.T, cfg config.TelegramConfig, b *bus.Bus) (*Telegram, *botAPIStub) {
	t.Helper()
	stub := newBotAPIStub()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	tg := NewTelegram(cfg, b, t.TempDir(), testLogger())
	tg.apiBase = srv.URL
	tg.fileBase = srv.URL + "/file"
	return tg, stub
}

func consumeInbound(t *testing.T, b *bus.Bus) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	return b.ConsumeInbound(ctx)
}

func TestTelegramHandleMessage_PublishesInbound(t *testing.T) {
	b := bus.New()
	tg, _ := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, b)

	tg.handleMessage(context.Background(), &tgMessage{
		Chat: tgChat{ID: 42},
		From: &tgUser{ID: 7, Username: "ann"},
		Text: "hello there",
	})

	msg, ok := consumeInbound(t, b)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" {
		t.Errorf("routing fields wrong: %+v", msg)
	}
	if msg.SenderID != "7|ann" {
		t.Errorf("sender id = %q, want 7|ann", msg.SenderID)
	}
	if msg.Content != "hello there" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestTelegramHandleMessage_UnlistedChatIgnored(t *testing.T) {
	b := bus.New()
	tg, _ := newTestTelegram(t, config.TelegramConfig{Token: "tok", AllowedChatIDs: []int64{1}}, b)

	tg.handleMessage(context.Background(), &tgMessage{
		Chat: tgChat{ID: 99},
		Text: "should be dropped",
	})

	if _, ok := consumeInbound(t, b); ok {
		t.Fatal("message from unlisted chat was published")
	}
}

func TestTelegramModelCommand(t *testing.T) {
	b := bus.New()
	tg, stub := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, b)

	tg.handleMessage(context.Background(), &tgMessage{
		Chat: tgChat{ID: 42},
		Text: "/model claude-sonnet-4",
	})

	msg, ok := consumeInbound(t, b)
	if !ok {
		t.Fatal("no inbound message published for /model")
	}
	if got, _ := msg.Metadata["model_switch"].(string); got != "claude-sonnet-4" {
		t.Errorf("model_switch metadata = %q", got)
	}

	sends := stub.callsFor("sendMessage")
	if len(sends) != 1 {
		t.Fatalf("expected 1 confirmation send, got %d", len(sends))
	}
	if text, _ := sends[0].Params["text"].(string); !strings.Contains(text, "claude-sonnet-4") {
		t.Errorf("confirmation text = %q", text)
	}
}

func TestTelegramStartCommand_RepliesLocally(t *testing.T) {
	b := bus.New()
	tg, stub := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, b)

	tg.handleMessage(context.Background(), &tgMessage{Chat: tgChat{ID: 5}, Text: "/start"})

	if _, ok := consumeInbound(t, b); ok {
		t.Fatal("/start should not reach the agent loop")
	}
	if len(stub.callsFor("sendMessage")) != 1 {
		t.Fatal("expected a local /start reply")
	}
}

func TestTelegramSend_FallsBackToPlainText(t *testing.T) {
	b := bus.New()
	tg, stub := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, b)
	stub.respond = func(method string, params map[string]any) (bool, any) {
		if method == "sendMessage" && params["parse_mode"] == "HTML" {
			return false, nil
		}
		return true, map[string]any{}
	}

	err := tg.Send(context.Background(), bus.OutboundMessage{
		Channel: "telegram",
		ChatID:  "42",
		Content: "**hi**",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	sends := stub.callsFor("sendMessage")
	if len(sends) != 2 {
		t.Fatalf("expected HTML attempt plus plain retry, got %d calls", len(sends))
	}
	if sends[0].Params["parse_mode"] != "HTML" {
		t.Error("first attempt should use HTML parse mode")
	}
	if _, hasMode := sends[1].Params["parse_mode"]; hasMode {
		t.Error("fallback should be plain text")
	}
}

func TestTelegramSend_Photos(t *testing.T) {
	b := bus.New()
	tg, stub := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, b)

	first := base64.StdEncoding.EncodeToString([]byte("jpeg-one"))
	second := base64.StdEncoding.EncodeToString([]byte("jpeg-two"))
	err := tg.Send(context.Background(), bus.OutboundMessage{
		Channel: "telegram",
		ChatID:  "42",
		Content: "Here you go",
		Metadata: map[string]any{
			"type": "photos",
			"photos": []any{
				map[string]any{"base64": first},
				map[string]any{"base64": second},
			},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	sends := stub.callsFor("sendPhoto")
	if len(sends) != 2 {
		t.Fatalf("sendPhoto calls = %d, want 2", len(sends))
	}
	if got, _ := sends[0].Params["photo"].(string); got != "jpeg-one" {
		t.Errorf("first photo payload = %q", got)
	}
	if got, _ := sends[0].Params["caption"].(string); got != "Here you go" {
		t.Errorf("first caption = %q, want message content", got)
	}
	if _, hasCaption := sends[1].Params["caption"]; hasCaption {
		t.Error("caption repeated on second photo")
	}
	if len(stub.callsFor("sendMessage")) != 0 {
		t.Error("photo message also sent as text")
	}
}

func TestTelegramSend_BadChatID(t *testing.T) {
	b := bus.New()
	tg, _ := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, b)

	err := tg.Send(context.Background(), bus.OutboundMessage{ChatID: "not-a-number", Content: "x"})
	if err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}

func TestChatFromTopic(t *testing.T) {
	cases := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"kestrel/in/alice", "alice", true},
		{"kestrel/in/", "", false},
		{"kestrel/out/alice", "", false},
		{"kestrel/in/a/b", "", false},
		{"other/in/alice", "", false},
	}
	for _, tc := range cases {
		got, ok := chatFromTopic("kestrel", tc.topic)
		if got != tc.want || ok != tc.ok {
			t.Errorf("chatFromTopic(kestrel, %q) = %q, %v; want %q, %v", tc.topic, got, ok, tc.want, tc.ok)
		}
	}
}
