package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/config"
)

// Playground serves a minimal local chat page over WebSocket. It is
// meant for development and as a channel that always works without any
// external credentials.
type Playground struct {
	cfg    config.PlaygroundConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*playgroundConn // chat id -> connection
}

type playgroundConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func (c *playgroundConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// playgroundFrame is the wire format both directions: the browser
// sends {type:"message"}, the server answers with message and
// progress frames.
type playgroundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Status  string `json:"status,omitempty"`
}

// NewPlayground creates the playground channel.
func NewPlayground(cfg config.PlaygroundConfig, b *bus.Bus, logger *slog.Logger) *Playground {
	return &Playground{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		conns:  make(map[string]*playgroundConn),
	}
}

func (p *Playground) Name() string { return "playground" }

// Start runs the HTTP server until ctx is cancelled.
func (p *Playground) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleIndex)
	mux.HandleFunc("/ws", p.handleWS)

	srv := &http.Server{
		Addr:              p.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	p.logger.Info("playground channel started", "listen", p.cfg.Listen)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("playground server: %w", err)
	}
}

// Send delivers a finished reply to the browser session that owns the
// chat. Messages for disconnected sessions are dropped.
func (p *Playground) Send(_ context.Context, msg bus.OutboundMessage) error {
	p.mu.Lock()
	c := p.conns[msg.ChatID]
	p.mu.Unlock()
	if c == nil {
		p.logger.Debug("playground chat disconnected, dropping reply", "chat_id", msg.ChatID)
		return nil
	}
	return c.writeJSON(playgroundFrame{Type: "message", Content: msg.Content})
}

// SendProgress pushes an in-flight status line to the browser.
func (p *Playground) SendProgress(_ context.Context, msg bus.ProgressMessage) error {
	p.mu.Lock()
	c := p.conns[msg.ChatID]
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.writeJSON(playgroundFrame{Type: "progress", Status: msg.Status})
}

var playgroundUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The server binds to loopback; cross-origin pages on the same
	// machine are the expected client.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (p *Playground) handleWS(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Token != "" && r.URL.Query().Get("token") != p.cfg.Token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := playgroundUpgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("playground upgrade failed", "error", err)
		return
	}

	chatID := uuid.NewString()[:8]
	c := &playgroundConn{conn: conn}
	p.mu.Lock()
	p.conns[chatID] = c
	p.mu.Unlock()
	p.logger.Debug("playground session opened", "chat_id", chatID)

	defer func() {
		p.mu.Lock()
		delete(p.conns, chatID)
		p.mu.Unlock()
		conn.Close()
		p.logger.Debug("playground session closed", "chat_id", chatID)
	}()

	for {
		var frame playgroundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("playground read failed", "chat_id", chatID, "error", err)
			}
			return
		}
		if frame.Type != "message" || frame.Content == "" {
			continue
		}
		inbound := bus.InboundMessage{
			Channel:  "playground",
			SenderID: chatID,
			ChatID:   chatID,
			Content:  frame.Content,
		}
		if err := p.bus.PublishInbound(r.Context(), inbound); err != nil {
			return
		}
	}
}

func (p *Playground) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, playgroundPage)
}

const playgroundPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Kestrel Playground</title>
<style>
 body { font-family: system-ui, sans-serif; max-width: 720px; margin: 2rem auto; padding: 0 1rem; background: #111; color: #ddd; }
 #log { border: 1px solid #333; border-radius: 6px; padding: 1rem; height: 60vh; overflow-y: auto; white-space: pre-wrap; }
 .me { color: #8cf; }
 .bot { color: #ddd; }
 .progress { color: #888; font-style: italic; }
 form { display: flex; gap: .5rem; margin-top: 1rem; }
 input { flex: 1; padding: .5rem; background: #222; color: #ddd; border: 1px solid #333; border-radius: 4px; }
 button { padding: .5rem 1rem; }
</style>
</head>
<body>
<h1>Kestrel Playground</h1>
<div id="log"></div>
<form id="form"><input id="input" autocomplete="off" placeholder="Say something..."><button>Send</button></form>
<script>
 const log = document.getElementById("log");
 const form = document.getElementById("form");
 const input = document.getElementById("input");
 let progressEl = null;
 function add(cls, text) {
   const el = document.createElement("div");
   el.className = cls;
   el.textContent = text;
   log.appendChild(el);
   log.scrollTop = log.scrollHeight;
   return el;
 }
 const token = new URLSearchParams(location.search).get("token") || "";
 const proto = location.protocol === "https:" ? "wss" : "ws";
 const ws = new WebSocket(proto + "://" + location.host + "/ws?token=" + encodeURIComponent(token));
 ws.onmessage = (ev) => {
   const frame = JSON.parse(ev.data);
   if (frame.type === "progress") {
     if (!progressEl) progressEl = add("progress", "");
     progressEl.textContent = frame.status;
   } else if (frame.type === "message") {
     if (progressEl) { progressEl.remove(); progressEl = null; }
     add("bot", frame.content);
   }
 };
 ws.onclose = () => add("progress", "[disconnected]");
 form.onsubmit = (ev) => {
   ev.preventDefault();
   if (!input.value) return;
   add("me", "> " + input.value);
   ws.send(JSON.stringify({type: "message", content: input.value}));
   input.value = "";
 };
</script>
</body>
</html>
`
