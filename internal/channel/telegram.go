package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/httpkit"
)

const (
	telegramPollTimeout  = 30 // seconds, long-poll hold time
	telegramMessageLimit = 4096
)

// Telegram is a Bot API channel using long polling. No webhook server
// is needed, which suits running the agent behind NAT.
type Telegram struct {
	cfg      config.TelegramConfig
	bus      *bus.Bus
	http     *http.Client
	apiBase  string
	fileBase string
	mediaDir string
	allowed  map[int64]bool
	logger   *slog.Logger
}

// NewTelegram creates the Telegram channel. Downloaded media lands in
// <workspace>/media so the agent can read it with its file tools.
func NewTelegram(cfg config.TelegramConfig, b *bus.Bus, workspace string, logger *slog.Logger) *Telegram {
	allowed := make(map[int64]bool, len(cfg.AllowedChatIDs))
	for _, id := range cfg.AllowedChatIDs {
		allowed[id] = true
	}
	return &Telegram{
		cfg: cfg,
		bus: b,
		// Long-poll requests hold for telegramPollTimeout seconds, so
		// the client timeout has to sit comfortably above that.
		http:     httpkit.NewClient(httpkit.WithTimeout(time.Duration(telegramPollTimeout+15) * time.Second)),
		apiBase:  "https://api.telegram.org/bot" + cfg.Token,
		fileBase: "https://api.telegram.org/file/bot" + cfg.Token,
		mediaDir: filepath.Join(workspace, "media"),
		allowed:  allowed,
		logger:   logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start validates the token, clears any webhook left by a previous
// deployment, and long-polls getUpdates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	var me tgUser
	if err := t.call(ctx, "getMe", nil, &me); err != nil {
		return fmt.Errorf("telegram auth: %w", err)
	}
	t.logger.Info("telegram channel started", "bot", me.Username)

	if err := t.call(ctx, "deleteWebhook", map[string]any{}, nil); err != nil {
		t.logger.Warn("telegram deleteWebhook failed", "error", err)
	}

	var offset int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := t.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("telegram poll failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			if upd.Message == nil {
				continue
			}
			t.handleMessage(ctx, upd.Message)
		}
	}
}

// Send renders the reply as Telegram HTML and delivers it, splitting
// at the Bot API message size limit. If Telegram rejects the HTML the
// chunk is retried as plain text. Messages carrying photo metadata go
// out as photo uploads instead of text.
func (t *Telegram) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}

	if typ, _ := msg.Metadata["type"].(string); typ == "photos" {
		return t.sendPhotos(ctx, chatID, msg)
	}

	rendered := renderTelegramHTML(msg.Content)
	for _, chunk := range splitMessage(rendered, telegramMessageLimit) {
		params := map[string]any{
			"chat_id":    chatID,
			"text":       chunk,
			"parse_mode": "HTML",
		}
		if err := t.call(ctx, "sendMessage", params, nil); err != nil {
			t.logger.Warn("telegram HTML send failed, retrying plain", "error", err)
			plain := map[string]any{"chat_id": chatID, "text": chunk}
			if err := t.call(ctx, "sendMessage", plain, nil); err != nil {
				return fmt.Errorf("telegram send: %w", err)
			}
		}
	}
	return nil
}

// sendPhotos uploads each base64-encoded photo from the message
// metadata. The text content rides along as the caption of the first
// photo; a bad entry is logged and skipped so the rest still go out.
func (t *Telegram) sendPhotos(ctx context.Context, chatID int64, msg bus.OutboundMessage) error {
	photos, _ := msg.Metadata["photos"].([]any)
	for i, entry := range photos {
		item, _ := entry.(map[string]any)
		b64, _ := item["base64"].(string)
		if b64 == "" {
			continue
		}
		image, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			t.logger.Warn("telegram photo decode failed", "index", i+1, "error", err)
			continue
		}
		caption := ""
		if i == 0 {
			caption = msg.Content
		}
		if err := t.sendPhoto(ctx, chatID, image, caption); err != nil {
			t.logger.Error("telegram photo send failed", "index", i+1, "error", err)
		}
	}
	return nil
}

// sendPhoto uploads one image via multipart form, the only Bot API
// call here that cannot go through the JSON envelope helper.
func (t *Telegram) sendPhoto(ctx context.Context, chatID int64, image []byte, caption string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	part, err := w.CreateFormFile("photo", "kestrel_image.jpg")
	if err != nil {
		return err
	}
	if _, err := part.Write(image); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/sendPhoto", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("sendPhoto: decode response: %w", err)
	}
	if !envelope.OK {
		return fmt.Errorf("sendPhoto: %s", envelope.Description)
	}
	return nil
}

// SendProgress surfaces in-flight work as a typing indicator. Telegram
// shows it for about five seconds, which pairs well with the loop's
// periodic progress updates.
func (t *Telegram) SendProgress(ctx context.Context, msg bus.ProgressMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}
	return t.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}, nil)
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64) ([]tgUpdate, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         telegramPollTimeout,
		"allowed_updates": []string{"message"},
	}
	var updates []tgUpdate
	if err := t.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgMessage) {
	if len(t.allowed) > 0 && !t.allowed[msg.Chat.ID] {
		t.logger.Debug("telegram message from unlisted chat ignored", "chat_id", msg.Chat.ID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/") {
		t.handleCommand(ctx, chatID, text)
		return
	}

	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	if msg.Caption != "" {
		parts = append(parts, msg.Caption)
	}

	var media []string
	if path, ok := t.downloadMedia(ctx, msg); ok {
		media = append(media, path)
		parts = append(parts, fmt.Sprintf("[media: %s]", path))
	}

	if len(parts) == 0 {
		return
	}

	senderID := chatID
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		if msg.From.Username != "" {
			senderID += "|" + msg.From.Username
		}
	}

	inbound := bus.InboundMessage{
		Channel:  "telegram",
		SenderID: senderID,
		ChatID:   chatID,
		Content:  strings.Join(parts, "\n"),
		Media:    media,
	}
	if err := t.bus.PublishInbound(ctx, inbound); err != nil {
		t.logger.Error("telegram inbound publish failed", "error", err)
	}
}

func (t *Telegram) handleCommand(ctx context.Context, chatID, text string) {
	cmd, args, _ := strings.Cut(text, " ")
	// Group chats address commands as /cmd@botname.
	cmd, _, _ = strings.Cut(cmd, "@")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/start":
		t.reply(ctx, chatID, "Hi, I'm Kestrel. Send me a message to start a conversation, or /help for commands.")
	case "/help":
		t.reply(ctx, chatID, "/model <id> — switch the model for this chat\n/model — show the current model\nAnything else is treated as conversation.")
	case "/model":
		inbound := bus.InboundMessage{
			Channel:  "telegram",
			SenderID: chatID,
			ChatID:   chatID,
			Content:  "[system:model_switch:" + args + "]",
			Metadata: map[string]any{"model_switch": args},
		}
		if err := t.bus.PublishInbound(ctx, inbound); err != nil {
			t.logger.Error("telegram inbound publish failed", "error", err)
			return
		}
		if args == "" {
			t.reply(ctx, chatID, "Model override cleared; using the configured default.")
		} else {
			t.reply(ctx, chatID, "Model for this chat set to "+args+".")
		}
	default:
		t.reply(ctx, chatID, "Unknown command. Try /help.")
	}
}

func (t *Telegram) reply(ctx context.Context, chatID, text string) {
	id, _ := strconv.ParseInt(chatID, 10, 64)
	if err := t.call(ctx, "sendMessage", map[string]any{"chat_id": id, "text": text}, nil); err != nil {
		t.logger.Warn("telegram reply failed", "error", err)
	}
}

// downloadMedia fetches the largest photo or the attached document to
// the workspace media directory. Returns the local path when something
// was saved.
func (t *Telegram) downloadMedia(ctx context.Context, msg *tgMessage) (string, bool) {
	var fileID, name string
	switch {
	case len(msg.Photo) > 0:
		best := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.FileSize > best.FileSize {
				best = p
			}
		}
		fileID = best.FileID
		name = shortFileID(fileID) + ".jpg"
	case msg.Document != nil:
		fileID = msg.Document.FileID
		ext := filepath.Ext(msg.Document.FileName)
		if ext == "" {
			ext = ".bin"
		}
		name = shortFileID(fileID) + ext
	default:
		return "", false
	}

	var file tgFile
	if err := t.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		t.logger.Warn("telegram getFile failed", "error", err)
		return "", false
	}

	if err := os.MkdirAll(t.mediaDir, 0o755); err != nil {
		t.logger.Warn("media dir create failed", "error", err)
		return "", false
	}
	path := filepath.Join(t.mediaDir, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.fileBase+"/"+file.FilePath, nil)
	if err != nil {
		return "", false
	}
	resp, err := t.http.Do(req)
	if err != nil {
		t.logger.Warn("telegram file download failed", "error", err)
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Warn("telegram file download failed", "status", resp.StatusCode)
		return "", false
	}

	out, err := os.Create(path)
	if err != nil {
		return "", false
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		t.logger.Warn("media write failed", "error", err)
		return "", false
	}
	return path, true
}

func (t *Telegram) call(ctx context.Context, method string, params, result any) error {
	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/"+method, body)
	if err != nil {
		return err
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: %s", method, envelope.Description)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// splitMessage breaks text into chunks of at most limit bytes,
// preferring newline boundaries so formatting tags rarely straddle a
// split.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func shortFileID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int64         `json:"message_id"`
	From      *tgUser       `json:"from"`
	Chat      tgChat        `json:"chat"`
	Text      string        `json:"text"`
	Caption   string        `json:"caption"`
	Photo     []tgPhotoSize `json:"photo"`
	Document  *tgDocument   `json:"document"`
}

type tgUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgPhotoSize struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}
