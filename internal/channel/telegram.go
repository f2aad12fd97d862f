package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

const (
	telegramAPIBase     = "https://api.telegram.org"
	telegramPollSeconds = 50
	deliverAttempts     = 3
	deliverBackoff      = 500 * time.Millisecond
)

// telegramTokenRe matches the bot token shape the Bot API hands out.
var telegramTokenRe = regexp.MustCompile(`^\d{6,12}:[A-Za-z0-9_-]{30,}$`)

// Telegram delivers prompts to a Telegram chat and long-polls for replies.
// Button presses come back as callback queries; free-text answers arrive as
// messages replying to the delivered prompt.
type Telegram struct {
	token  string
	chatID string
	api    string
	client *http.Client
	logger *zap.Logger

	mu        sync.Mutex
	pending   map[string]*telegramPending
	byMessage map[int64]string
	closed    bool

	replies chan InboundReply
	cancel  context.CancelFunc
	done    chan struct{}
	offset  int64
}

type telegramPending struct {
	promptID  string
	messageID int64
}

// NewTelegram builds the transport from its config section. Required keys:
// bot_token and chat_id. api_url overrides the Bot API base for tests.
func NewTelegram(cfg map[string]string, logger *zap.Logger) (*Telegram, error) {
	token := strings.TrimSpace(cfg["bot_token"])
	if !telegramTokenRe.MatchString(token) {
		return nil, fmt.Errorf("channel: telegram bot_token has invalid format")
	}
	chatID := strings.TrimSpace(cfg["chat_id"])
	if chatID == "" {
		return nil, fmt.Errorf("channel: telegram chat_id is required")
	}
	api := strings.TrimRight(cfg["api_url"], "/")
	if api == "" {
		api = telegramAPIBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		token:     token,
		chatID:    chatID,
		api:       api,
		client:    &http.Client{Timeout: (telegramPollSeconds + 10) * time.Second},
		logger:    logger,
		pending:   map[string]*telegramPending{},
		byMessage: map[int64]string{},
		replies:   make(chan InboundReply, 64),
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.pollLoop(pollCtx)
	return nil
}

func (t *Telegram) Close() error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.replies)
	}
	return nil
}

func (t *Telegram) Replies() <-chan InboundReply { return t.replies }

// VerifyToken calls getMe and reports whether the configured token is live.
func (t *Telegram) VerifyToken(ctx context.Context) (bool, string) {
	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := t.call(ctx, "getMe", nil, &out); err != nil {
		return false, fmt.Sprintf("could not connect: %v", err)
	}
	if !out.OK {
		return false, out.Description
	}
	return true, "bot: @" + out.Result.Username
}

func (t *Telegram) Deliver(ctx context.Context, d Delivery, allowlist []string) (string, error) {
	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       formatPrompt(d),
		"parse_mode": "HTML",
	}
	if kb := buildKeyboard(d); kb != nil {
		payload["reply_markup"] = map[string]any{"inline_keyboard": kb}
	}

	var out struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := t.callWithRetry(ctx, "sendMessage", payload, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if !out.OK {
		return "", fmt.Errorf("%w: sendMessage rejected", ErrDeliveryFailed)
	}

	t.mu.Lock()
	t.pending[d.Nonce] = &telegramPending{
		promptID:  d.PromptID,
		messageID: out.Result.MessageID,
	}
	t.byMessage[out.Result.MessageID] = d.Nonce
	t.mu.Unlock()

	return strconv.FormatInt(out.Result.MessageID, 10), nil
}

func (t *Telegram) Notify(ctx context.Context, sessionID, message string) error {
	payload := map[string]any{
		"chat_id": t.chatID,
		"text":    message,
	}
	var out struct {
		OK bool `json:"ok"`
	}
	return t.callWithRetry(ctx, "sendMessage", payload, &out)
}

func (t *Telegram) pollLoop(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("telegram poll failed", zap.Error(err))
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.handleUpdate(ctx, u)
		}
	}
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Callback *struct {
		ID   string `json:"id"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Data string `json:"data"`
	} `json:"callback_query"`
	Message *struct {
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Text    string `json:"text"`
		ReplyTo *struct {
			MessageID int64 `json:"message_id"`
		} `json:"reply_to_message"`
	} `json:"message"`
}

func (t *Telegram) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	payload := map[string]any{
		"timeout":         telegramPollSeconds,
		"offset":          t.offset,
		"allowed_updates": []string{"message", "callback_query"},
	}
	var out struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := t.call(ctx, "getUpdates", payload, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("getUpdates rejected")
	}
	return out.Result, nil
}

func (t *Telegram) handleUpdate(ctx context.Context, u telegramUpdate) {
	switch {
	case u.Callback != nil:
		nonce, value, ok := parseCallbackData(u.Callback.Data)
		if !ok {
			return
		}
		identity := strconv.FormatInt(u.Callback.From.ID, 10)
		t.emitReply(nonce, identity, value)
		t.answerCallback(ctx, u.Callback.ID)
	case u.Message != nil && u.Message.ReplyTo != nil:
		t.mu.Lock()
		nonce, ok := t.byMessage[u.Message.ReplyTo.MessageID]
		t.mu.Unlock()
		if !ok {
			return
		}
		identity := strconv.FormatInt(u.Message.From.ID, 10)
		t.emitReply(nonce, identity, u.Message.Text)
	}
}

// emitReply forwards a captured answer to the router with the sender's
// identity attached. Allowlist verification happens in the router, where
// every denial also lands in the audit log.
func (t *Telegram) emitReply(nonce, identity, value string) {
	t.mu.Lock()
	p, ok := t.pending[nonce]
	var promptID string
	if ok {
		promptID = p.promptID
	}
	closed := t.closed
	t.mu.Unlock()
	if !ok || closed {
		return
	}
	t.replies <- InboundReply{
		PromptID: promptID,
		Nonce:    nonce,
		Identity: identity,
		Value:    value,
		Channel:  t.Name(),
	}
}

func (t *Telegram) answerCallback(ctx context.Context, callbackID string) {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := t.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": callbackID}, &out); err != nil {
		t.logger.Debug("answer callback failed", zap.Error(err))
	}
}

func (t *Telegram) callWithRetry(ctx context.Context, method string, payload, out any) error {
	var lastErr error
	for attempt := 0; attempt < deliverAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(deliverBackoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = t.call(ctx, method, payload, out); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (t *Telegram) call(ctx context.Context, method string, payload, out any) error {
	endpoint, err := url.JoinPath(t.api, "bot"+t.token, method)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	body := []byte("{}")
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal %s: %w", method, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// parseCallbackData splits "cb|<nonce>|<value>". The nonce identifies the
// prompt; callback data stays under Telegram's 64-byte limit.
func parseCallbackData(data string) (nonce, value string, ok bool) {
	parts := strings.SplitN(data, "|", 3)
	if len(parts) != 3 || parts[0] != "cb" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func typeLabel(pt model.PromptType) string {
	switch pt {
	case model.PromptYesNo:
		return "Yes / No"
	case model.PromptConfirmEnter:
		return "Press Enter"
	case model.PromptMultipleChoice:
		return "Choose an option"
	case model.PromptFreeText:
		return "Free Text"
	default:
		return "Input Needed"
	}
}

func formatPrompt(d Delivery) string {
	var b strings.Builder
	session := d.SessionID
	if len(session) > 8 {
		session = session[:8]
	}
	fmt.Fprintf(&b, "<b>%s</b>  <code>%s</code>\n", typeLabel(d.Type), html.EscapeString(session))
	if d.Question != "" {
		b.WriteString(html.EscapeString(d.Question))
		b.WriteString("\n")
	}
	for i, opt := range d.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, html.EscapeString(opt))
	}
	if d.Excerpt != "" {
		fmt.Fprintf(&b, "<pre>%s</pre>", html.EscapeString(d.Excerpt))
	}
	if d.Type == model.PromptFreeText {
		b.WriteString("\nReply to this message with your answer.")
	}
	return b.String()
}

func buildKeyboard(d Delivery) [][]map[string]string {
	cb := func(value string) string {
		return "cb|" + d.Nonce + "|" + value
	}
	switch d.Type {
	case model.PromptYesNo:
		return [][]map[string]string{{
			{"text": "Yes", "callback_data": cb("y")},
			{"text": "No", "callback_data": cb("n")},
		}}
	case model.PromptConfirmEnter:
		return [][]map[string]string{{
			{"text": "Press Enter", "callback_data": cb("")},
		}}
	case model.PromptMultipleChoice:
		var rows [][]map[string]string
		for i, opt := range d.Options {
			label := fmt.Sprintf("%d. %s", i+1, opt)
			if len(label) > 32 {
				label = label[:32]
			}
			rows = append(rows, []map[string]string{
				{"text": label, "callback_data": cb(strconv.Itoa(i + 1))},
			})
		}
		return rows
	default:
		return nil
	}
}
