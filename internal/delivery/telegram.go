package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"
	"unicode/utf8"

	"clawbridge/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram posts each chat message to a Telegram chat where the agent (or a
// human standing in for it) answers by replying to that message.
type Telegram struct {
	token     string
	endpoint  string
	client    tgbotapi.HTTPClient
	chatID    int64
	allowFrom []int64 // empty = anyone in the chat
	text      *template.Template
	keep      time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	bot      *tgbotapi.BotAPI
	resolver domain.Resolver
	sent     map[int]sentMessage // telegram message id -> request
}

type sentMessage struct {
	requestID string
	at        time.Time
}

type TelegramConfig struct {
	Token     string
	ChatID    int64
	AllowFrom []string // user ids
	Template  string   // DefaultTelegramText if empty
	Timeout   time.Duration
	Endpoint  string // bot API endpoint format, tgbotapi.APIEndpoint if empty
	Client    tgbotapi.HTTPClient
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.Template == "" {
		cfg.Template = DefaultTelegramText
	}
	text, err := parseTemplate("telegram", cfg.Template)
	if err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		endpoint:  cfg.Endpoint,
		client:    cfg.Client,
		chatID:    cfg.ChatID,
		allowFrom: allowed,
		text:      text,
		keep:      2 * cfg.Timeout,
		logger:    cfg.Logger,
		sent:      make(map[int]sentMessage),
	}, nil
}

func (t *Telegram) Name() string { return KindTelegram }

// Attach sets where threaded replies are forwarded.
func (t *Telegram) Attach(r domain.Resolver) {
	t.mu.Lock()
	t.resolver = r
	t.mu.Unlock()
}

// Connect authenticates the bot. Ready fails until it succeeds.
func (t *Telegram) Connect() error {
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "chat_id", t.chatID)
	return nil
}

// Start connects if needed and polls for replies until ctx ends.
func (t *Telegram) Start(ctx context.Context) error {
	if t.currentBot() == nil {
		if err := t.Connect(); err != nil {
			return err
		}
	}
	bot := t.currentBot()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}
	updates := bot.GetUpdatesChan(u)

	prune := time.NewTicker(t.keep / 2)
	defer prune.Stop()

	t.logger.Info("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram delivery stopping")
			bot.StopReceivingUpdates()
			return nil
		case now := <-prune.C:
			t.prune(now)
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) Ready() error {
	if t.currentBot() == nil {
		return fmt.Errorf("telegram: bot not connected: %w", domain.ErrNotConnected)
	}
	return nil
}

// Deliver posts msg to the chat and remembers which request it belongs to.
func (t *Telegram) Deliver(ctx context.Context, msg domain.QueuedMessage) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	bot := t.currentBot()
	if bot == nil {
		return fmt.Errorf("telegram: bot not connected: %w", domain.ErrNotConnected)
	}
	text, err := render(t.text, newInstructionData(msg, ""))
	if err != nil {
		return err
	}
	text = truncateRunes(text, telegramMaxMsgLen)

	out := tgbotapi.NewMessage(t.chatID, text)
	sent, err := bot.Send(out)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}

	now := time.Now()
	t.mu.Lock()
	t.sent[sent.MessageID] = sentMessage{requestID: msg.RequestID, at: now}
	t.mu.Unlock()
	t.prune(now)

	t.logger.Info("message posted to telegram", "request_id", msg.RequestID, "message_id", sent.MessageID)
	return nil
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	i := max
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.Chat == nil || m.From == nil || m.Chat.ID != t.chatID {
		return
	}
	if m.ReplyToMessage == nil {
		t.logger.Debug("ignoring telegram message that is not a reply", "message_id", m.MessageID)
		return
	}
	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("reply from telegram user not in allow list", "user_id", m.From.ID, "username", m.From.UserName)
		return
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	t.mu.Lock()
	entry, ok := t.sent[m.ReplyToMessage.MessageID]
	resolver := t.resolver
	t.mu.Unlock()
	if !ok {
		t.notify(m.MessageID, "That message is not waiting for an answer.")
		return
	}
	if resolver == nil {
		t.logger.Error("telegram reply received before a resolver was attached", "request_id", entry.requestID)
		return
	}

	err := resolver.Respond(domain.Reply{RequestID: entry.requestID, Content: text})
	t.mu.Lock()
	delete(t.sent, m.ReplyToMessage.MessageID)
	t.mu.Unlock()

	switch {
	case err == nil:
		t.logger.Info("telegram reply forwarded", "request_id", entry.requestID, "user_id", m.From.ID)
	case errors.Is(err, domain.ErrRequestNotFound):
		t.notify(m.MessageID, "Too late, that question already got a placeholder answer.")
	default:
		t.logger.Error("forward telegram reply", "request_id", entry.requestID, "err", err)
	}
}

// prune forgets posted messages older than twice the relay timeout.
func (t *Telegram) prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.sent {
		if now.Sub(s.at) > t.keep {
			delete(t.sent, id)
		}
	}
}

func (t *Telegram) tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *Telegram) notify(replyTo int, text string) {
	bot := t.currentBot()
	if bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := bot.Send(msg); err != nil {
		t.logger.Warn("telegram notice failed", "err", err)
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) currentBot() *tgbotapi.BotAPI {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bot
}
