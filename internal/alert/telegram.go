package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramQueueSize      = 64
)

// sender is the part of *tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends alerts to one or more Telegram chats from a background
// goroutine. Alerts arriving while the queue is full are dropped and
// logged. Repeats of the same capability and message within Cooldown are
// suppressed.
type Telegram struct {
	bot      sender
	chatIDs  []int64
	cooldown time.Duration
	logger   *slog.Logger

	queue chan Alert

	mu       sync.Mutex
	lastSent map[string]time.Time

	backoff func(attempt int) time.Duration
}

type TelegramConfig struct {
	Token    string
	ChatIDs  []int64
	Cooldown time.Duration
	Logger   *slog.Logger
}

// NewTelegram connects to the Bot API (one getMe call).
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram alerts: bot token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, fmt.Errorf("telegram alerts: at least one chat id is required")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram alerts: connect: %w", err)
	}
	return newTelegram(bot, cfg), nil
}

func newTelegram(bot sender, cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Telegram{
		bot:      bot,
		chatIDs:  cfg.ChatIDs,
		cooldown: cfg.Cooldown,
		logger:   cfg.Logger,
		queue:    make(chan Alert, telegramQueueSize),
		lastSent: make(map[string]time.Time),
		backoff:  func(attempt int) time.Duration { return time.Duration(attempt+1) * time.Second },
	}
}

// Notify enqueues a without blocking.
func (t *Telegram) Notify(_ context.Context, a Alert) {
	if t.suppressed(a) {
		return
	}
	select {
	case t.queue <- a:
	default:
		t.logger.Warn("telegram alert queue full, dropping alert", "capability", a.Capability)
	}
}

func (t *Telegram) suppressed(a Alert) bool {
	key := a.Capability + "\x00" + a.Message
	now := a.Time
	if now.IsZero() {
		now = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.cooldown {
		return true
	}
	t.lastSent[key] = now
	return false
}

// Run delivers queued alerts until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context) {
	t.logger.Info("telegram alerts started", "chats", len(t.chatIDs))
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram alerts stopping")
			return
		case a := <-t.queue:
			text := format(a)
			for _, id := range t.chatIDs {
				t.send(ctx, id, text)
			}
		}
	}
}

func format(a Alert) string {
	ts := a.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "toolgate internal error\n")
	fmt.Fprintf(&b, "capability: %s\n", a.Capability)
	if a.RequestID != "" {
		fmt.Fprintf(&b, "request: %s\n", a.RequestID)
	}
	fmt.Fprintf(&b, "time: %s\n", ts.UTC().Format(time.RFC3339))
	if a.Cause != "" {
		fmt.Fprintf(&b, "cause: %s\n", a.Cause)
	}
	return truncate(b.String(), telegramMaxMsgLen)
}

// truncate cuts text to at most limit runes, marking the cut with an
// ellipsis. Telegram counts message length in characters, not bytes.
func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	n := 0
	for i := range text {
		if n == limit-1 {
			return text[:i] + "…"
		}
		n++
	}
	return text
}

// send delivers one plain-text message with retry and rate limit handling.
func (t *Telegram) send(ctx context.Context, chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return
		}

		wait := t.backoff(attempt)
		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			wait *= 3
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
		} else if attempt < maxRetries {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait)
		}

		if attempt == maxRetries {
			t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
