package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// DefaultConnectTimeout bounds the initial platform handshake.
const DefaultConnectTimeout = 30 * time.Second

const inboundBuffer = 100

// BotClient is the subset of bot.Bot the adapter uses; tests inject a fake.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	Start(ctx context.Context)
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	// Token is the bot token from @BotFather.
	Token string
	// AdminIDs are Telegram user ids treated as admins everywhere.
	AdminIDs []int64
	// ConnectTimeout bounds bot creation; defaults to 30s.
	ConnectTimeout time.Duration
}

func (c *TelegramConfig) validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return nil
}

// Telegram is a long-polling Telegram adapter.
type Telegram struct {
	config   TelegramConfig
	logger   *slog.Logger
	now      func() time.Time
	messages chan *Message
	admins   map[int64]bool

	mu        sync.Mutex
	client    BotClient
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// TelegramOption configures the adapter.
type TelegramOption func(*Telegram)

// WithTelegramLogger configures the adapter logger.
func WithTelegramLogger(logger *slog.Logger) TelegramOption {
	return func(t *Telegram) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithBotClient injects a bot client, skipping the real connection.
func WithBotClient(client BotClient) TelegramOption {
	return func(t *Telegram) { t.client = client }
}

// WithTelegramNow overrides the clock for tests.
func WithTelegramNow(now func() time.Time) TelegramOption {
	return func(t *Telegram) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTelegram creates the adapter. No network activity happens until Start.
func NewTelegram(config TelegramConfig, opts ...TelegramOption) (*Telegram, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	t := &Telegram{
		config:   config,
		logger:   slog.Default().With("component", "bridge", "platform", "telegram"),
		now:      time.Now,
		messages: make(chan *Message, inboundBuffer),
		admins:   make(map[int64]bool, len(config.AdminIDs)),
	}
	for _, id := range config.AdminIDs {
		t.admins[id] = true
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start connects to Telegram and begins long polling.
func (t *Telegram) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	client := t.client
	t.mu.Unlock()

	if client == nil {
		connectCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
		defer cancel()
		b, err := bot.New(t.config.Token, bot.WithDefaultHandler(t.handleUpdate))
		if err != nil {
			return fmt.Errorf("telegram: create bot: %w", err)
		}
		if connectCtx.Err() != nil {
			return fmt.Errorf("telegram: connect: %w", connectCtx.Err())
		}
		client = b
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	t.client = client
	t.connected = true
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		client.Start(runCtx) // blocks until runCtx is cancelled
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
	}()

	t.logger.Info("telegram bridge started")
	return nil
}

// Stop disconnects and waits for the polling loop, bounded by ctx.
func (t *Telegram) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.connected = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.logger.Info("telegram bridge stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the platform link is up.
func (t *Telegram) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Messages returns the inbound stream.
func (t *Telegram) Messages() <-chan *Message { return t.messages }

// Send delivers text to a chat. Disconnected sends fail with ErrNotConnected
// so the agent loop can retry later.
func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	t.mu.Lock()
	client := t.client
	connected := t.connected
	t.mu.Unlock()

	if !connected || client == nil {
		return ErrNotConnected
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	if _, err := client.SendMessage(ctx, &bot.SendMessageParams{ChatID: id, Text: text}); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// handleUpdate converts a Telegram update into the neutral form and queues
// it, dropping (with a warning) when the consumer lags behind the buffer.
func (t *Telegram) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil || update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := t.convert(update.Message)

	select {
	case t.messages <- msg:
	case <-ctx.Done():
	default:
		t.logger.Warn("inbound buffer full, message dropped", "chat", msg.ChatID)
	}
}

func (t *Telegram) convert(m *models.Message) *Message {
	msg := &Message{
		ChatID:     strconv.FormatInt(m.Chat.ID, 10),
		Text:       m.Text,
		IsGroup:    string(m.Chat.Type) == "group" || string(m.Chat.Type) == "supergroup",
		ReceivedAt: t.now(),
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = m.From.Username
		if msg.SenderName == "" {
			msg.SenderName = m.From.FirstName
		}
		msg.IsAdmin = t.admins[m.From.ID]
	}
	return msg
}
