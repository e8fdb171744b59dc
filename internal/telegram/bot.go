// Package telegram forwards activity to a Telegram chat and accepts a small
// set of operator commands from allowed users.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/clawreform/internal/config"
	"github.com/mtzanidakis/clawreform/internal/natsbus"
	"github.com/mtzanidakis/clawreform/internal/router"
	"github.com/mtzanidakis/clawreform/internal/store"
	"github.com/mtzanidakis/clawreform/internal/swarm"
)

const maxMessageLen = 4096

type Bot struct {
	bot      *telego.Bot
	handler  *th.BotHandler
	coord    *swarm.Coordinator
	router   *router.Router
	cfg      config.TelegramConfig
	minLevel atomic.Value // store.Level
	sub      *nats.Subscription
	cancel   context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, coord *swarm.Coordinator) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b := &Bot{
		bot:    bot,
		coord:  coord,
		router: router.New(coord),
		cfg:    cfg,
	}
	b.SetMinLevel(cfg.MinLevel)
	return b, nil
}

// SetMinLevel changes the lowest activity level forwarded to the chat.
func (b *Bot) SetMinLevel(level string) {
	b.minLevel.Store(parseLevel(level))
}

func parseLevel(s string) store.Level {
	switch l := store.Level(strings.ToLower(strings.TrimSpace(s))); l {
	case store.LevelInfo, store.LevelWarn, store.LevelError:
		return l
	}
	return store.LevelError
}

// Attach forwards activity events published on the bus.
func (b *Bot) Attach(client *natsbus.Client) error {
	sub, err := client.Subscribe(natsbus.TopicEventsActivity, func(msg *nats.Msg) {
		var ev store.ActivityEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("invalid activity event", "error", err)
			return
		}
		b.Notify(context.Background(), ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe activity: %w", err)
	}
	b.sub = sub
	return nil
}

// Notify sends ev to the configured chat when it is at or above the
// minimum level.
func (b *Bot) Notify(ctx context.Context, ev store.ActivityEvent) {
	if b.cfg.ChatID == 0 || !b.shouldForward(ev.Level) {
		return
	}
	if err := b.SendMessage(ctx, b.cfg.ChatID, formatEvent(ev)); err != nil {
		slog.Error("failed to send telegram message", "chat", b.cfg.ChatID, "error", err)
	}
}

func (b *Bot) shouldForward(level store.Level) bool {
	min, _ := b.minLevel.Load().(store.Level)
	return level.Rank() >= min.Rank()
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()
	slog.Info("telegram bot started", "chat", b.cfg.ChatID, "min_level", b.minLevel.Load())

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if len(b.cfg.AllowFrom) > 0 && !slices.Contains(b.cfg.AllowFrom, userID) {
		slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
		return
	}

	var reply string
	if cmd, args, ok := parseCommand(msg.Text); ok {
		reply = runCommand(ctx, b.coord, cmd, args)
	} else {
		reply = relayIdea(ctx, b.coord, b.router, msg.Text)
	}
	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", chatID, "error", err)
	}
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(chatID), chunk)
		if _, err := b.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
