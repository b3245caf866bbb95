// Package telegram bridges Telegram chats to conversation threads.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/gateway"
	"github.com/user/hexe/internal/runtime"
	"github.com/user/hexe/internal/state"
	"github.com/user/hexe/internal/types"
)

const maxTelegramMessage = 4096

// Sender delivers messages to Telegram.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Threads resolves and resets the conversation of a user.
type Threads interface {
	Get(ctx context.Context, user types.UserID) (*runtime.Thread, error)
	Evict(ctx context.Context, user types.UserID) error
}

// Inbound accepts user messages for processing.
type Inbound interface {
	HandleInbound(ctx context.Context, user types.UserID, text, origin string, opts ...gateway.RunOption) (*gateway.Run, error)
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	sender   Sender
	inbound  Inbound
	threads  Threads
	profiles *state.ProfileStore
	logger   *slog.Logger
}

// New creates a Telegram adapter. profiles may be nil, which disables the
// /timezone command.
func New(token string, inbound Inbound, threads Threads, profiles *state.ProfileStore, logger *slog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, inbound, threads, profiles, logger)
	a.bot = bot
	return a, nil
}

func newAdapter(sender Sender, inbound Inbound, threads Threads, profiles *state.ProfileStore, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		sender:   sender,
		inbound:  inbound,
		threads:  threads,
		profiles: profiles,
		logger:   logger.With("component", "telegram"),
	}
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" || update.Message.From == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	user := userID(msg.From.ID)

	t, err := a.threads.Get(ctx, user)
	if err != nil {
		a.logger.Error("get thread", "user_id", string(user), "error", err)
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
		return
	}
	stream, err := t.Stream()
	if err != nil {
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
		return
	}

	run, err := a.inbound.HandleInbound(ctx, user, msg.Text, "telegram")
	if err != nil {
		stream.Close()
		a.logger.Error("handle inbound", "user_id", string(user), "error", err)
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
		return
	}

	go func() {
		defer stream.Close()
		events, err := stream.Turn(ctx, types.MessageID(run.ID))
		if err != nil {
			a.logger.Warn("turn not followed to the end", "user_id", string(user), "error", err)
		}
		if reply := event.Reply(events); reply != "" {
			a.sendResponse(chatID, reply)
		}
	}()
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	user := userID(msg.From.ID)

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! I'm Hexe, your assistant. Send me a message to get started.")

	case "timezone":
		if a.profiles == nil {
			a.sendResponse(chatID, "Timezones are not configurable here.")
			return
		}
		tz := strings.TrimSpace(msg.CommandArguments())
		if tz == "" {
			a.sendResponse(chatID, "Usage: /timezone Area/City")
			return
		}
		if _, err := a.profiles.SetTimezone(ctx, user, tz); err != nil {
			a.sendResponse(chatID, fmt.Sprintf("Unknown timezone %q.", tz))
			return
		}
		// The thread reads the timezone when it is created. Eviction waits
		// for a running turn, so it must not hold up the update loop.
		go func() {
			if err := a.threads.Evict(ctx, user); err != nil {
				a.logger.Warn("evict thread", "user_id", string(user), "error", err)
			}
			a.sendResponse(chatID, "Timezone set to "+tz+".")
		}()

	case "status":
		t, err := a.threads.Get(ctx, user)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("User: %s\nState: %s\nTimezone: %s", user, t.State(), t.Location()))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /timezone, /status")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.sender.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.sender.Send(msg); err != nil {
				a.logger.Error("send message", "chat_id", chatID, "error", err)
			}
		}
	}
}

// SendTo delivers text to a telegram user outside of a conversation turn.
// In private chats the chat id equals the user id.
func (a *Adapter) SendTo(user types.UserID, text string) error {
	raw, ok := strings.CutPrefix(string(user), "telegram:")
	if !ok {
		return fmt.Errorf("not a telegram user: %s", user)
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram user %s: %w", user, err)
	}
	a.sendResponse(chatID, text)
	return nil
}

// splitMessage cuts text into Telegram-sized parts without breaking UTF-8
// sequences.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end >= len(text) {
			end = len(text)
		} else {
			for end > 0 && !utf8.RuneStart(text[end]) {
				end--
			}
			if end == 0 {
				end = maxTelegramMessage
			}
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func userID(telegramID int64) types.UserID {
	return types.NewUserID("telegram", strconv.FormatInt(telegramID, 10))
}
