package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
)

const telegramTextLimit = 4096

type telegramBot interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// Telegram delivers to Telegram chats; the destination token is the chat id.
// It doubles as the operator alert sink for logx.
type Telegram struct {
	bot         telegramBot
	alertChatID int64
	threadID    int
}

func NewTelegram(token string, alertChatID int64, threadID int) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, alertChatID: alertChatID, threadID: threadID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, token string, msg Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(token), 10, 64)
	if err != nil {
		return notify.Permanent(fmt.Errorf("telegram chat id %q: %w", token, err))
	}
	text := msg.Body
	if msg.Title != "" {
		text = msg.Title + "\n" + msg.Body
	}
	return t.send(ctx, chatID, 0, text, !msg.High())
}

// SendAlert implements logx.AlertSender.
func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	if t.alertChatID == 0 {
		return nil
	}
	return t.send(ctx, t.alertChatID, t.threadID, text, false)
}

func (t *Telegram) send(ctx context.Context, chatID int64, threadID int, text string, silent bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(text) > telegramTextLimit {
		text = text[:telegramTextLimit-3] + "..."
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ThreadID:            threadID,
		DisableNotification: silent,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tele.ErrBlockedByUser), errors.Is(err, tele.ErrChatNotFound), errors.Is(err, tele.ErrUserIsDeactivated):
		return notify.Permanent(fmt.Errorf("%w: %w", ErrUnregistered, err))
	}
	return err
}
