package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"

	"recurd/internal/storage"
)

// TextSender is the push transport; *telegram.Bot implements it.
type TextSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// PushTargetStore resolves user ids to registered chats.
type PushTargetStore interface {
	FetchPushTargets(ctx context.Context, userIDs []string) ([]storage.PushTarget, error)
}

// Push sends one summary per registered chat of each recipient.
type Push struct {
	store  PushTargetStore
	sender TextSender
}

func NewPush(store PushTargetStore, sender TextSender) *Push {
	return &Push{store: store, sender: sender}
}

func (c *Push) Name() string { return ChannelPush }

func (c *Push) Wants(p storage.NotificationPreference) bool { return notFalse(p.Push) }

func (c *Push) Deliver(ctx context.Context, d Delivery, lim Limiter) (int, error) {
	if c.sender == nil {
		return 0, errors.New("no push transport configured")
	}
	targets, err := c.store.FetchPushTargets(ctx, d.Users)
	if err != nil {
		return 0, fmt.Errorf("fetch push targets: %w", err)
	}
	text := PushText(d.TemplateName, len(d.Tasks))

	sent := 0
	var errs []error
	for _, tg := range targets {
		if err := waitFor(ctx, lim); err != nil {
			return sent, errors.Join(append(errs, err)...)
		}
		if err := c.sender.SendText(ctx, tg.ChatID, text); err != nil {
			errs = append(errs, fmt.Errorf("user %s chat %d: %w", tg.UserID, tg.ChatID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

const PushTitle = "New Recurring Tasks"

// PushBody is the summary line under the title.
func PushBody(templateName string, n int) string {
	return fmt.Sprintf("%d tasks created from %s", n, templateName)
}

// PushText renders title and body as Telegram HTML.
func PushText(templateName string, n int) string {
	return "<b>" + PushTitle + "</b>\n" + html.EscapeString(PushBody(templateName, n))
}
