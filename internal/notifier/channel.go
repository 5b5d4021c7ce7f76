package notifier

import (
	"context"

	"recurd/internal/storage"
)

// Limiter is satisfied by *rate.Limiter.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Delivery is what a channel receives: the created batch plus the users
// whose preferences allow this channel.
type Delivery struct {
	Created
	Users []string
}

// Channel delivers one Delivery. It returns how many messages went out;
// a non-nil error with sent > 0 means partial delivery.
type Channel interface {
	Name() string
	// Wants reports whether the channel reaches a user with preference p.
	Wants(p storage.NotificationPreference) bool
	Deliver(ctx context.Context, d Delivery, lim Limiter) (sent int, err error)
}

func isTrue(b *bool) bool   { return b != nil && *b }
func notFalse(b *bool) bool { return b == nil || *b }

func waitFor(ctx context.Context, lim Limiter) error {
	if lim == nil {
		return ctx.Err()
	}
	return lim.Wait(ctx)
}
