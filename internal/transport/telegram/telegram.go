// Package telegram is the Telegram bot transport used for push
// notifications and operator alerts.
//
// Outbound messages are sent with SendText. When Listen is set the bot also
// long-polls for /start and /chatid so users can learn the chat id to
// register as a push target.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "recurd/internal/runtime/supervisor"
	logx "recurd/pkg/logx"
)

type Config struct {
	Token        string
	PollTimeout  time.Duration
	Listen       bool
	AlertChatIDs []int64
}

type Bot struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop. It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	settings := tele.Settings{Token: cfg.Token}
	if cfg.Listen {
		settings.Poller = &tele.LongPoller{Timeout: timeout}
	} else {
		// Send-only: skip the getMe round trip at construction.
		settings.Offline = true
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Bot{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	if cfg.Listen {
		t.registerHandlers()
	}
	return t, nil
}

func (t *Bot) registerHandlers() {
	reply := func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return nil
		}
		return c.Send(fmt.Sprintf("Your chat id is <code>%d</code>.\nRegister it as a push target to receive recurring task summaries.", chat.ID),
			&tele.SendOptions{ParseMode: tele.ModeHTML})
	}
	t.bot.Handle("/start", reply)
	t.bot.Handle("/chatid", reply)
}

// Supervisor returns the bot's internal supervisor (nil if not started).
func (t *Bot) Supervisor() *rtsup.Supervisor {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.sup
}

// Start runs the poll loop when Listen is set. It is a no-op otherwise.
func (t *Bot) Start(ctx context.Context) error {
	if !t.cfg.Listen {
		return nil
	}
	t.runMu.Lock()
	if t.running {
		t.runMu.Unlock()
		return nil
	}
	t.running = true
	t.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(t.log),
		// transport errors should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := t.sup
	t.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		t.bot.Stop()
	})

	// Telebot's Start() can exit unexpectedly; restart it until cancelled.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		t.log.Info("polling started")
		t.bot.Start()
		t.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (t *Bot) Stop(ctx context.Context) error {
	t.runMu.Lock()
	sup := t.sup
	t.sup = nil
	wasRunning := t.running
	t.running = false
	t.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			t.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		t.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// SendText sends text as HTML, split into chunks Telegram accepts.
func (t *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	chunks := splitText(text, textLimit)
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tele.ChatID(chatID), chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Alert forwards a log line to every configured alert chat.
func (t *Bot) Alert(ctx context.Context, text string) error {
	var errs []error
	for _, id := range t.cfg.AlertChatIDs {
		if err := t.SendText(ctx, id, "<pre>"+escapeHTML(text)+"</pre>"); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

const textLimit = 4000

// splitText splits long messages, preferring newline boundaries and
// avoiding cuts inside HTML tags.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }
