package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"recurd/internal/eventbus"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// PreferenceStore loads per-user channel preferences.
type PreferenceStore interface {
	FetchNotificationPreferences(ctx context.Context, userIDs []string) ([]storage.NotificationPreference, error)
}

// OutcomeHook observes every channel outcome; metrics use it.
type OutcomeHook func(o Outcome)

const historyCap = 300

// Service fans a Created batch out over its channels.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	prefs PreferenceStore
	bus   eventbus.Bus

	cfg      Config
	channels []Channel
	limiters map[string]*rate.Limiter
	hook     OutcomeHook

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a service over channels, which run in the given order.
func New(cfg Config, prefs PreferenceStore, channels []Channel, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log.With(logx.String("comp", "notifier")),
		prefs:    prefs,
		bus:      bus,
		channels: channels,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	s.cfg = cfg
	s.limiters = make(map[string]*rate.Limiter, len(s.channels))
	for _, ch := range s.channels {
		s.limiters[ch.Name()] = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) OnOutcome(h OutcomeHook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *Service) channelEnabled(cfg Config, name string) bool {
	switch name {
	case ChannelInApp:
		return cfg.InApp
	case ChannelEmail:
		return cfg.Email
	case ChannelPush:
		return cfg.Push
	default:
		return true
	}
}

// NotifyCreated delivers c over every channel and reports per channel.
// It never fails; problems are logged and carried in the Report.
func (s *Service) NotifyCreated(ctx context.Context, c Created) Report {
	s.mu.Lock()
	cfg := s.cfg
	channels := s.channels
	limiters := s.limiters
	hook := s.hook
	s.mu.Unlock()

	rep := Report{Outcomes: make([]Outcome, len(channels))}
	for i, ch := range channels {
		rep.Outcomes[i] = Outcome{Channel: ch.Name(), Status: StatusSkipped}
	}
	users := c.Recipients()
	if len(c.Tasks) == 0 || len(users) == 0 || len(channels) == 0 {
		return rep
	}
	log := s.log.With(logx.String("template", c.TemplateName), logx.String("project_id", c.ProjectID))

	prefs, err := s.preferences(ctx, users)
	if err != nil {
		log.Error("notification preferences unavailable", logx.Err(err))
		for i := range rep.Outcomes {
			rep.Outcomes[i].Status = StatusFailed
			rep.Outcomes[i].Err = err
		}
		s.finish(rep, c, hook)
		return rep
	}

	var wg sync.WaitGroup
	for i, ch := range channels {
		if !s.channelEnabled(cfg, ch.Name()) {
			continue
		}
		wanted := make([]string, 0, len(users))
		for _, u := range users {
			if ch.Wants(prefs[u]) {
				wanted = append(wanted, u)
			}
		}
		if len(wanted) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, ch Channel, wanted []string) {
			defer wg.Done()
			rep.Outcomes[i] = s.deliver(ctx, ch, limiters[ch.Name()], Delivery{Created: c, Users: wanted}, log)
		}(i, ch, wanted)
	}
	wg.Wait()

	s.finish(rep, c, hook)
	return rep
}

// preferences returns a preference for every user; users without a stored
// row get the zero value, which every channel interprets as its default.
func (s *Service) preferences(ctx context.Context, users []string) (map[string]storage.NotificationPreference, error) {
	out := make(map[string]storage.NotificationPreference, len(users))
	for _, u := range users {
		out[u] = storage.NotificationPreference{UserID: u}
	}
	if s.prefs == nil {
		return out, nil
	}
	rows, err := s.prefs.FetchNotificationPreferences(ctx, users)
	if err != nil {
		return nil, err
	}
	for _, p := range rows {
		if _, ok := out[p.UserID]; ok {
			out[p.UserID] = p
		}
	}
	return out, nil
}

func (s *Service) deliver(ctx context.Context, ch Channel, lim *rate.Limiter, d Delivery, log logx.Logger) (o Outcome) {
	o = Outcome{Channel: ch.Name(), Recipients: len(d.Users)}
	defer func() {
		if r := recover(); r != nil {
			o.Status = StatusFailed
			o.Err = fmt.Errorf("channel %s panic: %v", ch.Name(), r)
			log.Error("notification channel panic", logx.String("channel", ch.Name()), logx.Any("panic", r))
		}
	}()

	var l Limiter
	if lim != nil {
		l = lim
	}
	sent, err := ch.Deliver(ctx, d, l)
	o.Sent = sent
	switch {
	case err == nil:
		o.Status = StatusSent
		log.Debug("notifications sent", logx.String("channel", ch.Name()), logx.Int("sent", sent))
	case sent > 0:
		o.Status = StatusPartial
		o.Err = err
		log.Warn("notifications partially sent", logx.String("channel", ch.Name()), logx.Int("sent", sent), logx.Err(err))
	default:
		o.Status = StatusFailed
		o.Err = err
		log.Warn("notifications failed", logx.String("channel", ch.Name()), logx.Err(err))
	}
	return o
}

func (s *Service) finish(rep Report, c Created, hook OutcomeHook) {
	now := time.Now()
	for _, o := range rep.Outcomes {
		if o.Status == StatusSkipped {
			continue
		}
		s.appendHistory(HistoryItem{At: now, Channel: o.Channel, Template: c.TemplateName, Status: o.Status.String()})
		if hook != nil {
			hook(o)
		}
		if s.bus == nil {
			continue
		}
		ev := NotificationEvent{Channel: o.Channel, Template: c.TemplateName, Sent: o.Sent, At: now}
		typ := "notifier.sent"
		if o.Err != nil {
			ev.Error = o.Err.Error()
			typ = "notifier.failed"
		}
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if len(s.history) > historyCap {
		s.history = append([]HistoryItem(nil), s.history[len(s.history)-historyCap:]...)
	}
}

// History returns the most recent channel outcomes, oldest first.
func (s *Service) History(limit int) []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]HistoryItem, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}
