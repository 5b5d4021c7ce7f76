package trigger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"recurd/internal/eventbus"
	logx "recurd/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config controls the trigger service.
type Config struct {
	// Timezone is the IANA zone process-level schedules are evaluated in.
	// Empty means UTC.
	Timezone string
}

// Job is the callback a schedule fires.
type Job func(ctx context.Context) error

type def struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	lastErr atomic.Value
}

// ScheduleInfo is a diagnostic view of one registered schedule.
type ScheduleInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
	Running bool      `json:"running"`
	Runs    uint64    `json:"runs"`
	Skips   uint64    `json:"skips"`
	LastErr string    `json:"last_err,omitempty"`
}

// Event is published on the bus when a schedule fires or is skipped.
type Event struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Service fires registered jobs on cron or interval schedules. A schedule
// whose previous run is still going is skipped, not queued.
type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	bus  eventbus.Bus
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	defs []*def

	// cmu guards the run context apart from mu: cron.Stop waits for fire,
	// which must not need mu.
	cmu     sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "trigger")), bus: bus}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && changed {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.cmu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.cmu.Unlock()
	s.startLocked()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
	)
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("trigger restarted", logx.String("tz", s.loc.String()))
}

// Stop halts firing, cancels running jobs and waits for them, bounded by ctx.
// Registered schedules are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.Stop()
	s.cmu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("trigger stopped")
	case <-ctx.Done():
		s.log.Warn("trigger stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// AddSchedule registers job under name with any ParseSchedule form.
// Registering a name again replaces the earlier schedule.
func (s *Service) AddSchedule(name, spec string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, timeout, job)
	}
	return s.AddCron(name, ps.Cron, timeout, job)
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron %q: %w", spec, err)
	}
	return s.add(name, spec, timeout, job)
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(name, fmt.Sprintf("@every %s", every), timeout, job)
}

// AddDaily fires job every day at HH:MM in the service timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job Job) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	d := &def{name: name, spec: spec, timeout: timeout, job: job}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Time("next", s.c.Entry(d.entryID).Next))
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) registerLocked(d *def) error {
	job := cron.FuncJob(func() { s.fire(d) })
	if strings.HasPrefix(d.spec, "@every ") {
		every, err := time.ParseDuration(strings.TrimPrefix(d.spec, "@every "))
		if err == nil && every > 0 {
			sched, phase := everyWithPhase(every, time.Now().In(s.loc), d.name)
			d.entryID = s.c.Schedule(sched, job)
			s.log.Debug("interval phased", logx.String("name", d.name), logx.Duration("first_delay", every+phase))
			return nil
		}
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// Fire runs the named schedule now, outside its cadence. It returns false
// when the name is unknown or its previous run is still going.
func (s *Service) Fire(name string) bool {
	s.mu.Lock()
	var d *def
	for _, x := range s.defs {
		if x.name == name {
			d = x
			break
		}
	}
	started := s.c != nil
	s.mu.Unlock()
	if d == nil || !started {
		return false
	}
	return s.fire(d)
}

func (s *Service) fire(d *def) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.skips.Add(1)
		s.log.Debug("schedule skipped: still running", logx.String("name", d.name))
		s.publish("trigger.skipped", Event{Name: d.name})
		return false
	}
	s.cmu.Lock()
	base := s.baseCtx
	if base == nil || base.Err() != nil {
		s.cmu.Unlock()
		d.running.Store(false)
		return false
	}
	s.wg.Add(1)
	s.cmu.Unlock()
	go func() {
		defer s.wg.Done()
		defer d.running.Store(false)
		s.run(base, d)
	}()
	return true
}

func (s *Service) run(base context.Context, d *def) {
	ctx := base
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, d.timeout)
		defer cancel()
	}
	start := time.Now()
	d.runs.Add(1)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("schedule panicked", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return d.job(ctx)
	}()
	dur := time.Since(start)

	ev := Event{Name: d.name, Duration: dur}
	if err != nil {
		d.lastErr.Store(err.Error())
		ev.Error = err.Error()
		s.log.Warn("schedule failed", logx.String("name", d.name), logx.Duration("dur", dur), logx.Err(err))
		s.publish("trigger.failed", ev)
		return
	}
	d.lastErr.Store("")
	s.log.Debug("schedule finished", logx.String("name", d.name), logx.Duration("dur", dur))
	s.publish("trigger.fired", ev)
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

// Schedules lists the registered schedules with their next and previous
// fire times (zero while stopped).
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skips:   d.skips.Load(),
		}
		if v, ok := d.lastErr.Load().(string); ok {
			it.LastErr = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	return out
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	if l.log.Enabled(logx.LevelDebug) {
		l.log.Debug("cron: "+msg, logx.Any("kv", kv))
	}
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
