package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"recurd/internal/eventbus"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent map[string]string
	fail bool
}

func (f *fakeMailer) Send(ctx context.Context, to, msg string) error {
	if f.fail {
		return errors.New("smtp: connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string]string{}
	}
	f.sent[to] = msg
	return nil
}

type fakeSender struct {
	mu    sync.Mutex
	chats []int64
	texts []string
	fail  bool
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text string) error {
	if f.fail {
		return errors.New("telegram: bad gateway")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, chatID)
	f.texts = append(f.texts, text)
	return nil
}

type panicChannel struct{}

func (panicChannel) Name() string { return "panicky" }

func (panicChannel) Wants(storage.NotificationPreference) bool { return true }

func (panicChannel) Deliver(context.Context, Delivery, Limiter) (int, error) {
	panic("boom")
}

type brokenPrefs struct{}

func (brokenPrefs) FetchNotificationPreferences(context.Context, []string) ([]storage.NotificationPreference, error) {
	return nil, errors.New("relation does not exist")
}

func ptr(v bool) *bool { return &v }

func fixture() (*storage.Memory, Created) {
	m := storage.NewMemory()
	m.PutUser("alice", "Alice", "alice@example.com", "", true)
	m.PutUser("bob", "Bob", "bob@example.com", "", true)
	m.PutUser("rep", "Rita", "rita@example.com", "", true)
	m.PutPreference(storage.NotificationPreference{UserID: "alice", Email: ptr(true)})
	m.PutPreference(storage.NotificationPreference{UserID: "bob", InApp: ptr(false), Push: ptr(false)})
	m.PutPushTarget("alice", 1001)
	m.PutPushTarget("rep", 3003)

	c := Created{
		TemplateName: "Water plants",
		ProjectID:    "p1",
		ScheduleID:   "s1",
		Tasks:        []storage.TaskRef{{ID: "t-1", Name: "Water plants"}, {ID: "t-2", Name: "Water plants"}},
		AssigneeIDs:  []string{"alice", "bob", "alice"},
		ReporterID:   "rep",
	}
	return m, c
}

func allOn() Config { return Config{InApp: true, Email: true, Push: true, RatePerSec: 1000} }

func newService(m *storage.Memory, prefs PreferenceStore, mailer Mailer, sender TextSender, cfg Config) *Service {
	chans := []Channel{
		NewInApp(m),
		NewEmail(m, mailer, "noreply@example.com", ""),
		NewPush(m, sender),
	}
	return New(cfg, prefs, chans, logx.Nop(), nil)
}

func TestRecipients(t *testing.T) {
	t.Parallel()
	c := Created{AssigneeIDs: []string{"a", "", "b", "a"}, ReporterID: "b"}
	got := c.Recipients()
	if strings.Join(got, ",") != "a,b" {
		t.Fatalf("Recipients = %v, want [a b]", got)
	}
	if len((Created{}).Recipients()) != 0 {
		t.Fatal("empty Created must have no recipients")
	}
}

func TestNotifyCreatedAllChannels(t *testing.T) {
	t.Parallel()
	m, c := fixture()
	mailer := &fakeMailer{}
	sender := &fakeSender{}
	rep := newService(m, m, mailer, sender, allOn()).NotifyCreated(context.Background(), c)

	// in-app: alice and rep (no row, defaults on) x 2 tasks; bob opted out.
	inapp, _ := rep.Outcome(ChannelInApp)
	if inapp.Status != StatusSent || inapp.Sent != 4 {
		t.Fatalf("inapp outcome = %+v, want 4 sent", inapp)
	}
	notes := m.Notifications()
	if len(notes) != 4 {
		t.Fatalf("notifications = %d, want 4", len(notes))
	}
	for _, n := range notes {
		if n.UserID == "bob" {
			t.Fatal("bob disabled in-app notifications")
		}
	}
	if notes[0].Message != `New recurring task "Water plants" has been created from template "Water plants"` {
		t.Fatalf("message = %q", notes[0].Message)
	}
	var payload map[string]string
	if err := json.Unmarshal(notes[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["type"] != "recurring_task_created" || payload["project_id"] != "p1" || payload["template_name"] != "Water plants" {
		t.Fatalf("payload = %v", payload)
	}

	// email: only alice opted in.
	email, _ := rep.Outcome(ChannelEmail)
	if email.Status != StatusSent || email.Sent != 1 {
		t.Fatalf("email outcome = %+v, want 1 sent", email)
	}
	msg := mailer.sent["alice@example.com"]
	if !strings.Contains(msg, "Subject: New Recurring Tasks Created: Water plants") {
		t.Fatalf("email missing subject:\n%s", msg)
	}
	if strings.Count(msg, "<li>Water plants</li>") != 2 {
		t.Fatalf("email should list both tasks:\n%s", msg)
	}

	// push: alice and rep have chats; bob opted out.
	push, _ := rep.Outcome(ChannelPush)
	if push.Status != StatusSent || push.Sent != 2 {
		t.Fatalf("push outcome = %+v, want 2 sent", push)
	}
	if !strings.Contains(sender.texts[0], "2 tasks created from Water plants") {
		t.Fatalf("push text = %q", sender.texts[0])
	}
	if rep.Failed() {
		t.Fatal("report should not be failed")
	}
}

func TestChannelFailureIsIsolated(t *testing.T) {
	t.Parallel()
	m, c := fixture()
	rep := newService(m, m, &fakeMailer{fail: true}, &fakeSender{}, allOn()).NotifyCreated(context.Background(), c)

	email, _ := rep.Outcome(ChannelEmail)
	if email.Status != StatusFailed || email.Err == nil {
		t.Fatalf("email outcome = %+v, want failed", email)
	}
	if o, _ := rep.Outcome(ChannelInApp); o.Status != StatusSent {
		t.Fatalf("inapp outcome = %+v, want sent", o)
	}
	if o, _ := rep.Outcome(ChannelPush); o.Status != StatusSent {
		t.Fatalf("push outcome = %+v, want sent", o)
	}
	if !rep.Failed() {
		t.Fatal("report should be failed")
	}
}

func TestChannelPanicIsIsolated(t *testing.T) {
	t.Parallel()
	m, c := fixture()
	s := New(allOn(), m, []Channel{panicChannel{}, NewInApp(m)}, logx.Nop(), nil)
	rep := s.NotifyCreated(context.Background(), c)
	if o, _ := rep.Outcome("panicky"); o.Status != StatusFailed {
		t.Fatalf("panicky outcome = %+v, want failed", o)
	}
	if o, _ := rep.Outcome(ChannelInApp); o.Status != StatusSent {
		t.Fatalf("inapp outcome = %+v, want sent", o)
	}
}

func TestGlobalToggles(t *testing.T) {
	t.Parallel()
	m, c := fixture()
	sender := &fakeSender{}
	cfg := allOn()
	cfg.Push = false
	cfg.Email = false
	rep := newService(m, m, &fakeMailer{}, sender, cfg).NotifyCreated(context.Background(), c)

	for _, name := range []string{ChannelEmail, ChannelPush} {
		if o, _ := rep.Outcome(name); o.Status != StatusSkipped {
			t.Fatalf("%s outcome = %+v, want skipped", name, o)
		}
	}
	if len(sender.chats) != 0 {
		t.Fatalf("push sent while disabled: %v", sender.chats)
	}
}

func TestPreferenceFailureFailsEveryChannel(t *testing.T) {
	t.Parallel()
	m, c := fixture()
	rep := newService(m, brokenPrefs{}, &fakeMailer{}, &fakeSender{}, allOn()).NotifyCreated(context.Background(), c)
	for _, o := range rep.Outcomes {
		if o.Status != StatusFailed {
			t.Fatalf("%s outcome = %+v, want failed", o.Channel, o)
		}
	}
	if len(m.Notifications()) != 0 {
		t.Fatal("nothing should be delivered without preferences")
	}
}

func TestNothingToNotify(t *testing.T) {
	t.Parallel()
	m, c := fixture()
	c.Tasks = nil
	rep := newService(m, m, &fakeMailer{}, &fakeSender{}, allOn()).NotifyCreated(context.Background(), c)
	for _, o := range rep.Outcomes {
		if o.Status != StatusSkipped {
			t.Fatalf("%s outcome = %+v, want skipped", o.Channel, o)
		}
	}
}

func TestOutcomesPublishedAndRecorded(t *testing.T) {
	t.Parallel()
	m, c := fixture()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	chans := []Channel{NewInApp(m), NewPush(m, &fakeSender{fail: true})}
	s := New(allOn(), m, chans, logx.Nop(), bus)
	var hooked []Outcome
	s.OnOutcome(func(o Outcome) { hooked = append(hooked, o) })
	s.NotifyCreated(context.Background(), c)

	if len(hooked) != 2 {
		t.Fatalf("hooked = %d, want 2", len(hooked))
	}
	types := map[string]bool{}
	timeout := time.After(time.Second)
	for len(types) < 2 {
		select {
		case ev := <-events:
			types[ev.Type] = true
		case <-timeout:
			t.Fatalf("events = %v, want sent and failed", types)
		}
	}
	if !types["notifier.sent"] || !types["notifier.failed"] {
		t.Fatalf("events = %v", types)
	}
	if h := s.History(0); len(h) != 2 {
		t.Fatalf("history = %d, want 2", len(h))
	}
}

func TestEmailBodyEscapes(t *testing.T) {
	t.Parallel()
	body := EmailBody("<Ops>", []storage.TaskRef{{Name: "a & b"}})
	if !strings.Contains(body, "&lt;Ops&gt;") || !strings.Contains(body, "<li>a &amp; b</li>") {
		t.Fatalf("body not escaped:\n%s", body)
	}
}
