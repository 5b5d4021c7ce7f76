package notifier

import (
	"time"

	"recurd/internal/storage"
)

const (
	ChannelInApp = "inapp"
	ChannelEmail = "email"
	ChannelPush  = "push"
)

// Config controls the fanout. The channel toggles are global switches on
// top of per-user preferences.
type Config struct {
	InApp      bool
	Email      bool
	Push       bool
	RatePerSec int
	Burst      int
}

// Created describes one materialization that produced tasks.
type Created struct {
	TemplateName string
	ProjectID    string
	ScheduleID   string
	Tasks        []storage.TaskRef
	AssigneeIDs  []string
	ReporterID   string
}

// Recipients returns the unique union of assignees and reporter, in first
// seen order.
func (c Created) Recipients() []string {
	seen := make(map[string]struct{}, len(c.AssigneeIDs)+1)
	out := make([]string, 0, len(c.AssigneeIDs)+1)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range c.AssigneeIDs {
		add(id)
	}
	add(c.ReporterID)
	return out
}

type Status int

const (
	StatusSkipped Status = iota
	StatusSent
	StatusPartial
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSkipped:
		return "skipped"
	case StatusSent:
		return "sent"
	case StatusPartial:
		return "partial"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one channel for one NotifyCreated call.
type Outcome struct {
	Channel    string
	Status     Status
	Recipients int
	Sent       int
	Err        error
}

// Report holds one Outcome per configured channel, in channel order.
type Report struct {
	Outcomes []Outcome
}

// Outcome returns the outcome for the named channel.
func (r Report) Outcome(channel string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Channel == channel {
			return o, true
		}
	}
	return Outcome{}, false
}

// Failed reports whether any channel failed outright or partially.
func (r Report) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed || o.Status == StatusPartial {
			return true
		}
	}
	return false
}

type HistoryItem struct {
	At       time.Time
	Channel  string
	Template string
	Status   string
}

// NotificationEvent is published on the event bus after each channel run.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	Template string    `json:"template"`
	Sent     int       `json:"sent"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
