package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"recurd/internal/storage"
)

// InAppStore persists in-app notifications.
type InAppStore interface {
	InsertNotification(ctx context.Context, n storage.Notification) error
}

type inAppPayload struct {
	Type         string `json:"type"`
	TaskID       string `json:"task_id"`
	ProjectID    string `json:"project_id"`
	ScheduleID   string `json:"schedule_id,omitempty"`
	TaskName     string `json:"task_name"`
	TemplateName string `json:"template_name"`
}

// InApp stores one notification row per recipient and task.
type InApp struct {
	store InAppStore
}

func NewInApp(store InAppStore) *InApp { return &InApp{store: store} }

func (c *InApp) Name() string { return ChannelInApp }

func (c *InApp) Wants(p storage.NotificationPreference) bool { return notFalse(p.InApp) }

func (c *InApp) Deliver(ctx context.Context, d Delivery, lim Limiter) (int, error) {
	sent := 0
	var errs []error
	for _, user := range d.Users {
		for _, task := range d.Tasks {
			if err := waitFor(ctx, lim); err != nil {
				return sent, errors.Join(append(errs, err)...)
			}
			payload, err := json.Marshal(inAppPayload{
				Type:         "recurring_task_created",
				TaskID:       task.ID,
				ProjectID:    d.ProjectID,
				ScheduleID:   d.ScheduleID,
				TaskName:     task.Name,
				TemplateName: d.TemplateName,
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			n := storage.Notification{
				UserID:  user,
				Message: InAppMessage(task.Name, d.TemplateName),
				Payload: payload,
			}
			if err := c.store.InsertNotification(ctx, n); err != nil {
				errs = append(errs, fmt.Errorf("user %s task %s: %w", user, task.ID, err))
				continue
			}
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

// InAppMessage renders the stored notification text.
func InAppMessage(taskName, templateName string) string {
	return fmt.Sprintf(`New recurring task "%s" has been created from template "%s"`, taskName, templateName)
}
