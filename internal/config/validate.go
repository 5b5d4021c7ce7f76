package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"recurd/internal/trigger"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
			_, err := trigger.ParseSchedule(fl.Field().String())
			return err == nil
		})
		_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		})
		_ = validate.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
			_, err := time.Parse("15:04", strings.TrimSpace(fl.Field().String()))
			return err == nil
		})
	})
	return validate
}

var tagMessages = map[string]string{
	"required":      "is required",
	"email":         "must be a valid email address",
	"schedule":      "must be a cron expression or interval",
	"duration":      "must be a non-negative Go duration",
	"hhmm":          "must be HH:MM",
	"hostname_port": "must be host:port",
}

// Validate checks field tags and the rules that span sections.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var problems []string
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, fieldMessage(fe))
		}
	}

	if c.Notifications.Email && c.SMTP == nil {
		problems = append(problems, "notifications.email requires an smtp section")
	}
	if c.Logging.Alert.Enabled && (c.Telegram == nil || len(c.Telegram.AlertChatIDs) == 0) {
		problems = append(problems, "logging.alert requires telegram.alert_chat_ids")
	}
	if c.Telegram != nil && strings.TrimSpace(c.Telegram.Token) == "" {
		problems = append(problems, "telegram.token is required (or "+EnvTelegramToken+")")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "postgres", "pgx", "postgresql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			problems = append(problems, "storage.dsn is required for postgres (or "+EnvStorageDSN+")")
		}
	case "none":
		if c.Scheduler.Enabled {
			problems = append(problems, "scheduler.enabled requires a storage driver")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// fieldMessage renders "scheduler.mode must be one of: cron queue".
func fieldMessage(fe validator.FieldError) string {
	path := jsonPath(fe.Namespace())
	if msg, ok := tagMessages[fe.Tag()]; ok {
		return path + " " + msg
	}
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", path, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", path, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", path, fe.Tag())
	}
}

// jsonPath drops the root type from a validator namespace
// ("Config.scheduler.cron_interval").
func jsonPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
