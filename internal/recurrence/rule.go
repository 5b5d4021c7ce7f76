package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Type names a recurrence strategy as stored in the schedule row.
type Type string

const (
	TypeDaily        Type = "daily"
	TypeWeekly       Type = "weekly"
	TypeMonthly      Type = "monthly"
	TypeYearly       Type = "yearly"
	TypeEveryXDays   Type = "every_x_days"
	TypeEveryXWeeks  Type = "every_x_weeks"
	TypeEveryXMonths Type = "every_x_months"
)

// Fields is the loosely-typed shape of a persisted schedule. NewRule turns
// it into exactly one Rule variant.
type Fields struct {
	Type           string
	DaysOfWeek     []int
	DayOfMonth     *int // weekday (0=Sunday) for Nth-weekday mode
	DateOfMonth    *int // calendar date 1..31
	WeekOfMonth    *int // 1..5, 5 means last
	IntervalDays   *int
	IntervalWeeks  *int
	IntervalMonths *int
}

// Rule is a validated recurrence strategy. The set of implementations is
// closed; use a type switch to inspect variants.
type Rule interface {
	Type() Type
	isRule()
}

type Daily struct{}

// Weekly fires on the listed weekdays (0=Sunday). Empty Days means
// "every 7 days from the cursor".
type Weekly struct{ Days []time.Weekday }

// MonthlyOnDate fires on a fixed calendar date, clamped to month length.
type MonthlyOnDate struct{ Date int }

// MonthlyOnWeekday fires on the Nth weekday of the month. Week 5 is the
// last such weekday.
type MonthlyOnWeekday struct {
	Week    int
	Weekday time.Weekday
}

type Monthly struct{}

type Yearly struct{}

type EveryDays struct{ N int }

type EveryWeeks struct{ N int }

type EveryMonths struct{ N int }

// Unknown keeps the stored type name so it can be reported.
type Unknown struct{ Name string }

func (Daily) Type() Type            { return TypeDaily }
func (Weekly) Type() Type           { return TypeWeekly }
func (MonthlyOnDate) Type() Type    { return TypeMonthly }
func (MonthlyOnWeekday) Type() Type { return TypeMonthly }
func (Monthly) Type() Type          { return TypeMonthly }
func (Yearly) Type() Type           { return TypeYearly }
func (EveryDays) Type() Type        { return TypeEveryXDays }
func (EveryWeeks) Type() Type       { return TypeEveryXWeeks }
func (EveryMonths) Type() Type      { return TypeEveryXMonths }
func (u Unknown) Type() Type        { return Type(u.Name) }

func (Daily) isRule()            {}
func (Weekly) isRule()           {}
func (MonthlyOnDate) isRule()    {}
func (MonthlyOnWeekday) isRule() {}
func (Monthly) isRule()          {}
func (Yearly) isRule()           {}
func (EveryDays) isRule()        {}
func (EveryWeeks) isRule()       {}
func (EveryMonths) isRule()      {}
func (Unknown) isRule()          {}

// NewRule validates f and returns the matching variant.
//
// An unrecognized type is not an error: it yields Unknown, which the
// calculator treats as daily. Out-of-range weekday/date/week values are.
func NewRule(f Fields) (Rule, error) {
	switch Type(strings.ToLower(strings.TrimSpace(f.Type))) {
	case TypeDaily:
		return Daily{}, nil

	case TypeWeekly:
		if len(f.DaysOfWeek) == 0 {
			return Weekly{}, nil
		}
		seen := make(map[int]bool, len(f.DaysOfWeek))
		days := make([]time.Weekday, 0, len(f.DaysOfWeek))
		for _, d := range f.DaysOfWeek {
			if d < 0 || d > 6 {
				return nil, fmt.Errorf("weekly: day of week %d out of range 0..6", d)
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			days = append(days, time.Weekday(d))
		}
		return Weekly{Days: days}, nil

	case TypeMonthly:
		if f.DateOfMonth != nil && *f.DateOfMonth != 0 {
			d := *f.DateOfMonth
			if d < 1 || d > 31 {
				return nil, fmt.Errorf("monthly: date of month %d out of range 1..31", d)
			}
			return MonthlyOnDate{Date: d}, nil
		}
		if f.DayOfMonth != nil && f.WeekOfMonth != nil && *f.WeekOfMonth != 0 {
			wd, wk := *f.DayOfMonth, *f.WeekOfMonth
			if wd < 0 || wd > 6 {
				return nil, fmt.Errorf("monthly: weekday %d out of range 0..6", wd)
			}
			if wk < 1 || wk > 5 {
				return nil, fmt.Errorf("monthly: week of month %d out of range 1..5", wk)
			}
			return MonthlyOnWeekday{Week: wk, Weekday: time.Weekday(wd)}, nil
		}
		return Monthly{}, nil

	case TypeYearly:
		return Yearly{}, nil
	case TypeEveryXDays:
		return EveryDays{N: positive(f.IntervalDays)}, nil
	case TypeEveryXWeeks:
		return EveryWeeks{N: positive(f.IntervalWeeks)}, nil
	case TypeEveryXMonths:
		return EveryMonths{N: positive(f.IntervalMonths)}, nil
	default:
		return Unknown{Name: f.Type}, nil
	}
}

func positive(p *int) int {
	if p == nil || *p < 1 {
		return 1
	}
	return *p
}
