package recurrence

import "time"

// DateLayout is the calendar-date form used for end dates and exclusions.
const DateLayout = "2006-01-02"

// Next returns the occurrence that follows last under rule.
//
// The result is a civil date: midnight of the computed day in loc. last is
// first converted to loc, so month and week boundaries follow local time.
// A nil loc means UTC. Next never fails.
func Next(rule Rule, last time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	d := Civil(last, loc)

	switch r := rule.(type) {
	case Daily:
		return addDays(d, 1)

	case Weekly:
		if len(r.Days) == 0 {
			return addDays(d, 7)
		}
		for i := 1; i <= 7; i++ {
			c := addDays(d, i)
			if containsWeekday(r.Days, c.Weekday()) {
				return c
			}
		}
		// Unreachable for a non-empty set; keep the function total anyway.
		nextWeek := addDays(d, 7-int(d.Weekday()))
		return addDays(nextWeek, int(minWeekday(r.Days)))

	case MonthlyOnDate:
		return addMonthsOnDay(d, 1, r.Date)

	case MonthlyOnWeekday:
		return nthWeekday(d.Year(), d.Month()+1, r.Weekday, r.Week, loc)

	case Monthly:
		return addMonthsOnDay(d, 1, d.Day())

	case Yearly:
		return addMonthsOnDay(d, 12, d.Day())

	case EveryDays:
		return addDays(d, max(r.N, 1))

	case EveryWeeks:
		return addDays(d, 7*max(r.N, 1))

	case EveryMonths:
		return addMonthsOnDay(d, max(r.N, 1), d.Day())

	default:
		return addDays(d, 1)
	}
}

// Civil truncates t to midnight of its calendar day in loc.
func Civil(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, dd := t.In(loc).Date()
	return time.Date(y, m, dd, 0, 0, 0, 0, loc)
}

// ParseDate parses a YYYY-MM-DD string as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DateLayout, s, loc)
}

// DaysIn returns the number of days of month m in year y.
func DaysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func addDays(d time.Time, n int) time.Time {
	y, m, dd := d.Date()
	return time.Date(y, m, dd+n, 0, 0, 0, 0, d.Location())
}

// addMonthsOnDay moves n months forward and lands on day, clamped to the
// target month's length. time.AddDate would overflow into the next month.
func addMonthsOnDay(d time.Time, n, day int) time.Time {
	first := time.Date(d.Year(), d.Month()+time.Month(n), 1, 0, 0, 0, 0, d.Location())
	if last := DaysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, d.Location())
}

func nthWeekday(y int, m time.Month, wd time.Weekday, week int, loc *time.Location) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	month := first.Month()
	c := addDays(first, (int(wd)-int(first.Weekday())+7)%7)

	if week >= 5 {
		for {
			n := addDays(c, 7)
			if n.Month() != month {
				return c
			}
			c = n
		}
	}
	if week < 1 {
		week = 1
	}
	return addDays(c, (week-1)*7)
}

func containsWeekday(days []time.Weekday, wd time.Weekday) bool {
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}

func minWeekday(days []time.Weekday) time.Weekday {
	m := days[0]
	for _, d := range days[1:] {
		if d < m {
			m = d
		}
	}
	return m
}
