package recurrence

import "time"

// MaxIterations bounds one planning pass.
const MaxIterations = 10000

// PlanInput is everything the planner needs for one template.
type PlanInput struct {
	Rule     Rule
	Location *time.Location
	Now      time.Time

	// Cursor is the end date of the last materialized occurrence, or the
	// template creation time when nothing was created yet.
	Cursor time.Time
	// HorizonAnchor is last_checked_at, or the template creation time.
	HorizonAnchor time.Time

	Excluded []string   // YYYY-MM-DD
	EndDate  *time.Time // optional hard stop (inclusive, civil date)
}

// Horizon returns anchor plus the lookahead of rule.
func Horizon(rule Rule, anchor time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	a := anchor.In(loc)
	switch r := rule.(type) {
	case Daily:
		return a.AddDate(0, 0, 3)
	case Weekly:
		return a.AddDate(0, 0, 7)
	case MonthlyOnDate, MonthlyOnWeekday, Monthly:
		return addMonthsClamped(a, 1)
	case EveryDays:
		return a.AddDate(0, 0, max(r.N, 1))
	case EveryWeeks:
		return a.AddDate(0, 0, 7*max(r.N, 1))
	case EveryMonths:
		return addMonthsClamped(a, max(r.N, 1))
	default:
		return a.AddDate(0, 0, 3)
	}
}

// Plan enumerates the occurrences due in (now, horizon], in order.
//
// Candidates past the horizon or past EndDate stop the scan. Candidates
// not strictly after Now, or listed in Excluded, are skipped but still
// advance the cursor.
func Plan(in PlanInput) []time.Time {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	if in.Rule == nil {
		return nil
	}

	horizon := Horizon(in.Rule, in.HorizonAnchor, loc)
	excluded := make(map[string]struct{}, len(in.Excluded))
	for _, d := range in.Excluded {
		excluded[d] = struct{}{}
	}
	var end time.Time
	if in.EndDate != nil {
		end = Civil(*in.EndDate, loc)
	}

	var out []time.Time
	cur := Civil(in.Cursor, loc)
	for i := 0; i < MaxIterations; i++ {
		next := Next(in.Rule, cur, loc)
		if !next.After(cur) {
			break
		}
		cur = next

		if next.After(horizon) {
			break
		}
		if !end.IsZero() && next.After(end) {
			break
		}
		if !next.After(in.Now) {
			continue
		}
		if _, skip := excluded[next.Format(DateLayout)]; skip {
			continue
		}
		out = append(out, next)
	}
	return out
}

// addMonthsClamped keeps the time of day and clamps the day to the target
// month's length.
func addMonthsClamped(t time.Time, n int) time.Time {
	d := addMonthsOnDay(t, n, t.Day())
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
