package recurrence

import (
	"testing"
	"time"
)

func formatDates(ds []time.Time) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Format(DateLayout))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPlanDailyScenario(t *testing.T) {
	t.Parallel()
	got := Plan(PlanInput{
		Rule:          Daily{},
		Location:      time.UTC,
		Now:           time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Cursor:        date(2024, 1, 1),
		HorizonAnchor: date(2024, 1, 1),
	})
	want := []string{"2024-01-02", "2024-01-03", "2024-01-04"}
	if !equalStrings(formatDates(got), want) {
		t.Fatalf("Plan = %v, want %v", formatDates(got), want)
	}
}

func TestPlanWindow(t *testing.T) {
	t.Parallel()
	end := date(2024, 1, 6)
	tests := []struct {
		name string
		in   PlanInput
		want []string
	}{
		{
			name: "excluded dates are skipped",
			in: PlanInput{
				Rule: Daily{}, Now: date(2024, 1, 1), Cursor: date(2024, 1, 1), HorizonAnchor: date(2024, 1, 1),
				Excluded: []string{"2024-01-03"},
			},
			want: []string{"2024-01-02", "2024-01-04"},
		},
		{
			name: "past occurrences are never planned",
			in: PlanInput{
				Rule: Daily{}, Now: time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC), Cursor: date(2024, 1, 1), HorizonAnchor: date(2024, 1, 5),
			},
			want: []string{"2024-01-06", "2024-01-07", "2024-01-08"},
		},
		{
			name: "end date stops the scan",
			in: PlanInput{
				Rule: Daily{}, Now: date(2024, 1, 4), Cursor: date(2024, 1, 4), HorizonAnchor: date(2024, 1, 4),
				EndDate: &end,
			},
			want: []string{"2024-01-05", "2024-01-06"},
		},
		{
			name: "weekly lookahead",
			in: PlanInput{
				Rule: Weekly{Days: []time.Weekday{time.Monday, time.Wednesday}}, Now: date(2024, 1, 4), Cursor: date(2024, 1, 4), HorizonAnchor: date(2024, 1, 4),
			},
			want: []string{"2024-01-08", "2024-01-10"},
		},
		{
			name: "every two weeks looks two weeks ahead",
			in: PlanInput{
				Rule: EveryWeeks{N: 2}, Now: date(2024, 1, 1), Cursor: date(2024, 1, 1), HorizonAnchor: date(2024, 1, 1),
			},
			want: []string{"2024-01-15"},
		},
		{
			name: "monthly looks one month ahead",
			in: PlanInput{
				Rule: MonthlyOnDate{Date: 31}, Now: date(2024, 1, 31), Cursor: date(2024, 1, 31), HorizonAnchor: date(2024, 1, 31),
			},
			want: []string{"2024-02-29"},
		},
		{
			name: "yearly falls back to three days",
			in: PlanInput{
				Rule: Yearly{}, Now: date(2024, 1, 1), Cursor: date(2024, 1, 1), HorizonAnchor: date(2024, 1, 1),
			},
			want: nil,
		},
		{
			name: "cursor time of day is ignored",
			in: PlanInput{
				Rule: Daily{}, Now: time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC), Cursor: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC), HorizonAnchor: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC),
			},
			want: []string{"2024-01-02", "2024-01-03", "2024-01-04"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatDates(Plan(tt.in))
			if !equalStrings(got, tt.want) {
				t.Fatalf("Plan = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlanOccurrencesRespectBounds(t *testing.T) {
	t.Parallel()
	rules := []Rule{
		Daily{},
		Weekly{Days: []time.Weekday{time.Tuesday, time.Saturday}},
		MonthlyOnDate{Date: 30},
		MonthlyOnWeekday{Week: 5, Weekday: time.Thursday},
		EveryDays{N: 2},
		EveryWeeks{N: 1},
		EveryMonths{N: 2},
	}
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	excluded := []string{"2024-03-12", "2024-03-16"}

	for _, rule := range rules {
		in := PlanInput{
			Rule:          rule,
			Location:      time.UTC,
			Now:           now,
			Cursor:        date(2024, 2, 20),
			HorizonAnchor: now,
			Excluded:      excluded,
		}
		horizon := Horizon(rule, in.HorizonAnchor, time.UTC)
		prev := in.Cursor
		for _, d := range Plan(in) {
			if !d.After(now) {
				t.Fatalf("%T: %s is not after now", rule, d.Format(DateLayout))
			}
			if !d.After(prev) {
				t.Fatalf("%T: %s is not after %s", rule, d.Format(DateLayout), prev.Format(DateLayout))
			}
			if d.After(horizon) {
				t.Fatalf("%T: %s is past horizon %s", rule, d.Format(DateLayout), horizon)
			}
			for _, ex := range excluded {
				if d.Format(DateLayout) == ex {
					t.Fatalf("%T: excluded date %s planned", rule, ex)
				}
			}
			prev = d
		}
	}
}

func TestPlanNilRule(t *testing.T) {
	t.Parallel()
	if got := Plan(PlanInput{Now: time.Now()}); got != nil {
		t.Fatalf("Plan(nil rule) = %v, want nil", got)
	}
}
