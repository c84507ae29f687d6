package schedule

import (
	"time"

	"github.com/opsboard/opsboard/internal/domain"
)

// DateLayout is the stored due-date format.
const DateLayout = "2006-01-02"

// Visible reports whether t belongs on today's list. Templated rows are
// visible from VisibleDaysBefore days ahead of the due date until
// VisibleDaysAfter plus GracePeriodDays after it. Ad hoc rows are visible
// from their due date onward. Unparseable dates are always visible.
func Visible(t domain.Task, tmpl *domain.Template, today string) bool {
	if today == "" {
		return true
	}
	now, err := time.Parse(DateLayout, today)
	if err != nil {
		return true
	}
	due, err := time.Parse(DateLayout, t.DueDate)
	if err != nil {
		return true
	}
	if t.IsAdHoc() {
		return !now.Before(due)
	}

	var before, after int
	if tmpl != nil {
		before = nonNegative(tmpl.VisibleDaysBefore)
		after = nonNegative(tmpl.VisibleDaysAfter) + nonNegative(tmpl.GracePeriodDays)
	}
	from := due.AddDate(0, 0, -before)
	to := due.AddDate(0, 0, after)
	return !now.Before(from) && !now.After(to)
}

// Window returns the due-date range a feed for today must fetch to cover
// every row that could be visible.
func Window(today string, lookback, lookahead int) (from, to string) {
	now, err := time.Parse(DateLayout, today)
	if err != nil {
		return today, today
	}
	return now.AddDate(0, 0, -nonNegative(lookback)).Format(DateLayout),
		now.AddDate(0, 0, nonNegative(lookahead)).Format(DateLayout)
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
