// Package timeframe resolves relative date phrases in user queries
// ("last week", "past 7 days") into concrete working-day ranges.
package timeframe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Range is an inclusive date range with a human-readable label. The label is
// used verbatim in prompts and never parsed back.
type Range struct {
	Start       time.Time
	End         time.Time
	Description string
}

// Phrase families checked in order. Order is load-bearing: some families
// subsume others ("past month" must resolve before "last month" is tested).
var (
	lastWeekPhrases  = []string{"last week", "previous week", "past week", "week ago"}
	thisWeekPhrases  = []string{"this week", "current week", "week so far"}
	thisMonthPhrases = []string{"this month", "current month", "month so far", "past month"}
	lastMonthPhrases = []string{"last month", "previous month"}
	thisYearPhrases  = []string{"this year", "current year", "year to date", "ytd"}
	todayPhrases     = []string{"today", "past 24 hours", "last 24 hours"}

	nDaysPattern = regexp.MustCompile(`(past|last|previous)\s+(\d+)\s+days?`)
)

// Extract resolves a date range mentioned in query relative to ref.
// Returns false when the query carries no date phrase; callers must treat
// that as "fetch everything", not as an error.
func Extract(query string, ref time.Time) (Range, bool) {
	q := strings.ToLower(query)

	if containsAny(q, lastWeekPhrases) {
		start, end := LastWorkingWeek(ref)
		return Range{Start: start, End: end, Description: Describe(ref, start, end)}, true
	}
	if containsAny(q, thisWeekPhrases) {
		start, end := CurrentWorkingWeek(ref)
		return Range{Start: start, End: end, Description: Describe(ref, start, end)}, true
	}
	if containsAny(q, thisMonthPhrases) {
		start, end := ThisMonth(ref)
		return Range{Start: start, End: end, Description: Describe(ref, start, end)}, true
	}
	if containsAny(q, lastMonthPhrases) {
		start, end := LastMonth(ref)
		return Range{Start: start, End: end, Description: Describe(ref, start, end)}, true
	}
	if containsAny(q, thisYearPhrases) {
		start, end := ThisYear(ref)
		return Range{Start: start, End: end, Description: Describe(ref, start, end)}, true
	}
	if containsAny(q, todayPhrases) {
		return Range{Start: ref, End: ref, Description: fmt.Sprintf("today (%s)", ref.Format("Jan 02"))}, true
	}
	if m := nDaysPattern.FindStringSubmatch(q); m != nil {
		n, err := strconv.Atoi(m[2])
		if err == nil && n > 0 {
			start, end := LastNDays(ref, n)
			desc := fmt.Sprintf("past %d days (%s to %s)", n, start.Format("Jan 02"), end.Format("Jan 02"))
			return Range{Start: start, End: end, Description: desc}, true
		}
	}
	return Range{}, false
}

// IsWorkingDay reports whether d falls Monday through Friday.
func IsWorkingDay(d time.Time) bool {
	wd := d.Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// LastWorkingWeek returns the Monday-Friday span of the most recently
// completed working week. The boundary rule: last Friday is the most recent
// date <= ref whose weekday is Friday (ref itself when ref is a Friday);
// Monday is that Friday minus four days.
func LastWorkingWeek(ref time.Time) (time.Time, time.Time) {
	daysSinceFriday := (int(ref.Weekday()) - int(time.Friday) + 7) % 7
	friday := ref.AddDate(0, 0, -daysSinceFriday)
	return friday.AddDate(0, 0, -4), friday
}

// CurrentWorkingWeek returns Monday of ref's week through ref itself,
// a partial week when ref is mid-week.
func CurrentWorkingWeek(ref time.Time) (time.Time, time.Time) {
	daysSinceMonday := (int(ref.Weekday()) - int(time.Monday) + 7) % 7
	return ref.AddDate(0, 0, -daysSinceMonday), ref
}

// ThisMonth returns the first through last calendar day of ref's month.
func ThisMonth(ref time.Time) (time.Time, time.Time) {
	first := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, ref.Location())
	last := first.AddDate(0, 1, 0).AddDate(0, 0, -1)
	return first, last
}

// LastMonth returns the full previous calendar month.
func LastMonth(ref time.Time) (time.Time, time.Time) {
	first, _ := ThisMonth(ref)
	end := first.AddDate(0, 0, -1)
	start := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, ref.Location())
	return start, end
}

// ThisYear returns Jan 1 through Dec 31 of ref's year.
func ThisYear(ref time.Time) (time.Time, time.Time) {
	start := time.Date(ref.Year(), time.January, 1, 0, 0, 0, 0, ref.Location())
	end := time.Date(ref.Year(), time.December, 31, 0, 0, 0, 0, ref.Location())
	return start, end
}

// LastNDays returns the n-day window ending at ref, inclusive of both ends.
func LastNDays(ref time.Time, n int) (time.Time, time.Time) {
	return ref.AddDate(0, 0, -(n - 1)), ref
}

// Describe renders a range as a prompt label by matching resolved boundaries
// back against the named categories, falling back to "<start> to <end>".
func Describe(ref, start, end time.Time) string {
	lwStart, lwEnd := LastWorkingWeek(ref)
	if sameDate(start, lwStart) && sameDate(end, lwEnd) {
		return fmt.Sprintf("last working week (%s - %s)", start.Format("Jan 02"), end.Format("Jan 02"))
	}
	cwStart, cwEnd := CurrentWorkingWeek(ref)
	if sameDate(start, cwStart) && sameDate(end, cwEnd) {
		return fmt.Sprintf("current working week (%s - %s)", start.Format("Jan 02"), end.Format("Jan 02"))
	}
	days := int(end.Sub(start).Hours() / 24)
	if days >= 27 && days <= 31 {
		mStart, mEnd := ThisMonth(ref)
		if sameDate(start, mStart) && sameDate(end, mEnd) {
			return fmt.Sprintf("this month (%s - %s)", start.Format("Jan 02"), end.Format("Jan 02"))
		}
	}
	return fmt.Sprintf("%s to %s", start.Format("Jan 02"), end.Format("Jan 02"))
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func containsAny(q string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(q, p) {
			return true
		}
	}
	return false
}
