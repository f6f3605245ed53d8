package model

import "time"

// ActivityDays is the length of the per-day post histogram.
const ActivityDays = 180

// ShiftActivity ages a histogram by days, dropping buckets that fall off the end.
// The result always has ActivityDays buckets.
func ShiftActivity(activity []int, days int) []int {
	out := make([]int, ActivityDays)
	if days < 0 {
		days = 0
	}
	for i, n := range activity {
		if j := i + days; j < ActivityDays {
			out[j] = n
		}
	}
	return out
}

// DaysAgo counts whole days between t and now; negative spans count as today.
func DaysAgo(t, now time.Time) int {
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}
