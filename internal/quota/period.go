// Package quota implements the subscription quota ledger: FREE-first
// deduction, row-locked FREE period refresh, and guarded restoration.
package quota

import "time"

// advancePeriod rolls a billing period forward by whole months until it
// covers now, then snaps the start to UTC midnight. Returns the new start
// and end (start plus one month).
func advancePeriod(periodStart, now time.Time) (time.Time, time.Time) {
	start := periodStart
	for !start.AddDate(0, 1, 0).After(now) {
		start = start.AddDate(0, 1, 0)
	}

	start = start.UTC()
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
