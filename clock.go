package main

import "time"

// beijingOffset is fixed at UTC+8. Derivation is from the absolute UTC
// instant, not an OS timezone database entry, so ambient TZ configuration
// never changes the result.
const beijingOffset = 8 * time.Hour

// beijingDate returns the Beijing-time calendar date as "YYYY-MM-DD" for the
// given instant. It is the partition key for daily usage counters.
func beijingDate(now time.Time) string {
	return now.UTC().Add(beijingOffset).Format("2006-01-02")
}

// beijingMinute returns the Beijing-time minute bucket as "YYYY-MM-DDTHH:MM".
// It is the partition key for per-minute audit rows and the cross-instance
// RPM source of truth.
func beijingMinute(now time.Time) string {
	return now.UTC().Add(beijingOffset).Format("2006-01-02T15:04")
}
