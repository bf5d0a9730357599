package billing

import "time"

const DefaultGraceDays = 14

// IsWithinGracePeriod reports whether licenses stay active after a failed
// payment. The deadline itself is still inside the grace period.
func IsWithinGracePeriod(periodEnd, now time.Time, graceDays int) bool {
	return !now.After(GraceDeadline(periodEnd, graceDays))
}

func GraceDeadline(periodEnd time.Time, graceDays int) time.Time {
	return periodEnd.AddDate(0, 0, graceDays)
}
