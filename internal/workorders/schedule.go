package workorders

import "time"

// DefaultCalibrationIntervalDays applies when the catalog entry has no interval.
const DefaultCalibrationIntervalDays = 365

// NextDueDate returns the civil date intervalDays after completed, in the
// location of completed. Non-positive intervals fall back to the default.
func NextDueDate(completed time.Time, intervalDays int) time.Time {
	if intervalDays <= 0 {
		intervalDays = DefaultCalibrationIntervalDays
	}
	y, m, d := completed.Date()
	return time.Date(y, m, d+intervalDays, 0, 0, 0, 0, completed.Location())
}

// CalibrationDate truncates t to its civil date.
func CalibrationDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DaysBetween counts whole civil days from a to b.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}
