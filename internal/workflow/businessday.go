package workflow

import "time"

// AddBusinessDays returns the date n business days after start, skipping
// Saturdays and Sundays. The time of day is preserved. A zero or negative n
// yields nil: the stage has no due date.
func AddBusinessDays(start time.Time, n int) *time.Time {
	if n <= 0 {
		return nil
	}
	d := start
	for added := 0; added < n; {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	return &d
}
