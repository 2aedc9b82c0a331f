package detector

import "time"

// Timer is a scheduled call that can be cancelled.
type Timer interface {
	// Stop prevents the call from running and reports whether it did so.
	Stop() bool
}

// Scheduler runs functions after a delay on their own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules with the time package.
type SystemScheduler struct{}

// AfterFunc implements Scheduler.
func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
