package availability

import "time"

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. The monitor uses it for backoff timers so
// tests can drive the schedule without sleeping.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Backoff returns the delay before reconnect attempt n (1-indexed):
// base, 2·base, 4·base and so on.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}
