// Package watchdog tracks link liveness per channel and escalates sustained
// silence to an operator-supplied offline hook.
package watchdog

import "time"

// Watchdog tracks the last activity on one channel. A zero or negative
// timeout disables expiry.
type Watchdog struct {
	lastSeen time.Time
	timeout  time.Duration
}

func New(timeout time.Duration, now time.Time) Watchdog {
	return Watchdog{lastSeen: now, timeout: timeout}
}

func (w *Watchdog) Touch(now time.Time) {
	w.lastSeen = now
}

// ExpiredAt reports whether more than the timeout has passed since the last touch.
func (w *Watchdog) ExpiredAt(now time.Time) bool {
	if w.timeout <= 0 {
		return false
	}
	return now.Sub(w.lastSeen) > w.timeout
}

func (w *Watchdog) LastSeen() time.Time {
	return w.lastSeen
}

func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}
