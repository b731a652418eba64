package reminder

import "time"

// maxBackoff caps the delay between two delivery attempts of one reminder.
const maxBackoff = 6 * time.Hour

// Window returns the calendar day, in loc, that contains now+24h, as the
// half-open range [start, end). Reminders whose boundary falls inside it
// are due.
func Window(now time.Time, loc *time.Location) (start, end time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	t := now.Add(24 * time.Hour).In(loc)
	start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// RetryPolicy decides whether and when a failed reminder is tried again.
// The zero value retries on every run, forever.
type RetryPolicy struct {
	MaxAttempts int           // 0 means unlimited
	Backoff     time.Duration // 0 means retry on the next run
}

// Exhausted reports whether a reminder with this many recorded attempts
// should no longer be sent.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// NextAttempt returns the earliest time the attempt-th failure may be
// retried, doubling the backoff per attempt. Nil means no delay.
func (p RetryPolicy) NextAttempt(now time.Time, attempts int) *time.Time {
	if p.Backoff <= 0 {
		return nil
	}
	delay := p.Backoff
	for i := 1; i < attempts && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	next := now.Add(delay)
	return &next
}
