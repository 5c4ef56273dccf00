package transport

import "time"

// timeZero clears a previously set read/write deadline.
func timeZero() time.Time { return time.Time{} }

// timeInPast returns a deadline already elapsed, used to force a blocked
// Accept/Read/Write call to return immediately on cancellation.
func timeInPast() time.Time { return time.Now().Add(-time.Second) }
