// Package quota tracks how many emails each sender account dispatched per day.
package quota

import (
	"context"
	"time"
)

// Counter stores per-day send counts keyed by sender email.
type Counter interface {
	// Counts returns the counts for the given senders on day. Missing senders count zero.
	Counts(ctx context.Context, day string, emails []string) (map[string]int, error)
	// Increment records one send and returns the new count.
	Increment(ctx context.Context, day, email string) (int, error)
	// Reset clears the sender's count for day.
	Reset(ctx context.Context, day, email string) error
}

const dayLayout = "2006-01-02"

// Day returns the counter key for t in loc.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}
