// Package ratelimit implements per-identity fixed-window admission control.
package ratelimit

import (
	"context"
	"time"
)

// Defaults allow 60 requests per identity per minute.
const (
	DefaultMaxRequests = 60
	DefaultWindow      = time.Minute
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether an identity may issue another request.
type Limiter interface {
	Allow(ctx context.Context, identity string) (Decision, error)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, never below one.
func (d Decision) RetryAfterSeconds() int {
	return retryAfterSeconds(d.RetryAfter)
}
