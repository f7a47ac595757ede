// Package clock abstracts wall-clock time so that expiry logic can be driven
// deterministically in tests. An override timestamp travels as an explicit
// context value; there is no process-global switch, and the override is read
// fresh on every call so a test can move time between two calls.
package clock

import (
	"context"
	"time"
)

type Clock interface {
	Now(ctx context.Context) time.Time
}

type contextKey struct{}

var nowKey contextKey

// WithNow returns a context carrying t as the overridden current time.
func WithNow(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, nowKey, t)
}

// FromContext reports the override carried by ctx, if any.
func FromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(nowKey).(time.Time)
	return t, ok
}

// System is the production clock. Overrides are honored only when the clock
// was built with NewSystem(true), which only a test configuration does; in
// every other configuration a context override is ignored.
type System struct {
	allowOverride bool
}

func NewSystem(allowOverride bool) *System {
	return &System{allowOverride: allowOverride}
}

func (s *System) Now(ctx context.Context) time.Time {
	if s.allowOverride {
		if t, ok := FromContext(ctx); ok {
			return t
		}
	}
	return time.Now()
}
