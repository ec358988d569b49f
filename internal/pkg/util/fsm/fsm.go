// Package fsm adapts looplab/fsm callbacks to error-returning functions.
package fsm

import (
	"context"

	"github.com/looplab/fsm"
)

// WrapEvent turns an error-returning handler into an fsm.Callback,
// surfacing the error through the event so the transition fails.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}
