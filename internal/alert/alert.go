// Package alert implements the side effects raised by the detection loop
// when two detected objects collide.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"collicam/internal/pipeline"
)

// ErrAlertUnsupported is returned when the alert capability is absent.
// The detection loop logs it and carries on.
var ErrAlertUnsupported = pipeline.ErrAlertUnsupported

// Multi fans an event out to every alerter. Alerters reporting
// ErrAlertUnsupported are ignored unless all of them do.
type Multi []pipeline.Alerter

var _ pipeline.Alerter = Multi(nil)

// Alert raises event on every alerter and joins their failures
func (m Multi) Alert(ctx context.Context, event pipeline.CollisionEvent) error {
	if len(m) == 0 {
		return ErrAlertUnsupported
	}

	var errs []error
	unsupported := 0
	for _, a := range m {
		err := a.Alert(ctx, event)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlertUnsupported):
			unsupported++
		default:
			errs = append(errs, err)
		}
	}
	if unsupported == len(m) {
		return ErrAlertUnsupported
	}
	return errors.Join(errs...)
}

// Throttle suppresses repeated alerts for the same source within interval.
// A collision lasting many frames raises one alert per interval.
type Throttle struct {
	next   pipeline.Alerter
	recent *cache.Cache
	window time.Duration
}

// NewThrottle creates a new throttling alerter
func NewThrottle(next pipeline.Alerter, interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = time.Second
	}
	return &Throttle{
		next:   next,
		recent: cache.New(interval, 2*interval),
		window: interval,
	}
}

var _ pipeline.Alerter = (*Throttle)(nil)

// Alert forwards the event unless one for the same source was forwarded
// within the interval
func (t *Throttle) Alert(ctx context.Context, event pipeline.CollisionEvent) error {
	if err := t.recent.Add(event.Source, event.At, t.window); err != nil {
		return nil
	}
	if err := t.next.Alert(ctx, event); err != nil {
		return fmt.Errorf("throttled alert: %w", err)
	}
	return nil
}
