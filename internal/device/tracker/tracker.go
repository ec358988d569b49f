// Package tracker converts hardware pulse counts into distance and
// speed telemetry.
package tracker

import (
	"time"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/core"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/pkg/metrics"
)

// CMPerKM converts centimeters to kilometers.
const CMPerKM = 100000.0

// Tracker derives distance and speed from the pulse counter. The
// committed count only advances on a confirmed telemetry delivery, so
// distance represented by a failed send is folded into the next
// successful one.
type Tracker struct {
	pulses  core.PulseCounter
	wheelCM float64

	current     int64
	committed   int64
	lastPulseAt time.Time
}

// New returns a tracker for the given counter and wheel circumference
// (centimeters). The inactivity clock starts at the given boot time so
// a pulse-free session still times out into deep sleep.
func New(pulses core.PulseCounter, wheelCM float64, bootedAt time.Time) *Tracker {
	return &Tracker{pulses: pulses, wheelCM: wheelCM, lastPulseAt: bootedAt}
}

// SetWheelSize applies a reconciled wheel circumference without
// disturbing the counters.
func (t *Tracker) SetWheelSize(cm float64) { t.wheelCM = cm }

// Poll reads the hardware counter. It reports whether the count changed
// since the previous poll and stamps the inactivity clock on change.
func (t *Tracker) Poll(now time.Time) (changed bool, err error) {
	n, err := t.pulses.Read()
	if err != nil {
		return false, err
	}
	metrics.PulseCount.Set(float64(n))
	if n == t.current {
		return false, nil
	}
	t.current = n
	t.lastPulseAt = now
	return true, nil
}

// Count returns the counter value at the last poll.
func (t *Tracker) Count() int64 { return t.current }

// TotalDistanceCM is the distance since the last counter reset.
func (t *Tracker) TotalDistanceCM() float64 {
	return float64(t.current) * t.wheelCM
}

// IntervalPulses is the number of pulses not yet represented by a
// confirmed telemetry delivery.
func (t *Tracker) IntervalPulses() int64 { return t.current - t.committed }

// IntervalDistanceCM is the distance not yet confirmed delivered.
func (t *Tracker) IntervalDistanceCM() float64 {
	return float64(t.IntervalPulses()) * t.wheelCM
}

// Commit marks everything counted so far as delivered. Call only after
// the server confirmed acceptance.
func (t *Tracker) Commit() { t.committed = t.current }

// Reset zeroes the hardware counter and every derived accumulator.
// Invoked exactly when the active identity tag changes.
func (t *Tracker) Reset() error {
	if err := t.pulses.Clear(); err != nil {
		return err
	}
	t.current = 0
	t.committed = 0
	metrics.PulseCount.Set(0)
	return nil
}

// LastPulseAt is the timestamp of the most recent counted pulse.
func (t *Tracker) LastPulseAt() time.Time { return t.lastPulseAt }

// Touch re-arms the inactivity clock. The power manager uses it when a
// sleep attempt is deferred mid-pulse.
func (t *Tracker) Touch(now time.Time) { t.lastPulseAt = now }

// SpeedKMH converts a distance in centimeters covered over the given
// interval into kilometers per hour.
func SpeedKMH(distanceCM float64, interval time.Duration) float64 {
	secs := interval.Seconds()
	if secs <= 0 {
		return 0
	}
	return distanceCM / secs * (3600.0 / CMPerKM)
}
