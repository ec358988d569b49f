// Package power implements the inactivity deep-sleep policy.
package power

import (
	"time"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/core"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/tracker"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/pkg/metrics"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

// Manager decides when the device goes to deep sleep and performs the
// arm-and-sleep sequence.
type Manager struct {
	hal     core.HAL
	tracker *tracker.Tracker
	log     log.Logger
}

func NewManager(hal core.HAL, trk *tracker.Tracker, logger log.Logger) *Manager {
	return &Manager{hal: hal, tracker: trk, log: logger.WithName("power")}
}

// ShouldSleep reports whether the inactivity timeout has elapsed. A
// zero timeout disables deep sleep entirely.
func (m *Manager) ShouldSleep(now time.Time, cfg *config.DeviceConfig) bool {
	if !cfg.DeepSleepEnabled() {
		return false
	}
	return now.Sub(m.tracker.LastPulseAt()) >= cfg.DeepSleepTimeout
}

// TrySleep arms the wake source and powers down. If the sensor line is
// asserted right now the wheel may be mid-rotation, so sleeping would
// race the wake trigger; the attempt is deferred and counts as
// activity. Returns true when the device actually went to sleep (on
// real hardware that means it does not return at all).
func (m *Manager) TrySleep(now time.Time) bool {
	if m.hal.Pulse().Level() == core.LineAsserted {
		m.log.Debug("Deep sleep deferred, sensor line asserted")
		m.tracker.Touch(now)
		return false
	}

	if err := m.hal.ArmWakeOnPulse(); err != nil {
		m.log.Error(err, "Arming pulse wake source failed, staying awake")
		m.tracker.Touch(now)
		return false
	}

	m.log.Info("Entering deep sleep", "idle", now.Sub(m.tracker.LastPulseAt()).Round(time.Second))
	metrics.DeepSleeps.Inc()
	if err := m.hal.DeepSleep(); err != nil {
		m.log.Error(err, "Deep sleep request failed")
		m.tracker.Touch(now)
		return false
	}
	return true
}
