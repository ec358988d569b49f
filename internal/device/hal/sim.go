// Package hal provides the hosted hardware abstraction: a simulated
// pulse counter, network link and power control for running the device
// logic off-target.
package hal

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/denisbrodbeck/machineid"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/core"
)

// UnitSuffix derives the stable per-unit identifier from the host
// machine ID: four uppercase hex characters, matching the width of the
// factory-programmed suffix on real units.
func UnitSuffix() string {
	id, err := machineid.ProtectedID("mcc-tachod")
	if err != nil {
		return "0000"
	}
	sum := sha256.Sum256([]byte(id))
	return strings.ToUpper(fmt.Sprintf("%02x%02x", sum[0], sum[1]))
}

// SimPulse is a simulated hardware pulse counter.
type SimPulse struct {
	count atomic.Int64
	level atomic.Int32
}

func (p *SimPulse) Read() (int64, error) { return p.count.Load(), nil }
func (p *SimPulse) Clear() error         { p.count.Store(0); return nil }
func (p *SimPulse) Level() core.Level    { return core.Level(p.level.Load()) }

// Pulse injects one sensor pulse, as a wheel magnet pass would.
func (p *SimPulse) Pulse() { p.count.Add(1) }

// SetLevel drives the simulated sensor line level.
func (p *SimPulse) SetLevel(l core.Level) { p.level.Store(int32(l)) }

// SimLink is a simulated network link that associates instantly.
type SimLink struct {
	mu     sync.Mutex
	status core.LinkStatus
	addr   string

	// Fail makes Connect attempts stay disconnected.
	Fail bool
}

func (l *SimLink) Connect(ssid, credential string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail {
		l.status = core.LinkDisconnected
		return nil
	}
	l.status = core.LinkConnected
	l.addr = "192.168.4.2"
	return nil
}

func (l *SimLink) Status() core.LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *SimLink) LocalAddr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Drop simulates losing the link.
func (l *SimLink) Drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = core.LinkDisconnected
	l.addr = ""
}

// Sim is the hosted HAL. Deep sleep is modeled as an instant sleep and
// wake: DeepSleep returns with the wake cause set to a pulse wake, so
// the host's restart loop re-boots the device logic the same way real
// hardware wakes from a pulse.
type Sim struct {
	PulseLine SimPulse
	NetLink   SimLink

	mu        sync.Mutex
	wake      core.WakeCause
	wakeArmed bool
	suffix    string
}

// NewSim returns a hosted HAL booting from a cold reset.
func NewSim() *Sim {
	return &Sim{wake: core.WakeCauseReset, suffix: UnitSuffix()}
}

func (s *Sim) UnitID() string { return s.suffix }

func (s *Sim) WakeCause() core.WakeCause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

// SetWakeCause overrides the reported wake cause; tests use it to boot
// the logic down a chosen path.
func (s *Sim) SetWakeCause(c core.WakeCause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = c
}

func (s *Sim) Pulse() core.PulseCounter { return &s.PulseLine }
func (s *Sim) Link() core.NetworkLink   { return &s.NetLink }

func (s *Sim) ArmWakeOnPulse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeArmed = true
	return nil
}

func (s *Sim) DeepSleep() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakeArmed {
		s.wake = core.WakeCausePulse
	} else {
		s.wake = core.WakeCauseReset
	}
	s.wakeArmed = false
	return nil
}

func (s *Sim) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = core.WakeCauseReset
	return nil
}
