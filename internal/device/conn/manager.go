// Package conn maintains the network link for the device loop.
package conn

import (
	"time"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/core"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

const (
	// connectAttempts bounds the initial blocking connect: the link is
	// polled this many times at connectPoll spacing before giving up.
	connectAttempts = 20
	connectPoll     = 500 * time.Millisecond

	// ReconnectInterval throttles repeated reconnect attempts once the
	// immediate retry after a drop has failed. No backoff; the device
	// has a single peer network and a simple radio.
	ReconnectInterval = 30 * time.Second
)

// Manager owns link association. It never runs in the background; every
// method is called from the device loop and blocks it.
type Manager struct {
	link core.NetworkLink
	log  log.Logger

	retrying    bool
	lastAttempt time.Time

	sleep func(time.Duration)
}

func NewManager(link core.NetworkLink, logger log.Logger) *Manager {
	return &Manager{
		link:  link,
		log:   logger.WithName("conn"),
		sleep: time.Sleep,
	}
}

// Connected reports the current link status.
func (m *Manager) Connected() bool {
	return m.link.Status() == core.LinkConnected
}

// Connect performs the bounded blocking connect used at boot and wake:
// start association, then poll for up to connectAttempts × connectPoll.
// It returns the resulting status; giving up is not an error.
func (m *Manager) Connect(ssid, credential string) bool {
	if ssid == "" {
		m.log.Warn("No network SSID configured, skipping connect")
		return false
	}
	m.log.Info("Connecting to network", "ssid", ssid)
	if err := m.link.Connect(ssid, credential); err != nil {
		m.log.Error(err, "Link association failed to start")
		return false
	}
	for i := 0; i < connectAttempts; i++ {
		if m.link.Status() == core.LinkConnected {
			m.log.Info("Link up", "addr", m.link.LocalAddr(), "polls", i)
			return true
		}
		m.sleep(connectPoll)
	}
	m.log.Warn("Connect gave up", "ssid", ssid, "attempts", connectAttempts)
	return false
}

// Maintain is the per-iteration link check. On a fresh drop it retries
// immediately with a bounded connect; while the link stays down further
// attempts are throttled to one per ReconnectInterval.
func (m *Manager) Maintain(now time.Time, ssid, credential string) bool {
	if m.link.Status() == core.LinkConnected {
		m.retrying = false
		return true
	}
	if !m.retrying {
		m.retrying = true
		m.lastAttempt = now
		return m.Connect(ssid, credential)
	}
	if now.Sub(m.lastAttempt) >= ReconnectInterval {
		m.log.Info("Reattempting link association", "ssid", ssid)
		if ssid != "" {
			if err := m.link.Connect(ssid, credential); err != nil {
				m.log.Error(err, "Reconnect failed to start")
			}
		}
		m.lastAttempt = now
	}
	return false
}
