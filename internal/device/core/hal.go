// Package core defines the capability interfaces between the tachometer
// control logic and the hardware it runs on. Every peripheral the loop
// touches is behind one of these interfaces so that the same logic runs
// unchanged on real hardware, in the hosted simulator, and in tests.
package core

import "io"

// Level is the electrical level of the pulse sensor line.
type Level int

const (
	// LineIdle is the pulled-up resting level between wheel rotations.
	LineIdle Level = iota
	// LineAsserted is the level driven while a pulse is in progress.
	// It is also the level the wake source triggers on.
	LineAsserted
)

// WakeCause reports why the device booted.
type WakeCause int

const (
	// WakeCauseReset is a cold boot, power cycle or software restart.
	WakeCauseReset WakeCause = iota
	// WakeCausePulse is a wake from deep sleep triggered by the armed
	// pulse line.
	WakeCausePulse
)

// PulseCounter wraps the hardware edge counter on the sensor line.
// The counter increments independently of the control loop.
type PulseCounter interface {
	// Read returns the current count without modifying it.
	Read() (int64, error)
	// Clear zeroes the hardware counter.
	Clear() error
	// Level reports the current electrical level of the sensor line.
	Level() Level
}

// LinkStatus is the association state of the network link.
type LinkStatus int

const (
	LinkDisconnected LinkStatus = iota
	LinkConnecting
	LinkConnected
)

// NetworkLink abstracts the radio. Connect only starts association; the
// caller polls Status to learn the outcome.
type NetworkLink interface {
	Connect(ssid, credential string) error
	Status() LinkStatus
	LocalAddr() string
}

// HAL is the hardware abstraction the device state machine is built on.
type HAL interface {
	// UnitID returns a stable per-unit identifier. It must not change
	// across reboots or firmware updates.
	UnitID() string

	// WakeCause reports why this boot happened.
	WakeCause() WakeCause

	Pulse() PulseCounter
	Link() NetworkLink

	// ArmWakeOnPulse configures the sensor line as the wake source,
	// triggering on LineAsserted.
	ArmWakeOnPulse() error

	// DeepSleep powers the device down. On real hardware it does not
	// return; the next pulse restarts the firmware from boot.
	DeepSleep() error

	// Restart performs a full software restart.
	Restart() error
}

// FirmwareSink receives a firmware image during an update. A sink that
// has been Begun must see either Finalize or Abort.
type FirmwareSink interface {
	// Begin prepares the sink for an image of the given size.
	// A negative size means the total length is not known up front,
	// which only the operator upload path is allowed to use.
	Begin(size int64) error
	io.Writer
	// Finalize marks the fully written image bootable.
	Finalize() error
	// Abort discards everything written so far. No partial image may
	// remain bootable afterwards.
	Abort()
}

// IdentityReader polls the external identification reader for the rider
// identity tag. Implementations must be cheap to call once per loop pass.
type IdentityReader interface {
	// Poll returns the currently presented tag, if any.
	Poll() (tag string, ok bool)
}

// Indicator is the optional user feedback hardware (LED, buzzer, display).
type Indicator interface {
	StartupTone()
	WakeTone()
	TagTone()
	PulseBlink()
	ShowRider(name string)
}

// NopIdentityReader is the IdentityReader used when no reader is fitted.
type NopIdentityReader struct{}

func (NopIdentityReader) Poll() (string, bool) { return "", false }

// NopIndicator is the Indicator used when no feedback hardware is fitted.
type NopIndicator struct{}

func (NopIndicator) StartupTone()     {}
func (NopIndicator) WakeTone()        {}
func (NopIndicator) TagTone()         {}
func (NopIndicator) PulseBlink()      {}
func (NopIndicator) ShowRider(string) {}
