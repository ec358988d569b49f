package device

import (
	"errors"
	"io"
	"time"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/tracker"
)

// Status is the live view the configuration portal renders.
type Status struct {
	State           string
	DeviceID        string
	FirmwareVersion string
	PendingFirmware string

	Connected bool
	LocalAddr string

	IDTag string
	Rider string

	Pulses             int64
	TotalDistanceCM    float64
	IntervalDistanceCM float64
	SpeedKMH           float64
	LastPulseAt        time.Time
}

// Snapshot assembles the current status. Safe to call from HTTP handler
// goroutines.
func (d *Device) Snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{
		State:           d.machine.Current(),
		DeviceID:        d.cfg.DeviceID(d.suffix),
		FirmwareVersion: d.cfg.FirmwareVersion,
		Connected:       d.conn.Connected(),
		LocalAddr:       d.hal.Link().LocalAddr(),
		IDTag:           d.cfg.IDTag,
		Rider:           d.username,

		Pulses:             d.trk.Count(),
		TotalDistanceCM:    d.trk.TotalDistanceCM(),
		IntervalDistanceCM: d.trk.IntervalDistanceCM(),
		SpeedKMH:           tracker.SpeedKMH(d.trk.IntervalDistanceCM(), d.cfg.UplinkInterval()),
		LastPulseAt:        d.trk.LastPulseAt(),
	}
	if d.otam != nil {
		s.PendingFirmware = d.otam.PendingVersion()
	}
	return s
}

// EffectiveConfig returns a copy of the live configuration. The caller
// decides which fields are safe to expose.
func (d *Device) EffectiveConfig() config.DeviceConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.cfg
}

// ConfigUpdate is a partial configuration change from the portal. Nil
// fields are untouched.
type ConfigUpdate struct {
	WiFiSSID     *string
	WiFiPassword *string
	DeviceName   *string
	DefaultIDTag *string
	WheelSizeCM  *float64
	ServerURL    *string
	APIKey       *string

	SendIntervalSeconds *uint64
	LEDEnabled          *bool
	DebugEnabled        *bool
	DeepSleepSeconds    *uint64

	TestMode            *bool
	TestDistanceKM      *float64
	TestIntervalSeconds *uint64

	ConfigFetchSeconds *uint64
	APPassword         *string
}

// SaveConfig persists the supplied fields and applies them to the live
// configuration. Values are normalized the same way the sync engine
// normalizes server values.
func (d *Device) SaveConfig(u ConfigUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u.APPassword != nil && len(*u.APPassword) < config.MinAPPasswordLen {
		return errors.New("access point password below WPA2 minimum length")
	}

	var firstErr error
	put := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if u.WiFiSSID != nil {
		put(d.store.PutString(config.KeyWiFiSSID, *u.WiFiSSID))
		d.cfg.WiFiSSID = *u.WiFiSSID
	}
	if u.WiFiPassword != nil {
		put(d.store.PutString(config.KeyWiFiPassword, *u.WiFiPassword))
		d.cfg.WiFiPassword = *u.WiFiPassword
	}
	if u.DeviceName != nil {
		put(d.store.PutString(config.KeyDeviceName, *u.DeviceName))
		d.cfg.DeviceName = *u.DeviceName
	}
	if u.DefaultIDTag != nil {
		put(d.store.PutString(config.KeyDefaultIDTag, *u.DefaultIDTag))
		if d.cfg.IDTag == d.cfg.DefaultIDTag {
			d.cfg.IDTag = *u.DefaultIDTag
		}
		d.cfg.DefaultIDTag = *u.DefaultIDTag
	}
	if u.WheelSizeCM != nil && *u.WheelSizeCM > 0 {
		put(d.store.PutFloat(config.KeyWheelSize, *u.WheelSizeCM))
		d.cfg.WheelSizeCM = *u.WheelSizeCM
		d.trk.SetWheelSize(*u.WheelSizeCM)
	}
	if u.ServerURL != nil {
		url := config.NormalizeServerURL(*u.ServerURL)
		put(d.store.PutString(config.KeyServerURL, url))
		d.cfg.ServerURL = url
	}
	if u.APIKey != nil {
		put(d.store.PutString(config.KeyAPIKey, *u.APIKey))
		d.cfg.APIKey = *u.APIKey
	}
	if u.SendIntervalSeconds != nil && *u.SendIntervalSeconds > 0 {
		put(d.store.PutUint(config.KeySendInterval, *u.SendIntervalSeconds))
		d.cfg.SendInterval = time.Duration(*u.SendIntervalSeconds) * time.Second
	}
	if u.LEDEnabled != nil {
		put(d.store.PutBool(config.KeyLEDEnabled, *u.LEDEnabled))
		d.cfg.LEDEnabled = *u.LEDEnabled
	}
	if u.DebugEnabled != nil {
		put(d.store.PutBool(config.KeyDebugEnabled, *u.DebugEnabled))
		d.cfg.DebugEnabled = *u.DebugEnabled
	}
	if u.DeepSleepSeconds != nil {
		put(d.store.PutUint(config.KeyDeepSleep, *u.DeepSleepSeconds))
		d.cfg.DeepSleepTimeout = time.Duration(*u.DeepSleepSeconds) * time.Second
	}
	if u.TestMode != nil {
		put(d.store.PutBool(config.KeyTestMode, *u.TestMode))
		d.cfg.TestMode = *u.TestMode
	}
	if u.TestDistanceKM != nil && *u.TestDistanceKM > 0 {
		put(d.store.PutFloat(config.KeyTestDistance, *u.TestDistanceKM))
		d.cfg.TestDistanceKM = *u.TestDistanceKM
	}
	if u.TestIntervalSeconds != nil && *u.TestIntervalSeconds > 0 {
		put(d.store.PutUint(config.KeyTestInterval, *u.TestIntervalSeconds))
		d.cfg.TestInterval = time.Duration(*u.TestIntervalSeconds) * time.Second
	}
	if u.ConfigFetchSeconds != nil && *u.ConfigFetchSeconds > 0 {
		put(d.store.PutUint(config.KeyCfgFetchInt, *u.ConfigFetchSeconds))
		d.cfg.ConfigFetchInterval = time.Duration(*u.ConfigFetchSeconds) * time.Second
	}
	if u.APPassword != nil {
		put(d.store.PutString(config.KeyAPPassword, *u.APPassword))
		d.cfg.APPassword = *u.APPassword
	}
	d.touchPortal()
	return firstErr
}

// RequestRestart asks the control loop to restart on its next pass.
func (d *Device) RequestRestart() {
	d.restartReq.Store(true)
}

// ApplyFirmware streams an operator-uploaded image into the firmware
// sink. A negative size means the upload did not declare its length,
// which is allowed on this path only.
func (d *Device) ApplyFirmware(r io.Reader, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.otam == nil {
		return errors.New("no firmware sink configured")
	}
	d.touchPortal()
	if err := d.otam.ApplyBlob(d.cfg, r, size, ""); err != nil {
		return err
	}
	d.restartReq.Store(true)
	return nil
}
