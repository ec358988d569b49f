// Package config holds the persisted device configuration and the
// key-value store it lives in.
package config

import (
	"strings"
	"time"
)

// Store keys. Kept short (max 15 characters) and named after the
// original on-device namespace so an operator can read a dumped store.
const (
	KeyWiFiSSID     = "wifi_ssid"
	KeyWiFiPassword = "wifi_password"
	KeyDeviceName   = "deviceName"
	KeyIDTag        = "idTag"
	KeyDefaultIDTag = "default_id_tag"
	KeyWheelSize    = "wheel_size"
	KeyServerURL    = "serverUrl"
	KeyAPIKey       = "apiKey"
	KeySendInterval = "sendInterval"
	KeyLEDEnabled   = "ledEnabled"
	KeyDebugEnabled = "debugEnabled"
	KeyDeepSleep    = "deep_sleep"
	KeyTestMode     = "testModeEnabled"
	KeyTestDistance = "testDistance"
	KeyTestInterval = "testInterval"
	KeyCfgFetchInt  = "cfg_fetch_int"
	KeyAPPassword   = "ap_passwd"
	KeyFirmwareVer  = "fw_ver"
	KeyLastHB       = "last_hb_time"
	KeyLastFWCheck  = "last_fw_chk"
	KeyConfigExit   = "configExit"
)

// Defaults.
const (
	DefaultWheelSizeCM   = 210.0
	DefaultSendInterval  = 30 * time.Second
	DefaultDeepSleep     = 300 * time.Second
	DefaultTestDistance  = 0.01 // km
	DefaultTestInterval  = 5 * time.Second
	DefaultConfigFetch   = 300 * time.Second
	DefaultPortalTimeout = 300 * time.Second
	DefaultAPPassword    = "mccmuims"
	DefaultFWVersion     = "1.0.0"

	// MinAPPasswordLen is the WPA2 minimum; shorter values are ignored.
	MinAPPasswordLen = 8
)

// DeviceConfig is the in-RAM view of the persisted configuration. Every
// field except IDTag survives reboot; IDTag may be overwritten
// transiently by the identification reader without being persisted.
type DeviceConfig struct {
	WiFiSSID     string
	WiFiPassword string

	DeviceName   string
	IDTag        string // active identity tag, possibly transient
	DefaultIDTag string // persisted default identity tag

	WheelSizeCM float64 // wheel circumference in centimeters
	ServerURL   string
	APIKey      string

	SendInterval time.Duration
	LEDEnabled   bool
	DebugEnabled bool

	DeepSleepTimeout time.Duration // zero disables deep sleep

	TestMode       bool
	TestDistanceKM float64
	TestInterval   time.Duration

	ConfigFetchInterval time.Duration
	APPassword          string
	FirmwareVersion     string
}

// Load reads the full configuration out of the store, applying defaults
// for absent keys. The active IDTag starts as the persisted default,
// falling back to the legacy key for stores written by older firmware.
func Load(st *Store) *DeviceConfig {
	tag := st.GetString(KeyDefaultIDTag, "")
	if tag == "" {
		tag = st.GetString(KeyIDTag, "")
	}

	fw := st.GetString(KeyFirmwareVer, "")
	if fw == "" {
		fw = DefaultFWVersion
		_ = st.PutString(KeyFirmwareVer, fw)
	}

	return &DeviceConfig{
		WiFiSSID:     st.GetString(KeyWiFiSSID, ""),
		WiFiPassword: st.GetString(KeyWiFiPassword, ""),
		DeviceName:   st.GetString(KeyDeviceName, ""),
		IDTag:        tag,
		DefaultIDTag: tag,
		WheelSizeCM:  st.GetFloat(KeyWheelSize, DefaultWheelSizeCM),
		ServerURL:    st.GetString(KeyServerURL, ""),
		APIKey:       st.GetString(KeyAPIKey, ""),
		SendInterval: time.Duration(st.GetUint(KeySendInterval, uint64(DefaultSendInterval/time.Second))) * time.Second,
		LEDEnabled:   st.GetBool(KeyLEDEnabled, true),
		DebugEnabled: st.GetBool(KeyDebugEnabled, false),

		DeepSleepTimeout: time.Duration(st.GetUint(KeyDeepSleep, uint64(DefaultDeepSleep/time.Second))) * time.Second,

		TestMode:       st.GetBool(KeyTestMode, false),
		TestDistanceKM: st.GetFloat(KeyTestDistance, DefaultTestDistance),
		TestInterval:   time.Duration(st.GetUint(KeyTestInterval, uint64(DefaultTestInterval/time.Second))) * time.Second,

		ConfigFetchInterval: time.Duration(st.GetUint(KeyCfgFetchInt, uint64(DefaultConfigFetch/time.Second))) * time.Second,
		APPassword:          apPassword(st),
		FirmwareVersion:     fw,
	}
}

func apPassword(st *Store) string {
	pw := st.GetString(KeyAPPassword, "")
	if len(pw) < MinAPPasswordLen {
		return DefaultAPPassword
	}
	return pw
}

// MissingCritical lists the essential fields without which the device
// must not run in monitoring mode. The WiFi password is deliberately
// not critical: open networks have none.
func (c *DeviceConfig) MissingCritical() []string {
	var missing []string
	if c.WiFiSSID == "" {
		missing = append(missing, KeyWiFiSSID)
	}
	if c.IDTag == "" {
		missing = append(missing, KeyIDTag)
	}
	if c.WheelSizeCM == 0 {
		missing = append(missing, KeyWheelSize)
	}
	if c.ServerURL == "" {
		missing = append(missing, KeyServerURL)
	}
	if c.APIKey == "" {
		missing = append(missing, KeyAPIKey)
	}
	if c.SendInterval == 0 {
		missing = append(missing, KeySendInterval)
	}
	return missing
}

// DeviceID combines the configured name with the stable per-unit suffix.
// An unnamed device is identified by the bare suffix so it is never
// anonymous on the server.
func (c *DeviceConfig) DeviceID(suffix string) string {
	if c.DeviceName == "" {
		return suffix
	}
	return c.DeviceName + "_" + suffix
}

// DeepSleepEnabled reports whether the deep-sleep policy is active.
func (c *DeviceConfig) DeepSleepEnabled() bool {
	return c.DeepSleepTimeout > 0
}

// UplinkInterval is the effective telemetry cadence for the current mode.
func (c *DeviceConfig) UplinkInterval() time.Duration {
	if c.TestMode {
		return c.TestInterval
	}
	return c.SendInterval
}

// NormalizeServerURL trims trailing slashes and defaults the scheme so
// that endpoint paths can be appended directly.
func NormalizeServerURL(raw string) string {
	url := strings.TrimSpace(raw)
	for strings.HasSuffix(url, "/") {
		url = strings.TrimSuffix(url, "/")
	}
	if url == "" {
		return ""
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return url
}

// WheelPreset is a common wheel size with its rolling circumference.
type WheelPreset struct {
	Inches        int
	Circumference float64 // cm
}

// WheelPresets are the selectable wheel sizes offered by the portal.
var WheelPresets = []WheelPreset{
	{20, 159.6},
	{24, 191.6},
	{26, 207.5},
	{28, 223.2},
}

// MatchWheelPreset finds the preset matching a stored circumference,
// within the 1 mm comparison tolerance.
func MatchWheelPreset(circumferenceCM float64) (WheelPreset, bool) {
	for _, p := range WheelPresets {
		d := circumferenceCM - p.Circumference
		if d < 0.1 && d > -0.1 {
			return p, true
		}
	}
	return WheelPreset{}, false
}
