package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "device.conf"))
	require.NoError(t, err)
	return st
}

func TestLoadDefaults(t *testing.T) {
	st := newStore(t)
	cfg := Load(st)

	require.Equal(t, DefaultWheelSizeCM, cfg.WheelSizeCM)
	require.Equal(t, DefaultSendInterval, cfg.SendInterval)
	require.Equal(t, DefaultDeepSleep, cfg.DeepSleepTimeout)
	require.Equal(t, DefaultConfigFetch, cfg.ConfigFetchInterval)
	require.Equal(t, DefaultAPPassword, cfg.APPassword)
	require.True(t, cfg.LEDEnabled)
	require.False(t, cfg.TestMode)

	// The firmware version is self-seeding so the first OTA check has a
	// version to compare against.
	require.Equal(t, DefaultFWVersion, cfg.FirmwareVersion)
	require.Equal(t, DefaultFWVersion, st.GetString(KeyFirmwareVer, ""))
}

func TestLoadLegacyTagKey(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.PutString(KeyIDTag, "TAG-OLD"))
	cfg := Load(st)
	require.Equal(t, "TAG-OLD", cfg.IDTag)
	require.Equal(t, "TAG-OLD", cfg.DefaultIDTag)

	// The new key wins over the legacy one once present.
	require.NoError(t, st.PutString(KeyDefaultIDTag, "TAG-NEW"))
	require.Equal(t, "TAG-NEW", Load(st).IDTag)
}

func TestLoadShortAPPasswordFallsBack(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.PutString(KeyAPPassword, "short"))
	require.Equal(t, DefaultAPPassword, Load(st).APPassword)

	require.NoError(t, st.PutString(KeyAPPassword, "longenough"))
	require.Equal(t, "longenough", Load(st).APPassword)
}

func TestMissingCritical(t *testing.T) {
	cfg := &DeviceConfig{}
	require.ElementsMatch(t,
		[]string{KeyWiFiSSID, KeyIDTag, KeyWheelSize, KeyServerURL, KeyAPIKey, KeySendInterval},
		cfg.MissingCritical())

	cfg = &DeviceConfig{
		WiFiSSID:     "net",
		IDTag:        "TAG",
		WheelSizeCM:  210,
		ServerURL:    "http://mcc.example",
		APIKey:       "key",
		SendInterval: 30 * time.Second,
	}
	require.Empty(t, cfg.MissingCritical())

	// An open network needs no password.
	cfg.WiFiPassword = ""
	require.Empty(t, cfg.MissingCritical())
}

func TestDeviceID(t *testing.T) {
	cfg := &DeviceConfig{DeviceName: "MCC-CITY-01"}
	require.Equal(t, "MCC-CITY-01_A1B2", cfg.DeviceID("A1B2"))

	cfg.DeviceName = ""
	require.Equal(t, "A1B2", cfg.DeviceID("A1B2"))
}

func TestUplinkInterval(t *testing.T) {
	cfg := &DeviceConfig{
		SendInterval: 30 * time.Second,
		TestInterval: 5 * time.Second,
	}
	require.Equal(t, 30*time.Second, cfg.UplinkInterval())
	cfg.TestMode = true
	require.Equal(t, 5*time.Second, cfg.UplinkInterval())
}

func TestNormalizeServerURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"mcc.example", "http://mcc.example"},
		{"http://mcc.example/", "http://mcc.example"},
		{"https://mcc.example///", "https://mcc.example"},
		{"  https://mcc.example ", "https://mcc.example"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, NormalizeServerURL(c.in), "input %q", c.in)
	}
}

func TestMatchWheelPreset(t *testing.T) {
	p, ok := MatchWheelPreset(207.5)
	require.True(t, ok)
	require.Equal(t, 26, p.Inches)

	p, ok = MatchWheelPreset(207.55)
	require.True(t, ok)
	require.Equal(t, 26, p.Inches)

	_, ok = MatchWheelPreset(210)
	require.False(t, ok)
}
