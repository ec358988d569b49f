package portal

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

type fakeDevice struct {
	status  device.Status
	cfg     config.DeviceConfig
	saved   *device.ConfigUpdate
	saveErr error

	restartRequested bool
	firmware         []byte
	firmwareSize     int64
}

func (f *fakeDevice) Snapshot() device.Status                { return f.status }
func (f *fakeDevice) EffectiveConfig() config.DeviceConfig   { return f.cfg }
func (f *fakeDevice) RequestRestart()                        { f.restartRequested = true }
func (f *fakeDevice) SaveConfig(u device.ConfigUpdate) error { f.saved = &u; return f.saveErr }

func (f *fakeDevice) ApplyFirmware(r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.firmware = data
	f.firmwareSize = size
	return nil
}

func newTestServer(t *testing.T, dev *fakeDevice) *httptest.Server {
	t.Helper()
	s := NewServer(":0", dev, log.NewNopLogger())
	srv := httptest.NewServer(s.server.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusEndpoint(t *testing.T) {
	dev := &fakeDevice{status: device.Status{
		State:           "MONITORING",
		DeviceID:        "MCC-CITY-01_A1B2",
		FirmwareVersion: "1.0.0",
		Connected:       true,
		IDTag:           "TAG-1",
		Pulses:          50,
		TotalDistanceCM: 10500,
		SpeedKMH:        12.6,
		LastPulseAt:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}}
	srv := newTestServer(t, dev)

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "MONITORING", body["state"])
	require.Equal(t, "MCC-CITY-01_A1B2", body["device_id"])
	require.InDelta(t, 0.105, body["total_distance_km"].(float64), 1e-9)
	require.InDelta(t, 12.6, body["speed_kmh"].(float64), 1e-9)
}

func TestConfigGetRedactsSecrets(t *testing.T) {
	dev := &fakeDevice{cfg: config.DeviceConfig{
		WiFiSSID:     "mcc-net",
		WiFiPassword: "wifi-secret",
		APIKey:       "api-secret",
		WheelSizeCM:  210,
		SendInterval: 30 * time.Second,
	}}
	srv := newTestServer(t, dev)

	resp, err := http.Get(srv.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "wifi-secret")
	require.NotContains(t, string(raw), "api-secret")

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Equal(t, true, body["wifi_password_set"])
	require.Equal(t, true, body["api_key_set"])
	require.Equal(t, "mcc-net", body["wifi_ssid"])
}

func TestConfigPost(t *testing.T) {
	dev := &fakeDevice{}
	srv := newTestServer(t, dev)

	resp, err := http.Post(srv.URL+"/api/config", "application/json",
		bytes.NewBufferString(`{"wifi_ssid": "new-net", "wheel_size_cm": 207.5, "led_enabled": false}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, dev.saved)
	require.Equal(t, "new-net", *dev.saved.WiFiSSID)
	require.Equal(t, 207.5, *dev.saved.WheelSizeCM)
	require.False(t, *dev.saved.LEDEnabled)
	require.Nil(t, dev.saved.ServerURL, "absent fields must stay nil")
}

func TestConfigPostMalformed(t *testing.T) {
	dev := &fakeDevice{}
	srv := newTestServer(t, dev)

	resp, err := http.Post(srv.URL+"/api/config", "application/json",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Nil(t, dev.saved)
}

func TestRebootEndpoint(t *testing.T) {
	dev := &fakeDevice{}
	srv := newTestServer(t, dev)

	resp, err := http.Post(srv.URL+"/reboot", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, dev.restartRequested)
}

func TestFirmwareUpload(t *testing.T) {
	dev := &fakeDevice{}
	srv := newTestServer(t, dev)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("firmware", "firmware.bin")
	require.NoError(t, err)
	image := bytes.Repeat([]byte{0xAB}, 1024)
	_, err = part.Write(image)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/update", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, image, dev.firmware)
	require.Equal(t, int64(-1), dev.firmwareSize, "browser uploads carry no declared length")
}

func TestFirmwareUploadWithoutPart(t *testing.T) {
	dev := &fakeDevice{}
	srv := newTestServer(t, dev)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_, err := mw.CreateFormFile("other", "x.bin")
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/update", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Nil(t, dev.firmware)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeDevice{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWheelPresetsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeDevice{})

	resp, err := http.Get(srv.URL + "/api/presets")
	require.NoError(t, err)
	defer resp.Body.Close()

	var presets []struct {
		Inches          int     `json:"inches"`
		CircumferenceCM float64 `json:"circumference_cm"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presets))
	require.Len(t, presets, 4)
	require.Equal(t, 26, presets[2].Inches)
	require.Equal(t, 207.5, presets[2].CircumferenceCM)
}
