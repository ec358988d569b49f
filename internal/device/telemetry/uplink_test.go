package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/api"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/hal"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/tracker"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

type capturedUpdate struct {
	DeviceID string  `json:"device_id"`
	IDTag    string  `json:"id_tag"`
	Distance float64 `json:"distance"`
}

func testConfig(serverURL string) *config.DeviceConfig {
	return &config.DeviceConfig{
		WiFiSSID:       "mcc-net",
		DeviceName:     "MCC-CITY-01",
		IDTag:          "TAG-1",
		DefaultIDTag:   "TAG-1",
		WheelSizeCM:    210,
		ServerURL:      serverURL,
		APIKey:         "key",
		SendInterval:   30 * time.Second,
		TestDistanceKM: 0.01,
		TestInterval:   5 * time.Second,
	}
}

func newUplink(t *testing.T, bootedAt time.Time) (*Uplink, *hal.SimPulse, *capturedUpdate, *httptest.Server) {
	t.Helper()
	captured := &capturedUpdate{}
	reply := `{"success": true, "message": "ok"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, api.PathUpdateData, r.URL.Path)
		require.Equal(t, "key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)

	pulse := &hal.SimPulse{}
	trk := tracker.New(pulse, 210, bootedAt)
	return NewUplink(api.NewClient(), trk, bootedAt, log.NewNopLogger()), pulse, captured, srv
}

func TestDue(t *testing.T) {
	boot := time.Now()
	u, _, _, srv := newUplink(t, boot)
	cfg := testConfig(srv.URL)

	require.False(t, u.Due(boot.Add(29*time.Second), cfg))
	require.True(t, u.Due(boot.Add(30*time.Second), cfg))

	cfg.TestMode = true
	require.True(t, u.Due(boot.Add(5*time.Second), cfg))
}

func TestSendCommitsOnSuccess(t *testing.T) {
	boot := time.Now()
	u, pulse, captured, srv := newUplink(t, boot)
	cfg := testConfig(srv.URL)

	for i := 0; i < 50; i++ {
		pulse.Pulse()
	}
	_, err := u.tracker.Poll(boot)
	require.NoError(t, err)

	now := boot.Add(30 * time.Second)
	require.NoError(t, u.Send(context.Background(), now, cfg, "A1B2", true))

	require.Equal(t, "MCC-CITY-01_A1B2", captured.DeviceID)
	require.Equal(t, "TAG-1", captured.IDTag)
	require.InDelta(t, 0.105, captured.Distance, 1e-9)

	require.Zero(t, u.tracker.IntervalPulses(), "confirmed delivery must commit")
	require.Equal(t, "TAG-1", u.LastSentTag())
	require.False(t, u.Due(now, cfg), "send must advance the timer")
}

func TestSendPreconditionsKeepTimer(t *testing.T) {
	boot := time.Now()
	u, pulse, _, srv := newUplink(t, boot)
	cfg := testConfig(srv.URL)
	pulse.Pulse()
	_, err := u.tracker.Poll(boot)
	require.NoError(t, err)

	now := boot.Add(30 * time.Second)

	cfg.ServerURL = ""
	require.ErrorIs(t, u.Send(context.Background(), now, cfg, "A1B2", true), api.ErrNotConfigured)
	require.True(t, u.Due(now, cfg), "missing config must not advance the timer")

	cfg.ServerURL = srv.URL
	require.ErrorIs(t, u.Send(context.Background(), now, cfg, "A1B2", false), api.ErrNoLink)
	require.True(t, u.Due(now, cfg), "no link must not advance the timer")
	require.Equal(t, int64(1), u.tracker.IntervalPulses())
}

func TestSendSkipsZeroDistance(t *testing.T) {
	boot := time.Now()
	u, _, captured, srv := newUplink(t, boot)
	cfg := testConfig(srv.URL)

	now := boot.Add(30 * time.Second)
	require.NoError(t, u.Send(context.Background(), now, cfg, "A1B2", true))
	require.Empty(t, captured.DeviceID, "zero distance must not hit the server")
	require.False(t, u.Due(now, cfg), "skip still advances the timer")
}

func TestSendRejectedKeepsDistancePending(t *testing.T) {
	boot := time.Now()
	captured := &capturedUpdate{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		w.Write([]byte(`{"success": false, "message": "unknown tag"}`))
	}))
	t.Cleanup(srv.Close)

	pulse := &hal.SimPulse{}
	trk := tracker.New(pulse, 210, boot)
	u := NewUplink(api.NewClient(), trk, boot, log.NewNopLogger())
	cfg := testConfig(srv.URL)

	pulse.Pulse()
	pulse.Pulse()
	_, err := trk.Poll(boot)
	require.NoError(t, err)

	now := boot.Add(30 * time.Second)
	require.NoError(t, u.Send(context.Background(), now, cfg, "A1B2", true))
	require.Equal(t, int64(2), trk.IntervalPulses(), "rejection must not commit")
	require.False(t, u.Due(now, cfg), "rejection still advances the timer")

	// The pending distance folds into the next successful send.
	pulse.Pulse()
	_, err = trk.Poll(now)
	require.NoError(t, err)
	require.InDelta(t, 630.0, trk.IntervalDistanceCM(), 1e-9)
}

func TestSendTransportFailureKeepsDistancePending(t *testing.T) {
	boot := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	pulse := &hal.SimPulse{}
	trk := tracker.New(pulse, 210, boot)
	u := NewUplink(api.NewClient(), trk, boot, log.NewNopLogger())
	cfg := testConfig(srv.URL)

	pulse.Pulse()
	_, err := trk.Poll(boot)
	require.NoError(t, err)

	now := boot.Add(30 * time.Second)
	require.Error(t, u.Send(context.Background(), now, cfg, "A1B2", true))
	require.Equal(t, int64(1), trk.IntervalPulses())
	require.False(t, u.Due(now, cfg))
}

func TestSendTestMode(t *testing.T) {
	boot := time.Now()
	u, pulse, captured, srv := newUplink(t, boot)
	cfg := testConfig(srv.URL)
	cfg.TestMode = true

	pulse.Pulse()
	_, err := u.tracker.Poll(boot)
	require.NoError(t, err)

	now := boot.Add(5 * time.Second)
	require.NoError(t, u.Send(context.Background(), now, cfg, "A1B2", true))

	require.Equal(t, "MCC-Testuser_A1B2", captured.IDTag)
	require.InDelta(t, 0.01, captured.Distance, 1e-9)
	require.Equal(t, int64(1), u.tracker.IntervalPulses(), "test mode must not commit real pulses")
}
