package ota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/api"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/hal"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

func newStore(t *testing.T) *config.Store {
	t.Helper()
	st, err := config.Open(filepath.Join(t.TempDir(), "device.conf"))
	require.NoError(t, err)
	return st
}

func baseConfig(serverURL string) *config.DeviceConfig {
	return &config.DeviceConfig{
		DeviceName:      "MCC-CITY-01",
		ServerURL:       serverURL,
		APIKey:          "key",
		FirmwareVersion: "1.0.0",
	}
}

// restartSpy wraps the sim HAL to observe restarts.
type restartSpy struct {
	*hal.Sim
	restarted bool
}

func (r *restartSpy) Restart() error {
	r.restarted = true
	return r.Sim.Restart()
}

func firmwareServer(t *testing.T, image []byte, chunked bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(api.PathFirmwareInfo, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1.0.0", r.URL.Query().Get("current_version"))
		json.NewEncoder(w).Encode(map[string]any{
			"success":           true,
			"update_available":  true,
			"current_version":   "1.0.0",
			"available_version": "1.1.0",
			"file_size":         len(image),
		})
	})
	mux.HandleFunc(api.PathFirmwareDownload, func(w http.ResponseWriter, r *http.Request) {
		if chunked {
			// Stream without a declared length.
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			w.Write(image)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(image)))
		w.Write(image)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckForUpdate(t *testing.T) {
	image := bytes.Repeat([]byte{0xAB}, 1500)
	srv := firmwareServer(t, image, false)

	st := newStore(t)
	cfg := baseConfig(srv.URL)
	sink := hal.NewFileSink(t.TempDir())
	spy := &restartSpy{Sim: hal.NewSim()}
	boot := time.Now()
	m := NewManager(api.NewClient(), st, sink, spy, boot, log.NewNopLogger())

	now := boot.Add(CheckInterval)
	require.True(t, m.CheckDue(now))
	pending, err := m.CheckForUpdate(context.Background(), now, cfg, "A1B2")
	require.NoError(t, err)
	require.True(t, pending)
	require.Equal(t, "1.1.0", m.PendingVersion())
	require.Equal(t, now.Unix(), st.GetInt64(config.KeyLastFWCheck, 0))
	require.False(t, m.CheckDue(now))
}

func TestCheckTimeRestoredAcrossBoot(t *testing.T) {
	st := newStore(t)
	boot := time.Now()
	require.NoError(t, st.PutInt64(config.KeyLastFWCheck, boot.Add(-90*time.Second).Unix()))

	m := NewManager(api.NewClient(), st, hal.NewFileSink(t.TempDir()), hal.NewSim(), boot, log.NewNopLogger())
	require.False(t, m.CheckDue(boot.Add(20*time.Second)),
		"a check run just before sleeping must still count after the wake")
	require.True(t, m.CheckDue(boot.Add(40*time.Second)))
}

func TestCheckClearsStalePending(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(api.PathFirmwareInfo, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "update_available": false})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := NewManager(api.NewClient(), newStore(t), hal.NewFileSink(t.TempDir()), hal.NewSim(), time.Now(), log.NewNopLogger())
	m.pendingVersion = "1.0.5"

	pending, err := m.CheckForUpdate(context.Background(), time.Now(), baseConfig(srv.URL), "A1B2")
	require.NoError(t, err)
	require.False(t, pending)
	require.Empty(t, m.PendingVersion())
}

func TestDownloadAndApply(t *testing.T) {
	image := bytes.Repeat([]byte{0xCD}, 1300) // not chunk aligned
	srv := firmwareServer(t, image, false)

	st := newStore(t)
	cfg := baseConfig(srv.URL)
	dir := t.TempDir()
	sink := hal.NewFileSink(dir)
	spy := &restartSpy{Sim: hal.NewSim()}
	m := NewManager(api.NewClient(), st, sink, spy, time.Now(), log.NewNopLogger())
	m.pendingVersion = "1.1.0"

	require.NoError(t, m.DownloadAndApply(context.Background(), cfg, "A1B2"))

	written, err := os.ReadFile(filepath.Join(dir, "firmware.bin"))
	require.NoError(t, err)
	require.Equal(t, image, written)

	require.Equal(t, "1.1.0", cfg.FirmwareVersion)
	require.Equal(t, "1.1.0", st.GetString(config.KeyFirmwareVer, ""))
	require.Empty(t, m.PendingVersion())
	require.True(t, spy.restarted)
}

func TestDownloadWithoutLengthIsRejected(t *testing.T) {
	image := bytes.Repeat([]byte{0xEF}, 600)
	srv := firmwareServer(t, image, true)

	cfg := baseConfig(srv.URL)
	spy := &restartSpy{Sim: hal.NewSim()}
	m := NewManager(api.NewClient(), newStore(t), hal.NewFileSink(t.TempDir()), spy, time.Now(), log.NewNopLogger())

	err := m.DownloadAndApply(context.Background(), cfg, "A1B2")
	var upErr *api.UpdateError
	require.ErrorAs(t, err, &upErr)
	require.Equal(t, api.UpdatePhaseBegin, upErr.Phase)
	require.False(t, spy.restarted)
	require.Equal(t, "1.0.0", cfg.FirmwareVersion)
}

// failSink fails after accepting one chunk.
type failSink struct {
	writes int
	abort  bool
}

func (f *failSink) Begin(size int64) error { return nil }
func (f *failSink) Write(p []byte) (int, error) {
	f.writes++
	if f.writes > 1 {
		return 0, errors.New("flash write failed")
	}
	return len(p), nil
}
func (f *failSink) Finalize() error { return nil }
func (f *failSink) Abort()          { f.abort = true }

func TestApplyAbortsOnWriteFailure(t *testing.T) {
	image := bytes.Repeat([]byte{0x01}, 1024)
	srv := firmwareServer(t, image, false)

	sink := &failSink{}
	spy := &restartSpy{Sim: hal.NewSim()}
	m := NewManager(api.NewClient(), newStore(t), sink, spy, time.Now(), log.NewNopLogger())

	err := m.DownloadAndApply(context.Background(), baseConfig(srv.URL), "A1B2")
	var upErr *api.UpdateError
	require.ErrorAs(t, err, &upErr)
	require.Equal(t, api.UpdatePhaseWrite, upErr.Phase)
	require.True(t, sink.abort, "a failed write must abort the sink")
	require.False(t, spy.restarted)
}

func TestApplyBlobAllowsUnknownLength(t *testing.T) {
	image := bytes.Repeat([]byte{0x42}, 777)
	dir := t.TempDir()
	sink := hal.NewFileSink(dir)
	spy := &restartSpy{Sim: hal.NewSim()}
	st := newStore(t)
	cfg := baseConfig("http://unused")
	m := NewManager(api.NewClient(), st, sink, spy, time.Now(), log.NewNopLogger())

	require.NoError(t, m.ApplyBlob(cfg, bytes.NewReader(image), -1, "2.0.0"))

	written, err := os.ReadFile(filepath.Join(dir, "firmware.bin"))
	require.NoError(t, err)
	require.Equal(t, image, written)
	require.Equal(t, "2.0.0", cfg.FirmwareVersion)
	require.Equal(t, "2.0.0", st.GetString(config.KeyFirmwareVer, ""))
	require.True(t, spy.restarted)
}
