// Package ota checks for, downloads and applies firmware images.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/api"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/core"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/pkg/metrics"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

const (
	// CheckInterval is how often to ask the server for a newer image.
	CheckInterval = 2 * time.Minute

	// chunkSize matches the write granularity of the flash-backed sink.
	chunkSize = 512
)

// Manager performs firmware checks and the two-phase apply (stream into
// the sink, then finalize and restart).
type Manager struct {
	client *api.Client
	store  *config.Store
	sink   core.FirmwareSink
	hal    core.HAL
	log    log.Logger

	lastCheck      time.Time
	pendingVersion string
}

func NewManager(client *api.Client, store *config.Store, sink core.FirmwareSink, hal core.HAL, bootedAt time.Time, logger log.Logger) *Manager {
	m := &Manager{
		client:    client,
		store:     store,
		sink:      sink,
		hal:       hal,
		log:       logger.WithName("ota"),
		lastCheck: bootedAt,
	}
	// Like the heartbeat time, the check time survives sleep cycles so a
	// device waking every few seconds does not hammer the update endpoint.
	if ts := store.GetInt64(config.KeyLastFWCheck, 0); ts > 0 {
		if t := time.Unix(ts, 0); t.Before(bootedAt) {
			m.lastCheck = t
		}
	}
	return m
}

func (m *Manager) CheckDue(now time.Time) bool {
	return now.Sub(m.lastCheck) >= CheckInterval
}

// PendingVersion is the version the last check found available, empty
// when the device is current.
func (m *Manager) PendingVersion() string { return m.pendingVersion }

// CheckForUpdate asks the server whether an image newer than the
// running version exists and remembers the answer. It returns true when
// an update is pending.
func (m *Manager) CheckForUpdate(ctx context.Context, now time.Time, cfg *config.DeviceConfig, suffix string) (bool, error) {
	m.lastCheck = now
	cred := api.Credentials{BaseURL: cfg.ServerURL, APIKey: cfg.APIKey, DeviceID: cfg.DeviceID(suffix)}

	info, err := m.client.CheckFirmware(ctx, cred, cfg.FirmwareVersion)
	if err != nil {
		m.log.Warn("Firmware check failed", "error", err)
		return false, err
	}
	if err := m.store.PutInt64(config.KeyLastFWCheck, now.Unix()); err != nil {
		m.log.Warn("Persisting firmware check time failed", "error", err)
	}

	if !info.UpdateAvailable {
		m.pendingVersion = ""
		return false, nil
	}
	m.pendingVersion = info.AvailableVersion
	m.log.Info("Firmware update available",
		"current", cfg.FirmwareVersion, "available", info.AvailableVersion, "size", info.FileSize)
	return true, nil
}

// DownloadAndApply streams the pending image into the sink and, on
// success, persists the new version and restarts. The autonomous path
// requires a declared length; a server that cannot state the image size
// is not trusted to stream one.
func (m *Manager) DownloadAndApply(ctx context.Context, cfg *config.DeviceConfig, suffix string) error {
	cred := api.Credentials{BaseURL: cfg.ServerURL, APIKey: cfg.APIKey, DeviceID: cfg.DeviceID(suffix)}

	dl, err := m.client.DownloadFirmware(ctx, cred)
	if err != nil {
		metrics.FirmwareUpdates.WithLabelValues("download").Inc()
		return err
	}
	defer dl.Body.Close()

	if dl.ContentLength <= 0 {
		metrics.FirmwareUpdates.WithLabelValues("begin").Inc()
		return &api.UpdateError{Phase: api.UpdatePhaseBegin, Err: errors.New("server did not declare image size")}
	}

	version := m.pendingVersion
	if dl.Version != "" {
		version = dl.Version
	}
	if err := m.applyStream(dl.Body, dl.ContentLength); err != nil {
		return err
	}
	return m.commit(cfg, version)
}

// ApplyBlob applies an image supplied by the configuration portal. The
// portal path tolerates an unknown length (negative) because a browser
// multipart upload may not declare one.
func (m *Manager) ApplyBlob(cfg *config.DeviceConfig, r io.Reader, declaredLength int64, version string) error {
	if err := m.applyStream(r, declaredLength); err != nil {
		return err
	}
	return m.commit(cfg, version)
}

func (m *Manager) applyStream(r io.Reader, size int64) error {
	if err := m.sink.Begin(size); err != nil {
		metrics.FirmwareUpdates.WithLabelValues("begin").Inc()
		return &api.UpdateError{Phase: api.UpdatePhaseBegin, Err: err}
	}

	buf := make([]byte, chunkSize)
	written := int64(0)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := m.sink.Write(buf[:n]); werr != nil {
				m.sink.Abort()
				metrics.FirmwareUpdates.WithLabelValues("write").Inc()
				return &api.UpdateError{Phase: api.UpdatePhaseWrite, Err: werr}
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			m.sink.Abort()
			metrics.FirmwareUpdates.WithLabelValues("write").Inc()
			return &api.UpdateError{Phase: api.UpdatePhaseWrite, Err: rerr}
		}
	}

	if size > 0 && written != size {
		m.sink.Abort()
		metrics.FirmwareUpdates.WithLabelValues("write").Inc()
		return &api.UpdateError{
			Phase: api.UpdatePhaseWrite,
			Err:   fmt.Errorf("truncated image: got %d of %d bytes", written, size),
		}
	}

	if err := m.sink.Finalize(); err != nil {
		metrics.FirmwareUpdates.WithLabelValues("finalize").Inc()
		return &api.UpdateError{Phase: api.UpdatePhaseFinalize, Err: err}
	}
	m.log.Info("Firmware image written", "bytes", written)
	return nil
}

func (m *Manager) commit(cfg *config.DeviceConfig, version string) error {
	if version != "" {
		if err := m.store.PutString(config.KeyFirmwareVer, version); err != nil {
			m.log.Warn("Persisting firmware version failed", "error", err)
		} else {
			cfg.FirmwareVersion = version
		}
	}
	m.pendingVersion = ""
	metrics.FirmwareUpdates.WithLabelValues("applied").Inc()
	m.log.Info("Firmware applied, restarting", "version", cfg.FirmwareVersion)
	m.hal.Restart()
	return nil
}
