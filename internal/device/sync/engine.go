// Package sync reconciles the device configuration with the backend:
// periodic reporting, fetch-and-apply with sentinel semantics, API key
// rotation and heartbeats.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/api"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/pkg/metrics"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

// HeartbeatInterval is fixed; the server treats a device silent for a
// few multiples of it as offline.
const HeartbeatInterval = 60 * time.Second

// Server-side wheel sizes arrive in millimeters; anything outside this
// range is a unit mistake and is not applied.
const (
	minWheelMM = 500
	maxWheelMM = 3000
)

// Engine drives config reconciliation against the backend.
type Engine struct {
	client *api.Client
	store  *config.Store
	log    log.Logger

	lastHeartbeat time.Time
	lastFetch     time.Time
}

func NewEngine(client *api.Client, store *config.Store, bootedAt time.Time, logger log.Logger) *Engine {
	e := &Engine{
		client:        client,
		store:         store,
		log:           logger.WithName("sync"),
		lastHeartbeat: bootedAt,
		lastFetch:     bootedAt,
	}
	// The heartbeat time is persisted so that short sleep/wake cycles
	// neither heartbeat on every wake nor starve the server of them.
	if ts := store.GetInt64(config.KeyLastHB, 0); ts > 0 {
		if t := time.Unix(ts, 0); t.Before(bootedAt) {
			e.lastHeartbeat = t
		}
	}
	return e
}

func (e *Engine) HeartbeatDue(now time.Time) bool {
	return now.Sub(e.lastHeartbeat) >= HeartbeatInterval
}

func (e *Engine) FetchDue(now time.Time, cfg *config.DeviceConfig) bool {
	return now.Sub(e.lastFetch) >= cfg.ConfigFetchInterval
}

// Heartbeat announces the device as alive and persists the timestamp so
// the last contact survives reboot.
func (e *Engine) Heartbeat(ctx context.Context, now time.Time, cfg *config.DeviceConfig, suffix string) error {
	e.lastHeartbeat = now
	cred := credentials(cfg, suffix)
	if err := e.client.Heartbeat(ctx, cred); err != nil {
		e.log.Warn("Heartbeat failed", "error", err)
		return err
	}
	if err := e.store.PutInt64(config.KeyLastHB, now.Unix()); err != nil {
		e.log.Warn("Persisting heartbeat time failed", "error", err)
	}
	e.log.Debug("Heartbeat delivered")
	return nil
}

// ReportConfig posts the effective configuration for server comparison.
// Secrets (WiFi password, API key value) never leave the device in a
// report; the key authenticates the request instead.
func (e *Engine) ReportConfig(ctx context.Context, cfg *config.DeviceConfig, suffix string) error {
	cred := credentials(cfg, suffix)
	report := map[string]any{
		"device_name":                   cfg.DeviceID(suffix),
		"default_id_tag":                cfg.DefaultIDTag,
		"send_interval_seconds":         uint64(cfg.SendInterval / time.Second),
		"server_url":                    cfg.ServerURL,
		"wifi_ssid":                     cfg.WiFiSSID,
		"debug_mode":                    cfg.DebugEnabled,
		"test_mode":                     cfg.TestMode,
		"deep_sleep_seconds":            uint64(cfg.DeepSleepTimeout / time.Second),
		"wheel_size":                    cfg.WheelSizeCM,
		"config_fetch_interval_seconds": uint64(cfg.ConfigFetchInterval / time.Second),
		"ap_password":                   cfg.APPassword,
		"firmware_version":              cfg.FirmwareVersion,
	}
	res, err := e.client.ReportConfig(ctx, cred, report)
	if err != nil {
		e.log.Warn("Config report failed", "error", err)
		return err
	}
	if res.HasDifferences {
		for _, d := range res.Differences {
			e.log.Info("Config differs from server",
				"field", d.Field, "server", d.ServerValue, "device", d.DeviceValue)
		}
	}
	return nil
}

// FetchAndApply retrieves the server configuration and applies every
// non-sentinel field, persisting each accepted field individually so a
// crash mid-apply loses at most the remaining fields. It returns the
// number of fields applied.
func (e *Engine) FetchAndApply(ctx context.Context, now time.Time, cfg *config.DeviceConfig, suffix string) (int, error) {
	e.lastFetch = now
	cred := credentials(cfg, suffix)
	remote, err := e.client.FetchConfig(ctx, cred)
	if err != nil {
		e.log.Warn("Config fetch failed", "error", err)
		return 0, err
	}
	applied := e.apply(ctx, cfg, suffix, remote)
	if applied > 0 {
		metrics.ConfigFieldsApplied.Add(float64(applied))
		e.log.Info("Applied server configuration", "fields", applied)
	}
	return applied, nil
}

func (e *Engine) apply(ctx context.Context, cfg *config.DeviceConfig, suffix string, remote *api.RemoteConfig) int {
	applied := 0

	if remote.DefaultIDTag != "" && remote.DefaultIDTag != cfg.DefaultIDTag {
		if e.persistString(config.KeyDefaultIDTag, remote.DefaultIDTag) {
			// The active tag follows the default only when no reader
			// override is in effect.
			if cfg.IDTag == cfg.DefaultIDTag {
				cfg.IDTag = remote.DefaultIDTag
			}
			cfg.DefaultIDTag = remote.DefaultIDTag
			applied++
		}
	}

	if remote.SendIntervalSeconds > 0 {
		iv := time.Duration(remote.SendIntervalSeconds) * time.Second
		if iv != cfg.SendInterval && e.persistUint(config.KeySendInterval, remote.SendIntervalSeconds) {
			cfg.SendInterval = iv
			applied++
		}
	}

	if remote.ServerURL != "" {
		u := config.NormalizeServerURL(remote.ServerURL)
		if u != cfg.ServerURL && e.persistString(config.KeyServerURL, u) {
			cfg.ServerURL = u
			applied++
		}
	}

	if remote.WheelSizeMM >= minWheelMM && remote.WheelSizeMM <= maxWheelMM {
		cm := remote.WheelSizeMM / 10
		d := cm - cfg.WheelSizeCM
		if (d > 0.1 || d < -0.1) && e.persistFloat(config.KeyWheelSize, cm) {
			cfg.WheelSizeCM = cm
			applied++
		}
	}

	if remote.DebugMode != nil && *remote.DebugMode != cfg.DebugEnabled {
		if e.persistBool(config.KeyDebugEnabled, *remote.DebugMode) {
			cfg.DebugEnabled = *remote.DebugMode
			applied++
		}
	}

	if remote.TestMode != nil && *remote.TestMode != cfg.TestMode {
		if e.persistBool(config.KeyTestMode, *remote.TestMode) {
			cfg.TestMode = *remote.TestMode
			applied++
		}
	}

	if remote.DeepSleepSeconds != nil {
		to := time.Duration(*remote.DeepSleepSeconds) * time.Second
		if to != cfg.DeepSleepTimeout && e.persistUint(config.KeyDeepSleep, *remote.DeepSleepSeconds) {
			cfg.DeepSleepTimeout = to
			applied++
		}
	}

	if remote.CfgFetchSeconds > 0 {
		iv := time.Duration(remote.CfgFetchSeconds) * time.Second
		if iv != cfg.ConfigFetchInterval && e.persistUint(config.KeyCfgFetchInt, remote.CfgFetchSeconds) {
			cfg.ConfigFetchInterval = iv
			applied++
		}
	}

	if len(remote.APPassword) >= config.MinAPPasswordLen && remote.APPassword != cfg.APPassword {
		if e.persistString(config.KeyAPPassword, remote.APPassword) {
			cfg.APPassword = remote.APPassword
			applied++
		}
	} else if remote.APPassword != "" && len(remote.APPassword) < config.MinAPPasswordLen {
		e.log.Warn("Ignoring server AP password shorter than WPA2 minimum")
	}

	if remote.DeviceAPIKey != "" && remote.DeviceAPIKey != cfg.APIKey {
		if e.rotateAPIKey(ctx, cfg, suffix, remote.DeviceAPIKey) {
			applied++
		}
	}

	return applied
}

// rotateAPIKey probes the candidate key against the backend before
// committing it. A key that cannot be verified is rejected outright:
// keeping a working key beats adopting one that might lock the device
// out.
func (e *Engine) rotateAPIKey(ctx context.Context, cfg *config.DeviceConfig, suffix, candidate string) bool {
	if err := e.TestAPIKey(ctx, cfg, suffix, candidate); err != nil {
		var httpErr *api.HTTPError
		if errors.As(err, &httpErr) && httpErr.IsAuthError() {
			metrics.CredentialRotations.WithLabelValues("rejected").Inc()
			e.log.Warn("Server offered an API key the server itself rejects, keeping current key")
		} else {
			metrics.CredentialRotations.WithLabelValues("unverified").Inc()
			e.log.Warn("Could not verify candidate API key, keeping current key", "error", err)
		}
		return false
	}
	if !e.persistString(config.KeyAPIKey, candidate) {
		metrics.CredentialRotations.WithLabelValues("persist_failed").Inc()
		return false
	}
	cfg.APIKey = candidate
	metrics.CredentialRotations.WithLabelValues("accepted").Inc()
	e.log.Info("Rotated device API key")
	return true
}

// TestAPIKey verifies a candidate credential with a lightweight
// authenticated request. nil means the candidate provably works; every
// other outcome, including a transport failure, is a rejection so the
// device can never lock itself out by adopting an unproven key.
func (e *Engine) TestAPIKey(ctx context.Context, cfg *config.DeviceConfig, suffix, candidate string) error {
	err := e.client.HeartbeatWithKey(ctx, credentials(cfg, suffix), candidate)
	if err == nil {
		return nil
	}
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) && httpErr.IsAuthError() {
		return fmt.Errorf("%w: %w", api.ErrCredentialRejected, err)
	}
	return fmt.Errorf("%w: verification inconclusive: %w", api.ErrCredentialRejected, err)
}

func (e *Engine) persistString(key, value string) bool {
	if err := e.store.PutString(key, value); err != nil {
		e.log.Error(err, "Persisting config field failed", "key", key)
		return false
	}
	return true
}

func (e *Engine) persistUint(key string, value uint64) bool {
	if err := e.store.PutUint(key, value); err != nil {
		e.log.Error(err, "Persisting config field failed", "key", key)
		return false
	}
	return true
}

func (e *Engine) persistFloat(key string, value float64) bool {
	if err := e.store.PutFloat(key, value); err != nil {
		e.log.Error(err, "Persisting config field failed", "key", key)
		return false
	}
	return true
}

func (e *Engine) persistBool(key string, value bool) bool {
	if err := e.store.PutBool(key, value); err != nil {
		e.log.Error(err, "Persisting config field failed", "key", key)
		return false
	}
	return true
}

func credentials(cfg *config.DeviceConfig, suffix string) api.Credentials {
	return api.Credentials{
		BaseURL:  cfg.ServerURL,
		APIKey:   cfg.APIKey,
		DeviceID: cfg.DeviceID(suffix),
	}
}
