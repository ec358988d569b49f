// Package telemetry posts distance samples to the backend, guaranteeing
// that accumulated distance is never lost across failed sends.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/api"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/tracker"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/pkg/metrics"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

// testTagPrefix identifies synthetic test-mode samples on the server.
const testTagPrefix = "MCC-Testuser"

// Sample is one telemetry snapshot, created per send cycle and
// discarded after transmission.
type Sample struct {
	SpeedKMH   float64
	DistanceCM float64
	Pulses     int64
	IDTag      string
	DeviceID   string
	Test       bool
}

// Uplink schedules and delivers telemetry samples. The send timer and
// the tracker's committed count advance independently: the timer moves
// on any delivered attempt, the commit only on confirmed acceptance.
type Uplink struct {
	client  *api.Client
	tracker *tracker.Tracker
	log     log.Logger

	lastSend    time.Time
	lastSentTag string
}

func NewUplink(client *api.Client, trk *tracker.Tracker, bootedAt time.Time, logger log.Logger) *Uplink {
	return &Uplink{
		client:   client,
		tracker:  trk,
		log:      logger.WithName("telemetry"),
		lastSend: bootedAt,
	}
}

// Due reports whether the configured interval has elapsed.
func (u *Uplink) Due(now time.Time, cfg *config.DeviceConfig) bool {
	return now.Sub(u.lastSend) >= cfg.UplinkInterval()
}

// LastSentTag is the identity tag of the most recent successful send.
func (u *Uplink) LastSentTag() string { return u.lastSentTag }

// NoteTagChange records that the active identity changed before any
// send happened for it, so the change is not re-detected every pass.
func (u *Uplink) NoteTagChange(tag string) { u.lastSentTag = tag }

// Snapshot builds the sample that a send at the given instant would
// carry. The portal uses it as the live telemetry view.
func (u *Uplink) Snapshot(now time.Time, cfg *config.DeviceConfig, suffix string) Sample {
	interval := cfg.UplinkInterval()
	dist := u.tracker.IntervalDistanceCM()
	s := Sample{
		SpeedKMH:   tracker.SpeedKMH(dist, interval),
		DistanceCM: dist,
		Pulses:     u.tracker.IntervalPulses(),
		IDTag:      cfg.IDTag,
		DeviceID:   cfg.DeviceID(suffix),
		Test:       cfg.TestMode,
	}
	if cfg.TestMode {
		s.IDTag = testTagPrefix + "_" + suffix
		s.DistanceCM = cfg.TestDistanceKM * tracker.CMPerKM
	}
	return s
}

// Send transmits the current sample if the preconditions hold.
//
// Failure classification drives the timers:
//   - missing configuration or no link: return the error without
//     advancing the send timer, so the next loop pass retries at once;
//   - delivered but rejected, or any transport failure after the link
//     check passed: advance the timer (do not hammer the server) but
//     leave the committed count untouched;
//   - confirmed acceptance: advance the timer, commit the count and
//     record the sent tag.
func (u *Uplink) Send(ctx context.Context, now time.Time, cfg *config.DeviceConfig, suffix string, connected bool) error {
	if cfg.ServerURL == "" || cfg.WiFiSSID == "" {
		metrics.TelemetrySends.WithLabelValues("failed").Inc()
		return api.ErrNotConfigured
	}
	if !connected {
		metrics.TelemetrySends.WithLabelValues("no_link").Inc()
		return api.ErrNoLink
	}

	sample := u.Snapshot(now, cfg, suffix)

	// Real samples are only worth sending when the wheel moved.
	if !cfg.TestMode && sample.DistanceCM <= 0 {
		u.lastSend = now
		metrics.TelemetrySends.WithLabelValues("skipped").Inc()
		return nil
	}

	cred := api.Credentials{BaseURL: cfg.ServerURL, APIKey: cfg.APIKey, DeviceID: sample.DeviceID}
	distanceKM := sample.DistanceCM / tracker.CMPerKM

	u.log.Debug("Sending telemetry",
		"device", sample.DeviceID, "tag", sample.IDTag,
		"distance_km", distanceKM, "speed_kmh", sample.SpeedKMH,
		"pulses", sample.Pulses, "test", sample.Test)

	res, err := u.client.PostTelemetry(ctx, cred, sample.IDTag, distanceKM)
	if err != nil {
		if errors.Is(err, api.ErrNotConfigured) || errors.Is(err, api.ErrNoLink) {
			metrics.TelemetrySends.WithLabelValues("no_link").Inc()
			return err
		}
		// Delivered-or-not, the link check passed: back off until the
		// next interval but keep the distance pending.
		u.lastSend = now
		metrics.TelemetrySends.WithLabelValues("failed").Inc()
		u.log.Warn("Telemetry send failed, distance kept pending", "error", err)
		return err
	}

	u.lastSend = now
	if !res.Success {
		metrics.TelemetrySends.WithLabelValues("rejected").Inc()
		u.log.Warn("Telemetry rejected by server", "message", res.Message, "skipped", res.Skipped)
		return nil
	}

	if !cfg.TestMode {
		u.tracker.Commit()
	}
	u.lastSentTag = cfg.IDTag
	metrics.TelemetrySends.WithLabelValues("success").Inc()
	u.log.Info("Telemetry delivered", "distance_km", distanceKM, "pulses", sample.Pulses)
	return nil
}
