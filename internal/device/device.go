// Package device composes the tachometer control logic: one cooperative
// loop driving pulse tracking, telemetry, configuration sync, firmware
// updates and the deep-sleep policy over a hardware abstraction.
package device

import (
	"context"
	"errors"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/api"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/conn"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/core"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/ota"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/power"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/sync"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/telemetry"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/tracker"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

// ErrRestartRequested asks the host to tear the device down and run it
// again from boot. On real hardware this is a hard reset; hosted, the
// command loop recreates the device in-process.
var ErrRestartRequested = errors.New("device restart requested")

// DefaultLoopInterval paces the cooperative control loop.
const DefaultLoopInterval = 100 * time.Millisecond

// Config carries everything a Device needs. HAL, Store and Logger are
// required; the rest defaults to no-op or standard implementations.
type Config struct {
	HAL      core.HAL
	Store    *config.Store
	Sink     core.FirmwareSink
	Identity core.IdentityReader
	Ind      core.Indicator

	Client       *api.Client
	LoopInterval time.Duration
	Logger       log.Logger
}

// Device is one tachometer unit. All state is owned by the control
// loop; the mutex exists only for the portal-facing accessors, which
// run on HTTP handler goroutines.
type Device struct {
	hal    core.HAL
	store  *config.Store
	ident  core.IdentityReader
	ind    core.Indicator
	client *api.Client
	log    log.Logger

	mu       stdsync.Mutex
	cfg      *config.DeviceConfig
	suffix   string
	username string

	trk    *tracker.Tracker
	conn   *conn.Manager
	uplink *telemetry.Uplink
	syncer *sync.Engine
	otam   *ota.Manager
	pwr    *power.Manager

	machine *FiniteStateMachine

	loopInterval time.Duration
	now          func() time.Time

	restartReq   atomic.Bool
	forcedPortal bool
	portalUntil  time.Time
	portalPulses int64
}

// NewDevice wires all components against the shared configuration.
func NewDevice(c *Config) (*Device, error) {
	if c.HAL == nil || c.Store == nil {
		return nil, errors.New("device requires a HAL and a store")
	}
	logger := c.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	client := c.Client
	if client == nil {
		client = api.NewClient()
	}
	ident := c.Identity
	if ident == nil {
		ident = core.NopIdentityReader{}
	}
	ind := c.Ind
	if ind == nil {
		ind = core.NopIndicator{}
	}
	interval := c.LoopInterval
	if interval <= 0 {
		interval = DefaultLoopInterval
	}

	now := time.Now()
	cfg := config.Load(c.Store)
	trk := tracker.New(c.HAL.Pulse(), cfg.WheelSizeCM, now)

	d := &Device{
		hal:    c.HAL,
		store:  c.Store,
		ident:  ident,
		ind:    ind,
		client: client,
		log:    logger.WithName("device"),

		cfg:    cfg,
		suffix: c.HAL.UnitID(),

		trk:    trk,
		conn:   conn.NewManager(c.HAL.Link(), logger),
		uplink: telemetry.NewUplink(client, trk, now, logger),
		syncer: sync.NewEngine(client, c.Store, now, logger),
		pwr:    power.NewManager(c.HAL, trk, logger),

		machine:      NewFiniteStateMachine(logger),
		loopInterval: interval,
		now:          time.Now,
	}
	if c.Sink != nil {
		d.otam = ota.NewManager(client, c.Store, c.Sink, c.HAL, now, logger)
	}
	return d, nil
}

// State returns the current operating state.
func (d *Device) State() string { return d.machine.Current() }

// Run boots the device and drives it until the context is cancelled,
// deep sleep is entered, or a restart is requested. Deep sleep and
// restart both surface as ErrRestartRequested so the host re-runs from
// boot, mirroring the hardware behavior of waking into a fresh boot.
func (d *Device) Run(ctx context.Context) error {
	now := d.now()

	// The portal exit marker is one-shot: read and clear before
	// anything can fail, so a crash cannot replay it.
	wasConfigExit := d.store.GetBool(config.KeyConfigExit, false)
	if wasConfigExit {
		if err := d.store.Delete(config.KeyConfigExit); err != nil {
			d.log.Warn("Clearing portal exit marker failed", "error", err)
		}
	}

	missing := d.cfg.MissingCritical()
	wake := d.hal.WakeCause()
	d.log.Info("Booting",
		"device", d.cfg.DeviceID(d.suffix), "fw", d.cfg.FirmwareVersion,
		"wake", wake, "config_exit", wasConfigExit, "missing", missing)

	switch {
	case len(missing) > 0:
		// Unconfigured units are captive in the portal until the
		// critical fields exist.
		d.forcedPortal = true
		fallthrough
	case wake != core.WakeCausePulse && !wasConfigExit:
		if err := d.machine.Event(ctx, EventEnterPortal); err != nil {
			return err
		}
		return d.runPortal(ctx, now)
	}

	if err := d.machine.Event(ctx, EventStartMonitoring, d.cfg); err != nil {
		// The guard fired: configuration regressed between load and
		// boot. Fall back to the portal instead of failing the run.
		d.log.Warn("Cannot start monitoring, entering portal", "error", err)
		d.forcedPortal = true
		if perr := d.machine.Event(ctx, EventEnterPortal); perr != nil {
			return err
		}
		return d.runPortal(ctx, now)
	}
	return d.runMonitoring(ctx)
}

func (d *Device) runMonitoring(ctx context.Context) error {
	if d.hal.WakeCause() == core.WakeCausePulse {
		d.ind.WakeTone()
	} else {
		d.ind.StartupTone()
	}

	d.mu.Lock()
	ssid, pass := d.cfg.WiFiSSID, d.cfg.WiFiPassword
	d.mu.Unlock()
	connected := d.conn.Connect(ssid, pass)
	if connected {
		d.bootSync(ctx)
	}

	ticker := time.NewTicker(d.loopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := d.tick(ctx, d.now()); err != nil {
			return err
		}
	}
}

// bootSync is the one-shot reconciliation pass after the link comes up:
// report the local config, pull the server's, and run whichever of the
// persisted-timestamp tasks are due. A device that spends its life
// bouncing between sleep and short wakes still converges without
// heartbeating or checking firmware on every single wake.
func (d *Device) bootSync(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()

	_ = d.syncer.ReportConfig(ctx, d.cfg, d.suffix)
	if applied, err := d.syncer.FetchAndApply(ctx, now, d.cfg, d.suffix); err == nil && applied > 0 {
		d.trk.SetWheelSize(d.cfg.WheelSizeCM)
	}
	if d.syncer.HeartbeatDue(now) {
		_ = d.syncer.Heartbeat(ctx, now, d.cfg, d.suffix)
	}
	if d.otam != nil && d.otam.CheckDue(now) {
		if pending, err := d.otam.CheckForUpdate(ctx, now, d.cfg, d.suffix); err == nil && pending {
			if err := d.otam.DownloadAndApply(ctx, d.cfg, d.suffix); err != nil {
				d.log.Warn("Boot firmware update failed", "error", err)
			} else {
				d.restartReq.Store(true)
			}
		}
	}
}

// tick is one cooperative loop pass in monitoring state.
func (d *Device) tick(ctx context.Context, now time.Time) error {
	if d.restartReq.Load() {
		return ErrRestartRequested
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if tag, ok := d.ident.Poll(); ok && tag != d.cfg.IDTag {
		d.handleTagChange(ctx, tag)
	}

	connected := d.conn.Maintain(now, d.cfg.WiFiSSID, d.cfg.WiFiPassword)

	changed, err := d.trk.Poll(now)
	if err != nil {
		d.log.Error(err, "Reading pulse counter failed")
	} else if changed && d.cfg.LEDEnabled {
		d.ind.PulseBlink()
	}

	if d.uplink.Due(now, d.cfg) {
		_ = d.uplink.Send(ctx, now, d.cfg, d.suffix, connected)
	}

	if connected {
		if d.syncer.HeartbeatDue(now) {
			_ = d.syncer.Heartbeat(ctx, now, d.cfg, d.suffix)
		}
		if d.syncer.FetchDue(now, d.cfg) {
			if applied, err := d.syncer.FetchAndApply(ctx, now, d.cfg, d.suffix); err == nil && applied > 0 {
				d.trk.SetWheelSize(d.cfg.WheelSizeCM)
			}
		}
		if d.otam != nil && d.otam.CheckDue(now) {
			if pending, err := d.otam.CheckForUpdate(ctx, now, d.cfg, d.suffix); err == nil && pending {
				if err := d.otam.DownloadAndApply(ctx, d.cfg, d.suffix); err != nil {
					d.log.Warn("Firmware update failed", "error", err)
				} else {
					return ErrRestartRequested
				}
			}
		}
	}

	if d.pwr.ShouldSleep(now, d.cfg) && d.pwr.TrySleep(now) {
		if err := d.machine.Event(ctx, EventSleep); err != nil {
			d.log.Warn("Sleep transition rejected", "error", err)
		}
		return ErrRestartRequested
	}
	return nil
}

// handleTagChange switches the active rider. The distance accumulated
// for the previous rider must not leak to the new one, so the counter
// is reset after the switch.
func (d *Device) handleTagChange(ctx context.Context, tag string) {
	d.log.Info("Identity tag changed", "tag", tag)
	d.ind.TagTone()
	d.cfg.IDTag = tag
	d.uplink.NoteTagChange(tag)
	if err := d.trk.Reset(); err != nil {
		d.log.Error(err, "Resetting pulse counter failed")
	}

	d.username = ""
	if d.conn.Connected() {
		cred := api.Credentials{BaseURL: d.cfg.ServerURL, APIKey: d.cfg.APIKey, DeviceID: d.cfg.DeviceID(d.suffix)}
		if name, err := d.client.LookupUser(ctx, cred, tag); err != nil {
			d.log.Warn("User lookup failed", "tag", tag, "error", err)
		} else if name != "" {
			d.username = name
		}
	}
	if d.username != "" {
		d.ind.ShowRider(d.username)
	} else {
		d.ind.ShowRider(tag)
	}
}

func (d *Device) runPortal(ctx context.Context, started time.Time) error {
	d.mu.Lock()
	d.portalUntil = started.Add(config.DefaultPortalTimeout)
	d.mu.Unlock()
	if n, err := d.hal.Pulse().Read(); err == nil {
		d.portalPulses = n
	}
	d.log.Info("Configuration portal active",
		"forced", d.forcedPortal, "timeout", config.DefaultPortalTimeout)

	ticker := time.NewTicker(d.loopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := d.now()

		if d.restartReq.Load() {
			return d.exitPortal("operator request")
		}
		d.mu.Lock()
		deadline := d.portalUntil
		d.mu.Unlock()
		if now.After(deadline) {
			return d.exitPortal("timeout")
		}
		// A moving wheel means the unit is mounted and in use; leave
		// the portal unless it is captive for missing configuration.
		if !d.forcedPortal {
			if n, err := d.hal.Pulse().Read(); err == nil && n != d.portalPulses {
				return d.exitPortal("wheel movement")
			}
		}
	}
}

// touchPortal pushes the portal deadline out after operator activity,
// so someone mid-configuration is not cut off. Callers hold d.mu.
func (d *Device) touchPortal() {
	if d.machine.Current() == StatePortal {
		d.portalUntil = d.now().Add(config.DefaultPortalTimeout)
	}
}

// exitPortal records that the next boot came from a deliberate portal
// exit, so it heads straight into monitoring instead of the portal.
func (d *Device) exitPortal(reason string) error {
	d.log.Info("Leaving configuration portal", "reason", reason)
	if err := d.store.PutBool(config.KeyConfigExit, true); err != nil {
		d.log.Error(err, "Persisting portal exit marker failed")
	}
	if err := d.hal.Restart(); err != nil {
		d.log.Error(err, "Restart failed")
	}
	return ErrRestartRequested
}
