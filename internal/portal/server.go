// Package portal is the local configuration portal: the HTTP surface an
// operator uses to provision, inspect and update a unit.
package portal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/pkg/metrics"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

// maxFirmwareUpload bounds operator uploads; real images are well below
// this.
const maxFirmwareUpload = 16 << 20

// Device is the portal's view of the unit it configures.
type Device interface {
	Snapshot() device.Status
	EffectiveConfig() config.DeviceConfig
	SaveConfig(device.ConfigUpdate) error
	RequestRestart()
	ApplyFirmware(r io.Reader, size int64) error
}

type Server struct {
	server *http.Server
	log    log.Logger
}

func NewServer(addr string, dev Device, logger log.Logger) *Server {
	s := &Server{log: logger.WithName("portal")}

	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus(dev)).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleGetConfig(dev)).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleSaveConfig(dev)).Methods(http.MethodPost)
	r.HandleFunc("/api/presets", s.handlePresets).Methods(http.MethodGet)
	r.HandleFunc("/reboot", s.handleReboot(dev)).Methods(http.MethodPost)
	r.HandleFunc("/update", s.handleUpdate(dev)).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("Starting portal server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

type statusResponse struct {
	State           string  `json:"state"`
	DeviceID        string  `json:"device_id"`
	FirmwareVersion string  `json:"firmware_version"`
	PendingFirmware string  `json:"pending_firmware,omitempty"`
	Connected       bool    `json:"connected"`
	LocalAddr       string  `json:"local_addr,omitempty"`
	IDTag           string  `json:"id_tag"`
	Rider           string  `json:"rider,omitempty"`
	Pulses          int64   `json:"pulses"`
	TotalDistanceKM float64 `json:"total_distance_km"`
	SpeedKMH        float64 `json:"speed_kmh"`
	LastPulseAt     string  `json:"last_pulse_at"`
}

func (s *Server) handleStatus(dev Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := dev.Snapshot()
		writeJSON(w, http.StatusOK, statusResponse{
			State:           st.State,
			DeviceID:        st.DeviceID,
			FirmwareVersion: st.FirmwareVersion,
			PendingFirmware: st.PendingFirmware,
			Connected:       st.Connected,
			LocalAddr:       st.LocalAddr,
			IDTag:           st.IDTag,
			Rider:           st.Rider,
			Pulses:          st.Pulses,
			TotalDistanceKM: st.TotalDistanceCM / 100000.0,
			SpeedKMH:        st.SpeedKMH,
			LastPulseAt:     st.LastPulseAt.Format(time.RFC3339),
		})
	}
}

// configResponse mirrors the persisted configuration with secrets
// reduced to set/unset flags.
type configResponse struct {
	WiFiSSID        string  `json:"wifi_ssid"`
	WiFiPasswordSet bool    `json:"wifi_password_set"`
	DeviceName      string  `json:"device_name"`
	DefaultIDTag    string  `json:"default_id_tag"`
	WheelSizeCM     float64 `json:"wheel_size_cm"`
	ServerURL       string  `json:"server_url"`
	APIKeySet       bool    `json:"api_key_set"`

	SendIntervalSeconds uint64 `json:"send_interval_seconds"`
	LEDEnabled          bool   `json:"led_enabled"`
	DebugEnabled        bool   `json:"debug_enabled"`
	DeepSleepSeconds    uint64 `json:"deep_sleep_seconds"`

	TestMode            bool    `json:"test_mode"`
	TestDistanceKM      float64 `json:"test_distance_km"`
	TestIntervalSeconds uint64  `json:"test_interval_seconds"`

	ConfigFetchSeconds uint64 `json:"config_fetch_interval_seconds"`
	FirmwareVersion    string `json:"firmware_version"`
}

func (s *Server) handleGetConfig(dev Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := dev.EffectiveConfig()
		writeJSON(w, http.StatusOK, configResponse{
			WiFiSSID:        cfg.WiFiSSID,
			WiFiPasswordSet: cfg.WiFiPassword != "",
			DeviceName:      cfg.DeviceName,
			DefaultIDTag:    cfg.DefaultIDTag,
			WheelSizeCM:     cfg.WheelSizeCM,
			ServerURL:       cfg.ServerURL,
			APIKeySet:       cfg.APIKey != "",

			SendIntervalSeconds: uint64(cfg.SendInterval / time.Second),
			LEDEnabled:          cfg.LEDEnabled,
			DebugEnabled:        cfg.DebugEnabled,
			DeepSleepSeconds:    uint64(cfg.DeepSleepTimeout / time.Second),

			TestMode:            cfg.TestMode,
			TestDistanceKM:      cfg.TestDistanceKM,
			TestIntervalSeconds: uint64(cfg.TestInterval / time.Second),

			ConfigFetchSeconds: uint64(cfg.ConfigFetchInterval / time.Second),
			FirmwareVersion:    cfg.FirmwareVersion,
		})
	}
}

type configRequest struct {
	WiFiSSID     *string  `json:"wifi_ssid"`
	WiFiPassword *string  `json:"wifi_password"`
	DeviceName   *string  `json:"device_name"`
	DefaultIDTag *string  `json:"default_id_tag"`
	WheelSizeCM  *float64 `json:"wheel_size_cm"`
	ServerURL    *string  `json:"server_url"`
	APIKey       *string  `json:"api_key"`

	SendIntervalSeconds *uint64 `json:"send_interval_seconds"`
	LEDEnabled          *bool   `json:"led_enabled"`
	DebugEnabled        *bool   `json:"debug_enabled"`
	DeepSleepSeconds    *uint64 `json:"deep_sleep_seconds"`

	TestMode            *bool    `json:"test_mode"`
	TestDistanceKM      *float64 `json:"test_distance_km"`
	TestIntervalSeconds *uint64  `json:"test_interval_seconds"`

	ConfigFetchSeconds *uint64 `json:"config_fetch_interval_seconds"`
	APPassword         *string `json:"ap_password"`
}

func (s *Server) handleSaveConfig(dev Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req configRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed config body")
			return
		}
		err := dev.SaveConfig(device.ConfigUpdate{
			WiFiSSID:     req.WiFiSSID,
			WiFiPassword: req.WiFiPassword,
			DeviceName:   req.DeviceName,
			DefaultIDTag: req.DefaultIDTag,
			WheelSizeCM:  req.WheelSizeCM,
			ServerURL:    req.ServerURL,
			APIKey:       req.APIKey,

			SendIntervalSeconds: req.SendIntervalSeconds,
			LEDEnabled:          req.LEDEnabled,
			DebugEnabled:        req.DebugEnabled,
			DeepSleepSeconds:    req.DeepSleepSeconds,

			TestMode:            req.TestMode,
			TestDistanceKM:      req.TestDistanceKM,
			TestIntervalSeconds: req.TestIntervalSeconds,

			ConfigFetchSeconds: req.ConfigFetchSeconds,
			APPassword:         req.APPassword,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Info("Configuration saved via portal")
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	type preset struct {
		Inches          int     `json:"inches"`
		CircumferenceCM float64 `json:"circumference_cm"`
	}
	out := make([]preset, 0, len(config.WheelPresets))
	for _, p := range config.WheelPresets {
		out = append(out, preset{Inches: p.Inches, CircumferenceCM: p.Circumference})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReboot(dev Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.log.Info("Reboot requested via portal")
		dev.RequestRestart()
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// handleUpdate accepts a firmware image as the "firmware" part of a
// multipart upload. Browser uploads do not declare the part length, so
// the image is applied with an unknown size.
func (s *Server) handleUpdate(dev Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxFirmwareUpload)
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, "expected multipart upload")
			return
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				writeError(w, http.StatusBadRequest, "no firmware part in upload")
				return
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, "malformed upload")
				return
			}
			if part.FormName() != "firmware" {
				part.Close()
				continue
			}
			s.log.Info("Applying uploaded firmware", "filename", part.FileName())
			applyErr := dev.ApplyFirmware(part, -1)
			part.Close()
			if applyErr != nil {
				writeError(w, http.StatusInternalServerError, applyErr.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "restarting": true})
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
