// Package api is the HTTP client for the MyCyclingCity backend. All
// request and response bodies are JSON; authentication is a device API
// key in the X-Api-Key header.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Backend endpoint paths.
const (
	PathUpdateData       = "/api/update-data"
	PathGetUserID        = "/api/get-user-id"
	PathConfigReport     = "/api/device/config/report"
	PathConfigFetch      = "/api/device/config/fetch"
	PathHeartbeat        = "/api/device/heartbeat"
	PathFirmwareInfo     = "/api/device/firmware/info"
	PathFirmwareDownload = "/api/device/firmware/download"
)

const apiKeyHeader = "X-Api-Key"

// firmwareVersionHeader carries the image version on a download response
// when the info step could not supply one.
const firmwareVersionHeader = "X-Firmware-Version"

// Credentials identifies the device on every request.
type Credentials struct {
	BaseURL  string
	APIKey   string
	DeviceID string
}

// Client talks to the backend. The zero value is not usable; construct
// with NewClient.
type Client struct {
	http *http.Client
}

// NewClient returns a client with a bounded per-request deadline, so a
// stalled server cannot stall the control loop indefinitely.
func NewClient() *Client {
	return &Client{
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewClientWithTransport is used by tests to inject a round tripper.
func NewClientWithTransport(rt http.RoundTripper) *Client {
	return &Client{
		http: &http.Client{Timeout: 10 * time.Second, Transport: rt},
	}
}

// UpdateResult is the application-level outcome of a telemetry post.
type UpdateResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Skipped bool   `json:"skipped"`
}

// PostTelemetry sends one distance sample. A nil error with
// Success=false is a delivered-but-rejected sample; the caller must not
// commit the sent distance.
func (c *Client) PostTelemetry(ctx context.Context, cred Credentials, idTag string, distanceKM float64) (*UpdateResult, error) {
	payload := map[string]any{
		"device_id": cred.DeviceID,
		"id_tag":    idTag,
		"distance":  distanceKM,
	}
	var res UpdateResult
	if err := c.postJSON(ctx, cred, PathUpdateData, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// LookupUser resolves an identity tag to the rider's symbolic name.
// An unknown tag is not an error; it returns an empty name.
func (c *Client) LookupUser(ctx context.Context, cred Credentials, idTag string) (string, error) {
	var res struct {
		UserID string `json:"user_id"`
	}
	err := c.postJSON(ctx, cred, PathGetUserID, map[string]any{"id_tag": idTag}, &res)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	if res.UserID == "NULL" {
		return "", nil
	}
	return res.UserID, nil
}

// FieldDifference is one config field the server sees differently.
type FieldDifference struct {
	Field       string `json:"field"`
	ServerValue string `json:"server_value"`
	DeviceValue string `json:"device_value"`
}

// ReportResult is the server's reaction to a config report.
type ReportResult struct {
	Success        bool              `json:"success"`
	HasDifferences bool              `json:"has_differences"`
	Differences    []FieldDifference `json:"differences"`
}

// ReportConfig posts the device's effective configuration (minus
// secrets) for server-side comparison.
func (c *Client) ReportConfig(ctx context.Context, cred Credentials, report map[string]any) (*ReportResult, error) {
	payload := map[string]any{
		"device_id": cred.DeviceID,
		"config":    report,
	}
	var res ReportResult
	if err := c.postJSON(ctx, cred, PathConfigReport, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RemoteConfig is the server-authoritative configuration. String and
// numeric zero values are sentinels meaning "no opinion"; the pointer
// fields distinguish an absent key from an explicit false or zero.
type RemoteConfig struct {
	DefaultIDTag        string  `json:"default_id_tag"`
	SendIntervalSeconds uint64  `json:"send_interval_seconds"`
	ServerURL           string  `json:"server_url"`
	WheelSizeMM         float64 `json:"wheel_size"`
	DebugMode           *bool   `json:"debug_mode"`
	TestMode            *bool   `json:"test_mode"`
	DeepSleepSeconds    *uint64 `json:"deep_sleep_seconds"`
	APPassword          string  `json:"ap_password"`
	DeviceAPIKey        string  `json:"device_api_key"`
	CfgFetchSeconds     uint64  `json:"config_fetch_interval_seconds"`
}

// FetchConfig retrieves the server-side configuration for this device.
func (c *Client) FetchConfig(ctx context.Context, cred Credentials) (*RemoteConfig, error) {
	var res struct {
		Success bool          `json:"success"`
		Config  *RemoteConfig `json:"config"`
	}
	q := url.Values{"device_id": {cred.DeviceID}}
	if err := c.getJSON(ctx, cred, PathConfigFetch, q, &res); err != nil {
		return nil, err
	}
	if !res.Success || res.Config == nil {
		return nil, &ParseError{Err: fmt.Errorf("config fetch response without config")}
	}
	return res.Config, nil
}

// Heartbeat announces the device as alive. HeartbeatWithKey exists so
// the credential rotation check can probe a candidate key.
func (c *Client) Heartbeat(ctx context.Context, cred Credentials) error {
	return c.HeartbeatWithKey(ctx, cred, cred.APIKey)
}

// HeartbeatWithKey sends a heartbeat authenticated with an explicit key.
func (c *Client) HeartbeatWithKey(ctx context.Context, cred Credentials, key string) error {
	probe := cred
	probe.APIKey = key
	var res struct {
		Success bool `json:"success"`
	}
	if err := c.postJSON(ctx, probe, PathHeartbeat, map[string]any{"device_id": cred.DeviceID}, &res); err != nil {
		return err
	}
	if !res.Success {
		return &ParseError{Err: fmt.Errorf("heartbeat response success=false")}
	}
	return nil
}

// FirmwareInfo is the firmware availability response.
type FirmwareInfo struct {
	Success          bool   `json:"success"`
	UpdateAvailable  bool   `json:"update_available"`
	CurrentVersion   string `json:"current_version"`
	AvailableVersion string `json:"available_version"`
	FirmwareName     string `json:"firmware_name"`
	FileSize         int64  `json:"file_size"`
	ChecksumMD5      string `json:"checksum_md5"`
	DownloadURL      string `json:"download_url"`
	Message          string `json:"message"`
}

// CheckFirmware asks whether an image newer than currentVersion exists.
func (c *Client) CheckFirmware(ctx context.Context, cred Credentials, currentVersion string) (*FirmwareInfo, error) {
	var res FirmwareInfo
	q := url.Values{
		"device_id":       {cred.DeviceID},
		"current_version": {currentVersion},
	}
	if err := c.getJSON(ctx, cred, PathFirmwareInfo, q, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FirmwareDownload is an open firmware image stream. The caller owns
// Body and must close it.
type FirmwareDownload struct {
	Body          io.ReadCloser
	ContentLength int64
	Version       string
}

// DownloadFirmware opens the firmware image stream for this device.
func (c *Client) DownloadFirmware(ctx context.Context, cred Credentials) (*FirmwareDownload, error) {
	if cred.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	u := cred.BaseURL + PathFirmwareDownload + "?" + url.Values{"device_id": {cred.DeviceID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("firmware download request: %w", err)
	}
	if cred.APIKey != "" {
		req.Header.Set(apiKeyHeader, cred.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("firmware download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return &FirmwareDownload{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		Version:       resp.Header.Get(firmwareVersionHeader),
	}, nil
}

func (c *Client) postJSON(ctx context.Context, cred Credentials, path string, payload, out any) error {
	if cred.BaseURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cred.APIKey != "" {
		req.Header.Set(apiKeyHeader, cred.APIKey)
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, cred Credentials, path string, query url.Values, out any) error {
	if cred.BaseURL == "" {
		return ErrNotConfigured
	}
	u := cred.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cred.APIKey != "" {
		req.Header.Set(apiKeyHeader, cred.APIKey)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ParseError{Err: err}
	}
	return nil
}
