// Package metrics holds the device's prometheus collectors. They are
// registered on a module-local registry served by the portal, not on
// the global default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Registry collects every device metric. The portal mounts it on
	// /metrics.
	Registry = prometheus.NewRegistry()

	// TelemetrySends counts uplink attempts by outcome
	// (success, rejected, failed, no_link, skipped).
	TelemetrySends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcc_telemetry_sends_total",
			Help: "Telemetry uplink attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// PulseCount mirrors the hardware edge counter.
	PulseCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcc_pulse_count",
			Help: "Current value of the hardware pulse counter.",
		},
	)

	// ConfigFieldsApplied counts fields accepted from the server during
	// configuration reconciliation.
	ConfigFieldsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcc_config_fields_applied_total",
			Help: "Configuration fields applied from server-side config.",
		},
	)

	// CredentialRotations counts API key rotation attempts by outcome
	// (accepted, rejected, unverified, persist_failed).
	CredentialRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcc_credential_rotations_total",
			Help: "API credential rotation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// FirmwareUpdates counts firmware update attempts by terminal phase
	// (applied, download, begin, write, finalize).
	FirmwareUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcc_firmware_updates_total",
			Help: "Firmware update attempts by terminal phase.",
		},
		[]string{"phase"},
	)

	// DeepSleeps counts committed deep-sleep transitions.
	DeepSleeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcc_deep_sleeps_total",
			Help: "Deep sleep transitions committed by the power manager.",
		},
	)
)

func init() {
	Registry.MustRegister(
		TelemetrySends,
		PulseCount,
		ConfigFieldsApplied,
		CredentialRotations,
		FirmwareUpdates,
		DeepSleeps,
	)
}
