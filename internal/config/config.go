// Package config defines the runtime configuration for the pqlink scheduler
// and control plane, with documented defaults for every tunable. Values are
// populated by the cmd layer (viper: YAML file plus PQLINK_* environment
// overrides) and validated once at startup.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies which half of the tunnel this process runs.
type Role string

const (
	RoleDrone Role = "drone"
	RoleGCS   Role = "gcs"
)

// PolicyConfig carries the decision-policy thresholds. The defaults are
// deliberately conservative: the policy prefers HOLD over acting on marginal
// evidence.
type PolicyConfig struct {
	// TelemetryStaleMS: telemetry older than this forces HOLD.
	TelemetryStaleMS float64 `mapstructure:"telemetry_stale_ms"`
	// GapP95MS: inter-arrival gap p95 above this counts as link stress.
	GapP95MS float64 `mapstructure:"gap_p95_ms"`
	// SilenceMaxMS: max observed silence above this counts as link stress;
	// above SevereMultiplier x this, downgrade is immediate.
	SilenceMaxMS float64 `mapstructure:"silence_max_ms"`
	// JitterMS: gap jitter (median absolute deviation) stress threshold.
	JitterMS float64 `mapstructure:"jitter_ms"`
	// GCSCPUMedian / GCSCPUP95: remote host CPU stress thresholds (percent).
	// A p95 breach is severe; a median breach is moderate.
	GCSCPUMedian float64 `mapstructure:"gcs_cpu_median"`
	GCSCPUP95    float64 `mapstructure:"gcs_cpu_p95"`
	// SevereMultiplier scales SilenceMaxMS and GapP95MS to the immediate
	// downgrade level.
	SevereMultiplier float64 `mapstructure:"severe_multiplier"`
	// MinSamples: below this window population every action is blocked.
	MinSamples int `mapstructure:"min_samples"`
	// ConfidenceLow: window confidence below this blocks upgrades.
	ConfidenceLow float64 `mapstructure:"confidence_low"`
	// ModerateDebounceTicks: consecutive moderate-stress evaluations before
	// a moderate breach escalates to DOWNGRADE.
	ModerateDebounceTicks int `mapstructure:"moderate_debounce_ticks"`

	CooldownSwitch    time.Duration `mapstructure:"cooldown_switch"`
	CooldownDowngrade time.Duration `mapstructure:"cooldown_downgrade"`
	CooldownRekey     time.Duration `mapstructure:"cooldown_rekey"`
	// DwellUpgrade: minimum stability at a tier before an upgrade attempt.
	DwellUpgrade time.Duration `mapstructure:"dwell_upgrade"`
	// DwellRekey: minimum stability before a proactive same-suite rekey.
	DwellRekey time.Duration `mapstructure:"dwell_rekey"`
	// MaxRekeysPerWindow / RekeyWindow: proactive rekey rate limit.
	MaxRekeysPerWindow int           `mapstructure:"max_rekeys_per_window"`
	RekeyWindow        time.Duration `mapstructure:"rekey_window"`

	// AllowedAEAD and MaxNISTLevel filter the candidate suite pool.
	AllowedAEAD  string `mapstructure:"allowed_aead"`
	MaxNISTLevel string `mapstructure:"max_nist_level"`
}

// WindowConfig bounds the telemetry statistics window.
type WindowConfig struct {
	Span       time.Duration `mapstructure:"span"`
	MaxSamples int           `mapstructure:"max_samples"`
	// ExpectedHz is the nominal telemetry rate; confidence is
	// observed/(ExpectedHz*Span) capped at 1.
	ExpectedHz float64 `mapstructure:"expected_hz"`
}

// ControlConfig configures the TCP control bridge and the peer link.
type ControlConfig struct {
	BindHost string `mapstructure:"bind_host"`
	BindPort int    `mapstructure:"bind_port"`
	// AllowedPeers may issue any command; loopback is always allowed.
	AllowedPeers []string `mapstructure:"allowed_peers"`
	// RekeyAllowedPeers may issue cmd=rekey (normally the drone hosts only).
	RekeyAllowedPeers []string `mapstructure:"rekey_allowed_peers"`
	// CoordinatorRole names which role initiates rekey negotiations.
	CoordinatorRole Role `mapstructure:"coordinator_role"`
	// PeerAddr is the remote bridge address for the persistent control link.
	PeerAddr string `mapstructure:"peer_addr"`
	// ReadTimeout bounds a single blocking socket read in the bridge.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// RequestLimit is the per-IP per-minute bridge request cap.
	RequestLimit int `mapstructure:"request_limit"`
	// OutboxDepth bounds the protocol outbox; the oldest message is dropped
	// on overflow.
	OutboxDepth int `mapstructure:"outbox_depth"`
}

// TelemetryConfig configures the UDP telemetry plane (GCS → drone).
type TelemetryConfig struct {
	BindHost      string        `mapstructure:"bind_host"`
	BindPort      int           `mapstructure:"bind_port"`
	TargetAddr    string        `mapstructure:"target_addr"`
	SnapshotHz    float64       `mapstructure:"snapshot_hz"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
}

// Config is the root configuration tree.
type Config struct {
	Role        Role            `mapstructure:"role"`
	Suite       string          `mapstructure:"suite"`
	DatabaseDSN string          `mapstructure:"database_dsn"`
	LogLevel    string          `mapstructure:"log_level"`
	TickEvery   time.Duration   `mapstructure:"tick_every"`
	Policy      PolicyConfig    `mapstructure:"policy"`
	Window      WindowConfig    `mapstructure:"window"`
	Control     ControlConfig   `mapstructure:"control"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	// ChronosTimeout bounds the clock-sync client wait.
	ChronosTimeout time.Duration `mapstructure:"chronos_timeout"`
	// APIHost / APIPort bind the local HTTP admin surface. Port 0 disables
	// it.
	APIHost string `mapstructure:"api_host"`
	APIPort int    `mapstructure:"api_port"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Role:        RoleDrone,
		Suite:       "cs-mlkem768-aesgcm-mldsa65",
		DatabaseDSN: "pqlink.db",
		LogLevel:    "info",
		TickEvery:   time.Second,
		Policy: PolicyConfig{
			TelemetryStaleMS:      2000,
			GapP95MS:              250,
			SilenceMaxMS:          600,
			JitterMS:              120,
			GCSCPUMedian:          70,
			GCSCPUP95:             85,
			SevereMultiplier:      1.5,
			MinSamples:            5,
			ConfidenceLow:         0.3,
			ModerateDebounceTicks: 3,
			CooldownSwitch:        10 * time.Second,
			CooldownDowngrade:     5 * time.Second,
			CooldownRekey:         30 * time.Second,
			DwellUpgrade:          30 * time.Second,
			DwellRekey:            60 * time.Second,
			MaxRekeysPerWindow:    5,
			RekeyWindow:           5 * time.Minute,
			AllowedAEAD:           "aesgcm",
			MaxNISTLevel:          "L5",
		},
		Window: WindowConfig{
			Span:       5 * time.Second,
			MaxSamples: 500,
			ExpectedHz: 5.0,
		},
		Control: ControlConfig{
			BindHost:        "0.0.0.0",
			BindPort:        48080,
			CoordinatorRole: RoleDrone,
			ReadTimeout:     500 * time.Millisecond,
			RequestLimit:    120,
			OutboxDepth:     64,
		},
		Telemetry: TelemetryConfig{
			BindHost:      "0.0.0.0",
			BindPort:      52080,
			SnapshotHz:    5.0,
			BatchSize:     5,
			BatchInterval: time.Second,
		},
		ChronosTimeout: 5 * time.Second,
		APIHost:        "127.0.0.1",
		APIPort:        48081,
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c Config) Validate() error {
	switch c.Role {
	case RoleDrone, RoleGCS:
	default:
		return fmt.Errorf("role must be %q or %q, got %q", RoleDrone, RoleGCS, c.Role)
	}
	switch c.Control.CoordinatorRole {
	case RoleDrone, RoleGCS:
	default:
		return fmt.Errorf("control.coordinator_role must be %q or %q, got %q",
			RoleDrone, RoleGCS, c.Control.CoordinatorRole)
	}
	if strings.TrimSpace(c.Suite) == "" {
		return fmt.Errorf("suite is required")
	}
	if c.Window.Span <= 0 {
		return fmt.Errorf("window.span must be positive, got %v", c.Window.Span)
	}
	if c.Window.MaxSamples <= 0 {
		return fmt.Errorf("window.max_samples must be positive, got %d", c.Window.MaxSamples)
	}
	if c.Window.ExpectedHz <= 0 {
		return fmt.Errorf("window.expected_hz must be positive, got %v", c.Window.ExpectedHz)
	}
	if c.Policy.SevereMultiplier < 1 {
		return fmt.Errorf("policy.severe_multiplier must be >= 1, got %v", c.Policy.SevereMultiplier)
	}
	if c.Policy.MinSamples < 1 {
		return fmt.Errorf("policy.min_samples must be >= 1, got %d", c.Policy.MinSamples)
	}
	if c.Policy.ModerateDebounceTicks < 1 {
		return fmt.Errorf("policy.moderate_debounce_ticks must be >= 1, got %d", c.Policy.ModerateDebounceTicks)
	}
	if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
		return fmt.Errorf("control.bind_port out of range: %d", c.Control.BindPort)
	}
	if c.Control.OutboxDepth <= 0 {
		return fmt.Errorf("control.outbox_depth must be positive, got %d", c.Control.OutboxDepth)
	}
	if c.Telemetry.BindPort <= 0 || c.Telemetry.BindPort > 65535 {
		return fmt.Errorf("telemetry.bind_port out of range: %d", c.Telemetry.BindPort)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port out of range: %d", c.APIPort)
	}
	if c.TickEvery <= 0 {
		return fmt.Errorf("tick_every must be positive, got %v", c.TickEvery)
	}
	return nil
}

// IsCoordinator reports whether this process initiates rekey negotiations.
func (c Config) IsCoordinator() bool {
	return c.Role == c.Control.CoordinatorRole
}
