package cmd

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pqlink/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "pqlink",
	Short: "Adaptive post-quantum cipher-suite control plane for drone links",
	Long: `pqlink runs on both ends of a drone / ground-station link and keeps the
tunnel's post-quantum cipher suite matched to current link conditions:
telemetry is collected into a sliding window, a deterministic policy decides
when to upgrade, downgrade or proactively rekey, and a two-phase commit
protocol switches both ends atomically.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./pqlink.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

// loadConfig layers the YAML file and PQLINK_* environment variables over
// the documented defaults, then validates the result.
func loadConfig() (config.Config, error) {
	cfg := config.Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("pqlink")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/pqlink")
	}
	viper.SetEnvPrefix("PQLINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// Registering defaults makes every key visible to Unmarshal, so
	// PQLINK_* environment overrides apply even without a config file.
	setDefaults(cfg)

	if err := viper.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return cfg, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		// An absent default config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(cfg config.Config) {
	viper.SetDefault("role", string(cfg.Role))
	viper.SetDefault("suite", cfg.Suite)
	viper.SetDefault("database_dsn", cfg.DatabaseDSN)
	viper.SetDefault("log_level", cfg.LogLevel)
	viper.SetDefault("tick_every", cfg.TickEvery)
	viper.SetDefault("chronos_timeout", cfg.ChronosTimeout)
	viper.SetDefault("api_host", cfg.APIHost)
	viper.SetDefault("api_port", cfg.APIPort)

	viper.SetDefault("policy.telemetry_stale_ms", cfg.Policy.TelemetryStaleMS)
	viper.SetDefault("policy.gap_p95_ms", cfg.Policy.GapP95MS)
	viper.SetDefault("policy.silence_max_ms", cfg.Policy.SilenceMaxMS)
	viper.SetDefault("policy.jitter_ms", cfg.Policy.JitterMS)
	viper.SetDefault("policy.gcs_cpu_median", cfg.Policy.GCSCPUMedian)
	viper.SetDefault("policy.gcs_cpu_p95", cfg.Policy.GCSCPUP95)
	viper.SetDefault("policy.severe_multiplier", cfg.Policy.SevereMultiplier)
	viper.SetDefault("policy.min_samples", cfg.Policy.MinSamples)
	viper.SetDefault("policy.confidence_low", cfg.Policy.ConfidenceLow)
	viper.SetDefault("policy.moderate_debounce_ticks", cfg.Policy.ModerateDebounceTicks)
	viper.SetDefault("policy.cooldown_switch", cfg.Policy.CooldownSwitch)
	viper.SetDefault("policy.cooldown_downgrade", cfg.Policy.CooldownDowngrade)
	viper.SetDefault("policy.cooldown_rekey", cfg.Policy.CooldownRekey)
	viper.SetDefault("policy.dwell_upgrade", cfg.Policy.DwellUpgrade)
	viper.SetDefault("policy.dwell_rekey", cfg.Policy.DwellRekey)
	viper.SetDefault("policy.max_rekeys_per_window", cfg.Policy.MaxRekeysPerWindow)
	viper.SetDefault("policy.rekey_window", cfg.Policy.RekeyWindow)
	viper.SetDefault("policy.allowed_aead", cfg.Policy.AllowedAEAD)
	viper.SetDefault("policy.max_nist_level", cfg.Policy.MaxNISTLevel)

	viper.SetDefault("window.span", cfg.Window.Span)
	viper.SetDefault("window.max_samples", cfg.Window.MaxSamples)
	viper.SetDefault("window.expected_hz", cfg.Window.ExpectedHz)

	viper.SetDefault("control.bind_host", cfg.Control.BindHost)
	viper.SetDefault("control.bind_port", cfg.Control.BindPort)
	viper.SetDefault("control.allowed_peers", cfg.Control.AllowedPeers)
	viper.SetDefault("control.rekey_allowed_peers", cfg.Control.RekeyAllowedPeers)
	viper.SetDefault("control.coordinator_role", string(cfg.Control.CoordinatorRole))
	viper.SetDefault("control.peer_addr", cfg.Control.PeerAddr)
	viper.SetDefault("control.read_timeout", cfg.Control.ReadTimeout)
	viper.SetDefault("control.request_limit", cfg.Control.RequestLimit)
	viper.SetDefault("control.outbox_depth", cfg.Control.OutboxDepth)

	viper.SetDefault("telemetry.bind_host", cfg.Telemetry.BindHost)
	viper.SetDefault("telemetry.bind_port", cfg.Telemetry.BindPort)
	viper.SetDefault("telemetry.target_addr", cfg.Telemetry.TargetAddr)
	viper.SetDefault("telemetry.snapshot_hz", cfg.Telemetry.SnapshotHz)
	viper.SetDefault("telemetry.batch_size", cfg.Telemetry.BatchSize)
	viper.SetDefault("telemetry.batch_interval", cfg.Telemetry.BatchInterval)
}

// newLogger builds the process logger from config.
func newLogger(cfg config.Config) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger.WithField("role", cfg.Role)
}
