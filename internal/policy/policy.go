// Package policy implements the telemetry-aware suite scheduling policy.
//
// Evaluate is a pure function over an immutable DecisionInput snapshot: it
// performs no I/O, takes no locks, and keeps no mutable state, so it is
// safely callable from any goroutine. All state the decision depends on
// (cooldown deadline, last switch time, moderate-stress streak, rekey budget)
// is carried in the snapshot by the caller.
package policy

import (
	"pqlink/internal/config"
	"pqlink/internal/suites"
)

// Action is the decision emitted by one policy evaluation.
type Action string

const (
	ActionHold      Action = "HOLD"
	ActionUpgrade   Action = "UPGRADE"
	ActionDowngrade Action = "DOWNGRADE"
	ActionRekey     Action = "REKEY"
)

// Reason codes. These are machine-checkable strings consumed by tests and
// operators; changing one is a wire-compatibility change.
const (
	ReasonFailsafeActive       = "failsafe_active"
	ReasonMavproxyDead         = "mavproxy_dead"
	ReasonCollectorDead        = "collector_dead"
	ReasonTelemetryStale       = "telemetry_stale"
	ReasonCooldownActive       = "cooldown_active"
	ReasonInsufficientSamples  = "insufficient_samples"
	ReasonSilenceSevere        = "silence_severe"
	ReasonGapP95Severe         = "gap_p95_severe"
	ReasonCPUP95Severe         = "cpu_p95_severe"
	ReasonSilenceHigh          = "silence_high"
	ReasonGapP95High           = "gap_p95_high"
	ReasonJitterHigh           = "jitter_high"
	ReasonCPUMedianHigh        = "cpu_median_high"
	ReasonModerateAccumulating = "moderate_stress_accumulating"
	ReasonModeratePersistent   = "moderate_stress_persistent"
	ReasonDegradedNoLowerTier  = "degraded_no_lower_tier"
	ReasonProactiveRekey       = "proactive_rekey"
	ReasonRekeyBudgetExhausted = "rekey_budget_exhausted"
	ReasonStableUpgrade        = "stable_upgrade"
	ReasonNominal              = "nominal"
)

// DecisionInput is the immutable snapshot evaluated each tick. A fresh value
// is built per tick; nothing mutates it after construction, which removes
// every race between the evaluator and concurrent telemetry updates.
type DecisionInput struct {
	MonoMS float64

	// Link telemetry (from the TelemetryWindow summary).
	TelemetryValid   bool
	TelemetryAgeMS   float64
	SampleCount      int
	RxPPSMedian      float64
	GapP95MS         float64
	SilenceMaxMS     float64
	JitterMS         float64
	GCSCPUMedian     float64
	GCSCPUP95        float64
	TelemetryLastSeq int64
	WindowConfidence float64

	// Receiver liveness.
	MavproxyAlive  bool
	CollectorAlive bool

	// Vehicle state.
	HeartbeatAgeMS float64
	FailsafeActive bool
	Armed          bool
	ArmedDurationS float64

	// Peer / suite state.
	RemoteSuite   string
	RemoteEpoch   int
	ExpectedSuite string
	CurrentTier   int
	LocalEpoch    int

	// Caller-owned scheduling state.
	LastSwitchMonoMS    float64
	CooldownUntilMonoMS float64
	// ModerateStreak counts consecutive prior evaluations that reported
	// moderate stress; the caller increments it on
	// moderate_stress_accumulating and resets it otherwise.
	ModerateStreak int
	// RekeysInWindow counts successful rekeys inside the configured window.
	RekeysInWindow int
}

// PolicyOutput is the decision for one evaluation. Never mutated after
// construction.
type PolicyOutput struct {
	Action              Action
	TargetSuite         string
	Reasons             []string
	Confidence          float64
	CooldownRemainingMS float64
}

// Flat returns the output as a flat map for structured logging.
func (o PolicyOutput) Flat() map[string]any {
	return map[string]any{
		"action":                o.Action,
		"target_suite":          o.TargetSuite,
		"reasons":               o.Reasons,
		"confidence":            o.Confidence,
		"cooldown_remaining_ms": o.CooldownRemainingMS,
	}
}

// HasReason reports whether code appears in the output's reason list.
func (o PolicyOutput) HasReason(code string) bool {
	for _, r := range o.Reasons {
		if r == code {
			return true
		}
	}
	return false
}

// TelemetryAwarePolicy maps DecisionInput snapshots to actions using layered
// safety gates, hysteresis, cooldowns and the suite tier ordering.
type TelemetryAwarePolicy struct {
	cfg  config.PolicyConfig
	pool []string
}

// New builds a policy over the given candidate suite pool. An empty pool
// falls back to the full registry filtered by the config's AEAD and NIST
// level constraints.
func New(cfg config.PolicyConfig, pool []string) *TelemetryAwarePolicy {
	if len(pool) == 0 {
		pool = suites.Filter(cfg.AllowedAEAD, cfg.MaxNISTLevel)
	}
	sorted := append([]string(nil), pool...)
	suites.SortByTier(sorted)
	return &TelemetryAwarePolicy{cfg: cfg, pool: sorted}
}

// Pool returns the ordered candidate suites.
func (p *TelemetryAwarePolicy) Pool() []string {
	return append([]string(nil), p.pool...)
}

func hold(confidence float64, reasons ...string) PolicyOutput {
	return PolicyOutput{Action: ActionHold, Reasons: reasons, Confidence: confidence}
}

// Evaluate maps one snapshot to exactly one PolicyOutput. Gates are checked
// in order and the first match wins; a wrong suite name or an empty window
// never produces an error, only a HOLD with the matching reason.
func (p *TelemetryAwarePolicy) Evaluate(inp DecisionInput) PolicyOutput {
	cfg := p.cfg

	// Failsafe dominates everything: no suite change while the vehicle
	// is in failsafe, no matter what the link looks like.
	if inp.FailsafeActive {
		return hold(inp.WindowConfidence, ReasonFailsafeActive)
	}

	// Receiver health: a decision is not trusted without a live data path.
	if !inp.MavproxyAlive {
		return hold(0, ReasonMavproxyDead)
	}
	if !inp.CollectorAlive {
		return hold(0, ReasonCollectorDead)
	}

	// Staleness degrades to "do nothing": acting on stale data is more
	// dangerous than holding the status quo.
	if !inp.TelemetryValid || inp.TelemetryAgeMS < 0 || inp.TelemetryAgeMS > cfg.TelemetryStaleMS {
		return hold(0, ReasonTelemetryStale)
	}

	// Cooldown prevents oscillation.
	if inp.CooldownUntilMonoMS > inp.MonoMS {
		out := hold(inp.WindowConfidence, ReasonCooldownActive)
		out.CooldownRemainingMS = inp.CooldownUntilMonoMS - inp.MonoMS
		return out
	}

	// Confidence floor: no action from a thin statistical base.
	if inp.SampleCount < cfg.MinSamples {
		return hold(inp.WindowConfidence, ReasonInsufficientSamples)
	}

	// Stress evaluation.
	severe, moderate := p.classifyStress(inp)
	if len(severe) > 0 {
		return p.downgrade(inp, severe)
	}
	if len(moderate) > 0 {
		if inp.ModerateStreak+1 >= cfg.ModerateDebounceTicks {
			return p.downgrade(inp, append(moderate, ReasonModeratePersistent))
		}
		return hold(inp.WindowConfidence, append(moderate, ReasonModerateAccumulating)...)
	}

	stableMS := inp.MonoMS - inp.LastSwitchMonoMS

	// Recovery: strengthen one tier after the dwell time, under the same
	// cooldown discipline and only with enough statistical confidence.
	if stableMS >= cfg.DwellUpgrade.Seconds()*1000 && inp.WindowConfidence >= cfg.ConfidenceLow {
		if target, ok := suites.FindAdjacent(inp.ExpectedSuite, p.pool, +1); ok {
			return PolicyOutput{
				Action:      ActionUpgrade,
				TargetSuite: target,
				Reasons:     []string{ReasonStableUpgrade},
				Confidence:  inp.WindowConfidence,
			}
		}
	}

	// Proactive same-suite rekey once the link has been stable long enough,
	// bounded by the per-window rekey budget.
	if stableMS >= cfg.DwellRekey.Seconds()*1000 {
		if inp.RekeysInWindow < cfg.MaxRekeysPerWindow {
			return PolicyOutput{
				Action:      ActionRekey,
				TargetSuite: inp.ExpectedSuite,
				Reasons:     []string{ReasonProactiveRekey},
				Confidence:  inp.WindowConfidence,
			}
		}
		return hold(inp.WindowConfidence, ReasonRekeyBudgetExhausted)
	}

	// Default.
	return hold(inp.WindowConfidence, ReasonNominal)
}

// classifyStress compares the snapshot against the configured thresholds,
// returning the severe and moderate breach reasons. Reasons list every
// threshold that contributed.
func (p *TelemetryAwarePolicy) classifyStress(inp DecisionInput) (severe, moderate []string) {
	cfg := p.cfg

	if cfg.SilenceMaxMS > 0 && inp.SilenceMaxMS > cfg.SilenceMaxMS*cfg.SevereMultiplier {
		severe = append(severe, ReasonSilenceSevere)
	} else if cfg.SilenceMaxMS > 0 && inp.SilenceMaxMS > cfg.SilenceMaxMS {
		moderate = append(moderate, ReasonSilenceHigh)
	}

	if cfg.GapP95MS > 0 && inp.GapP95MS > cfg.GapP95MS*cfg.SevereMultiplier {
		severe = append(severe, ReasonGapP95Severe)
	} else if cfg.GapP95MS > 0 && inp.GapP95MS > cfg.GapP95MS {
		moderate = append(moderate, ReasonGapP95High)
	}

	if cfg.GCSCPUP95 > 0 && inp.GCSCPUP95 > cfg.GCSCPUP95 {
		severe = append(severe, ReasonCPUP95Severe)
	}
	if cfg.GCSCPUMedian > 0 && inp.GCSCPUMedian > cfg.GCSCPUMedian {
		moderate = append(moderate, ReasonCPUMedianHigh)
	}
	if cfg.JitterMS > 0 && inp.JitterMS > cfg.JitterMS {
		moderate = append(moderate, ReasonJitterHigh)
	}
	return severe, moderate
}

// downgrade targets the suite one tier below current, or holds with
// degraded_no_lower_tier when already at the bottom.
func (p *TelemetryAwarePolicy) downgrade(inp DecisionInput, reasons []string) PolicyOutput {
	target, ok := suites.FindAdjacent(inp.ExpectedSuite, p.pool, -1)
	if !ok {
		return hold(inp.WindowConfidence, append(reasons, ReasonDegradedNoLowerTier)...)
	}
	return PolicyOutput{
		Action:      ActionDowngrade,
		TargetSuite: target,
		Reasons:     reasons,
		Confidence:  inp.WindowConfidence,
	}
}
