package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// Decision traces are archived with a digest over the canonical decision
// fields so an auditor can later verify that a stored trace has not drifted
// from what the engine actually decided.
const (
	EngineName            = "telemetry-aware-policy"
	EngineVersion         = "1.0.0"
	ReplayContractVersion = "decision-replay.v1"
)

const (
	ReplayStatusMatch        = "MATCH"
	ReplayStatusMismatch     = "MISMATCH"
	ReplayStatusMissing      = "MISSING_DIGEST"
	ReplayStatusUnreplayable = "NOT_REPLAYABLE"
)

// ReplayInput is the canonical digest input for one archived decision.
type ReplayInput struct {
	Engine        string  `json:"decision_engine"`
	EngineVersion string  `json:"engine_version"`
	Contract      string  `json:"decision_contract_version"`
	Action        string  `json:"action"`
	Reasons       string  `json:"reasons"`
	TargetSuite   string  `json:"target_suite"`
	CurrentSuite  string  `json:"current_suite"`
	Confidence    float64 `json:"confidence"`
}

// ReplayVerification is the outcome of checking one stored trace.
type ReplayVerification struct {
	ContractVersion    string      `json:"contract_version"`
	Replayable         bool        `json:"replayable"`
	Status             string      `json:"status"`
	StoredDigest       string      `json:"stored_digest,omitempty"`
	ComputedDigest     string      `json:"computed_digest,omitempty"`
	DeterministicMatch bool        `json:"deterministic_match"`
	Reason             string      `json:"reason"`
	CanonicalInput     ReplayInput `json:"canonical_input"`
}

// ReplayInputFor builds the canonical digest input from a fresh decision.
func ReplayInputFor(out PolicyOutput, currentSuite string) ReplayInput {
	return ReplayInput{
		Engine:        EngineName,
		EngineVersion: EngineVersion,
		Contract:      ReplayContractVersion,
		Action:        string(out.Action),
		Reasons:       strings.Join(out.Reasons, ","),
		TargetSuite:   out.TargetSuite,
		CurrentSuite:  currentSuite,
		Confidence:    out.Confidence,
	}
}

// ReplayDigest computes the deterministic digest for a decision.
func ReplayDigest(in ReplayInput) string {
	normalized := NormalizeReplayInput(in)
	lines := []string{
		"decision_engine=" + normalized.Engine,
		"engine_version=" + normalized.EngineVersion,
		"decision_contract_version=" + normalized.Contract,
		"action=" + normalized.Action,
		"reasons=" + normalized.Reasons,
		"target_suite=" + normalized.TargetSuite,
		"current_suite=" + normalized.CurrentSuite,
		"confidence=" + formatReplayScore(normalized.Confidence),
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// VerifyReplay checks a stored digest against the deterministic recomputation.
func VerifyReplay(storedDigest string, in ReplayInput) ReplayVerification {
	normalized := NormalizeReplayInput(in)
	stored := strings.ToLower(strings.TrimSpace(storedDigest))

	out := ReplayVerification{
		ContractVersion: ReplayContractVersion,
		Replayable:      normalized.Action != "",
		Status:          ReplayStatusUnreplayable,
		StoredDigest:    stored,
		Reason:          "action value is required for deterministic replay",
		CanonicalInput:  normalized,
	}
	if !out.Replayable {
		return out
	}

	out.ComputedDigest = ReplayDigest(normalized)
	if stored == "" {
		out.Status = ReplayStatusMissing
		out.Reason = "decision trace has no stored replay digest"
		return out
	}
	if stored == out.ComputedDigest {
		out.Status = ReplayStatusMatch
		out.DeterministicMatch = true
		out.Reason = "stored replay digest matches deterministic recomputation"
		return out
	}
	out.Status = ReplayStatusMismatch
	out.Reason = "stored replay digest does not match deterministic recomputation"
	return out
}

// NormalizeReplayInput trims, canonicalizes casing and rounds the confidence
// so digests are stable across writers.
func NormalizeReplayInput(in ReplayInput) ReplayInput {
	normalized := ReplayInput{
		Engine:        strings.TrimSpace(in.Engine),
		EngineVersion: strings.TrimSpace(in.EngineVersion),
		Contract:      strings.TrimSpace(in.Contract),
		Action:        strings.ToUpper(strings.TrimSpace(in.Action)),
		Reasons:       strings.TrimSpace(in.Reasons),
		TargetSuite:   strings.ToLower(strings.TrimSpace(in.TargetSuite)),
		CurrentSuite:  strings.ToLower(strings.TrimSpace(in.CurrentSuite)),
		Confidence:    normalizeReplayScore(in.Confidence),
	}
	if normalized.Engine == "" {
		normalized.Engine = EngineName
	}
	if normalized.EngineVersion == "" {
		normalized.EngineVersion = EngineVersion
	}
	if normalized.Contract == "" {
		normalized.Contract = ReplayContractVersion
	}
	return normalized
}

func normalizeReplayScore(v float64) float64 {
	rounded := math.Round(v*1_000_000) / 1_000_000
	if rounded == 0 {
		return 0
	}
	return rounded
}

func formatReplayScore(v float64) string {
	return strconv.FormatFloat(normalizeReplayScore(v), 'f', 6, 64)
}
