// Package suites holds the PQC cipher-suite registry and the tier ordering
// used by the scheduling policy to pick "one step weaker/stronger" suites.
//
// Suite IDs follow the pattern cs-<kem>-<aead>-<sig>. NIST security levels
// (L1/L3/L5) give the coarse ordering; KEM and AEAD tokens break ties within
// a level by relative cost on embedded ARM targets.
package suites

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// DefaultSuiteID is the bootstrap suite used when no suite is configured.
const DefaultSuiteID = "cs-mlkem768-aesgcm-mldsa65"

// defaultTier is returned for names the tier heuristics cannot place at all.
// It sits mid-range so an unrecognized suite is neither the first downgrade
// target nor the first upgrade target.
const defaultTier = 50

// Info describes one registered cipher suite.
type Info struct {
	ID        string
	KEMToken  string
	AEADToken string
	SigToken  string
	NISTLevel string // "L1", "L3", "L5"
}

var registry = map[string]Info{
	"cs-mlkem512-aesgcm-mldsa44":              {KEMToken: "mlkem512", AEADToken: "aesgcm", SigToken: "mldsa44", NISTLevel: "L1"},
	"cs-mlkem512-chacha20poly1305-mldsa44":    {KEMToken: "mlkem512", AEADToken: "chacha20poly1305", SigToken: "mldsa44", NISTLevel: "L1"},
	"cs-mlkem512-aesgcm-falcon512":            {KEMToken: "mlkem512", AEADToken: "aesgcm", SigToken: "falcon512", NISTLevel: "L1"},
	"cs-mlkem768-aesgcm-mldsa65":              {KEMToken: "mlkem768", AEADToken: "aesgcm", SigToken: "mldsa65", NISTLevel: "L3"},
	"cs-mlkem768-chacha20poly1305-mldsa65":    {KEMToken: "mlkem768", AEADToken: "chacha20poly1305", SigToken: "mldsa65", NISTLevel: "L3"},
	"cs-mlkem768-aesgcm-falcon512":            {KEMToken: "mlkem768", AEADToken: "aesgcm", SigToken: "falcon512", NISTLevel: "L3"},
	"cs-mlkem1024-aesgcm-mldsa87":             {KEMToken: "mlkem1024", AEADToken: "aesgcm", SigToken: "mldsa87", NISTLevel: "L5"},
	"cs-mlkem1024-chacha20poly1305-mldsa87":   {KEMToken: "mlkem1024", AEADToken: "chacha20poly1305", SigToken: "mldsa87", NISTLevel: "L5"},
	"cs-mlkem1024-aesgcm-falcon1024":          {KEMToken: "mlkem1024", AEADToken: "aesgcm", SigToken: "falcon1024", NISTLevel: "L5"},
	"cs-hqc128-aesgcm-mldsa44":                {KEMToken: "hqc128", AEADToken: "aesgcm", SigToken: "mldsa44", NISTLevel: "L1"},
	"cs-hqc192-aesgcm-mldsa65":                {KEMToken: "hqc192", AEADToken: "aesgcm", SigToken: "mldsa65", NISTLevel: "L3"},
	"cs-hqc256-aesgcm-mldsa87":                {KEMToken: "hqc256", AEADToken: "aesgcm", SigToken: "mldsa87", NISTLevel: "L5"},
	"cs-classicmceliece348864-aesgcm-mldsa44": {KEMToken: "classicmceliece348864", AEADToken: "aesgcm", SigToken: "mldsa44", NISTLevel: "L1"},
	"cs-classicmceliece460896-aesgcm-mldsa65": {KEMToken: "classicmceliece460896", AEADToken: "aesgcm", SigToken: "mldsa65", NISTLevel: "L3"},
	"cs-mlkem512-aesgcm-sphincs128s":          {KEMToken: "mlkem512", AEADToken: "aesgcm", SigToken: "sphincs128s", NISTLevel: "L1"},
	"cs-mlkem1024-aesgcm-sphincs256s":         {KEMToken: "mlkem1024", AEADToken: "aesgcm", SigToken: "sphincs256s", NISTLevel: "L5"},
}

// legacyAliases maps pre-standardization names (kyber/dilithium era) to the
// canonical FIPS 203/204 suite IDs.
var legacyAliases = map[string]string{
	"cs-kyber512-aesgcm-dilithium2":  "cs-mlkem512-aesgcm-mldsa44",
	"cs-kyber768-aesgcm-dilithium3":  "cs-mlkem768-aesgcm-mldsa65",
	"cs-kyber1024-aesgcm-dilithium5": "cs-mlkem1024-aesgcm-mldsa87",
	"cs-kyber512-aesgcm-falcon512":   "cs-mlkem512-aesgcm-falcon512",
	"cs-kyber768-aesgcm-falcon512":   "cs-mlkem768-aesgcm-falcon512",
	"cs-kyber1024-aesgcm-falcon1024": "cs-mlkem1024-aesgcm-falcon1024",
}

func init() {
	for id, info := range registry {
		info.ID = id
		registry[id] = info
	}
}

// normalizeKey lowers the name and strips punctuation so alias matching is
// case- and separator-insensitive.
func normalizeKey(name string) string {
	var b strings.Builder
	for _, ch := range strings.ToLower(name) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

var normalizedIndex = func() map[string]string {
	idx := make(map[string]string, len(registry)+len(legacyAliases))
	for id := range registry {
		idx[normalizeKey(id)] = id
	}
	for alias, id := range legacyAliases {
		idx[normalizeKey(alias)] = id
	}
	return idx
}()

// Resolve maps a suite name (canonical or legacy alias, any casing) to its
// canonical registry entry. Unknown names return an error carrying the
// closest registered suite as a hint.
func Resolve(name string) (Info, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Info{}, fmt.Errorf("empty suite name")
	}
	if id, ok := normalizedIndex[normalizeKey(name)]; ok {
		return registry[id], nil
	}
	return Info{}, fmt.Errorf("unknown suite %q (closest match: %s)", name, closestMatch(name))
}

// Known reports whether name resolves to a registered suite.
func Known(name string) bool {
	_, err := Resolve(name)
	return err == nil
}

func closestMatch(name string) string {
	lev := metrics.NewLevenshtein()
	best := DefaultSuiteID
	bestScore := -1.0
	for id := range registry {
		score := strutil.Similarity(normalizeKey(name), normalizeKey(id), lev)
		if score > bestScore {
			bestScore = score
			best = id
		}
	}
	return best
}

// Tier maps a suite name to its integer ordering. The mapping is heuristic
// over the name tokens so it also places suites that are absent from the
// registry; a name with no recognizable tokens lands on defaultTier instead
// of failing.
//
// Tier 0 is the lightest suite. NIST level contributes the base
// (L1=0, L3=10, L5=20); KEM and AEAD tokens add sub-tiers within a level.
func Tier(name string) int {
	lower := strings.ToLower(name)

	levelTier := -1
	switch {
	case strings.Contains(lower, "512") || strings.Contains(lower, "128") || strings.Contains(lower, "348864"):
		levelTier = 0 // L1
	case strings.Contains(lower, "768") || strings.Contains(lower, "192") || strings.Contains(lower, "460896"):
		levelTier = 10 // L3
	case strings.Contains(lower, "1024") || strings.Contains(lower, "256") || strings.Contains(lower, "8192128"):
		levelTier = 20 // L5
	}

	kemTier := 0
	kemSeen := true
	switch {
	case strings.Contains(lower, "mlkem") || strings.Contains(lower, "kyber"):
		kemTier = 0
	case strings.Contains(lower, "sntrup"):
		kemTier = 2
	case strings.Contains(lower, "hqc"):
		kemTier = 3
	case strings.Contains(lower, "frodokem"):
		kemTier = 4
	case strings.Contains(lower, "mceliece"):
		kemTier = 5
	default:
		kemSeen = false
	}

	aeadTier := 0
	switch {
	case strings.Contains(lower, "aesgcm"):
		aeadTier = 0
	case strings.Contains(lower, "chacha"):
		aeadTier = 1
	case strings.Contains(lower, "ascon"):
		aeadTier = 2
	}

	if levelTier < 0 {
		if !kemSeen {
			return defaultTier
		}
		levelTier = 0
	}
	return levelTier + kemTier + aeadTier
}

// NISTLevelValue maps "L1"/"L3"/"L5" to a comparable integer (unknown → 5).
func NISTLevelValue(level string) int {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "L1":
		return 1
	case "L3":
		return 3
	case "L5":
		return 5
	default:
		return 5
	}
}

// Filter returns the registered suite IDs matching the AEAD token and the
// maximum NIST level, sorted by ascending tier. The result is the candidate
// pool the policy walks for upgrades and downgrades.
func Filter(allowedAEAD, maxNISTLevel string) []string {
	allowedAEAD = strings.ToLower(strings.TrimSpace(allowedAEAD))
	maxLevel := NISTLevelValue(maxNISTLevel)

	var out []string
	for id, info := range registry {
		if allowedAEAD != "" && !strings.Contains(strings.ToLower(info.AEADToken), allowedAEAD) {
			continue
		}
		if NISTLevelValue(info.NISTLevel) > maxLevel {
			continue
		}
		out = append(out, id)
	}
	SortByTier(out)
	return out
}

// SortByTier orders suite IDs by ascending tier, with the name as tiebreaker
// so the ordering is total and stable across runs.
func SortByTier(pool []string) {
	sort.Slice(pool, func(i, j int) bool {
		ti, tj := Tier(pool[i]), Tier(pool[j])
		if ti != tj {
			return ti < tj
		}
		return pool[i] < pool[j]
	})
}

// FindAdjacent locates the suite one step above (direction > 0) or below
// (direction < 0) current in tier order within pool. It returns ok=false at a
// tier boundary; callers must treat that as terminal, not retry.
//
// A current suite missing from the pool (stale configuration) falls back to
// the lowest-tier pool entry rather than failing.
func FindAdjacent(current string, pool []string, direction int) (string, bool) {
	if len(pool) == 0 || direction == 0 {
		return "", false
	}
	sorted := append([]string(nil), pool...)
	SortByTier(sorted)

	idx := -1
	for i, s := range sorted {
		if s == current {
			idx = i
			break
		}
	}
	if idx < 0 {
		return sorted[0], true
	}

	step := 1
	if direction < 0 {
		step = -1
	}
	next := idx + step
	if next < 0 || next >= len(sorted) {
		return "", false
	}
	return sorted[next], true
}

// List returns all registered suite IDs sorted by tier.
func List() []string {
	out := make([]string, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	SortByTier(out)
	return out
}
