package suites

import (
	"strings"
	"testing"
)

func TestResolveCanonicalAndAlias(t *testing.T) {
	info, err := Resolve(DefaultSuiteID)
	if err != nil {
		t.Fatalf("canonical resolve: %v", err)
	}
	if info.ID != DefaultSuiteID {
		t.Fatalf("id = %s", info.ID)
	}

	// Legacy kyber/dilithium spellings map to the ML-KEM/ML-DSA names.
	info, err = Resolve("cs-kyber768-aesgcm-dilithium3")
	if err != nil {
		t.Fatalf("alias resolve: %v", err)
	}
	if info.ID != DefaultSuiteID {
		t.Fatalf("alias resolved to %s, want %s", info.ID, DefaultSuiteID)
	}

	// Case and separators are normalized.
	if _, err := Resolve("CS_MLKEM768_AESGCM_MLDSA65"); err != nil {
		t.Fatalf("normalized resolve: %v", err)
	}
}

func TestResolveUnknownSuggestsClosest(t *testing.T) {
	_, err := Resolve("cs-mlkem769-aesgcm-mldsa65")
	if err == nil {
		t.Fatal("near-miss name must not resolve")
	}
	if !strings.Contains(err.Error(), "closest match") {
		t.Fatalf("error should carry a hint: %v", err)
	}

	if Known("definitely-not-a-suite") {
		t.Fatal("Known must be false for junk")
	}
}

func TestTierOrdering(t *testing.T) {
	// NIST level dominates.
	if !(Tier("cs-mlkem512-aesgcm-mldsa44") < Tier("cs-mlkem768-aesgcm-mldsa65")) {
		t.Fatal("L1 must rank below L3")
	}
	if !(Tier("cs-mlkem768-aesgcm-mldsa65") < Tier("cs-mlkem1024-aesgcm-mldsa87")) {
		t.Fatal("L3 must rank below L5")
	}
	// Within a level the KEM family breaks ties.
	if !(Tier("cs-mlkem768-aesgcm-mldsa65") < Tier("cs-hqc192-aesgcm-mldsa65")) {
		t.Fatal("mlkem must rank below hqc at the same level")
	}
	// AEAD sub-tier.
	if !(Tier("cs-mlkem768-aesgcm-mldsa65") < Tier("cs-mlkem768-chacha20poly1305-mldsa65")) {
		t.Fatal("aesgcm must rank below chacha at the same level")
	}
	// Unrecognizable names park at the default tier, never an error.
	if Tier("cs-mystery-cipher") != 50 {
		t.Fatalf("unknown tier = %d, want 50", Tier("cs-mystery-cipher"))
	}
}

func TestFilterRespectsAEADAndLevel(t *testing.T) {
	pool := Filter("aesgcm", "L3")
	if len(pool) == 0 {
		t.Fatal("filter produced an empty pool")
	}
	for _, id := range pool {
		if !strings.Contains(id, "aesgcm") {
			t.Fatalf("non-aesgcm suite leaked: %s", id)
		}
		info, err := Resolve(id)
		if err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
		if NISTLevelValue(info.NISTLevel) > 3 {
			t.Fatalf("suite above L3 leaked: %s", id)
		}
	}
	// Pool is tier-sorted.
	for i := 1; i < len(pool); i++ {
		if Tier(pool[i-1]) > Tier(pool[i]) {
			t.Fatalf("pool not sorted: %s before %s", pool[i-1], pool[i])
		}
	}
}

func TestFindAdjacent(t *testing.T) {
	pool := []string{
		"cs-mlkem512-aesgcm-mldsa44",
		"cs-mlkem768-aesgcm-mldsa65",
		"cs-mlkem1024-aesgcm-mldsa87",
	}

	up, ok := FindAdjacent("cs-mlkem768-aesgcm-mldsa65", pool, +1)
	if !ok || up != "cs-mlkem1024-aesgcm-mldsa87" {
		t.Fatalf("up = %s %v", up, ok)
	}
	down, ok := FindAdjacent("cs-mlkem768-aesgcm-mldsa65", pool, -1)
	if !ok || down != "cs-mlkem512-aesgcm-mldsa44" {
		t.Fatalf("down = %s %v", down, ok)
	}

	// Boundaries are terminal.
	if _, ok := FindAdjacent("cs-mlkem1024-aesgcm-mldsa87", pool, +1); ok {
		t.Fatal("no suite above the top tier")
	}
	if _, ok := FindAdjacent("cs-mlkem512-aesgcm-mldsa44", pool, -1); ok {
		t.Fatal("no suite below the bottom tier")
	}

	// A stale current suite falls back to the lowest pool entry.
	fallback, ok := FindAdjacent("cs-not-in-pool", pool, +1)
	if !ok || fallback != "cs-mlkem512-aesgcm-mldsa44" {
		t.Fatalf("fallback = %s %v", fallback, ok)
	}
}

func TestListCoversRegistry(t *testing.T) {
	all := List()
	if len(all) < 10 {
		t.Fatalf("registry unexpectedly small: %d", len(all))
	}
	for _, id := range all {
		if !Known(id) {
			t.Fatalf("listed suite not resolvable: %s", id)
		}
	}
}
