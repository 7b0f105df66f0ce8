package database

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDecisionTraceRoundTrip(t *testing.T) {
	store := openTestStore(t)

	input := map[string]any{"silence_ms": 700.0, "failsafe": false}
	if err := store.LogDecisionTrace("DOWNGRADE", "cs-mlkem512-aesgcm-mldsa44", "silence_severe", 0.9, "cs-mlkem768-aesgcm-mldsa65", input, "abc123"); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := store.LogDecisionTrace("HOLD", "", "nominal", 1.0, "cs-mlkem768-aesgcm-mldsa65", nil, ""); err != nil {
		t.Fatalf("log: %v", err)
	}

	traces, err := store.RecentDecisionTraces(10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(traces) != 2 {
		t.Fatalf("got %d traces, want 2", len(traces))
	}
	// Newest first.
	if traces[0].Action != "HOLD" || traces[1].Action != "DOWNGRADE" {
		t.Fatalf("wrong order: %v, %v", traces[0].Action, traces[1].Action)
	}
	if traces[1].InputJSON == "" {
		t.Fatal("input json not archived")
	}
	if traces[1].Confidence != 0.9 {
		t.Fatalf("confidence = %v", traces[1].Confidence)
	}
	if traces[1].ReplayDigest != "abc123" || traces[0].ReplayDigest != "" {
		t.Fatalf("replay digests wrong: %q, %q", traces[1].ReplayDigest, traces[0].ReplayDigest)
	}
}

func TestRekeyEventsAndBudgetCount(t *testing.T) {
	store := openTestStore(t)

	if err := store.LogRekeyEvent("rid-1", "cs-a", "cs-b", true, 300*time.Millisecond); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := store.LogRekeyEvent("rid-2", "cs-b", "cs-c", false, 150*time.Millisecond); err != nil {
		t.Fatalf("log: %v", err)
	}

	events, err := store.RecentRekeyEvents(10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].RID != "rid-2" || events[0].Success {
		t.Fatalf("newest event wrong: %+v", events[0])
	}
	if events[1].DurationMS != 300 {
		t.Fatalf("duration = %d, want 300", events[1].DurationMS)
	}

	n, err := store.RekeysSince(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("successful rekeys in window = %d, want 1", n)
	}

	n, err = store.RekeysSince(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("future cutoff must count 0, got %d", n)
	}
}
