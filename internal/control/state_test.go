package control

import (
	"fmt"
	"testing"
	"time"

	"pqlink/internal/config"
)

func drainOutbox(s *State) []Message {
	var out []Message
	for {
		select {
		case m := <-s.Outbox():
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestTwoPhaseCommitHappyPath(t *testing.T) {
	coord := NewState(config.RoleDrone, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil)
	follower := NewState(config.RoleGCS, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil)

	rid, err := coord.RequestPrepare("cs-mlkem1024-aesgcm-mldsa87")
	if err != nil {
		t.Fatalf("RequestPrepare: %v", err)
	}

	sent := drainOutbox(coord)
	if len(sent) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(sent))
	}
	prep, ok := sent[0].(PrepareRekey)
	if !ok || prep.RID != rid {
		t.Fatalf("unexpected outbound message %#v", sent[0])
	}

	res := follower.Handle(prep)
	if len(res.Send) != 1 {
		t.Fatalf("follower should reply with one message, got %d", len(res.Send))
	}
	pok, ok := res.Send[0].(PrepareOK)
	if !ok {
		t.Fatalf("expected prepare_ok, got %#v", res.Send[0])
	}

	res = coord.Handle(pok)
	if res.StartHandshake == nil {
		t.Fatal("coordinator should start the handshake on prepare_ok")
	}
	if res.StartHandshake.Suite != "cs-mlkem1024-aesgcm-mldsa87" || res.StartHandshake.RID != rid {
		t.Fatalf("bad handshake request %#v", res.StartHandshake)
	}
	if len(res.Send) != 1 {
		t.Fatalf("coordinator should send commit_rekey, got %d messages", len(res.Send))
	}
	commit := res.Send[0].(CommitRekey)

	res = follower.Handle(commit)
	if res.StartHandshake == nil || res.StartHandshake.Suite != "cs-mlkem1024-aesgcm-mldsa87" {
		t.Fatalf("follower should start the handshake on commit, got %#v", res.StartHandshake)
	}

	coord.RecordRekeyResult(rid, "cs-mlkem1024-aesgcm-mldsa87", true)
	follower.RecordRekeyResult(rid, "cs-mlkem1024-aesgcm-mldsa87", true)

	for _, s := range []*State{coord, follower} {
		snap := s.StatusSnapshot()
		if snap.State != StateRunning {
			t.Fatalf("%s not back to RUNNING: %s", snap.Role, snap.State)
		}
		if snap.Suite != "cs-mlkem1024-aesgcm-mldsa87" {
			t.Fatalf("%s did not adopt new suite: %s", snap.Role, snap.Suite)
		}
		if snap.Stats.RekeysOK != 1 {
			t.Fatalf("%s rekeys_ok = %d, want 1", snap.Role, snap.Stats.RekeysOK)
		}
	}
}

func TestFollowerSafetyVeto(t *testing.T) {
	guard := SafetyGuardFunc(func() bool { return false })
	follower := NewState(config.RoleGCS, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", guard)

	res := follower.Handle(PrepareRekey{Suite: "cs-mlkem1024-aesgcm-mldsa87", RID: "r1", TMs: 1})
	if len(res.Send) != 1 {
		t.Fatalf("expected one reply, got %d", len(res.Send))
	}
	fail, ok := res.Send[0].(PrepareFail)
	if !ok {
		t.Fatalf("expected prepare_fail, got %#v", res.Send[0])
	}
	if fail.Reason != "unsafe" {
		t.Fatalf("reason = %q, want unsafe", fail.Reason)
	}
	snap := follower.StatusSnapshot()
	if snap.State != StateRunning {
		t.Fatalf("vetoed prepare must not change state, got %s", snap.State)
	}
	if snap.Stats.PrepareReceived != 0 {
		t.Fatalf("vetoed prepare must not count as received")
	}
}

func TestDuplicateRIDRejected(t *testing.T) {
	follower := NewState(config.RoleGCS, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil)

	first := follower.Handle(PrepareRekey{Suite: "cs-mlkem512-aesgcm-mldsa44", RID: "dup", TMs: 1})
	if _, ok := first.Send[0].(PrepareOK); !ok {
		t.Fatalf("first prepare should be accepted, got %#v", first.Send[0])
	}
	follower.RecordRekeyResult("dup", "cs-mlkem512-aesgcm-mldsa44", true)

	replay := follower.Handle(PrepareRekey{Suite: "cs-mlkem512-aesgcm-mldsa44", RID: "dup", TMs: 2})
	if _, ok := replay.Send[0].(PrepareFail); !ok {
		t.Fatalf("replayed rid should be rejected, got %#v", replay.Send[0])
	}
}

func TestSeenRIDSetBounded(t *testing.T) {
	set := newRIDSet(4)
	for i := 0; i < 10; i++ {
		set.add(fmt.Sprintf("rid-%d", i))
	}
	if len(set.order) != 4 || len(set.index) != 4 {
		t.Fatalf("set grew past its cap: order=%d index=%d", len(set.order), len(set.index))
	}
	if set.contains("rid-0") {
		t.Fatal("oldest rid should have aged out")
	}
	if !set.contains("rid-9") {
		t.Fatal("newest rid must still be present")
	}
}

func TestRequestPrepareBusy(t *testing.T) {
	coord := NewState(config.RoleDrone, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil)

	rid, err := coord.RequestPrepare("cs-mlkem1024-aesgcm-mldsa87")
	if err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	if _, err := coord.RequestPrepare("cs-mlkem512-aesgcm-mldsa44"); err != ErrBusy {
		t.Fatalf("second prepare while negotiating: err = %v, want ErrBusy", err)
	}

	coord.RecordRekeyResult(rid, "cs-mlkem1024-aesgcm-mldsa87", false)
	snap := coord.StatusSnapshot()
	if snap.Stats.RekeysFail != 1 {
		t.Fatalf("rekeys_fail = %d, want 1", snap.Stats.RekeysFail)
	}
	if _, err := coord.RequestPrepare("cs-mlkem512-aesgcm-mldsa44"); err != nil {
		t.Fatalf("prepare after failure should succeed: %v", err)
	}
}

func TestPrepareFailReturnsToRunning(t *testing.T) {
	coord := NewState(config.RoleDrone, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil)
	rid, err := coord.RequestPrepare("cs-hqc192-aesgcm-mldsa65")
	if err != nil {
		t.Fatalf("RequestPrepare: %v", err)
	}

	res := coord.Handle(PrepareFail{RID: rid, Reason: "unsafe", TMs: 5})
	if res.StartHandshake != nil {
		t.Fatal("prepare_fail must not start a handshake")
	}
	snap := coord.StatusSnapshot()
	if snap.State != StateRunning {
		t.Fatalf("state = %s, want RUNNING after prepare_fail", snap.State)
	}
	if snap.Stats.RekeysFail != 1 {
		t.Fatalf("rekeys_fail = %d, want 1", snap.Stats.RekeysFail)
	}
}

func TestUnknownRIDIgnored(t *testing.T) {
	coord := NewState(config.RoleDrone, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil)

	res := coord.Handle(PrepareOK{RID: "never-issued", TMs: 1})
	if res.StartHandshake != nil || len(res.Send) != 0 {
		t.Fatalf("stale prepare_ok must be inert, got %#v", res)
	}
	if len(res.Notes) == 0 || res.Notes[0] != "unknown_rid" {
		t.Fatalf("expected unknown_rid note, got %v", res.Notes)
	}

	follower := NewState(config.RoleGCS, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil)
	res = follower.Handle(CommitRekey{Suite: "cs-mlkem768-aesgcm-mldsa65", RID: "never-issued", TMs: 1})
	if res.StartHandshake != nil {
		t.Fatal("commit for unknown rid must not start a handshake")
	}
}

func TestTelemetryReportStored(t *testing.T) {
	s := NewState(config.RoleDrone, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil)
	s.Handle(TelemetryReport{Metrics: map[string]float64{"cpu_pct": 42.5}})

	got := s.LastTelemetry()
	if got["cpu_pct"] != 42.5 {
		t.Fatalf("telemetry not stored: %v", got)
	}
	got["cpu_pct"] = 0
	if s.LastTelemetry()["cpu_pct"] != 42.5 {
		t.Fatal("LastTelemetry must return a copy")
	}
}

func TestStaleNegotiationExpiresOnCoordinator(t *testing.T) {
	now := int64(0)
	s := NewState(config.RoleDrone, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil,
		WithClock(func() int64 { return now }), WithNegotiationTimeout(5*time.Second))

	staleRID, err := s.RequestPrepare("cs-mlkem512-aesgcm-mldsa44")
	if err != nil {
		t.Fatalf("RequestPrepare: %v", err)
	}
	if _, err := s.RequestPrepare("cs-mlkem512-aesgcm-mldsa44"); err != ErrBusy {
		t.Fatalf("expected ErrBusy while negotiating, got %v", err)
	}

	// The prepare_ok never arrives. Past the timeout the machine must give
	// up and accept a new negotiation.
	now = 5001
	rid, err := s.RequestPrepare("cs-mlkem512-aesgcm-mldsa44")
	if err != nil {
		t.Fatalf("stale negotiation must expire: %v", err)
	}
	if rid == staleRID {
		t.Fatal("expired negotiation must not reuse its rid")
	}

	// A late answer to the abandoned rid is ignored.
	res := s.Handle(PrepareOK{RID: staleRID, TMs: now})
	if res.StartHandshake != nil {
		t.Fatal("late prepare_ok for an expired rid must not start a handshake")
	}
	if got := s.StatusSnapshot().State; got != StateNegotiating {
		t.Fatalf("state = %s, want %s for the fresh rid", got, StateNegotiating)
	}
}

func TestStaleNegotiationExpiresOnFollower(t *testing.T) {
	now := int64(0)
	f := NewState(config.RoleGCS, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil,
		WithClock(func() int64 { return now }), WithNegotiationTimeout(5*time.Second))

	res := f.Handle(PrepareRekey{Suite: "cs-mlkem512-aesgcm-mldsa44", RID: "rid-lost", TMs: 0})
	if _, ok := res.Send[0].(PrepareOK); !ok {
		t.Fatalf("expected prepare_ok, got %#v", res.Send[0])
	}

	// The commit for rid-lost never arrives. A later negotiation must not be
	// rejected by the abandoned one.
	now = 6000
	res = f.Handle(PrepareRekey{Suite: "cs-mlkem512-aesgcm-mldsa44", RID: "rid-fresh", TMs: now})
	if _, ok := res.Send[0].(PrepareOK); !ok {
		t.Fatalf("follower still wedged: %#v", res.Send[0])
	}
}

func TestPublishTelemetryReachesPeer(t *testing.T) {
	drone := NewState(config.RoleDrone, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil)
	gcs := NewState(config.RoleGCS, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil)

	metrics := map[string]float64{"failsafe": 0, "gap_p95_ms": 120}
	drone.PublishTelemetry(metrics)
	metrics["gap_p95_ms"] = 999 // caller mutation must not leak into the report

	msgs := drainOutbox(drone)
	if len(msgs) != 1 {
		t.Fatalf("outbox = %d messages, want 1", len(msgs))
	}
	rep, ok := msgs[0].(TelemetryReport)
	if !ok {
		t.Fatalf("outbox message %#v", msgs[0])
	}
	gcs.Handle(rep)
	if gcs.LastTelemetry()["gap_p95_ms"] != 120 {
		t.Fatalf("peer telemetry = %v", gcs.LastTelemetry())
	}
}

func TestOutboxDropsOldestOnOverflow(t *testing.T) {
	s := NewState(config.RoleDrone, config.RoleDrone, "cs-mlkem768-aesgcm-mldsa65", nil, WithOutboxDepth(2))

	s.enqueue(Status{State: StateRunning, Suite: "a", TMs: 1})
	s.enqueue(Status{State: StateRunning, Suite: "b", TMs: 2})
	s.enqueue(Status{State: StateRunning, Suite: "c", TMs: 3})

	msgs := drainOutbox(s)
	if len(msgs) != 2 {
		t.Fatalf("outbox depth = %d, want 2", len(msgs))
	}
	if msgs[0].(Status).Suite != "b" || msgs[1].(Status).Suite != "c" {
		t.Fatalf("expected oldest dropped, got %v", msgs)
	}
}
