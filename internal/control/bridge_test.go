package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"pqlink/internal/chronos"
	"pqlink/internal/config"
	"pqlink/internal/metrics"
	"pqlink/internal/suites"
)

func startTestBridge(t *testing.T, role, coordinator config.Role) (*Bridge, *State) {
	t.Helper()
	st := NewState(role, coordinator, suites.DefaultSuiteID, nil)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	b := NewBridge(BridgeConfig{
		Host:        "127.0.0.1",
		Port:        0,
		ReadTimeout: 100 * time.Millisecond,
	}, st, chronos.New(), metrics.NewStore(), logrus.NewEntry(logger))
	if err := b.Start(); err != nil {
		t.Fatalf("bridge start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, st
}

func bridgeRequest(t *testing.T, addr string, payload any) map[string]any {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	return bridgeRequestOn(t, conn, payload)
}

func bridgeRequestOn(t *testing.T, conn net.Conn, payload any) map[string]any {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return resp
}

func TestBridgePingAndStatus(t *testing.T) {
	b, _ := startTestBridge(t, config.RoleDrone, config.RoleDrone)
	addr := b.Addr().String()

	resp := bridgeRequest(t, addr, map[string]any{"cmd": "ping"})
	if resp["ok"] != true || resp["role"] != "drone" {
		t.Fatalf("ping response: %v", resp)
	}

	resp = bridgeRequest(t, addr, map[string]any{"cmd": "status"})
	if resp["ok"] != true {
		t.Fatalf("status response: %v", resp)
	}
	if resp["state"] != StateRunning {
		t.Fatalf("state = %v, want RUNNING", resp["state"])
	}
	if resp["suite"] != suites.DefaultSuiteID {
		t.Fatalf("suite = %v", resp["suite"])
	}
}

func TestBridgeRekeyFromLoopbackOnDrone(t *testing.T) {
	b, st := startTestBridge(t, config.RoleDrone, config.RoleDrone)
	addr := b.Addr().String()

	resp := bridgeRequest(t, addr, map[string]any{"cmd": "rekey", "suite": "cs-mlkem1024-aesgcm-mldsa87"})
	if resp["ok"] != true {
		t.Fatalf("rekey rejected: %v", resp)
	}
	if resp["suite"] != "cs-mlkem1024-aesgcm-mldsa87" {
		t.Fatalf("suite = %v", resp["suite"])
	}
	rid, _ := resp["rid"].(string)
	if rid == "" {
		t.Fatal("rekey must return a rid")
	}
	if st.StatusSnapshot().State != StateNegotiating {
		t.Fatal("state machine should be NEGOTIATING after accepted rekey")
	}

	// Second rekey while the first is in flight must report busy.
	resp = bridgeRequest(t, addr, map[string]any{"cmd": "rekey", "suite": "cs-mlkem512-aesgcm-mldsa44"})
	if resp["ok"] != false || !strings.HasPrefix(resp["error"].(string), "busy:") {
		t.Fatalf("expected busy error, got %v", resp)
	}
}

func TestBridgeRekeyDeniedOnGCSLoopback(t *testing.T) {
	b, _ := startTestBridge(t, config.RoleGCS, config.RoleDrone)

	resp := bridgeRequest(t, b.Addr().String(), map[string]any{"cmd": "rekey", "suite": suites.DefaultSuiteID})
	if resp["error"] != "unauthorized_rekey" {
		t.Fatalf("expected unauthorized_rekey, got %v", resp)
	}
}

func TestBridgeRekeyInvalidSuite(t *testing.T) {
	b, _ := startTestBridge(t, config.RoleDrone, config.RoleDrone)
	addr := b.Addr().String()

	resp := bridgeRequest(t, addr, map[string]any{"cmd": "rekey", "suite": "cs-total-nonsense"})
	if resp["error"] != "invalid_suite" {
		t.Fatalf("expected invalid_suite, got %v", resp)
	}
	resp = bridgeRequest(t, addr, map[string]any{"cmd": "rekey"})
	if resp["error"] != "missing_suite" {
		t.Fatalf("expected missing_suite, got %v", resp)
	}
}

func TestBridgeMalformedInput(t *testing.T) {
	b, _ := startTestBridge(t, config.RoleDrone, config.RoleDrone)
	addr := b.Addr().String()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(line), "bad_json") {
		t.Fatalf("expected bad_json, got %s", line)
	}

	resp := bridgeRequestOn(t, conn, map[string]any{"what": "ever"})
	if resp["error"] != "missing_cmd" {
		t.Fatalf("expected missing_cmd, got %v", resp)
	}

	resp = bridgeRequestOn(t, conn, map[string]any{"cmd": "frobnicate"})
	if resp["error"] != "unknown_cmd" {
		t.Fatalf("expected unknown_cmd, got %v", resp)
	}
}

func TestBridgeReassemblesLineAcrossReadTimeouts(t *testing.T) {
	b, _ := startTestBridge(t, config.RoleDrone, config.RoleDrone)

	conn, err := net.DialTimeout("tcp", b.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// The pause is longer than the bridge's 100ms read deadline, so the
	// command arrives in two reads. The fragments must still parse as one
	// line, not as two broken ones.
	if _, err := conn.Write([]byte(`{"cmd":"pi`)); err != nil {
		t.Fatalf("write head: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if _, err := conn.Write([]byte("ng\"}\n")); err != nil {
		t.Fatalf("write tail: %v", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if resp["ok"] != true || resp["role"] != "drone" {
		t.Fatalf("split ping not answered: %v", resp)
	}
}

func TestBridgePanicResponseNamesFaultKind(t *testing.T) {
	b, _ := startTestBridge(t, config.RoleGCS, config.RoleDrone)
	b.OnHandshake = func(HandshakeRequest) {
		panic(errors.New("handshake wiring broke"))
	}

	conn, err := net.DialTimeout("tcp", b.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	prep, _ := Encode(PrepareRekey{Suite: "cs-mlkem1024-aesgcm-mldsa87", RID: "rid-p", TMs: 1})
	if _, err := conn.Write(append(prep, '\n')); err != nil {
		t.Fatalf("write prepare: %v", err)
	}
	reader := bufio.NewReader(conn)
	if _, err := reader.ReadBytes('\n'); err != nil {
		t.Fatalf("read prepare_ok: %v", err)
	}

	commit, _ := Encode(CommitRekey{Suite: "cs-mlkem1024-aesgcm-mldsa87", RID: "rid-p", TMs: 2})
	if _, err := conn.Write(append(commit, '\n')); err != nil {
		t.Fatalf("write commit: %v", err)
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	errCode, _ := resp["error"].(string)
	if !strings.HasPrefix(errCode, "internal_error:") || !strings.Contains(errCode, "errorString") {
		t.Fatalf("recovery must name the fault kind, got %v", resp)
	}
}

func TestBridgeChronosSyncAndSuites(t *testing.T) {
	b, _ := startTestBridge(t, config.RoleGCS, config.RoleDrone)
	addr := b.Addr().String()

	resp := bridgeRequest(t, addr, map[string]any{"cmd": "chronos_sync", "t1": 123.0})
	if resp["status"] != "ok" || resp["cmd"] != "chronos_ack" {
		t.Fatalf("chronos response: %v", resp)
	}
	if resp["t1"] != 123.0 {
		t.Fatalf("t1 not echoed: %v", resp["t1"])
	}

	resp = bridgeRequest(t, addr, map[string]any{"cmd": "get_suites"})
	if resp["status"] != "ok" {
		t.Fatalf("get_suites response: %v", resp)
	}
	names, ok := resp["suites"].([]any)
	if !ok || len(names) == 0 {
		t.Fatalf("expected suite list, got %v", resp["suites"])
	}
}

func TestBridgeDispatchesPeerMessages(t *testing.T) {
	b, st := startTestBridge(t, config.RoleGCS, config.RoleDrone)
	addr := b.Addr().String()

	var handshake *HandshakeRequest
	done := make(chan struct{})
	b.OnHandshake = func(req HandshakeRequest) {
		handshake = &req
		close(done)
	}

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	prep, _ := Encode(PrepareRekey{Suite: "cs-mlkem1024-aesgcm-mldsa87", RID: "rid-1", TMs: 1})
	if _, err := conn.Write(append(prep, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read prepare_ok: %v", err)
	}
	msg, err := Decode(line)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if _, ok := msg.(PrepareOK); !ok {
		t.Fatalf("expected prepare_ok, got %#v", msg)
	}

	commit, _ := Encode(CommitRekey{Suite: "cs-mlkem1024-aesgcm-mldsa87", RID: "rid-1", TMs: 2})
	if _, err := conn.Write(append(commit, '\n')); err != nil {
		t.Fatalf("write commit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake callback not invoked")
	}
	if handshake.Suite != "cs-mlkem1024-aesgcm-mldsa87" || handshake.RID != "rid-1" {
		t.Fatalf("bad handshake request %#v", handshake)
	}
	if st.StatusSnapshot().State != StateSwapping {
		t.Fatal("follower should be SWAPPING after commit")
	}
}

func TestAllowListPolicies(t *testing.T) {
	if !isAllowedPeer("127.0.0.1", nil) || !isAllowedPeer("::1", nil) {
		t.Fatal("loopback must always be allowed")
	}
	if isAllowedPeer("192.168.1.50", []string{"192.168.1.10"}) {
		t.Fatal("unlisted peer must be rejected")
	}
	if !isAllowedPeer("192.168.1.10", []string{"192.168.1.10"}) {
		t.Fatal("listed peer must be allowed")
	}

	if !isAllowedRekeyPeer("127.0.0.1", nil, config.RoleDrone) {
		t.Fatal("drone loopback may rekey")
	}
	if isAllowedRekeyPeer("127.0.0.1", nil, config.RoleGCS) {
		t.Fatal("gcs loopback must not rekey")
	}
	if !isAllowedRekeyPeer("10.0.0.2", []string{"10.0.0.2"}, config.RoleGCS) {
		t.Fatal("explicitly listed rekey peer must be allowed")
	}
}
