package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pqlink/internal/chronos"
	"pqlink/internal/config"
	"pqlink/internal/metrics"
	"pqlink/internal/suites"
)

// BridgeConfig collects everything the TCP bridge needs to serve commands.
// AllowedPeers gates all commands; RekeyAllowedPeers further gates cmd=rekey.
// Loopback is always allowed to connect, and may rekey only when the bridge
// runs on the drone host.
type BridgeConfig struct {
	Host              string
	Port              int
	AllowedPeers      []string
	RekeyAllowedPeers []string
	ReadTimeout       time.Duration
	RequestLimit      int
}

// Bridge is a newline-delimited JSON TCP server that exposes the control
// plane to schedulers and operator tooling, and carries the in-band peer
// protocol messages between the two hosts.
type Bridge struct {
	cfg     BridgeConfig
	state   *State
	clock   *chronos.ClockSync
	store   *metrics.Store
	log     *logrus.Entry
	limiter *connLimiter

	// OnHandshake is invoked when a processed peer message requires the
	// cryptographic handshake to start. Must be set before Start.
	OnHandshake func(HandshakeRequest)

	mu   sync.Mutex
	ln   net.Listener
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBridge wires the bridge to the shared control state. A nil clock
// disables chronos_sync; a nil store disables counters.
func NewBridge(cfg BridgeConfig, st *State, clock *chronos.ClockSync, store *metrics.Store, log *logrus.Entry) *Bridge {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bridge{
		cfg:     cfg,
		state:   st,
		clock:   clock,
		store:   store,
		log:     log.WithField("component", "bridge"),
		limiter: newConnLimiter(cfg.RequestLimit, 8, 5*time.Minute),
		stop:    make(chan struct{}),
	}
}

// Start binds the listener and launches the accept loop.
func (b *Bridge) Start() error {
	addr := net.JoinHostPort(b.cfg.Host, fmt.Sprintf("%d", b.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		b.log.WithFields(logrus.Fields{"addr": addr, "error": err}).Warn("control listener failed to start")
		return fmt.Errorf("control bridge listen %s: %w", addr, err)
	}

	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{
		"addr":          ln.Addr().String(),
		"role":          b.state.Role(),
		"allowed_peers": b.cfg.AllowedPeers,
	}).Info("control listener started")

	b.wg.Add(1)
	go b.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Stop closes the listener and waits for in-flight connections to drain.
func (b *Bridge) Stop() {
	close(b.stop)
	b.mu.Lock()
	if b.ln != nil {
		b.ln.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bridge) stopped() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

func (b *Bridge) acceptLoop(ln net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.stopped() {
				return
			}
			b.log.WithField("error", err).Debug("accept error")
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		b.wg.Add(1)
		go b.clientLoop(conn)
	}
}

func (b *Bridge) clientLoop(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()

	peerIP := clientIP(conn.RemoteAddr().String())
	if !isAllowedPeer(peerIP, b.cfg.AllowedPeers) {
		b.sendJSON(conn, map[string]any{"ok": false, "error": "unauthorized"})
		return
	}

	reader := bufio.NewReader(conn)
	// A read deadline can fire mid-line; the bytes already consumed are
	// accumulated here so a slow sender's command is reassembled instead of
	// being parsed as two broken fragments.
	var partial []byte
	for {
		if b.stopped() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// EOF or socket error ends the connection.
			return
		}
		line := partial
		partial = nil
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}
		recvAt := time.Now()

		if !b.limiter.allow(peerIP) {
			b.countError("rate_limited")
			b.sendJSON(conn, map[string]any{"ok": false, "error": "rate_limited"})
			continue
		}

		resp := b.dispatch(conn, peerIP, []byte(trimmed), recvAt)
		if resp != nil {
			b.sendJSON(conn, resp)
		}
	}
}

// dispatch routes one line: operator commands carry "cmd", peer protocol
// messages carry "type". A nil return means no reply is owed.
func (b *Bridge) dispatch(conn net.Conn, peerIP string, line []byte, recvAt time.Time) (resp any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"peer": peerIP, "panic": r}).Warn("command handler panic")
			b.countError("internal_error")
			resp = map[string]any{"ok": false, "error": fmt.Sprintf("internal_error:%T", r)}
		}
	}()

	var envelope struct {
		Cmd  string `json:"cmd"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		b.countError("bad_json")
		return map[string]any{"ok": false, "error": "bad_json"}
	}

	if envelope.Type != "" && envelope.Cmd == "" {
		return b.handlePeerMessage(conn, peerIP, line)
	}
	return b.handleCommand(peerIP, envelope.Cmd, line, recvAt)
}

// handlePeerMessage feeds a protocol message to the state machine, writes
// any replies back on the same connection and kicks off a handshake when one
// is required.
func (b *Bridge) handlePeerMessage(conn net.Conn, peerIP string, line []byte) any {
	msg, err := Decode(line)
	if err != nil {
		b.log.WithFields(logrus.Fields{"peer": peerIP, "error": err}).Debug("peer message rejected")
		b.countError("bad_message")
		return map[string]any{"ok": false, "error": "bad_message"}
	}

	res := b.state.Handle(msg)
	for _, out := range res.Send {
		data, err := Encode(out)
		if err != nil {
			continue
		}
		conn.Write(append(data, '\n'))
	}
	if res.StartHandshake != nil && b.OnHandshake != nil {
		b.OnHandshake(*res.StartHandshake)
	}
	for _, note := range res.Notes {
		b.log.WithFields(logrus.Fields{"peer": peerIP, "note": note}).Debug("peer message note")
	}
	return nil
}

func (b *Bridge) handleCommand(peerIP, cmd string, line []byte, recvAt time.Time) any {
	if cmd == "" {
		b.countError("missing_cmd")
		return map[string]any{"ok": false, "error": "missing_cmd"}
	}
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	b.countCommand(cmd)

	switch cmd {
	case "ping", "health":
		return map[string]any{
			"ok":               true,
			"role":             b.state.Role(),
			"coordinator_role": b.state.CoordinatorRole(),
		}

	case "status":
		snap := b.state.StatusSnapshot()
		return map[string]any{
			"ok":               true,
			"role":             snap.Role,
			"state":            snap.State,
			"suite":            snap.Suite,
			"stats":            snap.Stats,
			"active_rid":       snap.ActiveRID,
			"last_rekey_ms":    snap.LastRekeyMS,
			"last_rekey_suite": snap.LastRekeySuite,
			"last_status":      snap.LastStatus,
		}

	case "rekey":
		return b.handleRekey(peerIP, line)

	case "get_suites":
		names := suites.List()
		sort.Strings(names)
		return map[string]any{"status": "ok", "suites": names}

	case chronos.CmdSync:
		if b.clock == nil {
			return map[string]any{"status": "error", "message": "clock sync unavailable"}
		}
		var req chronos.SyncRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return map[string]any{"status": "error", "message": "bad request"}
		}
		return b.clock.ServerHandle(req, recvAt)

	case "metrics":
		if b.store == nil {
			return map[string]any{"ok": false, "error": "metrics_unavailable"}
		}
		return map[string]any{"ok": true, "metrics": b.store.Prometheus()}

	default:
		b.countError("unknown_cmd")
		return map[string]any{"ok": false, "error": "unknown_cmd"}
	}
}

func (b *Bridge) handleRekey(peerIP string, line []byte) any {
	if !isAllowedRekeyPeer(peerIP, b.cfg.RekeyAllowedPeers, b.state.Role()) {
		b.countError("unauthorized_rekey")
		if blocked := b.limiter.addRekeyDenial(peerIP); blocked {
			b.log.WithField("peer", peerIP).Warn("peer blocked after repeated unauthorized rekeys")
		}
		return map[string]any{"ok": false, "error": "unauthorized_rekey"}
	}
	if !b.state.IsCoordinator() {
		b.countError("coordinator_only")
		return map[string]any{
			"ok":               false,
			"error":            "coordinator_only",
			"coordinator_role": b.state.CoordinatorRole(),
		}
	}

	var req struct {
		Suite string `json:"suite"`
	}
	if err := json.Unmarshal(line, &req); err != nil || strings.TrimSpace(req.Suite) == "" {
		b.countError("missing_suite")
		return map[string]any{"ok": false, "error": "missing_suite"}
	}

	info, err := suites.Resolve(req.Suite)
	if err != nil {
		b.countError("invalid_suite")
		return map[string]any{"ok": false, "error": "invalid_suite"}
	}

	rid, err := b.state.RequestPrepare(info.ID)
	if err != nil {
		b.countError("busy")
		return map[string]any{"ok": false, "error": fmt.Sprintf("busy:%v", err)}
	}
	b.log.WithFields(logrus.Fields{"peer": peerIP, "suite": info.ID, "rid": rid}).Info("rekey accepted")
	return map[string]any{"ok": true, "rid": rid, "suite": info.ID}
}

func (b *Bridge) sendJSON(conn net.Conn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"ok":false,"error":"encode_fail"}`)
	}
	conn.Write(append(data, '\n'))
}

func (b *Bridge) countCommand(cmd string) {
	if b.store != nil {
		b.store.IncCommand(cmd)
	}
}

func (b *Bridge) countError(kind string) {
	if b.store != nil {
		b.store.IncCommandError(kind)
	}
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1"
}

func isAllowedPeer(peerIP string, allowed []string) bool {
	for _, a := range allowed {
		if peerIP == a {
			return true
		}
	}
	// Loopback is always trusted for read commands.
	return isLoopback(peerIP)
}

// isAllowedRekeyPeer gates cmd=rekey. Loopback may rekey only when the
// bridge runs on the drone host, so local drone tooling can drive rekeys
// without handing that power to the ground station host.
func isAllowedRekeyPeer(peerIP string, allowed []string, serverRole config.Role) bool {
	for _, a := range allowed {
		if peerIP == a {
			return true
		}
	}
	return serverRole == config.RoleDrone && isLoopback(peerIP)
}
