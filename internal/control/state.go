package control

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"pqlink/internal/config"
)

// Lifecycle states of one peer's half of the rekey protocol.
const (
	StateRunning     = "RUNNING"
	StateNegotiating = "NEGOTIATING"
	StateSwapping    = "SWAPPING"
)

// ErrBusy is returned when a negotiation is already in flight. At most one
// negotiation may be active per peer.
var ErrBusy = errors.New("control plane already negotiating")

// SafetyGuard is the follower-side veto: a prepare is accepted only when
// SafeToRekey returns true. The vehicle-safety subsystem implements it and
// injects it at construction.
type SafetyGuard interface {
	SafeToRekey() bool
}

// SafetyGuardFunc adapts a plain function to a SafetyGuard.
type SafetyGuardFunc func() bool

func (f SafetyGuardFunc) SafeToRekey() bool { return f() }

// HandshakeRequest tells the caller to start the external cryptographic
// handshake for (Suite, RID) and report the outcome via RecordRekeyResult.
type HandshakeRequest struct {
	Suite string
	RID   string
}

// Result describes the actions a processed message requires from the caller:
// messages to transmit, an optional handshake to start, and diagnostic notes.
type Result struct {
	Send           []Message
	StartHandshake *HandshakeRequest
	Notes          []string
}

// Counters tracks protocol activity for the status surface.
type Counters struct {
	PrepareSent     int `json:"prepare_sent"`
	PrepareReceived int `json:"prepare_received"`
	RekeysOK        int `json:"rekeys_ok"`
	RekeysFail      int `json:"rekeys_fail"`
}

// Snapshot is a consistent copy of the observable state, taken under the
// mutex for the bridge's status command.
type Snapshot struct {
	Role           config.Role `json:"role"`
	State          string      `json:"state"`
	Suite          string      `json:"suite"`
	Stats          Counters    `json:"stats"`
	ActiveRID      string      `json:"active_rid,omitempty"`
	LastRekeyMS    int64       `json:"last_rekey_ms,omitempty"`
	LastRekeySuite string      `json:"last_rekey_suite,omitempty"`
	LastStatus     *Status     `json:"last_status,omitempty"`
}

// seenRIDCap bounds the replay-suppression set; old entries age out FIFO so
// memory stays bounded even under a flood of retried or forged requests.
const seenRIDCap = 256

type ridSet struct {
	order []string
	index map[string]struct{}
	cap   int
}

func newRIDSet(capacity int) *ridSet {
	if capacity <= 0 {
		capacity = seenRIDCap
	}
	return &ridSet{index: make(map[string]struct{}, capacity), cap: capacity}
}

func (r *ridSet) contains(rid string) bool {
	_, ok := r.index[rid]
	return ok
}

func (r *ridSet) add(rid string) {
	if r.contains(rid) {
		return
	}
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.index, oldest)
	}
	r.order = append(r.order, rid)
	r.index[rid] = struct{}{}
}

// State is one peer's replicated control-plane state. All mutation happens
// under its mutex; the bridge and the telemetry pipeline interact with it
// only through the exported operations.
type State struct {
	role            config.Role
	coordinatorRole config.Role

	mu             sync.Mutex
	lifecycle      string
	currentSuite   string
	guard          SafetyGuard
	pending        map[string]string // rid → proposed suite
	activeRID      string
	negotiatedAtMS int64
	lastRekeyMS    int64
	lastSuite      string
	lastStatus     *Status
	lastReport     map[string]float64
	stats          Counters
	seen           *ridSet

	outbox        chan Message
	nowMS         func() int64
	negotiationMS int64
}

// StateOption customizes State construction.
type StateOption func(*State)

// WithOutboxDepth bounds the outbound message queue (default 64). On
// overflow the oldest message is dropped in favor of the newest.
func WithOutboxDepth(depth int) StateOption {
	return func(s *State) {
		if depth > 0 {
			s.outbox = make(chan Message, depth)
		}
	}
}

// WithNegotiationTimeout bounds how long the machine may sit in NEGOTIATING
// waiting for the peer's prepare answer or commit. Past the deadline the
// negotiation is abandoned and the machine returns to RUNNING, so a lost
// prepare_ok cannot wedge rekeying forever (default 15s).
func WithNegotiationTimeout(d time.Duration) StateOption {
	return func(s *State) {
		if d > 0 {
			s.negotiationMS = d.Milliseconds()
		}
	}
}

// WithClock overrides the monotonic millisecond clock (tests).
func WithClock(nowMS func() int64) StateOption {
	return func(s *State) {
		if nowMS != nil {
			s.nowMS = nowMS
		}
	}
}

var processStart = time.Now()

func defaultNowMS() int64 {
	return time.Since(processStart).Milliseconds()
}

// NewState builds the control-plane state for one peer. A nil guard means
// "always safe".
func NewState(role, coordinatorRole config.Role, suite string, guard SafetyGuard, opts ...StateOption) *State {
	if guard == nil {
		guard = SafetyGuardFunc(func() bool { return true })
	}
	s := &State{
		role:            role,
		coordinatorRole: coordinatorRole,
		lifecycle:       StateRunning,
		currentSuite:    suite,
		guard:           guard,
		pending:         make(map[string]string),
		seen:            newRIDSet(seenRIDCap),
		outbox:          make(chan Message, 64),
		nowMS:           defaultNowMS,
		negotiationMS:   15_000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsCoordinator reports whether this peer initiates rekey negotiations.
func (s *State) IsCoordinator() bool {
	return s.role == s.coordinatorRole
}

// Role returns the peer's configured role.
func (s *State) Role() config.Role { return s.role }

// CoordinatorRole returns the configured coordinator role.
func (s *State) CoordinatorRole() config.Role { return s.coordinatorRole }

// Outbox exposes the bounded outbound queue. The transport layer is the only
// consumer; the protocol logic never touches sockets itself.
func (s *State) Outbox() <-chan Message { return s.outbox }

// CurrentSuite returns the suite the tunnel currently runs.
func (s *State) CurrentSuite() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSuite
}

// newRID returns a fresh high-entropy request identifier.
func newRID() string {
	return uuid.NewString()
}

// enqueue places a message on the outbox; when full, the oldest queued
// message is dropped so the newest protocol message always gets through.
func (s *State) enqueue(m Message) {
	for {
		select {
		case s.outbox <- m:
			return
		default:
			select {
			case <-s.outbox:
			default:
			}
		}
	}
}

// RequestPrepare starts a rekey negotiation toward suite. It generates a
// fresh rid, transitions RUNNING→NEGOTIATING and enqueues the prepare_rekey.
// ErrBusy is returned unless the state machine is currently RUNNING.
func (s *State) RequestPrepare(suite string) (string, error) {
	rid := newRID()
	now := s.nowMS()

	s.mu.Lock()
	s.expireStaleLocked(now)
	if s.lifecycle != StateRunning {
		s.mu.Unlock()
		return "", ErrBusy
	}
	s.pending[rid] = suite
	s.activeRID = rid
	s.negotiatedAtMS = now
	s.lifecycle = StateNegotiating
	s.stats.PrepareSent++
	s.mu.Unlock()

	s.enqueue(PrepareRekey{Suite: suite, RID: rid, TMs: now})
	return rid, nil
}

// expireStaleLocked abandons a negotiation whose answer never arrived, so the
// machine times out back to RUNNING instead of refusing rekeys forever. The
// mutex must be held. SWAPPING is never expired; RecordRekeyResult closes it.
func (s *State) expireStaleLocked(nowMS int64) {
	if s.lifecycle != StateNegotiating {
		return
	}
	if nowMS-s.negotiatedAtMS < s.negotiationMS {
		return
	}
	delete(s.pending, s.activeRID)
	s.activeRID = ""
	s.lifecycle = StateRunning
	s.stats.RekeysFail++
}

// RecordRekeyResult closes out a negotiation once the external handshake has
// finished. Success adopts the new suite; either outcome clears the pending
// entry, returns the machine to RUNNING and broadcasts a status message.
func (s *State) RecordRekeyResult(rid, suite string, success bool) {
	now := s.nowMS()

	s.mu.Lock()
	if success {
		s.currentSuite = suite
		s.lastSuite = suite
		s.lastRekeyMS = now
		s.stats.RekeysOK++
	} else {
		s.stats.RekeysFail++
	}
	delete(s.pending, rid)
	s.activeRID = ""
	s.lifecycle = StateRunning
	announced := s.currentSuite
	s.mu.Unlock()

	result := "ok"
	if !success {
		result = "fail"
	}
	s.enqueue(Status{State: StateRunning, Suite: announced, RID: rid, Result: result, TMs: now})
}

// PublishTelemetry broadcasts summarized link metrics to the peer over the
// control link. The receiving side stores the report for its safety guard
// and status surface.
func (s *State) PublishTelemetry(metrics map[string]float64) {
	copied := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		copied[k] = v
	}
	s.enqueue(TelemetryReport{Metrics: copied})
}

// Handle processes one inbound control message and returns the actions it
// requires. State transitions are strictly serialized by the mutex, so two
// negotiations can never be in flight at once for this peer.
func (s *State) Handle(msg Message) Result {
	if report, ok := msg.(TelemetryReport); ok {
		s.mu.Lock()
		s.lastReport = report.Metrics
		s.mu.Unlock()
		return Result{}
	}

	if s.IsCoordinator() {
		return s.handleAsCoordinator(msg)
	}
	return s.handleAsFollower(msg)
}

func (s *State) handleAsCoordinator(msg Message) Result {
	now := s.nowMS()
	var out Result

	switch m := msg.(type) {
	case PrepareOK:
		s.mu.Lock()
		suite, ok := s.pending[m.RID]
		if !ok {
			s.mu.Unlock()
			out.Notes = append(out.Notes, "unknown_rid")
			return out
		}
		s.lifecycle = StateSwapping
		s.seen.add(m.RID)
		s.mu.Unlock()

		out.Send = append(out.Send, CommitRekey{Suite: suite, RID: m.RID, TMs: now})
		out.StartHandshake = &HandshakeRequest{Suite: suite, RID: m.RID}

	case PrepareFail:
		s.mu.Lock()
		delete(s.pending, m.RID)
		s.activeRID = ""
		s.lifecycle = StateRunning
		s.stats.RekeysFail++
		s.seen.add(m.RID)
		s.mu.Unlock()

		out.Notes = append(out.Notes, "prepare_fail:"+m.Reason)

	case Status:
		s.mu.Lock()
		s.lastStatus = &m
		s.mu.Unlock()

	default:
		out.Notes = append(out.Notes, "ignored:"+string(msg.Type()))
	}
	return out
}

func (s *State) handleAsFollower(msg Message) Result {
	now := s.nowMS()
	var out Result

	switch m := msg.(type) {
	case PrepareRekey:
		s.mu.Lock()
		s.expireStaleLocked(now)
		var allow bool
		if s.seen.contains(m.RID) {
			allow = false
		} else {
			allow = s.lifecycle == StateRunning && s.guard.SafeToRekey()
		}
		if allow {
			s.pending[m.RID] = m.Suite
			s.activeRID = m.RID
			s.negotiatedAtMS = now
			s.lifecycle = StateNegotiating
			s.stats.PrepareReceived++
			s.seen.add(m.RID)
		}
		s.mu.Unlock()

		if allow {
			out.Send = append(out.Send, PrepareOK{RID: m.RID, TMs: now})
		} else {
			out.Send = append(out.Send, PrepareFail{RID: m.RID, Reason: "unsafe", TMs: now})
		}

	case CommitRekey:
		s.mu.Lock()
		suite, ok := s.pending[m.RID]
		if !ok {
			s.mu.Unlock()
			out.Notes = append(out.Notes, "unknown_commit_rid")
			return out
		}
		s.lifecycle = StateSwapping
		s.mu.Unlock()

		out.StartHandshake = &HandshakeRequest{Suite: suite, RID: m.RID}

	case Status:
		s.mu.Lock()
		s.lastStatus = &m
		s.mu.Unlock()

	default:
		out.Notes = append(out.Notes, "ignored:"+string(msg.Type()))
	}
	return out
}

// LastTelemetry returns the most recent telemetry report from the peer.
func (s *State) LastTelemetry() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return nil
	}
	out := make(map[string]float64, len(s.lastReport))
	for k, v := range s.lastReport {
		out[k] = v
	}
	return out
}

// StatusSnapshot returns a consistent copy of the observable state.
func (s *State) StatusSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Role:           s.role,
		State:          s.lifecycle,
		Suite:          s.currentSuite,
		Stats:          s.stats,
		ActiveRID:      s.activeRID,
		LastRekeyMS:    s.lastRekeyMS,
		LastRekeySuite: s.lastSuite,
	}
	if s.lastStatus != nil {
		copied := *s.lastStatus
		snap.LastStatus = &copied
	}
	return snap
}
