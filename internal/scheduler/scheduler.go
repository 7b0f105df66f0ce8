// Package scheduler runs the drone-side decision loop: each tick it distills
// the telemetry window into a snapshot, evaluates the policy, and drives the
// control-plane state machine accordingly.
package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pqlink/internal/config"
	"pqlink/internal/control"
	"pqlink/internal/database"
	"pqlink/internal/metrics"
	"pqlink/internal/policy"
	"pqlink/internal/suites"
	"pqlink/internal/sysmon"
	"pqlink/internal/telemetry"
)

// Handshaker performs the cryptographic rekey handshake with the peer once
// both sides have committed. The transport/proxy layer implements it.
type Handshaker interface {
	Rekey(ctx context.Context, suite, rid string) error
}

// HandshakerFunc adapts a function to a Handshaker.
type HandshakerFunc func(ctx context.Context, suite, rid string) error

func (f HandshakerFunc) Rekey(ctx context.Context, suite, rid string) error {
	return f(ctx, suite, rid)
}

// Process names the policy's liveness gates check for.
const (
	ProcMavproxy  = "mavproxy"
	ProcCollector = "collector"
)

// Scheduler owns the per-tick decision state. All mutable fields are touched
// only from the Run goroutine and the handshake completion path, which is
// serialized through completions.
type Scheduler struct {
	cfg    config.Config
	pol    *policy.TelemetryAwarePolicy
	window *telemetry.Window
	state  *control.State
	mon    *sysmon.Monitor
	store  *database.Store // optional
	mets   *metrics.Store
	hs     Handshaker
	log    *logrus.Entry
	now    func() time.Duration

	cooldownUntilMS float64
	lastSwitchMS    float64
	moderateStreak  int
	rekeyMonoMS     []float64

	completions chan completion
}

type completion struct {
	rid     string
	suite   string
	success bool
	took    time.Duration
}

// New wires a scheduler. now must be the same monotonic clock the telemetry
// receiver stamps window samples with. store may be nil to disable
// archiving.
func New(cfg config.Config, pol *policy.TelemetryAwarePolicy, window *telemetry.Window, st *control.State, mon *sysmon.Monitor, store *database.Store, mets *metrics.Store, hs Handshaker, now func() time.Duration, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entry := log.WithFields(logrus.Fields{
		"component": "scheduler",
		"run_id":    uuid.NewString(),
	})
	return &Scheduler{
		cfg:         cfg,
		pol:         pol,
		window:      window,
		state:       st,
		mon:         mon,
		store:       store,
		mets:        mets,
		hs:          hs,
		log:         entry,
		now:         now,
		completions: make(chan completion, 8),
	}
}

// StartHandshake launches the handshake for an agreed negotiation. Called
// from the bridge/peer-link callback and from the scheduler's own prepare
// path; the result is folded back into the next tick.
func (s *Scheduler) StartHandshake(req control.HandshakeRequest) {
	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := s.hs.Rekey(ctx, req.Suite, req.RID)
		if err != nil {
			s.log.WithFields(logrus.Fields{"rid": req.RID, "suite": req.Suite, "error": err}).Warn("rekey handshake failed")
		}
		s.completions <- completion{
			rid:     req.RID,
			suite:   req.Suite,
			success: err == nil,
			took:    time.Since(start),
		}
	}()
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.completions:
			s.finishRekey(c)
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one evaluation and acts on it.
func (s *Scheduler) Tick() {
	start := time.Now()
	inp := s.buildInput()
	out := s.pol.Evaluate(inp)

	if s.mets != nil {
		s.mets.IncPolicyAction(string(out.Action))
		s.mets.ObserveDecisionLatency(time.Since(start).Seconds())
	}

	if out.HasReason(policy.ReasonModerateAccumulating) {
		s.moderateStreak++
	} else {
		s.moderateStreak = 0
	}

	s.state.PublishTelemetry(map[string]float64{
		"failsafe":       boolMetric(inp.FailsafeActive),
		"silence_max_ms": inp.SilenceMaxMS,
		"gap_p95_ms":     inp.GapP95MS,
		"confidence":     inp.WindowConfidence,
	})

	s.log.WithFields(logrus.Fields(out.Flat())).Debug("policy decision")
	if s.store != nil {
		digest := policy.ReplayDigest(policy.ReplayInputFor(out, s.state.CurrentSuite()))
		if err := s.store.LogDecisionTrace(string(out.Action), out.TargetSuite, joinReasons(out.Reasons), out.Confidence, s.state.CurrentSuite(), inp, digest); err != nil {
			s.log.WithField("error", err).Debug("decision trace not archived")
		}
	}

	switch out.Action {
	case policy.ActionHold:
		return
	case policy.ActionUpgrade:
		s.requestSwitch(out.TargetSuite, s.cfg.Policy.CooldownSwitch)
	case policy.ActionDowngrade:
		s.requestSwitch(out.TargetSuite, s.cfg.Policy.CooldownDowngrade)
	case policy.ActionRekey:
		s.requestSwitch(out.TargetSuite, s.cfg.Policy.CooldownRekey)
	}
}

func (s *Scheduler) buildInput() policy.DecisionInput {
	now := s.now()
	nowMS := float64(now) / float64(time.Millisecond)
	sum := s.window.Summarize(now)
	flight := s.window.FlightState()

	rekeys := 0
	windowMS := s.cfg.Policy.RekeyWindow.Seconds() * 1000
	kept := s.rekeyMonoMS[:0]
	for _, at := range s.rekeyMonoMS {
		if nowMS-at <= windowMS {
			kept = append(kept, at)
			rekeys++
		}
	}
	s.rekeyMonoMS = kept

	return policy.DecisionInput{
		MonoMS:              nowMS,
		TelemetryValid:      sum.SampleCount > 0,
		TelemetryAgeMS:      sum.TelemetryAgeMS,
		SampleCount:         sum.SampleCount,
		RxPPSMedian:         sum.RxPPSMedian,
		GapP95MS:            sum.GapP95MS,
		SilenceMaxMS:        sum.SilenceMaxMS,
		JitterMS:            sum.JitterMS,
		GCSCPUMedian:        sum.GCSCPUMedian,
		GCSCPUP95:           sum.GCSCPUP95,
		TelemetryLastSeq:    sum.LastSeq,
		WindowConfidence:    sum.Confidence,
		MavproxyAlive:       s.mon.Alive(ProcMavproxy),
		CollectorAlive:      s.mon.Alive(ProcCollector),
		HeartbeatAgeMS:      flight.HeartbeatAgeMS,
		FailsafeActive:      flight.Failsafe,
		Armed:               flight.Armed,
		ExpectedSuite:       s.state.CurrentSuite(),
		CurrentTier:         suites.Tier(s.state.CurrentSuite()),
		LastSwitchMonoMS:    s.lastSwitchMS,
		CooldownUntilMonoMS: s.cooldownUntilMS,
		ModerateStreak:      s.moderateStreak,
		RekeysInWindow:      rekeys,
	}
}

// requestSwitch starts a negotiation and arms the appropriate cooldown. The
// cooldown applies as soon as the prepare is issued so a failing negotiation
// cannot be re-fired every tick.
func (s *Scheduler) requestSwitch(suite string, cooldown time.Duration) {
	rid, err := s.state.RequestPrepare(suite)
	if err != nil {
		s.log.WithFields(logrus.Fields{"suite": suite, "error": err}).Debug("prepare not issued")
		return
	}
	nowMS := float64(s.now()) / float64(time.Millisecond)
	s.cooldownUntilMS = nowMS + cooldown.Seconds()*1000
	s.log.WithFields(logrus.Fields{"suite": suite, "rid": rid}).Info("rekey negotiation started")
}

func (s *Scheduler) finishRekey(c completion) {
	from := s.state.CurrentSuite()
	s.state.RecordRekeyResult(c.rid, c.suite, c.success)

	if s.mets != nil {
		s.mets.ObserveRekey(c.success)
	}
	if s.store != nil {
		if err := s.store.LogRekeyEvent(c.rid, from, c.suite, c.success, c.took); err != nil {
			s.log.WithField("error", err).Debug("rekey event not archived")
		}
	}
	nowMS := float64(s.now()) / float64(time.Millisecond)
	if c.success {
		s.lastSwitchMS = nowMS
		s.rekeyMonoMS = append(s.rekeyMonoMS, nowMS)
		s.log.WithFields(logrus.Fields{"rid": c.rid, "suite": c.suite, "took_ms": c.took.Milliseconds()}).Info("rekey complete")
	} else {
		s.log.WithFields(logrus.Fields{"rid": c.rid, "suite": c.suite}).Warn("rekey failed, suite unchanged")
	}
}

func boolMetric(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func joinReasons(reasons []string) string {
	return strings.Join(reasons, ",")
}
