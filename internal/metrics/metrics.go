// Package metrics keeps in-process counters for the control plane and
// renders them in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store accumulates counters. Safe for concurrent use.
type Store struct {
	mu             sync.Mutex
	commands       map[string]uint64
	commandErrors  map[string]uint64
	policyActions  map[string]uint64
	rekeysOK       uint64
	rekeysFail     uint64
	decisionCount  uint64
	decisionTotalS float64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		commands:      make(map[string]uint64),
		commandErrors: make(map[string]uint64),
		policyActions: make(map[string]uint64),
	}
}

// IncCommand counts one bridge command by name.
func (s *Store) IncCommand(cmd string) {
	s.mu.Lock()
	s.commands[cmd]++
	s.mu.Unlock()
}

// IncCommandError counts one rejected bridge command by error kind.
func (s *Store) IncCommandError(kind string) {
	s.mu.Lock()
	s.commandErrors[kind]++
	s.mu.Unlock()
}

// IncPolicyAction counts one policy decision by action.
func (s *Store) IncPolicyAction(action string) {
	s.mu.Lock()
	s.policyActions[action]++
	s.mu.Unlock()
}

// ObserveRekey records the outcome of one completed rekey handshake.
func (s *Store) ObserveRekey(success bool) {
	s.mu.Lock()
	if success {
		s.rekeysOK++
	} else {
		s.rekeysFail++
	}
	s.mu.Unlock()
}

// ObserveDecisionLatency records how long one policy evaluation took.
func (s *Store) ObserveDecisionLatency(seconds float64) {
	s.mu.Lock()
	s.decisionCount++
	s.decisionTotalS += seconds
	s.mu.Unlock()
}

func writeLabeled(b *strings.Builder, name, label string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

// Prometheus renders all counters in text exposition format.
func (s *Store) Prometheus() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	writeLabeled(&b, "pqlink_bridge_commands_total", "cmd", s.commands)
	writeLabeled(&b, "pqlink_bridge_command_errors_total", "kind", s.commandErrors)
	writeLabeled(&b, "pqlink_policy_actions_total", "action", s.policyActions)
	fmt.Fprintf(&b, "pqlink_rekeys_total{result=\"ok\"} %d\n", s.rekeysOK)
	fmt.Fprintf(&b, "pqlink_rekeys_total{result=\"fail\"} %d\n", s.rekeysFail)
	fmt.Fprintf(&b, "pqlink_decision_latency_count %d\n", s.decisionCount)
	fmt.Fprintf(&b, "pqlink_decision_latency_sum_seconds %f\n", s.decisionTotalS)
	return b.String()
}
