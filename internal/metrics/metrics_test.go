package metrics

import (
	"strings"
	"testing"
)

func TestPrometheusIncludesControlPlaneCounters(t *testing.T) {
	store := NewStore()
	store.IncCommand("status")
	store.IncCommand("status")
	store.IncCommand("rekey")
	store.IncCommandError("unauthorized_rekey")
	store.IncPolicyAction("DOWNGRADE")
	store.ObserveRekey(true)
	store.ObserveRekey(false)
	store.ObserveDecisionLatency(0.002)

	out := store.Prometheus()

	required := []string{
		`pqlink_bridge_commands_total{cmd="status"} 2`,
		`pqlink_bridge_commands_total{cmd="rekey"} 1`,
		`pqlink_bridge_command_errors_total{kind="unauthorized_rekey"} 1`,
		`pqlink_policy_actions_total{action="DOWNGRADE"} 1`,
		`pqlink_rekeys_total{result="ok"} 1`,
		`pqlink_rekeys_total{result="fail"} 1`,
		"pqlink_decision_latency_count 1",
	}
	for _, token := range required {
		if !strings.Contains(out, token) {
			t.Fatalf("expected metric output to contain %q\noutput:\n%s", token, out)
		}
	}
}

func TestPrometheusSortsLabeledSeries(t *testing.T) {
	store := NewStore()
	store.IncCommand("status")
	store.IncCommand("ping")
	store.IncCommand("health")

	out := store.Prometheus()
	health := strings.Index(out, `cmd="health"`)
	ping := strings.Index(out, `cmd="ping"`)
	status := strings.Index(out, `cmd="status"`)
	if health < 0 || ping < 0 || status < 0 {
		t.Fatalf("missing series in output:\n%s", out)
	}
	if !(health < ping && ping < status) {
		t.Fatal("labeled series must be emitted in sorted order")
	}
}
