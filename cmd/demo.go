package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pqlink/internal/config"
	"pqlink/internal/control"
	"pqlink/internal/database"
	"pqlink/internal/metrics"
	"pqlink/internal/policy"
	"pqlink/internal/scheduler"
	"pqlink/internal/sysmon"
	"pqlink/internal/telemetry"
)

var demoTickMs int
var demoStallMs int

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a self-contained loopback demo of a stress-driven suite downgrade",
	Long: `Runs both halves of the control plane in one process:
1) feeds healthy telemetry and shows the policy holding,
2) stalls the telemetry stream to simulate link stress,
3) shows the two-phase rekey negotiating a downgrade over a real TCP link,
4) prints the archived outcome.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo()
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().IntVar(&demoTickMs, "tick-ms", 200, "policy evaluation interval in milliseconds")
	demoCmd.Flags().IntVar(&demoStallMs, "stall-ms", 1300, "simulated telemetry stall in milliseconds")
}

func runDemo() error {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	log := logger.WithField("role", "demo")

	cfg := config.Default()
	cfg.TickEvery = time.Duration(demoTickMs) * time.Millisecond
	startSuite := cfg.Suite

	db, err := database.Open(":memory:")
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer db.Close()

	guardOK := control.SafetyGuardFunc(func() bool { return true })
	droneState := control.NewState(config.RoleDrone, config.RoleDrone, startSuite, guardOK)
	gcsState := control.NewState(config.RoleGCS, config.RoleDrone, startSuite, guardOK)

	// Ground side: a real bridge on loopback, committing instantly.
	gcsBridge := control.NewBridge(control.BridgeConfig{Host: "127.0.0.1", Port: 0}, gcsState, nil, nil, log)
	gcsBridge.OnHandshake = func(req control.HandshakeRequest) {
		gcsState.RecordRekeyResult(req.RID, req.Suite, true)
	}
	if err := gcsBridge.Start(); err != nil {
		return err
	}
	defer gcsBridge.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Drone side: window, policy, scheduler and a peer link to the ground.
	start := time.Now()
	now := func() time.Duration { return time.Since(start) }
	window := telemetry.NewWindow(cfg.Window.Span, cfg.Window.MaxSamples, cfg.Window.ExpectedHz)
	mon := sysmon.NewMonitor(2 * time.Second)
	mets := metrics.NewStore()
	pol := policy.New(cfg.Policy, nil)
	sched := scheduler.New(cfg, pol, window, droneState, mon, db, mets, tunnelHandshaker(log), now, log)

	link := control.NewPeerLink(gcsBridge.Addr().String(), droneState, log)
	link.OnHandshake = sched.StartHandshake
	link.Start(ctx)
	defer link.Stop()

	go sched.Run(ctx)

	fmt.Println("[Demo] Phase 1: healthy telemetry, expecting HOLD...")
	var seq int64
	feed := func() {
		seq++
		mon.MarkSeen(scheduler.ProcMavproxy)
		mon.MarkSeen(scheduler.ProcCollector)
		window.Add(now(), telemetry.Sample{Seq: seq, CPUPct: 35, MemPct: 40, HeartbeatAgeMS: 80})
	}
	for i := 0; i < 10; i++ {
		feed()
		time.Sleep(200 * time.Millisecond)
	}
	if suite := droneState.CurrentSuite(); suite != startSuite {
		return fmt.Errorf("suite changed under healthy load: %s", suite)
	}
	fmt.Printf("[Demo] Held %s through %d healthy samples\n", startSuite, seq)

	fmt.Printf("[Demo] Phase 2: stalling telemetry for %dms to simulate link stress...\n", demoStallMs)
	stallStart := time.Now()
	for time.Since(stallStart) < 6*time.Second {
		time.Sleep(time.Duration(demoStallMs) * time.Millisecond)
		feed()
		if droneState.CurrentSuite() != startSuite {
			break
		}
	}

	newSuite := droneState.CurrentSuite()
	if newSuite == startSuite {
		return fmt.Errorf("no downgrade within the demo window; link stress was not detected")
	}
	fmt.Printf("[Demo] Downgraded %s -> %s\n", startSuite, newSuite)

	// The commit travels over the loopback TCP link; give the ground side a
	// beat to finish its own swap.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && gcsState.CurrentSuite() != newSuite {
		time.Sleep(50 * time.Millisecond)
	}

	droneSnap := droneState.StatusSnapshot()
	gcsSnap := gcsState.StatusSnapshot()
	fmt.Println("[Demo] Outcome summary:")
	fmt.Printf("  drone: state=%s suite=%s rekeys_ok=%d\n", droneSnap.State, droneSnap.Suite, droneSnap.Stats.RekeysOK)
	fmt.Printf("  gcs:   state=%s suite=%s rekeys_ok=%d\n", gcsSnap.State, gcsSnap.Suite, gcsSnap.Stats.RekeysOK)
	if events, err := db.RecentRekeyEvents(5); err == nil {
		for _, e := range events {
			fmt.Printf("  archived: rid=%s %s -> %s success=%v took=%dms\n",
				e.RID, e.FromSuite, e.ToSuite, e.Success, e.DurationMS)
		}
	}
	if gcsSnap.Suite != newSuite {
		return fmt.Errorf("ground side did not adopt %s", newSuite)
	}
	fmt.Println("[Demo] Both ends swapped atomically. Done.")
	return nil
}
