package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pqlink/internal/api"
	"pqlink/internal/chronos"
	"pqlink/internal/config"
	"pqlink/internal/control"
	"pqlink/internal/database"
	"pqlink/internal/metrics"
	"pqlink/internal/policy"
	"pqlink/internal/preflight"
	"pqlink/internal/scheduler"
	"pqlink/internal/suites"
	"pqlink/internal/sysmon"
	"pqlink/internal/telemetry"
)

var droneCmd = &cobra.Command{
	Use:   "drone",
	Short: "Run the drone-side scheduler, telemetry receiver and control bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Role = config.RoleDrone
		return runDrone(cfg)
	},
}

func init() {
	rootCmd.AddCommand(droneCmd)
}

func runDrone(cfg config.Config) error {
	log := newLogger(cfg)

	info, err := suites.Resolve(cfg.Suite)
	if err != nil {
		return fmt.Errorf("initial suite: %w", err)
	}

	db, err := database.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	mets := metrics.NewStore()
	mon := sysmon.NewMonitor(0)
	window := telemetry.NewWindow(cfg.Window.Span, cfg.Window.MaxSamples, cfg.Window.ExpectedHz)

	receiver := telemetry.NewReceiver(cfg.Telemetry.BindHost, cfg.Telemetry.BindPort, window, log)
	receiver.OnIngest = func() { mon.MarkSeen(scheduler.ProcCollector) }
	if err := receiver.Start(); err != nil {
		return err
	}
	defer receiver.Stop()

	// A rekey is unsafe while the vehicle reports failsafe.
	guard := control.SafetyGuardFunc(func() bool {
		return !window.FlightState().Failsafe
	})
	st := control.NewState(cfg.Role, cfg.Control.CoordinatorRole, info.ID, guard,
		control.WithOutboxDepth(cfg.Control.OutboxDepth))

	pol := policy.New(cfg.Policy, nil)
	sched := scheduler.New(cfg, pol, window, st, mon, db, mets, tunnelHandshaker(log), receiver.Now, log)

	clock := chronos.New()
	bridge := control.NewBridge(control.BridgeConfig{
		Host:              cfg.Control.BindHost,
		Port:              cfg.Control.BindPort,
		AllowedPeers:      cfg.Control.AllowedPeers,
		RekeyAllowedPeers: cfg.Control.RekeyAllowedPeers,
		ReadTimeout:       cfg.Control.ReadTimeout,
		RequestLimit:      cfg.Control.RequestLimit,
	}, st, clock, mets, log)
	bridge.OnHandshake = sched.StartHandshake
	if err := bridge.Start(); err != nil {
		return err
	}
	defer bridge.Stop()

	if cfg.APIPort > 0 {
		admin := &api.Server{
			State:   st,
			Window:  window,
			Now:     receiver.Now,
			DB:      db,
			Metrics: mets,
			Preflight: preflight.Config{
				PeerAddr:    cfg.Control.PeerAddr,
				PingArchive: db.Ping,
				ClockSynced: clock.IsSynced,
			},
			Log: log,
		}
		stopAdmin, err := admin.Start(cfg.APIHost, cfg.APIPort)
		if err != nil {
			return err
		}
		defer stopAdmin()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Control.PeerAddr != "" {
		link := control.NewPeerLink(cfg.Control.PeerAddr, st, log)
		link.OnHandshake = sched.StartHandshake
		link.Start(ctx)
		defer link.Stop()

		go syncClockLoop(ctx, clock, cfg.Control.PeerAddr, cfg.ChronosTimeout, log)
	}

	go scanLoop(ctx, mon, cfg.TickEvery, scheduler.ProcMavproxy)

	log.WithFields(logrus.Fields{
		"suite":       info.ID,
		"coordinator": cfg.IsCoordinator(),
		"peer":        cfg.Control.PeerAddr,
	}).Info("drone control plane started")

	sched.Run(ctx)
	return nil
}

// tunnelHandshaker stands in for the data-plane rekey. The tunnel proxy picks
// up the committed suite out of band; the control plane only models the
// handshake as a short bounded wait so state transitions stay observable.
func tunnelHandshaker(log *logrus.Entry) scheduler.Handshaker {
	return scheduler.HandshakerFunc(func(ctx context.Context, suite, rid string) error {
		log.WithFields(logrus.Fields{"suite": suite, "rid": rid}).Info("tunnel handshake")
		select {
		case <-time.After(250 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// scanLoop refreshes process-table liveness for the named processes.
func scanLoop(ctx context.Context, mon *sysmon.Monitor, every time.Duration, names ...string) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = mon.Scan(names...)
		}
	}
}

// syncClockLoop keeps the local offset estimate fresh against the peer's
// bridge. Failures are retried on the same cadence; the link may simply not
// be up yet.
func syncClockLoop(ctx context.Context, clock *chronos.ClockSync, addr string, timeout time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		offset, err := clock.SyncAddr(ctx, addr, timeout)
		if err != nil {
			log.WithFields(logrus.Fields{"peer": addr, "error": err}).Debug("clock sync failed")
		} else {
			log.WithField("offset", offset).Debug("clock synced")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
