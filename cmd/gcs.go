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
	"pqlink/internal/preflight"
	"pqlink/internal/scheduler"
	"pqlink/internal/suites"
	"pqlink/internal/sysmon"
	"pqlink/internal/telemetry"
)

var gcsCmd = &cobra.Command{
	Use:   "gcs",
	Short: "Run the ground-station collector, control bridge and rekey follower",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Role = config.RoleGCS
		return runGCS(cfg)
	},
}

func init() {
	rootCmd.AddCommand(gcsCmd)
}

func runGCS(cfg config.Config) error {
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

	// The follower vetoes a rekey when the coordinator's last telemetry
	// report carried a failsafe flag.
	var st *control.State
	guard := control.SafetyGuardFunc(func() bool {
		return st.LastTelemetry()["failsafe"] == 0
	})
	st = control.NewState(cfg.Role, cfg.Control.CoordinatorRole, info.ID, guard,
		control.WithOutboxDepth(cfg.Control.OutboxDepth))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hs := tunnelHandshaker(log)
	onHandshake := func(req control.HandshakeRequest) {
		go func() {
			hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			started := time.Now()
			from := st.CurrentSuite()
			err := hs.Rekey(hctx, req.Suite, req.RID)
			st.RecordRekeyResult(req.RID, req.Suite, err == nil)
			mets.ObserveRekey(err == nil)
			if dbErr := db.LogRekeyEvent(req.RID, from, req.Suite, err == nil, time.Since(started)); dbErr != nil {
				log.WithField("error", dbErr).Warn("rekey event not archived")
			}
			if err != nil {
				log.WithFields(logrus.Fields{"rid": req.RID, "error": err}).Warn("handshake failed")
			}
		}()
	}

	clock := chronos.New()
	bridge := control.NewBridge(control.BridgeConfig{
		Host:              cfg.Control.BindHost,
		Port:              cfg.Control.BindPort,
		AllowedPeers:      cfg.Control.AllowedPeers,
		RekeyAllowedPeers: cfg.Control.RekeyAllowedPeers,
		ReadTimeout:       cfg.Control.ReadTimeout,
		RequestLimit:      cfg.Control.RequestLimit,
	}, st, clock, mets, log)
	bridge.OnHandshake = onHandshake
	if err := bridge.Start(); err != nil {
		return err
	}
	defer bridge.Stop()

	if cfg.APIPort > 0 {
		admin := &api.Server{
			State:   st,
			DB:      db,
			Metrics: mets,
			Preflight: preflight.Config{
				PeerAddr:      cfg.Control.PeerAddr,
				TelemetryAddr: cfg.Telemetry.TargetAddr,
				PingArchive:   db.Ping,
			},
			Log: log,
		}
		stopAdmin, err := admin.Start(cfg.APIHost, cfg.APIPort)
		if err != nil {
			return err
		}
		defer stopAdmin()
	}

	if cfg.Control.PeerAddr != "" {
		link := control.NewPeerLink(cfg.Control.PeerAddr, st, log)
		link.OnHandshake = onHandshake
		link.Start(ctx)
		defer link.Stop()
	}

	go scanLoop(ctx, mon, cfg.TickEvery, scheduler.ProcMavproxy)

	log.WithFields(logrus.Fields{
		"suite":  info.ID,
		"target": cfg.Telemetry.TargetAddr,
	}).Info("gcs control plane started")

	if cfg.Telemetry.TargetAddr != "" {
		return collectLoop(ctx, cfg, mon, log)
	}
	<-ctx.Done()
	return nil
}

// collectLoop samples host load at SnapshotHz and ships it to the drone's
// telemetry receiver.
func collectLoop(ctx context.Context, cfg config.Config, mon *sysmon.Monitor, log *logrus.Entry) error {
	sender, err := telemetry.NewSender(cfg.Telemetry.TargetAddr, cfg.Telemetry.BatchSize, cfg.Telemetry.BatchInterval, log)
	if err != nil {
		return fmt.Errorf("telemetry sender: %w", err)
	}
	defer sender.Close()

	hz := cfg.Telemetry.SnapshotHz
	if hz <= 0 {
		hz = 5
	}
	interval := time.Duration(float64(time.Second) / hz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			sender.Flush()
			return nil
		case <-ticker.C:
			snap, err := mon.Sample()
			if err != nil {
				log.WithField("error", err).Debug("host sample failed")
				continue
			}
			seq++
			sample := telemetry.WireSample{
				Seq:    seq,
				CPUPct: snap.CPUPct,
				MemPct: snap.MemPct,
			}
			if age := mon.SeenAge(scheduler.ProcMavproxy); age >= 0 {
				sample.HeartbeatAgeMS = float64(age.Milliseconds())
			} else {
				sample.HeartbeatAgeMS = -1
			}
			sender.AddSample(sample)
		}
	}
}
