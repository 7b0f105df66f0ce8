// Package preflight probes the runtime dependencies of a node so readiness
// endpoints can report what is actually reachable.
package preflight

import (
	"net"
	"sync"
	"time"
)

// CheckResult is the outcome of probing one dependency.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Target  string `json:"target,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config selects which dependencies to probe. Zero-valued fields skip the
// corresponding check.
type Config struct {
	// PeerAddr is the remote control bridge to dial.
	PeerAddr string
	// TelemetryAddr is the drone-side telemetry target to dial.
	TelemetryAddr string
	// PingArchive checks the local event archive.
	PingArchive func() error
	// ClockSynced reports whether a clock offset has been established.
	ClockSynced func() bool
	Timeout     time.Duration
}

// Probe runs all configured checks in parallel and reports whether every one
// of them passed.
func Probe(cfg Config) ([]CheckResult, bool) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 800 * time.Millisecond
	}

	var mu sync.Mutex
	var results []CheckResult
	add := func(r CheckResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	if cfg.PeerAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(probeTCP("peer_bridge", cfg.PeerAddr, cfg.Timeout))
		}()
	}
	if cfg.TelemetryAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(probeUDP("telemetry_target", cfg.TelemetryAddr))
		}()
	}
	if cfg.PingArchive != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := CheckResult{Name: "archive", Healthy: true}
			if err := cfg.PingArchive(); err != nil {
				res.Healthy = false
				res.Error = err.Error()
			}
			add(res)
		}()
	}
	if cfg.ClockSynced != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := CheckResult{Name: "clock_sync", Healthy: cfg.ClockSynced()}
			if !res.Healthy {
				res.Error = "no clock offset established"
			}
			add(res)
		}()
	}
	wg.Wait()

	healthy := true
	for _, r := range results {
		if !r.Healthy {
			healthy = false
		}
	}
	return results, healthy
}

func probeTCP(name, addr string, timeout time.Duration) CheckResult {
	res := CheckResult{Name: name, Target: addr}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	_ = conn.Close()
	res.Healthy = true
	return res
}

// probeUDP only validates that the address resolves and a socket can be
// bound; UDP cannot confirm a listener without a protocol exchange.
func probeUDP(name, addr string) CheckResult {
	res := CheckResult{Name: name, Target: addr}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	_ = conn.Close()
	res.Healthy = true
	return res
}
