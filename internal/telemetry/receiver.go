package telemetry

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Receiver listens for telemetry datagrams and feeds every sample into the
// window. Both batch envelopes and bare single-sample packets are accepted.
type Receiver struct {
	bindHost string
	port     int
	window   *Window
	log      *logrus.Entry

	// OnIngest fires once per datagram after its samples landed in the
	// window, for liveness tracking.
	OnIngest func()

	baseline time.Time

	mu   sync.Mutex
	conn *net.UDPConn
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewReceiver builds a receiver feeding window. Sample timestamps use a
// monotonic clock anchored at construction.
func NewReceiver(bindHost string, port int, window *Window, log *logrus.Entry) *Receiver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Receiver{
		bindHost: bindHost,
		port:     port,
		window:   window,
		log:      log.WithField("component", "telemetry_receiver"),
		baseline: time.Now(),
		stop:     make(chan struct{}),
	}
}

// Start binds the UDP socket and launches the ingest loop.
func (r *Receiver) Start() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(r.bindHost, fmt.Sprintf("%d", r.port)))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("telemetry listen: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	r.log.WithField("addr", conn.LocalAddr().String()).Info("telemetry receiver listening")
	r.wg.Add(1)
	go r.loop(conn)
	return nil
}

// Now returns the receiver's monotonic clock reading. Window timestamps and
// summaries must use the same clock, so consumers summarizing the window
// take "now" from here.
func (r *Receiver) Now() time.Duration {
	return time.Since(r.baseline)
}

// Addr returns the bound address, or nil before Start.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Stop closes the socket and waits for the ingest loop.
func (r *Receiver) Stop() {
	close(r.stop)
	r.mu.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Receiver) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *Receiver) loop(conn *net.UDPConn) {
	defer r.wg.Done()
	buf := make([]byte, 65535)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if r.stopped() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		r.ingest(buf[:n])
	}
}

func (r *Receiver) ingest(data []byte) {
	now := time.Since(r.baseline)

	var envelope BatchEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		r.log.WithField("error", err).Debug("dropped undecodable datagram")
		return
	}

	if strings.HasPrefix(envelope.Schema, "pqlink.telemetry.batch") {
		for _, ws := range envelope.Samples {
			r.window.Add(now, toSample(ws))
		}
	} else {
		// Single-sample packet (legacy / fallback).
		var ws WireSample
		if err := json.Unmarshal(data, &ws); err != nil {
			return
		}
		r.window.Add(now, toSample(ws))
	}

	if r.OnIngest != nil {
		r.OnIngest()
	}
}

func toSample(ws WireSample) Sample {
	return Sample{
		Seq:            ws.Seq,
		CPUPct:         ws.CPUPct,
		MemPct:         ws.MemPct,
		HeartbeatAgeMS: ws.HeartbeatAgeMS,
		Failsafe:       ws.Failsafe,
		Armed:          ws.Armed,
	}
}
