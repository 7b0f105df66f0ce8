package telemetry

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BatchSchema tags the UDP batch envelope format.
const BatchSchema = "pqlink.telemetry.batch.v1"

// WireSample is one telemetry snapshot on the wire.
type WireSample struct {
	Seq            int64   `json:"seq"`
	CPUPct         float64 `json:"cpu_pct"`
	MemPct         float64 `json:"mem_pct"`
	HeartbeatAgeMS float64 `json:"heartbeat_age_ms"`
	Failsafe       bool    `json:"failsafe"`
	Armed          bool    `json:"armed"`
	BatchSeq       int64   `json:"batch_seq,omitempty"`
}

// BatchEnvelope groups samples into one UDP datagram.
type BatchEnvelope struct {
	Schema      string       `json:"schema"`
	BatchWallNS int64        `json:"batch_wall_ns"`
	Count       int          `json:"count"`
	Samples     []WireSample `json:"samples"`
}

// Sender buffers GCS-side snapshots and ships them to the drone as batch
// envelopes over UDP. A batch is flushed when it reaches batchSize samples
// or when batchInterval has elapsed since its first sample, whichever comes
// first. Sends are fire and forget.
type Sender struct {
	log           *logrus.Entry
	batchSize     int
	batchInterval time.Duration

	mu         sync.Mutex
	conn       net.Conn
	seq        int64
	batch      []WireSample
	batchStart time.Time
}

// NewSender dials the drone's telemetry port. Batching bounds fall back to
// 5 samples / 1s.
func NewSender(addr string, batchSize int, batchInterval time.Duration, log *logrus.Entry) (*Sender, error) {
	if batchSize <= 0 {
		batchSize = 5
	}
	if batchInterval <= 0 {
		batchInterval = time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Sender{
		log:           log.WithField("component", "telemetry_sender"),
		batchSize:     batchSize,
		batchInterval: batchInterval,
		conn:          conn,
	}, nil
}

// AddSample buffers one snapshot and flushes when the batch is full or its
// interval has expired.
func (s *Sender) AddSample(sample WireSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if len(s.batch) == 0 {
		s.batchStart = now
	}
	s.seq++
	sample.BatchSeq = s.seq
	s.batch = append(s.batch, sample)

	if len(s.batch) >= s.batchSize || now.Sub(s.batchStart) >= s.batchInterval {
		s.flushLocked()
	}
}

// Flush sends whatever is currently buffered.
func (s *Sender) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Sender) flushLocked() {
	if len(s.batch) == 0 {
		return
	}
	envelope := BatchEnvelope{
		Schema:      BatchSchema,
		BatchWallNS: time.Now().UnixNano(),
		Count:       len(s.batch),
		Samples:     s.batch,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		s.log.WithField("error", err).Warn("batch encode failed")
		s.batch = nil
		return
	}
	if _, err := s.conn.Write(data); err != nil {
		// Best effort; the window tolerates gaps.
		s.log.WithField("error", err).Debug("batch send failed")
	}
	s.batch = nil
	s.batchStart = time.Time{}
}

// Close flushes and releases the socket.
func (s *Sender) Close() error {
	s.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
