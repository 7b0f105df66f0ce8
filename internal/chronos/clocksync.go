// Package chronos measures the clock offset between the drone and the
// ground station with an NTP-lite three-way handshake over the control
// bridge:
//
//	offset = ((t2 - t1) + (t3 - t4)) / 2
//
// where t1/t4 are client timestamps and t2/t3 are server timestamps. The
// offset is server minus client; adding it to local time yields server time.
package chronos

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Sentinel errors classify handshake failures for the caller.
var (
	ErrNoResponse    = errors.New("chronos: no sync response received")
	ErrBadResponse   = errors.New("chronos: invalid sync response format")
	ErrRejected      = errors.New("chronos: sync rejected by server")
	ErrBadTimestamps = errors.New("chronos: invalid timestamps in sync response")
)

// SyncRequest is the client half of the handshake.
type SyncRequest struct {
	Cmd string  `json:"cmd"`
	T1  float64 `json:"t1"`
}

// SyncResponse is the server half. T1 is echoed back so the client can match
// responses; T2 and T3 are the server receive and send timestamps.
type SyncResponse struct {
	Status  string  `json:"status"`
	Cmd     string  `json:"cmd"`
	T1      float64 `json:"t1"`
	T2      float64 `json:"t2"`
	T3      float64 `json:"t3"`
	Message string  `json:"message,omitempty"`
}

// CmdSync is the bridge command name carrying a SyncRequest.
const CmdSync = "chronos_sync"

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ClockSync holds the measured offset. Safe for concurrent use.
type ClockSync struct {
	mu     sync.Mutex
	offset time.Duration
	synced bool
	now    func() time.Time
}

// New returns an unsynced ClockSync.
func New() *ClockSync {
	return &ClockSync{now: time.Now}
}

// NewWithClock injects a clock for tests.
func NewWithClock(now func() time.Time) *ClockSync {
	if now == nil {
		now = time.Now
	}
	return &ClockSync{now: now}
}

// ServerHandle answers one sync round. t2 should be captured as close to the
// socket read as possible; passing zero uses the current time.
func (c *ClockSync) ServerHandle(req SyncRequest, t2 time.Time) SyncResponse {
	if t2.IsZero() {
		t2 = c.now()
	}
	return SyncResponse{
		Status: "ok",
		Cmd:    "chronos_ack",
		T1:     req.T1,
		T2:     unixSeconds(t2),
		T3:     unixSeconds(c.now()),
	}
}

// Sync performs the handshake as the client over an established connection.
// On success the measured offset is stored and returned.
func (c *ClockSync) Sync(ctx context.Context, conn net.Conn, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := c.now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, fmt.Errorf("chronos: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	t1 := c.now()
	req, err := json.Marshal(SyncRequest{Cmd: CmdSync, T1: unixSeconds(t1)})
	if err != nil {
		return 0, fmt.Errorf("chronos: encode request: %w", err)
	}
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	t4 := c.now()

	var resp SyncResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if resp.Status != "ok" {
		if resp.Message != "" {
			return 0, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
		}
		return 0, ErrRejected
	}
	if resp.T2 == 0 || resp.T3 == 0 {
		return 0, ErrBadTimestamps
	}

	offset := c.ComputeOffset(unixSeconds(t1), resp.T2, resp.T3, unixSeconds(t4))
	c.SetOffset(offset)
	return offset, nil
}

// SyncAddr dials addr and runs one handshake.
func (c *ClockSync) SyncAddr(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	defer conn.Close()
	return c.Sync(ctx, conn, timeout)
}

// ComputeOffset applies the handshake formula to unix-second timestamps.
func (c *ClockSync) ComputeOffset(t1, t2, t3, t4 float64) time.Duration {
	offsetSec := ((t2 - t1) + (t3 - t4)) / 2.0
	return time.Duration(offsetSec * float64(time.Second))
}

// SetOffset records an externally measured offset.
func (c *ClockSync) SetOffset(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
	c.synced = true
}

// Offset returns the last measured offset (zero when never synced).
func (c *ClockSync) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// IsSynced reports whether at least one handshake has completed.
func (c *ClockSync) IsSynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// SyncedTime returns the local clock corrected to server time.
func (c *ClockSync) SyncedTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Add(c.offset)
}
