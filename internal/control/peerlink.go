package control

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerLink maintains the persistent connection that carries the in-band
// protocol to the remote bridge. It drains the state outbox onto the wire
// and feeds inbound peer messages back into the state machine. The link
// reconnects with capped backoff; queued outbox messages survive reconnects
// up to the outbox bound.
type PeerLink struct {
	addr  string
	state *State
	log   *logrus.Entry

	// OnHandshake mirrors Bridge.OnHandshake for messages arriving over
	// this link.
	OnHandshake func(HandshakeRequest)

	dialTimeout time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeerLink builds a link toward the remote bridge at addr.
func NewPeerLink(addr string, st *State, log *logrus.Entry) *PeerLink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PeerLink{
		addr:        addr,
		state:       st,
		log:         log.WithFields(logrus.Fields{"component": "peerlink", "peer": addr}),
		dialTimeout: 3 * time.Second,
		backoffMin:  250 * time.Millisecond,
		backoffMax:  5 * time.Second,
	}
}

// Start launches the connect/send/receive loops until ctx is done or Stop
// is called.
func (p *PeerLink) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop tears the link down and waits for its goroutines.
func (p *PeerLink) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *PeerLink) run(ctx context.Context) {
	defer p.wg.Done()

	backoff := p.backoffMin
	for ctx.Err() == nil {
		conn, err := (&net.Dialer{Timeout: p.dialTimeout}).DialContext(ctx, "tcp", p.addr)
		if err != nil {
			p.log.WithField("error", err).Debug("peer dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > p.backoffMax {
				backoff = p.backoffMax
			}
			continue
		}
		backoff = p.backoffMin

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		p.log.Info("peer link established")

		p.serve(ctx, conn)

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
		conn.Close()
	}
}

// serve pumps both directions until the connection drops or ctx ends.
func (p *PeerLink) serve(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case msg := <-p.state.Outbox():
				data, err := Encode(msg)
				if err != nil {
					p.log.WithField("error", err).Warn("outbound encode failed")
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
				if _, err := conn.Write(append(data, '\n')); err != nil {
					p.log.WithField("error", err).Debug("peer write failed")
					conn.Close()
					return
				}
			}
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		msg, err := Decode(line)
		if err != nil {
			p.log.WithField("error", err).Debug("inbound peer message rejected")
			continue
		}
		res := p.state.Handle(msg)
		for _, out := range res.Send {
			data, err := Encode(out)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
			if _, err := conn.Write(append(data, '\n')); err != nil {
				break
			}
		}
		if res.StartHandshake != nil && p.OnHandshake != nil {
			p.OnHandshake(*res.StartHandshake)
		}
	}

	close(done)
	writers.Wait()
}
