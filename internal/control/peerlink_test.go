package control

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"pqlink/internal/config"
	"pqlink/internal/suites"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func TestPeerLinkCarriesNegotiation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		first  Message
		second Message
	}
	got := make(chan accepted, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		reader := bufio.NewReader(conn)

		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		first, err := Decode(line)
		if err != nil {
			return
		}
		prep, ok := first.(PrepareRekey)
		if !ok {
			got <- accepted{first: first}
			return
		}

		data, _ := Encode(PrepareOK{RID: prep.RID, TMs: 2})
		conn.Write(append(data, '\n'))

		line, err = reader.ReadBytes('\n')
		if err != nil {
			return
		}
		second, _ := Decode(line)
		got <- accepted{first: first, second: second}
	}()

	st := NewState(config.RoleDrone, config.RoleDrone, suites.DefaultSuiteID, nil)
	link := NewPeerLink(ln.Addr().String(), st, quietLogger())

	var handshake HandshakeRequest
	done := make(chan struct{})
	link.OnHandshake = func(req HandshakeRequest) {
		handshake = req
		close(done)
	}

	link.Start(context.Background())
	defer link.Stop()

	rid, err := st.RequestPrepare("cs-mlkem1024-aesgcm-mldsa87")
	if err != nil {
		t.Fatalf("RequestPrepare: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake never started")
	}
	if handshake.RID != rid || handshake.Suite != "cs-mlkem1024-aesgcm-mldsa87" {
		t.Fatalf("bad handshake %#v", handshake)
	}

	select {
	case a := <-got:
		if _, ok := a.first.(PrepareRekey); !ok {
			t.Fatalf("expected prepare_rekey, got %#v", a.first)
		}
		commit, ok := a.second.(CommitRekey)
		if !ok {
			t.Fatalf("expected commit_rekey, got %#v", a.second)
		}
		if commit.RID != rid {
			t.Fatalf("commit rid = %q, want %q", commit.RID, rid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("peer never observed the negotiation")
	}
}

func TestPeerLinkReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	sawSecond := make(chan struct{})
	go func() {
		// First connection is dropped immediately; the link must retry.
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()

		conn, err = ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := bufio.NewReader(conn).ReadBytes('\n'); err == nil {
			close(sawSecond)
		}
	}()

	st := NewState(config.RoleDrone, config.RoleDrone, suites.DefaultSuiteID, nil)
	link := NewPeerLink(ln.Addr().String(), st, quietLogger())
	link.Start(context.Background())
	defer link.Stop()

	// Queue a message; it should be delivered once the retry succeeds.
	time.Sleep(50 * time.Millisecond)
	st.enqueue(Status{State: StateRunning, Suite: suites.DefaultSuiteID, TMs: 1})

	select {
	case <-sawSecond:
	case <-time.After(5 * time.Second):
		t.Fatal("link did not reconnect and deliver")
	}
}
