package ampsession

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punytunes/punytunes-core/pkg/punyerr"
)

// newAmpServer starts a raw TCP listener and runs handle against every
// accepted connection, returning the dialable address.
func newAmpServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return ln.Addr().String()
}

func waitForTxState(t *testing.T, s *Session, timeout time.Duration) State {
	t.Helper()
	select {
	case tx := <-s.Outbox():
		st, ok := tx.(StateTxMsg)
		require.True(t, ok, "expected StateTxMsg, got %T", tx)
		return st.State
	case <-time.After(timeout):
		t.Fatal("timed out waiting for state update")
		return State{}
	}
}

func waitForTxStatus(t *testing.T, s *Session, want Status, timeout time.Duration) {
	t.Helper()
	select {
	case tx := <-s.Outbox():
		st, ok := tx.(StatusTxMsg)
		require.True(t, ok, "expected StatusTxMsg, got %T", tx)
		assert.Equal(t, want, st.Status)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for status update")
	}
}

func TestSession_ConnectEmitsConnectedStatus(t *testing.T) {
	addr := newAmpServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	s := NewSession(addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForTxStatus(t, s, StatusConnected, time.Second)

	s.Inbox() <- ShutDownMsg{}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session shutdown")
	}
}

func TestSession_InboundPowerUpdatesStateAndHeartbeat(t *testing.T) {
	addr := newAmpServer(t, func(conn net.Conn) {
		defer conn.Close()
		conn.Write([]byte("-p.1\r"))
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	s := NewSession(addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForTxStatus(t, s, StatusConnected, time.Second)
	state := waitForTxState(t, s, time.Second)
	require.NotNil(t, state.IsPoweredOn)
	assert.True(t, *state.IsPoweredOn)

	s.Inbox() <- ShutDownMsg{}
}

func TestSession_RepeatedPowerSameValueDoesNotReemitState(t *testing.T) {
	addr := newAmpServer(t, func(conn net.Conn) {
		defer conn.Close()
		conn.Write([]byte("-p.1\r"))
		time.Sleep(50 * time.Millisecond)
		conn.Write([]byte("-p.1\r"))
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	s := NewSession(addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForTxStatus(t, s, StatusConnected, time.Second)
	waitForTxState(t, s, time.Second)

	select {
	case tx := <-s.Outbox():
		t.Fatalf("expected no further state emission for an unchanged power value, got %#v", tx)
	case <-time.After(200 * time.Millisecond):
	}

	s.Inbox() <- ShutDownMsg{}
}

func TestSession_TestConnectionSuccess(t *testing.T) {
	addr := newAmpServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == FormatRequest(CodePower) {
				conn.Write([]byte("-p.1\r"))
			}
		}
	})

	s := NewSession(addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForTxStatus(t, s, StatusConnected, time.Second)
	waitForTxState(t, s, time.Second)

	s.Inbox() <- TestConnectionMsg{}

	// The power reply clears the pending test, so no Disconnected status
	// follows once the 1.5s test timeout has passed.
	select {
	case tx := <-s.Outbox():
		t.Fatalf("expected the connection test to pass silently, got %#v", tx)
	case <-time.After(2500 * time.Millisecond):
	}

	s.Inbox() <- ShutDownMsg{}
}

func TestSession_TestConnectionTimeout(t *testing.T) {
	addr := newAmpServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	s := NewSession(addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForTxStatus(t, s, StatusConnected, time.Second)

	s.Inbox() <- TestConnectionMsg{}
	waitForTxStatus(t, s, StatusDisconnected, 3*time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, punyerr.ErrAmplifierLostConnection)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session to exit after test timeout")
	}
}

func TestSession_ConnectError(t *testing.T) {
	s := NewSession("127.0.0.1:1")
	err := s.Run(context.Background())
	assert.Error(t, err)
}

func TestSession_OutboundActionFormatting(t *testing.T) {
	// Buffered generously: bootstrap state requests land on the wire
	// ahead of the action under test, and this drains all of them.
	received := make(chan string, 16)
	addr := newAmpServer(t, func(conn net.Conn) {
		defer conn.Close()
		var r FrameReader
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			for _, line := range r.Feed(buf[:n]) {
				received <- line + "\r"
			}
		}
	})

	s := NewSession(addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForTxStatus(t, s, StatusConnected, time.Second)

	s.Inbox() <- ActionMsg{Action: Action{Kind: ActionVolumeSet, Value: 42}}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line := <-received:
			if line == "-v.42\r" {
				s.Inbox() <- ShutDownMsg{}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for outbound volume-set command")
		}
	}
}
