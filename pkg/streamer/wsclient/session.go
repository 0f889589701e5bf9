// Package wsclient implements a single WebSocket connection to the
// streamer's JSON control protocol, exposing it to the owning manager as
// a send/receive/status actor. A wsclient.Session is not reused: a fresh
// instance is spawned for every connection attempt.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/punytunes/punytunes-core/pkg/punyerr"
)

// ConnKind discriminates the tagged variants of Status.
type ConnKind int

const (
	KindDisconnected ConnKind = iota
	KindConnecting
	KindConnected
	KindTestingConnection
)

// Status is the session's lifecycle status, mirroring
// WebSocketSessionStatus from spec.md §3.
type Status struct {
	Kind ConnKind

	// Connecting
	URL string

	// Connected
	ConnectedURL string
	Existing     bool

	// Disconnected
	Reason               string
	HasReason            bool
	ConsiderReconnecting bool
}

func disconnected(reason string, considerReconnecting bool) Status {
	s := Status{Kind: KindDisconnected, ConsiderReconnecting: considerReconnecting}
	if reason != "" {
		s.Reason = reason
		s.HasReason = true
	}
	return s
}

// RxMsg is something the owning manager can send to a Session.
type RxMsg interface{ isRxMsg() }

// DataMsg asks the session to send text verbatim to the server.
type DataMsg struct{ Text string }

// ShutDownMsg asks the session to close cleanly and exit.
type ShutDownMsg struct{}

// TestConnectionMsg asks the session to run its ping/pong health check.
type TestConnectionMsg struct{}

func (DataMsg) isRxMsg()           {}
func (ShutDownMsg) isRxMsg()       {}
func (TestConnectionMsg) isRxMsg() {}

// TxMsg is something a Session reports back to the owning manager.
type TxMsg interface{ isTxMsg() }

// DataTxMsg carries a text frame received from the server.
type DataTxMsg struct{ Text string }

// StatusTxMsg carries a lifecycle status change.
type StatusTxMsg struct{ Status Status }

func (DataTxMsg) isTxMsg()   {}
func (StatusTxMsg) isTxMsg() {}

const (
	connectTimeout       = 2 * time.Second
	testPongTimeout      = 1 * time.Second
	pingBootstrapSeconds = 600
	pingBufferFactor     = 1.25
	pingAverageWindow    = 10
	originHeaderValue    = "punytunes"
	writeWait            = 5 * time.Second
)

// Session owns one WebSocket connection to url. stopOnMissingPings
// enables the optional ping-watchdog capability described in spec.md
// §4.2; production configuration leaves it disabled.
type Session struct {
	url                string
	inbox              chan RxMsg
	outbox             chan TxMsg
	status             Status
	stopOnMissingPings bool

	// writeMu serializes all writes to the connection. gorilla/websocket
	// permits only one concurrent writer, but readLoop's ping handler
	// fires on the reader goroutine while Run's select loop writes from
	// its own goroutine, so both paths must take this lock.
	writeMu sync.Mutex
}

// NewSession constructs a Session for url. inbox/outbox are created with
// the standard bounded capacity of 32 used by every channel in this
// system.
func NewSession(url string, stopOnMissingPings bool) *Session {
	return &Session{
		url:                url,
		inbox:              make(chan RxMsg, 32),
		outbox:             make(chan TxMsg, 32),
		status:             disconnected("", false),
		stopOnMissingPings: stopOnMissingPings,
	}
}

// Inbox returns the channel used to send messages to the session.
func (s *Session) Inbox() chan<- RxMsg { return s.inbox }

// Outbox returns the channel on which the session reports data and
// status updates.
func (s *Session) Outbox() <-chan TxMsg { return s.outbox }

// Run connects to the WebSocket server and then services inbox, incoming
// frames, and a 1s tick until ShutDown is requested or a transport fault
// occurs. The returned error is nil only after an explicit ShutDown or
// cancellation of ctx.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.outbox)

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	pingAvg := NewRunningAverage(pingAverageWindow)
	lastPingTime := time.Now()
	haveIgnoredFirstPing := false
	var testPingTime time.Time

	conn.SetPingHandler(func(data string) error {
		now := time.Now()
		if haveIgnoredFirstPing {
			pingAvg.Add(now.Sub(lastPingTime).Seconds())
		} else {
			haveIgnoredFirstPing = true
		}
		lastPingTime = now
		log.WithField("avg", pingAvg.Average()).Debug("WebSocket ping received")
		s.writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		if s.status.Kind == KindTestingConnection {
			s.setStatus(Status{Kind: KindConnected, ConnectedURL: s.url, Existing: true})
		}
		return nil
	})

	frames := make(chan wsFrame, 32)
	go s.readLoop(conn, frames)

	for {
		select {
		case msg := <-s.inbox:
			switch m := msg.(type) {
			case DataMsg:
				s.writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte(m.Text))
				s.writeMu.Unlock()
				if err != nil {
					log.WithError(err).Error("WebSocket send error")
				}
			case ShutDownMsg:
				s.setStatus(disconnected("", false))
				return nil
			case TestConnectionMsg:
				if s.status.Kind == KindConnected {
					s.writeMu.Lock()
					err := conn.WriteMessage(websocket.PingMessage, []byte("PING"))
					s.writeMu.Unlock()
					if err != nil {
						log.WithError(err).Info("Test connection ping error")
					} else {
						testPingTime = time.Now()
						s.setStatus(Status{Kind: KindTestingConnection})
						log.Info("Test connection ping sent")
					}
				} else {
					s.setStatus(s.status)
				}
			}

		case frame, ok := <-frames:
			if !ok {
				continue
			}
			if frame.err != nil {
				return s.handleReadError(frame.err)
			}

			if frame.kind == websocket.TextMessage {
				select {
				case s.outbox <- DataTxMsg{Text: string(frame.data)}:
				default:
					log.Warn("WebSocket outbox full, dropping frame")
				}
			}

		case <-ticker.C:
			if s.status.Kind == KindTestingConnection {
				if time.Since(testPingTime) > testPongTimeout {
					reason := "WebSocketClient test failed (pong timeout)"
					log.Warn(reason)
					s.setStatus(disconnected(reason, true))
					return punyerr.ErrWebSocketClientLostConnection
				}
			}

			if s.stopOnMissingPings {
				allowed := float64(pingBootstrapSeconds)
				if pingAvg.Len() > 2 {
					allowed = pingAvg.Average() * pingBufferFactor
				}
				if time.Since(lastPingTime).Seconds() > allowed {
					log.WithField("allowed_secs", allowed).Warn("WebSocket ping not received in time; connection lost")
					return punyerr.ErrWebSocketClientLostConnection
				}
			}

		case <-ctx.Done():
			s.setStatus(disconnected("", false))
			return nil
		}
	}
}

func (s *Session) handleReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		reason := "WebSocket connection closed by server"
		log.Warn(reason)
		s.setStatus(disconnected(reason, true))
		return punyerr.ErrWebSocketConnectionClosed
	}

	if s.status.Kind == KindTestingConnection {
		reason := fmt.Sprintf("WebSocketClient test failed (message read error: %v)", err)
		log.Warn(reason)
		s.setStatus(disconnected(reason, true))
		return punyerr.ErrWebSocketClientLostConnection
	}

	reason := fmt.Sprintf("Could not read next item from WebSocket server stream: %v", err)
	log.Warn(reason)
	s.setStatus(disconnected(reason, true))
	return &punyerr.WebSocketError{Reason: reason}
}

type wsFrame struct {
	kind int
	data []byte
	err  error
}

func (s *Session) readLoop(conn *websocket.Conn, out chan<- wsFrame) {
	defer close(out)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			out <- wsFrame{err: err}
			return
		}
		out <- wsFrame{kind: kind, data: data}
	}
}

func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	log.WithField("url", s.url).Info("WebSocketClient connecting")
	s.setStatus(Status{Kind: KindConnecting, URL: s.url})

	u, err := url.Parse(s.url)
	if err != nil {
		reason := fmt.Sprintf("URL parsing error: %v", err)
		s.setStatus(disconnected(reason, false))
		return nil, &punyerr.WebSocketError{Reason: reason}
	}

	header := http.Header{}
	header.Set("Origin", originHeaderValue)

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(connectCtx, u.String(), header)
	if err != nil {
		if connectCtx.Err() != nil {
			log.Warn("WebSocketClient connection timed out")
			s.setStatus(disconnected("WebSocket connection timed out", false))
			return nil, punyerr.ErrWebSocketTimeout
		}

		reason := fmt.Sprintf("WebSocketClient connection error: %v", err)
		log.Warn(reason)
		s.setStatus(disconnected(reason, false))
		return nil, &punyerr.WebSocketError{Reason: reason}
	}

	s.setStatus(Status{Kind: KindConnected, ConnectedURL: s.url, Existing: false})
	return conn, nil
}

func (s *Session) setStatus(status Status) {
	s.status = status

	select {
	case s.outbox <- StatusTxMsg{Status: status}:
	default:
		log.Warn("Could not send WebSocketClientStatus update: outbox full")
	}
}
