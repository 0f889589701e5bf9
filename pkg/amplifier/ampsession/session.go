package ampsession

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/punytunes/punytunes-core/pkg/punyerr"
)

// Status is the session's externally visible lifecycle status, mirroring
// AmplifierSessionStatus from spec.md §3. Internally the session also
// tracks a testing-connection sub-state, but that is never emitted as
// its own status variant.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
)

// RxMsg is something the owning manager can send to a Session.
type RxMsg interface{ isRxMsg() }

// ActionMsg asks the session to translate a user action into a wire
// command and send it.
type ActionMsg struct{ Action Action }

// ShutDownMsg asks the session to close cleanly and exit.
type ShutDownMsg struct{}

// TestConnectionMsg asks the session to run its power-request health
// check.
type TestConnectionMsg struct{}

func (ActionMsg) isRxMsg()        {}
func (ShutDownMsg) isRxMsg()      {}
func (TestConnectionMsg) isRxMsg() {}

// TxMsg is something a Session reports back to the owning manager.
type TxMsg interface{ isTxMsg() }

// StateTxMsg carries a change (or initial observation) of amplifier
// state.
type StateTxMsg struct{ State State }

// StatusTxMsg carries a lifecycle status change.
type StatusTxMsg struct{ Status Status }

func (StateTxMsg) isTxMsg()  {}
func (StatusTxMsg) isTxMsg() {}

// Action is a user-initiated amplifier command, translated to a wire
// command per spec.md §4.4's outbound action translation table.
type Action struct {
	Kind  ActionKind
	Bool  bool
	Value int
}

type ActionKind int

const (
	ActionMuteSet ActionKind = iota
	ActionMuteToggle
	ActionPowerSet
	ActionPowerToggle
	ActionSourceSet
	ActionVolumeSet
	ActionVolumeUp
	ActionVolumeDown
)

func formatAction(a Action) (string, error) {
	switch a.Kind {
	case ActionMuteSet:
		return FormatMuteSet(a.Bool), nil
	case ActionMuteToggle:
		return FormatMuteToggle(), nil
	case ActionPowerSet:
		return FormatPowerSet(a.Bool), nil
	case ActionPowerToggle:
		return FormatPowerToggle(), nil
	case ActionSourceSet:
		return FormatSourceSet(a.Value)
	case ActionVolumeSet:
		return FormatVolumeSet(a.Value)
	case ActionVolumeUp:
		return FormatVolumeUp(), nil
	case ActionVolumeDown:
		return FormatVolumeDown(), nil
	}
	return "", fmt.Errorf("unknown amplifier action kind %d", a.Kind)
}

const (
	connectTimeout      = 1500 * time.Millisecond
	testResponseTimeout = 1500 * time.Millisecond
	heartbeatTimeout    = 10 * time.Second
	bootstrapGap        = 100 * time.Millisecond
	tickInterval        = 500 * time.Millisecond
)

// Session owns one TCP connection to host (already including the fixed
// :50001 port) speaking the line-delimited ASCII protocol of spec.md
// §4.4.
type Session struct {
	host   string
	inbox  chan RxMsg
	outbox chan TxMsg
}

// NewSession constructs a Session for host (host:port).
func NewSession(host string) *Session {
	return &Session{
		host:   host,
		inbox:  make(chan RxMsg, 32),
		outbox: make(chan TxMsg, 32),
	}
}

// Inbox returns the channel used to send messages to the session.
func (s *Session) Inbox() chan<- RxMsg { return s.inbox }

// Outbox returns the channel on which the session reports state and
// status updates.
func (s *Session) Outbox() <-chan TxMsg { return s.outbox }

// Run connects to the amplifier and services inbox, incoming frames, and
// a 500ms tick until ShutDown is requested or a transport fault occurs.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.outbox)

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.host)
	if err != nil {
		s.emitStatus(StatusDisconnected)
		return &punyerr.AmplifierError{Reason: fmt.Sprintf("could not connect to amplifier at %s: %v", s.host, err)}
	}
	defer conn.Close()

	s.emitStatus(StatusConnected)

	var state State
	lastHeartbeat := time.Now()
	var testStart time.Time
	testing := false

	frames := make(chan frameOrErr, 32)
	go readFrames(conn, frames)

	requestMissing := func() {
		for code, present := range missingFields(state) {
			if present {
				continue
			}
			if _, err := conn.Write([]byte(FormatRequest(code))); err != nil {
				log.WithError(err).Warn("Failed to write amplifier state request")
				return
			}
			time.Sleep(bootstrapGap)
		}
	}
	requestMissing()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inbox:
			switch m := msg.(type) {
			case ActionMsg:
				line, err := formatAction(m.Action)
				if err != nil {
					log.WithError(err).Warn("Failed to encode amplifier action")
					continue
				}
				if _, err := conn.Write([]byte(line)); err != nil {
					log.WithError(err).Warn("Failed to write amplifier command")
				}
			case TestConnectionMsg:
				if _, err := conn.Write([]byte(FormatRequest(CodePower))); err != nil {
					log.WithError(err).Warn("Failed to write amplifier test request")
					continue
				}
				testing = true
				testStart = time.Now()
			case ShutDownMsg:
				s.emitStatus(StatusDisconnected)
				return nil
			}

		case fe, ok := <-frames:
			if !ok {
				continue
			}
			if fe.err != nil {
				s.emitStatus(StatusDisconnected)
				return &punyerr.AmplifierError{Reason: fmt.Sprintf("amplifier read error: %v", fe.err)}
			}

			msg, err := ParseInbound(fe.line)
			if err != nil {
				log.WithError(err).WithField("line", fe.line).Warn("Dropping malformed amplifier frame")
				continue
			}

			switch v := msg.(type) {
			case ErrorMsg:
				log.WithField("text", v.Text).Warn("Amplifier reported an error")
			case MuteMsg:
				state.IsMuted = boolPtr(v.Value)
				s.emitState(state)
			case SourceMsg:
				state.Source = intPtr(v.Value)
				s.emitState(state)
			case VolumeMsg:
				state.Volume = intPtr(v.Value)
				s.emitState(state)
			case PowerMsg:
				lastHeartbeat = time.Now()
				if testing {
					testing = false
					log.Info("Amplifier test connection OK")
				}
				changed := state.IsPoweredOn == nil || *state.IsPoweredOn != v.Value
				state.IsPoweredOn = boolPtr(v.Value)
				if changed {
					s.emitState(state)
				}
			}

		case <-ticker.C:
			if testing && time.Since(testStart) > testResponseTimeout {
				log.Warn("Amplifier test connection failed: no response")
				s.emitStatus(StatusDisconnected)
				return punyerr.ErrAmplifierLostConnection
			}
			if time.Since(lastHeartbeat) > heartbeatTimeout {
				log.Warn("Amplifier heartbeat lost")
				s.emitStatus(StatusDisconnected)
				return punyerr.ErrAmplifierLostConnection
			}
			requestMissing()

		case <-ctx.Done():
			s.emitStatus(StatusDisconnected)
			return nil
		}
	}
}

// missingFields reports, per code, whether the state already holds an
// observed value for it.
func missingFields(s State) map[Code]bool {
	return map[Code]bool{
		CodeMute:   s.IsMuted != nil,
		CodePower:  s.IsPoweredOn != nil,
		CodeSource: s.Source != nil,
		CodeVolume: s.Volume != nil,
	}
}

type frameOrErr struct {
	line string
	err  error
}

func readFrames(conn net.Conn, out chan<- frameOrErr) {
	defer close(out)

	var reader FrameReader
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range reader.Feed(buf[:n]) {
				out <- frameOrErr{line: line}
			}
		}
		if err != nil {
			out <- frameOrErr{err: err}
			return
		}
	}
}

func (s *Session) emitStatus(status Status) {
	select {
	case s.outbox <- StatusTxMsg{Status: status}:
	default:
		log.Warn("Amplifier session outbox full, dropping status update")
	}
}

func (s *Session) emitState(state State) {
	select {
	case s.outbox <- StateTxMsg{State: state}:
	default:
		log.Warn("Amplifier session outbox full, dropping state update")
	}
}
