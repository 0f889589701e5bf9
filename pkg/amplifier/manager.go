package amplifier

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/punytunes/punytunes-core/pkg/amplifier/ampsession"
	"github.com/punytunes/punytunes-core/pkg/discovery"
	"github.com/punytunes/punytunes-core/pkg/messaging"
)

// Action is a user-initiated amplifier command, forwarded to the
// ampsession codec's Action shape once accepted.
type Action = ampsession.Action

// inboxMsg is the sealed set of messages the manager's run loop accepts.
type inboxMsg interface{ isInboxMsg() }

type discoverMsg struct{}
type processDiscoveredDeviceMsg struct{ Device discovery.Device }
type disconnectMsg struct{}
type setIsDiscoveringMsg struct{ Value bool }
type testConnectionMsg struct{}
type onUIReadyMsg struct{}
type amplifierActionMsg struct{ Action Action }
type shutDownMsg struct{}
type handleClientErrorMsg struct{ Err error }
type reconnectMsg struct{}

// sessionStatusMsg/sessionStateMsg relay the owned session's outbox into
// the manager's single inbox so all state mutation stays on one goroutine.
type sessionStatusMsg struct{ Status ampsession.Status }
type sessionStateMsg struct{ State ampsession.State }

func (discoverMsg) isInboxMsg()                {}
func (processDiscoveredDeviceMsg) isInboxMsg() {}
func (disconnectMsg) isInboxMsg()              {}
func (setIsDiscoveringMsg) isInboxMsg()        {}
func (testConnectionMsg) isInboxMsg()          {}
func (onUIReadyMsg) isInboxMsg()               {}
func (amplifierActionMsg) isInboxMsg()         {}
func (shutDownMsg) isInboxMsg()                {}
func (handleClientErrorMsg) isInboxMsg()       {}
func (reconnectMsg) isInboxMsg()               {}
func (sessionStatusMsg) isInboxMsg()           {}
func (sessionStateMsg) isInboxMsg()            {}

// ManagerState is the snapshot published under CategoryAmplifierManagerState.
type ManagerState struct {
	Device              *Device
	IsDiscovering       bool
	IsHandlingAmplifier bool
	IsShuttingDown      bool
	IsTestingConnection bool
	ReconnectAttempts   int
	State               ampsession.State
}

// Manager is the AmplifierManager actor described in spec.md §4.3. All
// fields are touched exclusively by the goroutine running Run.
type Manager struct {
	cfg *Config
	bus messaging.EventBus

	inbox chan inboxMsg

	managedDevice       *Device
	isDiscovering       bool
	isHandlingAmplifier bool
	isShuttingDown      bool
	isTestingConnection bool
	reconnectAttempts   int
	ampState            ampsession.State

	uiReady   bool
	logBuffer []messaging.AppLog

	sessionGeneration int
	session           *ampsession.Session
	sessionCancel     context.CancelFunc
	sessionDone       chan struct{}
}

// New constructs a Manager. Call Run in its own goroutine to start it.
func New(bus messaging.EventBus, opts ...Option) *Manager {
	return &Manager{
		cfg:   parseConfig(opts),
		bus:   bus,
		inbox: make(chan inboxMsg, 32),
	}
}

func (m *Manager) Inbox() chan<- inboxMsg { return m.inbox }

func (m *Manager) Discover()                        { m.inbox <- discoverMsg{} }
func (m *Manager) DisconnectFromAmplifier()          { m.inbox <- disconnectMsg{} }
func (m *Manager) SetIsDiscovering(v bool)           { m.inbox <- setIsDiscoveringMsg{Value: v} }
func (m *Manager) TestConnection()                   { m.inbox <- testConnectionMsg{} }
func (m *Manager) OnUIReady()                        { m.inbox <- onUIReadyMsg{} }
func (m *Manager) AmplifierAction(a Action)          { m.inbox <- amplifierActionMsg{Action: a} }
func (m *Manager) ShutDown()                         { m.inbox <- shutDownMsg{} }

// Run drives the manager's single select loop until ShutDown is processed.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-m.inbox:
			if m.handle(ctx, msg) {
				return nil
			}
		case <-ctx.Done():
			m.teardownSession()
			return nil
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg inboxMsg) (shutdown bool) {
	switch msg := msg.(type) {
	case discoverMsg:
		m.runDiscovery(ctx)
	case processDiscoveredDeviceMsg:
		m.processDiscoveredDevice(ctx, msg.Device)
	case disconnectMsg:
		m.teardownSession()
		m.managedDevice = nil
		m.reconnectAttempts = 0
		m.emitManagerState()
	case setIsDiscoveringMsg:
		m.isDiscovering = msg.Value
		m.bus.Publish(messaging.CategoryIsDiscovering, msg.Value)
	case testConnectionMsg:
		m.testConnection()
	case onUIReadyMsg:
		m.uiReady = true
		for _, e := range m.logBuffer {
			m.bus.Publish(messaging.CategoryAppLog, e)
		}
		m.logBuffer = nil
		m.emitManagerState()
		m.bus.Publish(messaging.CategoryAmplifierState, m.ampState)
	case amplifierActionMsg:
		m.sendAction(msg.Action)
	case sessionStatusMsg:
		m.handleSessionStatus(msg.Status)
	case sessionStateMsg:
		m.ampState = msg.State
		m.bus.Publish(messaging.CategoryAmplifierState, m.ampState)
	case handleClientErrorMsg:
		m.handleSessionError(ctx, msg.Err)
	case reconnectMsg:
		if m.managedDevice != nil {
			m.beginSession(ctx, *m.managedDevice)
		}
	case shutDownMsg:
		m.isShuttingDown = true
		m.teardownSession()
		return true
	}
	return false
}

func (m *Manager) log(level log.Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case log.ErrorLevel:
		log.Error(msg)
	case log.WarnLevel:
		log.Warn(msg)
	default:
		log.Info(msg)
	}
	entry := messaging.NewAppLog(level, msg)
	if !m.uiReady {
		m.logBuffer = append(m.logBuffer, entry)
		return
	}
	m.bus.Publish(messaging.CategoryAppLog, entry)
}

func (m *Manager) emitManagerState() {
	m.bus.Publish(messaging.CategoryAmplifierManagerState, ManagerState{
		Device:              m.managedDevice,
		IsDiscovering:       m.isDiscovering,
		IsHandlingAmplifier: m.isHandlingAmplifier,
		IsShuttingDown:      m.isShuttingDown,
		IsTestingConnection: m.isTestingConnection,
		ReconnectAttempts:   m.reconnectAttempts,
		State:               m.ampState,
	})
}

// runDiscovery fires a one-shot SSDP scan restricted to the amplifier
// manufacturer whitelist. The scan goroutine never touches manager
// fields; it only calls the public SetIsDiscovering/processDiscoveredDeviceMsg
// message helpers, same discipline as pkg/streamer's runDiscovery.
func (m *Manager) runDiscovery(ctx context.Context) {
	go func() {
		m.SetIsDiscovering(true)
		err := discovery.Scan(ctx, func(d discovery.Device) {
			if d.Manufacturer != SupportedManufacturer {
				return
			}
			select {
			case m.inbox <- processDiscoveredDeviceMsg{Device: d}:
			default:
				log.Warn("Amplifier inbox full, dropping discovered device")
			}
		})
		if err != nil {
			log.WithError(err).Warn("Amplifier discovery scan failed")
		}
		m.SetIsDiscovering(false)
	}()
}

// processDiscoveredDevice implements the accept-device policy of
// spec.md §4.3: non-whitelisted manufacturers are ignored outright;
// anything else becomes the new managed device with its reconnect
// counter reset.
func (m *Manager) processDiscoveredDevice(ctx context.Context, d discovery.Device) {
	if d.Manufacturer != SupportedManufacturer {
		m.log(log.WarnLevel, "Ignoring discovered device %s: unsupported manufacturer %q", d.UDN, d.Manufacturer)
		return
	}

	dev := Device{
		FriendlyName: d.FriendlyName,
		Model:        d.Model,
		ModelNumber:  d.ModelNumber,
		SerialNumber: d.SerialNumber,
		URL:          d.URL,
		UDN:          d.UDN,
		Manufacturer: d.Manufacturer,
	}

	m.reconnectAttempts = 0
	m.beginSession(ctx, dev)
}

// beginSession implements the session lifecycle of spec.md §4.3: stop
// any existing session and await its termination, reset amp state, spawn
// a fresh session, bump the generation counter, emit manager state.
func (m *Manager) beginSession(ctx context.Context, dev Device) {
	m.teardownSession()

	m.managedDevice = &dev
	m.ampState = ampsession.State{}
	m.sessionGeneration++

	host := fmt.Sprintf("%s:%d", hostOnly(dev.URL), m.cfg.tcpPort)
	log.WithField("generation", m.sessionGeneration).WithField("udn", dev.UDN).Info("Starting amplifier session")
	sess := ampsession.NewSession(host)
	sessCtx, cancel := context.WithCancel(ctx)

	m.session = sess
	m.sessionCancel = cancel
	m.sessionDone = make(chan struct{})

	go m.pumpSession(sess)
	go func() {
		defer close(m.sessionDone)
		if err := sess.Run(sessCtx); err != nil {
			select {
			case m.inbox <- handleClientErrorMsg{Err: err}:
			default:
			}
		}
	}()

	m.emitManagerState()
}

// hostOnly extracts a bare host from a device description URL, discarding
// scheme, port, and path (the amplifier's own fixed TCP port is applied
// by the caller).
func hostOnly(raw string) string {
	s := raw
	for i := 0; i < len(s); i++ {
		if s[i] == ':' && i+2 < len(s) && s[i+1] == '/' && s[i+2] == '/' {
			s = s[i+3:]
			break
		}
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '/' || s[i] == ':' {
			return s[:i]
		}
	}
	return s
}

// pumpSession relays a session's outbox into the manager's inbox so the
// manager's state is only ever mutated on its own goroutine.
func (m *Manager) pumpSession(sess *ampsession.Session) {
	for tx := range sess.Outbox() {
		switch tx := tx.(type) {
		case ampsession.StatusTxMsg:
			select {
			case m.inbox <- sessionStatusMsg{Status: tx.Status}:
			default:
				log.Warn("Amplifier manager inbox full, dropping session status")
			}
		case ampsession.StateTxMsg:
			select {
			case m.inbox <- sessionStateMsg{State: tx.State}:
			default:
				log.Warn("Amplifier manager inbox full, dropping session state")
			}
		}
	}
}

func (m *Manager) handleSessionStatus(status ampsession.Status) {
	switch status {
	case ampsession.StatusConnected:
		m.isHandlingAmplifier = true
		m.isTestingConnection = false
		m.reconnectAttempts = 0
	case ampsession.StatusDisconnected:
		m.isHandlingAmplifier = false
		m.isTestingConnection = false
	}
	m.emitManagerState()
}

// handleSessionError implements the reconnect policy of spec.md §4.3:
// bounded to 3 attempts with a fixed 1 s delay, never retried once
// shutting down.
func (m *Manager) handleSessionError(ctx context.Context, err error) {
	if m.isShuttingDown {
		return
	}
	if m.managedDevice == nil {
		m.log(log.WarnLevel, "Amplifier session ended: %v", err)
		return
	}

	m.reconnectAttempts++
	if m.reconnectAttempts > m.cfg.maxReconnectAttempts {
		m.log(log.ErrorLevel, "Giving up reconnecting to amplifier %s after %d attempts: %v",
			m.managedDevice.UDN, m.reconnectAttempts-1, err)
		m.reconnectAttempts = 0
		m.emitManagerState()
		return
	}

	m.log(log.WarnLevel, "Amplifier session ended (attempt %d/%d): %v",
		m.reconnectAttempts, m.cfg.maxReconnectAttempts, err)
	m.emitManagerState()

	delay := m.cfg.reconnectDelay
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		select {
		case m.inbox <- reconnectMsg{}:
		case <-ctx.Done():
		}
	}()
}

func (m *Manager) testConnection() {
	if !m.isHandlingAmplifier || m.session == nil {
		m.log(log.WarnLevel, "Cannot test amplifier connection: not currently handling a device")
		return
	}
	m.isTestingConnection = true
	m.session.Inbox() <- ampsession.TestConnectionMsg{}
	m.emitManagerState()
}

func (m *Manager) sendAction(a Action) {
	if !m.isHandlingAmplifier || m.session == nil {
		return
	}
	m.session.Inbox() <- ampsession.ActionMsg{Action: a}
}

func (m *Manager) teardownSession() {
	if m.session == nil {
		return
	}
	select {
	case m.session.Inbox() <- ampsession.ShutDownMsg{}:
	default:
	}
	if m.sessionCancel != nil {
		m.sessionCancel()
	}
	if m.sessionDone != nil {
		<-m.sessionDone
	}
	m.session = nil
	m.sessionCancel = nil
	m.sessionDone = nil
	m.isHandlingAmplifier = false
}
