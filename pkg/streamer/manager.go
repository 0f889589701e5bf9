// Package streamer implements the StreamerManager actor: discovery,
// activation with exponential backoff, payload fan-out to the UI event
// bus, and routing of user actions to a live WebSocketSession. It mirrors
// pkg/controller from the teacher repo's device-manager shape, adapted
// from a UDP/LIFX transport to a single JSON WebSocket transport.
package streamer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/punytunes/punytunes-core/pkg/discovery"
	"github.com/punytunes/punytunes-core/pkg/messaging"
	"github.com/punytunes/punytunes-core/pkg/punyerr"
	"github.com/punytunes/punytunes-core/pkg/store"
	"github.com/punytunes/punytunes-core/pkg/streamer/wsclient"
)

// Action is a user-initiated command forwarded verbatim to the streamer
// as a wire command, e.g. a play_control or recall_preset request.
type Action struct {
	Path   Path
	Params any
}

// inboxMsg is the sealed set of messages the manager's run loop accepts.
type inboxMsg interface{ isInboxMsg() }

type activateUdnMsg struct{ UDN string }
type deactivateMsg struct{}
type discoverMsg struct{ AutoActivate bool }
type processDiscoveredDeviceMsg struct{ Device discovery.Device }
type streamerActionMsg struct{ Action Action }
type testConnectionMsg struct{}
type stopSessionMsg struct{ RemoveFromStore bool }
type onUIReadyMsg struct{}
type handleClientErrorMsg struct{ Err error }
type shutDownMsg struct{}

// sessionStatusMsg/sessionDataMsg relay the owned session's outbox into
// the manager's single inbox so all state mutation stays on one goroutine.
type sessionStatusMsg struct{ Status wsclient.Status }
type sessionDataMsg struct{ Text string }

func (activateUdnMsg) isInboxMsg()             {}
func (deactivateMsg) isInboxMsg()              {}
func (discoverMsg) isInboxMsg()                {}
func (processDiscoveredDeviceMsg) isInboxMsg() {}
func (streamerActionMsg) isInboxMsg()          {}
func (testConnectionMsg) isInboxMsg()          {}
func (stopSessionMsg) isInboxMsg()             {}
func (onUIReadyMsg) isInboxMsg()               {}
func (handleClientErrorMsg) isInboxMsg()       {}
func (shutDownMsg) isInboxMsg()                {}
func (sessionStatusMsg) isInboxMsg()           {}
func (sessionDataMsg) isInboxMsg()             {}

// Manager is the StreamerManager actor described in spec.md §4.1. All
// fields below are touched exclusively by the goroutine running Run; no
// lock is required.
type Manager struct {
	cfg   *Config
	store store.Store
	bus   messaging.EventBus

	inbox chan inboxMsg

	devices    []Device
	lastActive *Device

	isActivating        bool
	isDiscovering       bool
	isTestingConnection bool
	activationAttempt   int
	activationStart     time.Time
	uiReady             bool
	logBuffer           []messaging.AppLog

	cache PayloadCache

	session       *wsclient.Session
	sessionCancel context.CancelFunc
	sessionDone   chan struct{}
	sessionStatus wsclient.Status
}

// New constructs a Manager. It does not start discovery or a run loop;
// call Run in its own goroutine to do so.
func New(st store.Store, bus messaging.EventBus, opts ...Option) *Manager {
	return &Manager{
		cfg:   parseConfig(opts),
		store: st,
		bus:   bus,
		inbox: make(chan inboxMsg, 32),
	}
}

// Inbox returns the channel used to send public operations to the
// manager (see the exported helper methods below for the intended call
// shape from the UI shell).
func (m *Manager) Inbox() chan<- inboxMsg { return m.inbox }

func (m *Manager) ActivateUdn(udn string)           { m.inbox <- activateUdnMsg{UDN: udn} }
func (m *Manager) Deactivate()                      { m.inbox <- deactivateMsg{} }
func (m *Manager) Discover(autoActivate bool)       { m.inbox <- discoverMsg{AutoActivate: autoActivate} }
func (m *Manager) StreamerAction(a Action)          { m.inbox <- streamerActionMsg{Action: a} }
func (m *Manager) TestConnection()                  { m.inbox <- testConnectionMsg{} }
func (m *Manager) StopSession(removeFromStore bool) { m.inbox <- stopSessionMsg{RemoveFromStore: removeFromStore} }
func (m *Manager) OnUIReady()                       { m.inbox <- onUIReadyMsg{} }
func (m *Manager) ShutDown()                        { m.inbox <- shutDownMsg{} }

// Run drives the manager's single select loop until ShutDown is
// processed. It attempts to activate a persisted host on entry, per
// spec.md §8 scenario 1.
func (m *Manager) Run(ctx context.Context) error {
	m.runDiscovery(ctx, false)

	if host, ok, err := m.store.Get(store.KeyLastConnectedHost); err == nil && ok && host != "" {
		log.WithField("host", host).Info("Found persisted streamer host, reconnecting")
		m.isActivating = true
		m.activationStart = time.Now()
		select {
		case m.inbox <- spawnSessionMsg{UDN: "", URL: host}:
		default:
		}
	}

	discoveryTicker := time.NewTicker(m.cfg.discoveryPeriod)
	defer discoveryTicker.Stop()

	for {
		select {
		case msg := <-m.inbox:
			if m.handle(ctx, msg) {
				return nil
			}
		case <-discoveryTicker.C:
			if !m.isActivating && !m.isDiscovering && m.sessionStatus.Kind != wsclient.KindConnected {
				m.runDiscovery(ctx, false)
			}
		case <-ctx.Done():
			m.teardownSession()
			return nil
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg inboxMsg) (shutdown bool) {
	switch msg := msg.(type) {
	case activateUdnMsg:
		m.activate(ctx, msg.UDN)
	case deactivateMsg:
		m.teardownSession()
		m.isActivating = false
		m.emitDevices()
	case discoverMsg:
		m.runDiscovery(ctx, msg.AutoActivate)
	case processDiscoveredDeviceMsg:
		m.processDiscoveredDevice(msg.Device)
	case streamerActionMsg:
		m.sendAction(msg.Action)
	case testConnectionMsg:
		m.testConnection(ctx)
	case stopSessionMsg:
		m.teardownSession()
		if msg.RemoveFromStore {
			if err := m.store.Delete(store.KeyLastConnectedHost); err != nil {
				log.WithError(err).Warn("Failed to delete persisted streamer host")
			}
		}
	case onUIReadyMsg:
		m.uiReady = true
		for _, e := range m.logBuffer {
			m.bus.Publish(messaging.CategoryAppLog, e)
		}
		m.logBuffer = nil
		m.emitDevices()
		m.emitAllPayloads()
	case handleClientErrorMsg:
		m.handleSessionError(ctx, msg.Err)
	case sessionStatusMsg:
		m.handleSessionStatus(ctx, msg.Status)
	case sessionDataMsg:
		m.handlePayload(msg.Text)
	case discoverDoneMsg:
		m.isDiscovering = false
		m.bus.Publish(messaging.CategoryIsDiscovering, false)
	case spawnSessionMsg:
		if msg.URL != "" {
			m.handleSpawnSession(ctx, msg.UDN, msg.URL)
		} else {
			m.beginSessionForUDN(ctx, msg.UDN)
		}
	case shutDownMsg:
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

func (m *Manager) emitDevices() {
	m.bus.Publish(messaging.CategoryDevices, m.devices)
	m.bus.Publish(messaging.CategoryIsActivating, m.isActivating)
}

func (m *Manager) emitAllPayloads() {
	m.bus.Publish(messaging.CategoryStreamerQueueList, m.cache.QueueList)
	m.bus.Publish(messaging.CategoryStreamerPresets, m.cache.Presets)
	m.bus.Publish(messaging.CategoryStreamerSystemInfo, m.cache.SystemInfo)
	m.bus.Publish(messaging.CategoryStreamerSystemPower, m.cache.SystemPower)
	m.bus.Publish(messaging.CategoryStreamerSystemSources, m.cache.SystemSources)
	m.bus.Publish(messaging.CategoryStreamerZoneNowPlaying, m.cache.ZoneNowPlaying)
	m.bus.Publish(messaging.CategoryStreamerZonePlayState, m.cache.ZonePlayState)
	m.bus.Publish(messaging.CategoryStreamerZonePlayStatePosition, m.cache.ZonePlayStatePosition)
	m.bus.Publish(messaging.CategoryStreamerZoneState, m.cache.ZoneState)
}

// runDiscovery fires a one-shot discovery scan. Results are posted back
// into the manager's own inbox as processDiscoveredDeviceMsg so no
// locking is needed to reconcile them against current state.
func (m *Manager) runDiscovery(ctx context.Context, autoActivate bool) {
	m.devices = nil
	m.isDiscovering = true
	m.bus.Publish(messaging.CategoryIsDiscovering, true)

	scanID := uuid.NewString()
	go func() {
		err := discovery.Scan(ctx, func(d discovery.Device) {
			if d.Manufacturer != SupportedManufacturer {
				return
			}
			select {
			case m.inbox <- processDiscoveredDeviceMsg{Device: d}:
			default:
				log.WithField("scan_id", scanID).Warn("Streamer inbox full, dropping discovered device")
				return
			}
			if autoActivate {
				select {
				case m.inbox <- activateUdnMsg{UDN: d.UDN}:
				default:
					log.WithField("scan_id", scanID).Warn("Streamer inbox full, dropping auto-activate request")
				}
			}
		})
		if err != nil {
			log.WithField("scan_id", scanID).WithError(err).Warn("Streamer discovery scan failed")
		}
		select {
		case m.inbox <- discoverDoneMsg{}:
		default:
		}
	}()
}

type discoverDoneMsg struct{}

func (discoverDoneMsg) isInboxMsg() {}

func (m *Manager) processDiscoveredDevice(d discovery.Device) {
	if d.Manufacturer != SupportedManufacturer {
		log.WithField("manufacturer", d.Manufacturer).Warn("Ignoring discovered device: unsupported manufacturer")
		return
	}

	for _, existing := range m.devices {
		if existing.UDN == d.UDN {
			m.reconcileActive(&existing)
			return
		}
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
	m.devices = append(m.devices, dev)
	SortDevices(m.devices)
	m.reconcileActive(&dev)
	m.emitDevices()
}

// reconcileActive marks dev active if the manager is currently connected
// to its URL, per spec.md §4.1 ProcessDiscoveredDevice semantics.
func (m *Manager) reconcileActive(dev *Device) {
	if m.sessionStatus.Kind != wsclient.KindConnected {
		return
	}
	connectedHost := hostOnly(m.sessionStatus.ConnectedURL)
	for i := range m.devices {
		if m.devices[i].UDN == dev.UDN && hostOnly(m.devices[i].URL) == connectedHost {
			m.devices[i].IsActive = true
		}
	}
}

// activate (re-)enters the exponential-backoff activation FSM described
// in spec.md §4.1 for the device matching udn: it zeroes the attempt
// counter, records a fresh start timestamp, and schedules the first
// attempt. Every scheduled attempt runs its backoff sleep on its own
// goroutine but reports back to the manager's inbox to spawn the
// session, so m's fields are never touched off the owning goroutine.
func (m *Manager) activate(ctx context.Context, udn string) {
	found := false
	for _, d := range m.devices {
		if d.UDN == udn {
			found = true
			break
		}
	}
	if !found {
		m.log(log.WarnLevel, "%v", &punyerr.UnknownDeviceError{UDN: udn})
		return
	}

	m.isActivating = true
	m.activationAttempt = 0
	m.activationStart = time.Now()
	m.emitDevices()

	m.scheduleNextAttempt(ctx, udn)
}

// scheduleNextAttempt checks the activation budget, then either aborts
// activation or schedules the next backoff-delayed attempt. It must only
// ever be called from the manager's owning goroutine.
func (m *Manager) scheduleNextAttempt(ctx context.Context, udn string) {
	elapsed := time.Since(m.activationStart)
	if elapsed > m.cfg.activationBudget {
		m.log(log.ErrorLevel, "Giving up activating streamer %s after %s", udn, elapsed)
		m.isActivating = false
		for i := range m.devices {
			m.devices[i].IsActivating = false
		}
		m.emitDevices()
		return
	}

	delay := backoffDelay(m.cfg, m.activationAttempt)
	m.activationAttempt++

	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case m.inbox <- spawnSessionMsg{UDN: udn}:
		case <-ctx.Done():
		}
	}()
}

type spawnSessionMsg struct{ UDN, URL string }

func (spawnSessionMsg) isInboxMsg() {}

// beginSessionForUDN resolves udn's current URL (fresh, on the owning
// goroutine) and spawns a session for it. If the device has since
// dropped out of the list (a new discovery cycle cleared it), the
// attempt is simply skipped.
func (m *Manager) beginSessionForUDN(ctx context.Context, udn string) {
	for _, d := range m.devices {
		if d.UDN == udn {
			m.handleSpawnSession(ctx, udn, d.URL)
			return
		}
	}
}

func (m *Manager) handleSpawnSession(ctx context.Context, udn, wsURL string) {
	m.teardownSession()

	for i := range m.devices {
		m.devices[i].IsActivating = m.devices[i].UDN == udn
	}

	url := fmt.Sprintf("ws://%s:%d/smoip", hostOnly(wsURL), m.cfg.wsPort)
	sess := wsclient.NewSession(url, m.cfg.stopOnMissingPings)
	sessCtx, cancel := context.WithCancel(ctx)

	m.session = sess
	m.sessionCancel = cancel
	m.sessionDone = make(chan struct{})

	go m.pumpSession(sess)
	go func() {
		defer close(m.sessionDone)
		err := sess.Run(sessCtx)
		if err != nil {
			select {
			case m.inbox <- handleClientErrorMsg{Err: err}:
			default:
			}
		}
	}()
}

// hostOnly extracts a bare host from a device description URL or a
// previously persisted host string, discarding scheme, port, and path.
func hostOnly(raw string) string {
	s := raw
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/:"); i >= 0 {
		s = s[:i]
	}
	return s
}

// pumpSession relays a session's outbox into the manager's inbox so the
// manager's state is only ever mutated on its own goroutine.
func (m *Manager) pumpSession(sess *wsclient.Session) {
	for tx := range sess.Outbox() {
		switch tx := tx.(type) {
		case wsclient.StatusTxMsg:
			select {
			case m.inbox <- sessionStatusMsg{Status: tx.Status}:
			default:
				log.Warn("Streamer manager inbox full, dropping session status")
			}
		case wsclient.DataTxMsg:
			select {
			case m.inbox <- sessionDataMsg{Text: tx.Text}:
			default:
				log.Warn("Streamer manager inbox full, dropping session frame")
			}
		}
	}
}

func (m *Manager) handleSessionStatus(ctx context.Context, status wsclient.Status) {
	prev := m.sessionStatus
	m.sessionStatus = status
	m.bus.Publish(messaging.CategoryWebSocketClientStatus, status)

	switch status.Kind {
	case wsclient.KindConnected:
		m.isActivating = false
		m.isTestingConnection = false
		connectedHost := hostOnly(status.ConnectedURL)
		for i := range m.devices {
			m.devices[i].IsActivating = false
			m.devices[i].IsActive = hostOnly(m.devices[i].URL) == connectedHost
			if m.devices[i].IsActive {
				d := m.devices[i]
				m.lastActive = &d
			}
		}
		m.emitDevices()

		if !status.Existing {
			if err := m.store.Set(store.KeyLastConnectedHost, hostOnly(status.ConnectedURL)); err != nil {
				m.log(log.WarnLevel, "Failed to persist streamer host: %v", err)
			}
			for _, p := range AllSubscribedPaths {
				b, err := SubscribeMessage(p)
				m.send(p, b, err)
			}
			b, err := RequestMessage(PathQueueList)
			m.send(PathQueueList, b, err)
		}

	case wsclient.KindDisconnected:
		wasTesting := prev.Kind == wsclient.KindTestingConnection || m.isTestingConnection
		m.isTestingConnection = false
		for i := range m.devices {
			m.devices[i].IsActive = false
		}
		m.emitDevices()

		if wasTesting && m.lastActive != nil {
			m.activate(ctx, m.lastActive.UDN)
		} else if status.ConsiderReconnecting && m.lastActive != nil {
			m.activate(ctx, m.lastActive.UDN)
		} else {
			m.isActivating = false
		}

	case wsclient.KindTestingConnection:
		m.isTestingConnection = true
	}
}

// send writes an already-marshaled outbound frame to the session, or
// logs a marshal failure instead of sending.
func (m *Manager) send(path Path, payload []byte, err error) {
	if err != nil {
		m.log(log.WarnLevel, "Failed to encode streamer message for %s: %v", path, err)
		return
	}
	if m.session == nil {
		return
	}
	m.session.Inbox() <- wsclient.DataMsg{Text: string(payload)}
}

func (m *Manager) handleSessionError(ctx context.Context, err error) {
	if m.lastActive != nil {
		m.log(log.WarnLevel, "Streamer session ended: %v; reactivating last-active device", err)
		m.activate(ctx, m.lastActive.UDN)
		return
	}
	m.log(log.WarnLevel, "Streamer session ended: %v", err)
}

func (m *Manager) testConnection(ctx context.Context) {
	if m.sessionStatus.Kind == wsclient.KindConnected && m.session != nil {
		m.session.Inbox() <- wsclient.TestConnectionMsg{}
		return
	}
	if m.lastActive != nil {
		m.activate(ctx, m.lastActive.UDN)
	}
}

func (m *Manager) sendAction(a Action) {
	if m.sessionStatus.Kind != wsclient.KindConnected || m.session == nil {
		return
	}
	b, err := MarshalCommand(a.Path, a.Params)
	if err != nil {
		m.log(log.WarnLevel, "Failed to encode streamer action for %s: %v", a.Path, err)
		return
	}
	m.session.Inbox() <- wsclient.DataMsg{Text: string(b)}
}

func (m *Manager) teardownSession() {
	if m.session == nil {
		return
	}
	select {
	case m.session.Inbox() <- wsclient.ShutDownMsg{}:
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
	m.sessionStatus = wsclient.Status{}
}

// handlePayload parses one inbound JSON text frame per spec.md §4.1's
// payload dispatch table.
func (m *Manager) handlePayload(text string) {
	var env Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		log.WithError(err).Warn("Failed to parse streamer envelope")
		return
	}

	switch env.Path {
	case PathQueueInfo:
		var v WithZone[QueueInfoData]
		if m.decodeInto(&v, env.Params) {
			m.cache.QueueInfo = &v
			b, err := RequestMessage(PathQueueList)
			m.send(PathQueueList, b, err)
		}
	case PathQueueList:
		var v WithZone[QueueListData]
		if m.decodeInto(&v, env.Params) {
			m.cache.QueueList = &v
			m.bus.Publish(messaging.CategoryStreamerQueueList, v)
		}
	case PathPresetsList:
		var v PresetsData
		if m.decodeInto(&v, env.Params) {
			m.cache.Presets = &v
			m.bus.Publish(messaging.CategoryStreamerPresets, v)
		}
	case PathSystemInfo:
		var v SystemInfoData
		if m.decodeInto(&v, env.Params) {
			m.cache.SystemInfo = &v
			m.bus.Publish(messaging.CategoryStreamerSystemInfo, v)
		}
	case PathSystemPower:
		var v SystemPowerData
		if m.decodeInto(&v, env.Params) {
			m.cache.SystemPower = &v
			m.bus.Publish(messaging.CategoryStreamerSystemPower, v)
		}
	case PathSystemSources:
		var v SystemSourcesData
		if m.decodeInto(&v, env.Params) {
			m.cache.SystemSources = &v
			m.bus.Publish(messaging.CategoryStreamerSystemSources, v)
		}
	case PathZoneNowPlaying:
		var v WithZone[ZoneNowPlayingData]
		if m.decodeInto(&v, env.Params) {
			m.cache.ZoneNowPlaying = &v
			m.bus.Publish(messaging.CategoryStreamerZoneNowPlaying, v)
		}
	case PathZonePlayState:
		var v WithZone[ZonePlayStateData]
		if m.decodeInto(&v, env.Params) {
			m.cache.ZonePlayState = &v
			m.bus.Publish(messaging.CategoryStreamerZonePlayState, v)
		}
	case PathZonePlayStatePosit:
		// Position is legitimately unavailable at times; the device omits
		// the "data" field entirely rather than sending a null. That case
		// is expected and must not be logged as a decode failure.
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(env.Params, &raw); err != nil {
			log.WithError(err).WithField("path", env.Path).Warn("Failed to decode streamer payload")
			return
		}
		if _, hasData := raw["data"]; !hasData {
			return
		}
		var v WithZone[ZonePlayStatePositionData]
		if !m.decodeInto(&v, env.Params) {
			return
		}
		m.cache.ZonePlayStatePosition = &v
		m.bus.Publish(messaging.CategoryStreamerZonePlayStatePosition, v)
	case PathZoneState:
		var v WithZone[ZoneStateData]
		if m.decodeInto(&v, env.Params) {
			m.cache.ZoneState = &v
			m.bus.Publish(messaging.CategoryStreamerZoneState, v)
		}
	case PathZonePlayControl, PathZoneRecallPreset:
		// Acknowledgment of our own commands; no state to update.
	default:
		log.WithField("path", env.Path).Warn("Unrecognized streamer payload path")
	}
}

func (m *Manager) decodeInto(v any, raw json.RawMessage) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		log.WithError(err).Warn("Failed to decode streamer payload")
		return false
	}
	return true
}
