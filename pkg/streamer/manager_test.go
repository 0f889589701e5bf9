package streamer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punytunes/punytunes-core/pkg/discovery"
	"github.com/punytunes/punytunes-core/pkg/messaging"
	"github.com/punytunes/punytunes-core/pkg/store"
)

type recordingBus struct {
	events []busEvent
}

type busEvent struct {
	Category messaging.Category
	Payload  any
}

func newRecordingBus() *recordingBus {
	return &recordingBus{}
}

func (b *recordingBus) Publish(category messaging.Category, payload any) {
	b.events = append(b.events, busEvent{Category: category, Payload: payload})
}

func newEchoStreamerServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManager_ActivateReachesConnected(t *testing.T) {
	srv := newEchoStreamerServer(t)

	mem := store.NewMemStore()
	bus := newRecordingBus()
	mgr := New(mem, bus)

	host, portStr, ok := strings.Cut(srv.Listener.Addr().String(), ":")
	require.True(t, ok)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	mgr.cfg.wsPort = port // real streamers fix this at 80; tests dial the ephemeral httptest port instead.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mgr.Run(ctx)

	mgr.inbox <- processDiscoveredDeviceMsg{Device: discovery.Device{
		FriendlyName: "Living Room",
		UDN:          "uuid:test-udn",
		URL:          "http://" + host + "/description.xml",
		Manufacturer: SupportedManufacturer,
	}}
	mgr.ActivateUdn("uuid:test-udn")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok, _ := mem.Get(store.KeyLastConnectedHost); ok && v != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	v, ok, err := mem.Get(store.KeyLastConnectedHost)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, host, v)
}

func TestManager_DiscoveredDeviceFiltersManufacturer(t *testing.T) {
	mem := store.NewMemStore()
	bus := newRecordingBus()
	mgr := New(mem, bus)

	mgr.processDiscoveredDevice(discovery.Device{
		UDN:          "uuid:other",
		Manufacturer: "Some Other Vendor",
	})
	assert.Empty(t, mgr.devices)

	mgr.processDiscoveredDevice(discovery.Device{
		UDN:          "uuid:ca",
		Manufacturer: SupportedManufacturer,
	})
	assert.Len(t, mgr.devices, 1)
}

func TestManager_HandlePayload_QueueInfoPopulatesCache(t *testing.T) {
	mem := store.NewMemStore()
	bus := newRecordingBus()
	mgr := New(mem, bus)

	mgr.handlePayload(`{"path":"/queue/info","type":"update","result":0,"message":"","params":{"zone":"main","data":{"current_track_index":1,"length":5}}}`)

	require.NotNil(t, mgr.cache.QueueInfo)
	assert.Equal(t, 1, mgr.cache.QueueInfo.Data.CurrentTrackIndex)
}

func TestManager_HandlePayload_ZonePositionAbsorbsMissingDataError(t *testing.T) {
	mem := store.NewMemStore()
	bus := newRecordingBus()
	mgr := New(mem, bus)

	mgr.handlePayload(`{"path":"/zone/play_state/position","type":"update","result":0,"message":"","params":null}`)
	assert.Nil(t, mgr.cache.ZonePlayStatePosition)
}

func TestManager_HandlePayload_UnrecognizedPathIsANoOp(t *testing.T) {
	mem := store.NewMemStore()
	bus := newRecordingBus()
	mgr := New(mem, bus)

	mgr.handlePayload(`{"path":"/not/a/real/path","type":"update","result":0,"message":"","params":{}}`)
	// No panic, no cache mutation; nothing further to assert.
}

func TestBackoffDelay_MatchesDocumentedSequence(t *testing.T) {
	cfg := parseConfig(nil)
	want := []time.Duration{
		0,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1500 * time.Millisecond,
		1500 * time.Millisecond,
	}
	for attempt, w := range want {
		assert.Equal(t, w, backoffDelay(cfg, attempt), "attempt %d", attempt)
	}
}
