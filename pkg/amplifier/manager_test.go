package amplifier

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punytunes/punytunes-core/pkg/amplifier/ampsession"
	"github.com/punytunes/punytunes-core/pkg/discovery"
	"github.com/punytunes/punytunes-core/pkg/messaging"
)

type recordingBus struct {
	events []busEvent
}

type busEvent struct {
	Category messaging.Category
	Payload  any
}

func newRecordingBus() *recordingBus { return &recordingBus{} }

func (b *recordingBus) Publish(category messaging.Category, payload any) {
	b.events = append(b.events, busEvent{Category: category, Payload: payload})
}

// newAmpServer starts a raw TCP listener that replies to power requests
// with a fixed power-on frame, standing in for a Hegel amplifier.
func newAmpServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if strings.Contains(string(buf[:n]), ampsession.FormatRequest(ampsession.CodePower)) {
						c.Write([]byte("-p.1\r"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestManager_ProcessDiscoveredDeviceReachesHandling(t *testing.T) {
	addr := newAmpServer(t)
	host, portStr, ok := strings.Cut(addr, ":")
	require.True(t, ok)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	bus := newRecordingBus()
	mgr := New(bus)
	mgr.cfg.tcpPort = port // real amplifiers fix this at 50001; tests dial an ephemeral port.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	mgr.inbox <- processDiscoveredDeviceMsg{Device: discovery.Device{
		FriendlyName: "Living Room Amp",
		UDN:          "uuid:amp-test",
		URL:          "http://" + host + "/description.xml",
		Manufacturer: SupportedManufacturer,
	}}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, e := range bus.events {
			if e.Category == messaging.CategoryAmplifierManagerState {
				if st, ok := e.Payload.(ManagerState); ok && st.IsHandlingAmplifier {
					found = true
					break
				}
			}
		}
		if found {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for amplifier manager to report handling=true")
}

func TestManager_ProcessDiscoveredDeviceFiltersManufacturer(t *testing.T) {
	bus := newRecordingBus()
	mgr := New(bus)

	mgr.processDiscoveredDevice(context.Background(), discovery.Device{
		UDN:          "uuid:other",
		Manufacturer: "Some Other Vendor",
	})
	assert.Nil(t, mgr.managedDevice)
}

func TestManager_TestConnectionIgnoredWhenNotHandling(t *testing.T) {
	bus := newRecordingBus()
	mgr := New(bus)

	mgr.testConnection()
	assert.False(t, mgr.isTestingConnection)
}

func TestManager_SendActionIgnoredWithoutSession(t *testing.T) {
	bus := newRecordingBus()
	mgr := New(bus)

	// Must not panic even though no session is active.
	mgr.sendAction(Action{Kind: ampsession.ActionPowerToggle})
}

func TestManager_FreshManagerStateSnapshotIsZeroValue(t *testing.T) {
	bus := newRecordingBus()
	mgr := New(bus)

	mgr.emitManagerState()
	require.Len(t, bus.events, 1)

	got, ok := bus.events[0].Payload.(ManagerState)
	require.True(t, ok)

	want := ManagerState{State: ampsession.State{}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal("Got diff in fresh manager state snapshot:\n", diff)
	}
}

func TestHostOnly(t *testing.T) {
	cases := map[string]string{
		"http://192.168.1.5:8080/description.xml": "192.168.1.5",
		"192.168.1.5":                              "192.168.1.5",
		"192.168.1.5:50001":                        "192.168.1.5",
	}
	for in, want := range cases {
		assert.Equal(t, want, hostOnly(in), "input %q", in)
	}
}
