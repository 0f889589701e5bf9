// Package messaging defines the outbound UI event bus contract and the
// buffered application log that rides on it. The UI shell itself is an
// external collaborator; this package only describes the shape of what
// crosses the boundary.
package messaging

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Category names one of the message types the core emits to the UI. The
// full list mirrors spec.md's event bus section exactly so the shell can
// dispatch on a stable string key.
type Category string

const (
	CategoryAmplifierManagerState             Category = "AmplifierManagerState"
	CategoryAmplifierState                    Category = "AmplifierState"
	CategoryAppLog                            Category = "AppLog"
	CategoryDevices                           Category = "Devices"
	CategoryIsActivating                      Category = "IsActivating"
	CategoryIsDiscovering                     Category = "IsDiscovering"
	CategoryIsInitializingStreamerManager     Category = "IsInitializingStreamMagicManager"
	CategoryStreamerSystemInfo                Category = "StreamerSystemInfo"
	CategoryStreamerSystemPower               Category = "StreamerSystemPower"
	CategoryStreamerSystemSources             Category = "StreamerSystemSources"
	CategoryStreamerPresets                   Category = "StreamerPresets"
	CategoryStreamerQueueList                 Category = "StreamerQueueList"
	CategoryStreamerZoneNowPlaying            Category = "StreamerZoneNowPlaying"
	CategoryStreamerZonePlayState             Category = "StreamerZonePlayState"
	CategoryStreamerZonePlayStatePosition     Category = "StreamerZonePlayStatePosition"
	CategoryStreamerZonePosition              Category = "StreamerZonePosition"
	CategoryStreamerZoneState                 Category = "StreamerZoneState"
	CategoryStreamerManagerState              Category = "StreamMagicManagerState"
	CategoryStreamerManagerStatus             Category = "StreamMagicManagerStatus"
	CategoryWebSocketClientStatus             Category = "WebSocketClientStatus"
)

// EventBus is the outbound-only publish interface towards the UI shell.
// The core never reads from it; the shell forwards published messages on
// to the desktop UI.
type EventBus interface {
	Publish(category Category, payload any)
}

// AppLog is a single buffered log line destined for the UI's activity
// feed, distinct from the structured logrus output written to stderr.
type AppLog struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	When    int64  `json:"when"` // unix millis
}

// NewAppLog builds an AppLog from a logrus level and a formatted message.
func NewAppLog(level log.Level, message string) AppLog {
	return AppLog{
		Level:   level.String(),
		Message: message,
		When:    time.Now().UnixMilli(),
	}
}

// NopEventBus discards every published message. Useful as a default when
// no UI shell is attached (e.g. in tests or a headless daemon run).
type NopEventBus struct{}

func (NopEventBus) Publish(Category, any) {}
