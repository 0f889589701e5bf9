package streamer

import "encoding/json"

// Path names the logical wire path a streamer message was sent to or
// received from. The full set handled by the manager mirrors spec.md §6
// exactly.
type Path string

const (
	PathQueueInfo          Path = "/queue/info"
	PathQueueList          Path = "/queue/list"
	PathPresetsList        Path = "/presets/list"
	PathSystemInfo         Path = "/system/info"
	PathSystemPower        Path = "/system/power"
	PathSystemSources      Path = "/system/sources"
	PathZoneNowPlaying     Path = "/zone/now_playing"
	PathZonePlayState      Path = "/zone/play_state"
	PathZonePlayStatePosit Path = "/zone/play_state/position"
	PathZoneState          Path = "/zone/state"
	PathZonePlayControl    Path = "/zone/play_control"
	PathZoneRecallPreset   Path = "/zone/recall_preset"
)

// AllSubscribedPaths lists the paths subscribed to on a fresh connect, one
// update message each. play_control and recall_preset are excluded: they
// only ever acknowledge our own outbound commands.
var AllSubscribedPaths = []Path{
	PathQueueInfo,
	PathQueueList,
	PathPresetsList,
	PathSystemInfo,
	PathSystemPower,
	PathSystemSources,
	PathZoneNowPlaying,
	PathZonePlayState,
	PathZonePlayStatePosit,
	PathZoneState,
}

// Envelope is the inbound wire shape for every message received from the
// streamer: a two-phase deserializer first parses this envelope, then a
// path-specific decoder parses Params.
type Envelope struct {
	Path    Path            `json:"path"`
	Type    string          `json:"type"`
	Result  int             `json:"result"`
	Message string          `json:"message"`
	Params  json.RawMessage `json:"params"`
}

// command is the outbound wire shape: {"path":"...","params":{...}}.
type command struct {
	Path   Path `json:"path"`
	Params any  `json:"params"`
}

// MarshalCommand encodes an outbound command message for the given path.
func MarshalCommand(path Path, params any) ([]byte, error) {
	return json.Marshal(command{Path: path, Params: params})
}

// subscribeParams requests update notifications for a path.
type subscribeParams struct {
	Update int `json:"update"`
}

// SubscribeMessage builds the {"update":1} subscription request for path.
func SubscribeMessage(path Path) ([]byte, error) {
	return MarshalCommand(path, subscribeParams{Update: 1})
}

// RequestMessage builds a bare params-less request for path (e.g. to pull
// the full queue list).
func RequestMessage(path Path) ([]byte, error) {
	return MarshalCommand(path, struct{}{})
}

// WithZone wraps a zone-scoped payload with its owning zone tag. The core
// forwards the zone tag without interpreting it (no multi-zone topology
// reasoning is in scope).
type WithZone[T any] struct {
	Zone string `json:"zone"`
	Data T      `json:"data"`
}

// QueueInfoData carries the currently playing queue's summary info.
type QueueInfoData struct {
	CurrentTrackIndex int `json:"current_track_index"`
	Length            int `json:"length"`
}

// QueueTrack is a single entry in the queue list. PlayPostition preserves
// the upstream device's own misspelling verbatim (see spec.md §9).
type QueueTrack struct {
	Title        string `json:"title"`
	Artist       string `json:"artist"`
	Album        string `json:"album"`
	Duration     int    `json:"duration"`
	PlayPostition int   `json:"play_postition"`
}

// QueueListData carries the full ordered list of queued tracks.
type QueueListData struct {
	Tracks []QueueTrack `json:"tracks"`
}

// Preset is a single storable preset entry.
type Preset struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// PresetsData carries the full preset list.
type PresetsData struct {
	Presets []Preset `json:"presets"`
}

// SystemInfoData carries device identity information.
type SystemInfoData struct {
	ModelName string `json:"model_name"`
	UnitName  string `json:"unit_name"`
	Version   string `json:"version"`
}

// SystemPowerData carries the device's current power state.
type SystemPowerData struct {
	Power string `json:"power"` // "ON", "NETWORK", "STANDBY"
}

// Source is a single selectable input source.
type Source struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Default    bool   `json:"default"`
	Preferred  bool   `json:"preferred_order"`
}

// SystemSourcesData carries the device's available input sources.
type SystemSourcesData struct {
	Sources []Source `json:"sources"`
}

// ZoneNowPlayingData carries now-playing metadata for a zone.
type ZoneNowPlayingData struct {
	Source  string `json:"source"`
	Artist  string `json:"artist"`
	Album   string `json:"album"`
	Title   string `json:"title"`
	ArtURL  string `json:"art_url"`
}

// ZonePlayStateData carries transport play state for a zone.
type ZonePlayStateData struct {
	State string `json:"state"` // "play", "pause", "stop", "connecting", ...
	Mode  string `json:"mode"`
}

// ZonePlayStatePositionData carries playback position in milliseconds.
// Deserialization failures whose diagnostic text mentions a missing
// "data" field are expected (position is legitimately unavailable at
// times) and must not be logged as errors.
type ZonePlayStatePositionData struct {
	Position int `json:"position"`
}

// ZoneStateData carries the zone's power state.
type ZoneStateData struct {
	PowerOn bool `json:"power_on"`
}

// PayloadCache holds the most recently decoded payload per logical slot.
// A slot is populated only after a valid deserialized payload has been
// observed in the current session; the cache is never reset on
// disconnect so the UI can keep showing the last-known view.
type PayloadCache struct {
	QueueInfo             *WithZone[QueueInfoData]
	QueueList             *WithZone[QueueListData]
	Presets               *PresetsData
	SystemInfo            *SystemInfoData
	SystemPower           *SystemPowerData
	SystemSources         *SystemSourcesData
	ZoneNowPlaying        *WithZone[ZoneNowPlayingData]
	ZonePlayState         *WithZone[ZonePlayStateData]
	ZonePlayStatePosition *WithZone[ZonePlayStatePositionData]
	ZoneState             *WithZone[ZoneStateData]
}
