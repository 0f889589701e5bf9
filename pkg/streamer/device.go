package streamer

import (
	"fmt"
	"sort"
)

// Device is a streamer discovered via UPnP SSDP, restricted to the
// Cambridge Audio manufacturer whitelist. Identity is UDN.
type Device struct {
	FriendlyName string
	Model        string
	ModelNumber  *string
	SerialNumber *string
	URL          string
	UDN          string
	Manufacturer string

	// IsActivating and IsActive are transient flags owned exclusively by
	// the manager; they are never set by discovery itself.
	IsActivating bool
	IsActive     bool
}

// SupportedManufacturer is the only manufacturer streamer discovery will
// accept.
const SupportedManufacturer = "Cambridge Audio"

func (d Device) String() string {
	return fmt.Sprintf("'%s' (%s) [%s]", d.FriendlyName, d.Model, d.UDN)
}

// SortDevices sorts devices by friendly name and, for ties, by UDN.
func SortDevices(devices []Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].FriendlyName != devices[j].FriendlyName {
			return devices[i].FriendlyName < devices[j].FriendlyName
		}
		return devices[i].UDN < devices[j].UDN
	})
}
