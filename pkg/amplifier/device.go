// Package amplifier implements the AmplifierManager actor: discovery,
// bounded reconnect, and routing of user actions to a live
// AmplifierSession over the Hegel line-delimited TCP protocol.
package amplifier

import "fmt"

// Device is an amplifier discovered via UPnP SSDP, restricted to the
// Hegel manufacturer whitelist. Identity is UDN.
type Device struct {
	FriendlyName string
	Model        string
	ModelNumber  *string
	SerialNumber *string
	URL          string
	UDN          string
	Manufacturer string
}

// SupportedManufacturer is the only manufacturer amplifier discovery
// will accept.
const SupportedManufacturer = "Hegel"

func (d Device) String() string {
	return fmt.Sprintf("'%s' (%s) [%s]", d.FriendlyName, d.Model, d.UDN)
}
