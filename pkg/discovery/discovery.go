// Package discovery performs the UPnP SSDP scan shared by the streamer and
// amplifier managers: both are looking for the same search target
// (urn:schemas-upnp-org:device:MediaRenderer:1) and differ only in which
// manufacturer they keep.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huin/goupnp"
	log "github.com/sirupsen/logrus"
)

// MediaRendererSearchTarget is the SSDP search target used by both
// device classes handled by this core.
const MediaRendererSearchTarget = "urn:schemas-upnp-org:device:MediaRenderer:1"

// ScanTimeout bounds how long a single discovery cycle waits for SSDP
// responses.
const ScanTimeout = 3 * time.Second

// Device is the manufacturer-agnostic shape read off a MediaRenderer's
// device description. Callers filter on Manufacturer themselves.
type Device struct {
	FriendlyName string
	Model        string
	ModelNumber  *string
	SerialNumber *string
	URL          string
	UDN          string
	Manufacturer string
}

// Scan runs a single SSDP discovery cycle for MediaRenderer devices,
// deduplicates by UDN, and invokes onDevice for each newly seen one. The
// scan carries its own correlation id (for log correlation across a
// concurrent discovery cycle) and respects ctx cancellation.
func Scan(ctx context.Context, onDevice func(Device)) error {
	scanID := uuid.NewString()
	log.WithField("scan_id", scanID).Info("Performing UPnP discovery (MediaRenderer only)")

	ctx, cancel := context.WithTimeout(ctx, ScanTimeout)
	defer cancel()

	found, err := goupnp.DiscoverDevicesCtx(ctx, MediaRendererSearchTarget)
	if err != nil {
		return fmt.Errorf("UPnP discovery error: %w", err)
	}

	seen := make(map[string]struct{})
	count := 0

	for _, maybe := range found {
		if maybe.Err != nil {
			log.WithField("scan_id", scanID).WithError(maybe.Err).Warn("Skipping malformed UPnP device description")
			continue
		}
		if maybe.Root == nil {
			continue
		}

		dev := maybe.Root.Device
		if dev.UDN == "" {
			continue
		}
		if _, ok := seen[dev.UDN]; ok {
			continue
		}
		seen[dev.UDN] = struct{}{}
		count++

		d := Device{
			FriendlyName: dev.FriendlyName,
			Model:        dev.ModelName,
			URL:          maybe.Location.String(),
			UDN:          dev.UDN,
			Manufacturer: dev.Manufacturer,
		}
		if dev.ModelNumber != "" {
			d.ModelNumber = &dev.ModelNumber
		}
		if dev.SerialNumber != "" {
			d.SerialNumber = &dev.SerialNumber
		}

		onDevice(d)
	}

	log.WithField("scan_id", scanID).WithField("count", count).Info("UPnP discovery cycle complete")
	return nil
}
