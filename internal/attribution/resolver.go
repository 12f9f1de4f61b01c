// Package attribution maps a sensor's declared device hint to the Home
// Assistant device its entity belongs to.
//
// Resolution never blocks and never performs I/O. The only external
// input is the most recent LAN sensor map, read through a
// [SnapshotSource]; when that map is missing or stale, resolution falls
// back to stable placeholder devices so that entities are still
// published.
package attribution

import (
	"strings"

	"github.com/nugget/ecowitt-bridge/internal/lanmap"
	"github.com/nugget/ecowitt-bridge/internal/sensors"
)

// Manufacturer is reported on every device.
const Manufacturer = "Ecowitt"

// Kind is the class of device an entity is attached to.
type Kind string

const (
	KindGateway Kind = "gateway"
	KindOutdoor Kind = "outdoor"
	KindSensor  Kind = "sensor"
)

// Descriptor identifies one logical Home Assistant device.
type Descriptor struct {
	// DeviceID is stable for a given gateway and hint; enrichment from
	// LAN metadata never changes it.
	DeviceID  string
	Kind      Kind
	GatewayID string

	// HardwareID is only known from LAN metadata.
	HardwareID   string
	Name         string
	Model        string
	Manufacturer string

	// SignalQuality is the 0-4 reception level, nil when unknown.
	SignalQuality *int

	// ViaDevice is the gateway's DeviceID for sensor heads, empty for the
	// gateway itself.
	ViaDevice string
}

// SnapshotSource yields the current LAN sensor map. [*lanmap.Cache]
// satisfies it.
type SnapshotSource interface {
	Load() *lanmap.Snapshot
}

// Resolver resolves device hints against the latest LAN snapshot.
type Resolver struct {
	snapshots SnapshotSource
}

// NewResolver creates a resolver. A nil source behaves as an empty map.
func NewResolver(src SnapshotSource) *Resolver {
	return &Resolver{snapshots: src}
}

func (r *Resolver) snapshot() *lanmap.Snapshot {
	if r == nil || r.snapshots == nil {
		return nil
	}
	return r.snapshots.Load()
}

// GatewayDeviceID returns the device id of the gateway itself.
func GatewayDeviceID(gatewayID string) string {
	return "ecowitt_" + gatewayID
}

// OutdoorDeviceID returns the device id of a gateway's outdoor head.
func OutdoorDeviceID(gatewayID string) string {
	return GatewayDeviceID(gatewayID) + "_outdoor"
}

// SensorDeviceID returns the device id of a hardware-pinned sensor.
func SensorDeviceID(gatewayID, hwid string) string {
	return GatewayDeviceID(gatewayID) + "_" + strings.ToLower(hwid)
}

// Gateway returns the gateway descriptor.
func (r *Resolver) Gateway(gatewayID string) Descriptor {
	return Descriptor{
		DeviceID:     GatewayDeviceID(gatewayID),
		Kind:         KindGateway,
		GatewayID:    gatewayID,
		Name:         "Ecowitt Gateway " + gatewayID,
		Model:        "Gateway",
		Manufacturer: Manufacturer,
	}
}

// Resolve returns the device for hint on gatewayID. The boolean is false
// when a hardware-pinned hint could not be found in the LAN map and the
// gateway device was substituted.
func (r *Resolver) Resolve(gatewayID string, hint sensors.DeviceHint) (Descriptor, bool) {
	switch hint.Kind {
	case sensors.DeviceGateway:
		return r.Gateway(gatewayID), true
	case sensors.DeviceHWID:
		s, ok := r.snapshot().Lookup(hint.HWID)
		if !ok {
			return r.Gateway(gatewayID), false
		}
		d := Descriptor{
			DeviceID:     SensorDeviceID(gatewayID, hint.HWID),
			Kind:         KindSensor,
			GatewayID:    gatewayID,
			Name:         "Ecowitt Sensor " + s.HardwareID,
			Model:        "Sensor",
			Manufacturer: Manufacturer,
			ViaDevice:    GatewayDeviceID(gatewayID),
		}
		enrich(&d, s)
		return d, true
	default:
		return r.outdoor(gatewayID), true
	}
}

func (r *Resolver) outdoor(gatewayID string) Descriptor {
	d := Descriptor{
		DeviceID:     OutdoorDeviceID(gatewayID),
		Kind:         KindOutdoor,
		GatewayID:    gatewayID,
		Name:         "Ecowitt Outdoor " + gatewayID,
		Model:        "Outdoor Sensor",
		Manufacturer: Manufacturer,
		ViaDevice:    GatewayDeviceID(gatewayID),
	}
	if s, ok := r.snapshot().OutdoorHead(); ok {
		enrich(&d, s)
	}
	return d
}

func enrich(d *Descriptor, s lanmap.Sensor) {
	d.HardwareID = s.HardwareID
	if s.Model != "" {
		d.Model = s.Model
		d.Name = "Ecowitt " + s.Model + " " + s.HardwareID
	}
	if s.Name != "" {
		d.Name = s.Name
	}
	if s.Signal != nil {
		v := *s.Signal
		d.SignalQuality = &v
	}
}
