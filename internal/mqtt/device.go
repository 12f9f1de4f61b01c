package mqtt

import "github.com/nugget/ecowitt-bridge/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields embedded in
// a discovery payload. Entities that share Identifiers are grouped on
// one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published retained to
// <discovery_prefix>/sensor/<unique_id>/config.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	ObjectID          string     `json:"object_id,omitempty"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo with a single identifier. The
// software version defaults to the bridge version when swVersion is
// empty.
func NewDeviceInfo(id, name, manufacturer, model, swVersion string) DeviceInfo {
	if swVersion == "" {
		swVersion = buildinfo.Version
	}
	return DeviceInfo{
		Identifiers:  []string{id},
		Name:         name,
		Manufacturer: manufacturer,
		Model:        model,
		SWVersion:    swVersion,
	}
}

// DiscoveryTopic returns the retained config topic for a sensor entity.
func DiscoveryTopic(prefix, uniqueID string) string {
	return prefix + "/sensor/" + uniqueID + "/config"
}

// StateTopic returns the state topic for one key on one device.
func StateTopic(prefix, deviceID, key string) string {
	return prefix + "/" + deviceID + "/" + key + "/state"
}

// AvailabilityTopic returns the availability topic of a device.
func AvailabilityTopic(prefix, deviceID string) string {
	return prefix + "/" + deviceID + "/availability"
}
