// Package sensors holds the catalog of known Ecowitt upload keys and
// merges it with user-supplied custom definitions.
//
// A [Registry] is built once per configuration load and is read-only
// afterwards, so it can be shared by the message handler without
// locking. Invalid custom definitions reject the whole registry:
// the bridge refuses to start rather than silently dropping a sensor the
// user asked for.
package sensors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/ecowitt-bridge/internal/units"
)

// ErrInvalidDefinition is returned when a custom sensor definition
// cannot be loaded.
var ErrInvalidDefinition = errors.New("invalid sensor definition")

// DeviceKind selects which logical device a sensor is attached to.
type DeviceKind string

const (
	DeviceGateway DeviceKind = "gateway"
	DeviceOutdoor DeviceKind = "outdoor"
	DeviceHWID    DeviceKind = "hwid"
)

// DeviceHint is the parsed form of a definition's device field.
// HWID is set (upper-cased) only for [DeviceHWID].
type DeviceHint struct {
	Kind DeviceKind
	HWID string
}

// String renders the hint in configuration syntax.
func (h DeviceHint) String() string {
	if h.Kind == DeviceHWID {
		return "hwid:" + h.HWID
	}
	return string(h.Kind)
}

// ParseDeviceHint accepts "gateway", "outdoor" or "hwid:<id>". An empty
// value means outdoor, matching the built-in default for sensor-head
// readings.
func ParseDeviceHint(s string) (DeviceHint, error) {
	v := strings.TrimSpace(s)
	lower := strings.ToLower(v)
	switch {
	case lower == "" || lower == string(DeviceOutdoor):
		return DeviceHint{Kind: DeviceOutdoor}, nil
	case lower == string(DeviceGateway):
		return DeviceHint{Kind: DeviceGateway}, nil
	case strings.HasPrefix(lower, "hwid:"):
		id := strings.ToUpper(strings.TrimSpace(v[len("hwid:"):]))
		if id == "" {
			return DeviceHint{}, fmt.Errorf("%w: device %q has an empty hardware id", ErrInvalidDefinition, s)
		}
		return DeviceHint{Kind: DeviceHWID, HWID: id}, nil
	default:
		return DeviceHint{}, fmt.Errorf("%w: device %q (valid: gateway, outdoor, hwid:<id>)", ErrInvalidDefinition, s)
	}
}

// Definition describes how one upload key becomes a Home Assistant
// sensor entity.
type Definition struct {
	Key    string
	Name   string
	Device DeviceHint
	Preset units.Preset

	// Unit replaces the preset's display unit label when set.
	Unit string

	// Precision replaces the preset's default decimals when non-nil.
	Precision *int

	DeviceClass    string
	StateClass     string
	Icon           string
	EntityCategory string
}

// ConvertOptions returns the per-definition conversion options.
func (d Definition) ConvertOptions() units.Options {
	return units.Options{Precision: d.Precision, Unit: d.Unit}
}

// EffectiveDeviceClass returns the explicit device class or the one
// implied by the preset. A unit override that no longer matches the
// preset's measurement class drops the implied class so Home Assistant
// does not reject the entity.
func (d Definition) EffectiveDeviceClass() string {
	if d.DeviceClass != "" {
		return d.DeviceClass
	}
	if d.Unit != "" {
		return ""
	}
	return d.Preset.DeviceClass()
}

// EffectiveStateClass returns the explicit state class or the preset
// default.
func (d Definition) EffectiveStateClass() string {
	if d.StateClass != "" {
		return d.StateClass
	}
	return d.Preset.StateClass()
}
