package units

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPreset is returned by [ParsePreset] for names outside the
// supported set.
var ErrUnknownPreset = errors.New("unknown conversion preset")

// Preset names the conversion applied to a raw reading. The set is
// closed: custom sensor definitions choose from these by name.
type Preset int

// Supported presets. The source unit of each is fixed by the upload
// protocol.
const (
	PresetFloat Preset = iota
	PresetFloat3
	PresetTemperatureF
	PresetTemperatureC
	PresetHumidity
	PresetWindMPH
	PresetWindMS
	PresetAngle
	PresetUV
	PresetSolarRadiation
	PresetVPD
	PresetRainIn
	PresetRainMM
	PresetRainRateIn
	PresetPressureInHg
	PresetPressureHPa
	PresetText
)

var presetNames = map[Preset]string{
	PresetFloat:          "float",
	PresetFloat3:         "float3",
	PresetTemperatureF:   "temperature_f",
	PresetTemperatureC:   "temperature_c",
	PresetHumidity:       "humidity",
	PresetWindMPH:        "wind_mph",
	PresetWindMS:         "wind_ms",
	PresetAngle:          "angle",
	PresetUV:             "uv",
	PresetSolarRadiation: "solarradiation",
	PresetVPD:            "vpd",
	PresetRainIn:         "rain_in",
	PresetRainMM:         "rain_mm",
	PresetRainRateIn:     "rain_rate_in",
	PresetPressureInHg:   "pressure_inhg",
	PresetPressureHPa:    "pressure_hpa",
	PresetText:           "text",
}

// String returns the configuration name of the preset.
func (p Preset) String() string {
	if name, ok := presetNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Preset(%d)", int(p))
}

// ParsePreset maps a configuration name to a [Preset]. Matching is
// case-insensitive; an empty name selects [PresetFloat].
func ParsePreset(name string) (Preset, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return PresetFloat, nil
	}
	for p, pn := range presetNames {
		if pn == n {
			return p, nil
		}
	}
	return PresetFloat, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
}

// PresetNames returns every supported preset name in declaration order.
func PresetNames() []string {
	names := make([]string, 0, len(presetNames))
	for p := PresetFloat; p <= PresetText; p++ {
		names = append(names, presetNames[p])
	}
	return names
}

// Numeric reports whether the preset parses its raw value as a number.
func (p Preset) Numeric() bool {
	return p != PresetText
}

// DeviceClass returns the Home Assistant sensor device class implied by
// the preset, or "" when none applies.
func (p Preset) DeviceClass() string {
	switch p {
	case PresetTemperatureF, PresetTemperatureC:
		return "temperature"
	case PresetHumidity:
		return "humidity"
	case PresetWindMPH, PresetWindMS:
		return "wind_speed"
	case PresetRainIn, PresetRainMM:
		return "precipitation"
	case PresetRainRateIn:
		return "precipitation_intensity"
	case PresetPressureInHg, PresetPressureHPa:
		return "pressure"
	case PresetSolarRadiation:
		return "irradiance"
	default:
		return ""
	}
}

// StateClass returns the default Home Assistant state class for the
// preset. Text readings have none.
func (p Preset) StateClass() string {
	switch p {
	case PresetText, PresetAngle:
		return ""
	default:
		return "measurement"
	}
}
