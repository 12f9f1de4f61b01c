package units

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidUnit is returned when a unit system or override names a
// unit the bridge cannot produce.
var ErrInvalidUnit = errors.New("invalid display unit")

// Display unit labels, matching Home Assistant's unit constants.
const (
	UnitCelsius     = "°C"
	UnitFahrenheit  = "°F"
	UnitMetersSec   = "m/s"
	UnitKmHour      = "km/h"
	UnitMilesHour   = "mph"
	UnitMillimeters = "mm"
	UnitInches      = "in"
	UnitMMHour      = "mm/h"
	UnitInHour      = "in/h"
	UnitHectopascal = "hPa"
	UnitInHg        = "inHg"
	UnitPercent     = "%"
	UnitDegrees     = "°"
	UnitIrradiance  = "W/m²"
	UnitKilopascal  = "kPa"
)

// System is the display unit system used when no override is set for a
// measurement class.
type System int

const (
	Metric System = iota
	Imperial
)

// ParseSystem maps "metric" or "imperial" (case-insensitive, empty
// meaning metric) to a [System].
func ParseSystem(s string) (System, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "metric":
		return Metric, nil
	case "imperial", "us_customary":
		return Imperial, nil
	default:
		return Metric, fmt.Errorf("%w: unit system %q (valid: metric, imperial)", ErrInvalidUnit, s)
	}
}

func (s System) String() string {
	if s == Imperial {
		return "imperial"
	}
	return "metric"
}

// Overrides pins the display unit of a measurement class regardless of
// the unit system. Empty fields defer to the system.
type Overrides struct {
	Temperature string
	Wind        string
	Rain        string
	Pressure    string
}

// Settings is the display preference consulted by [Convert].
type Settings struct {
	System    System
	Overrides Overrides
}

// Validate reports the first override that does not name a supported
// display unit.
func (s Settings) Validate() error {
	checks := []struct {
		class string
		value string
		parse func(string) (string, bool)
	}{
		{"temperature", s.Overrides.Temperature, temperatureOverride},
		{"wind", s.Overrides.Wind, windOverride},
		{"rain", s.Overrides.Rain, rainOverride},
		{"pressure", s.Overrides.Pressure, pressureOverride},
	}
	for _, c := range checks {
		if strings.TrimSpace(c.value) == "" {
			continue
		}
		if _, ok := c.parse(c.value); !ok {
			return fmt.Errorf("%w: %s override %q", ErrInvalidUnit, c.class, c.value)
		}
	}
	return nil
}

// TemperatureUnit returns the display unit for temperatures.
func (s Settings) TemperatureUnit() string {
	if u, ok := temperatureOverride(s.Overrides.Temperature); ok {
		return u
	}
	if s.System == Imperial {
		return UnitFahrenheit
	}
	return UnitCelsius
}

// WindUnit returns the display unit for wind speeds.
func (s Settings) WindUnit() string {
	if u, ok := windOverride(s.Overrides.Wind); ok {
		return u
	}
	if s.System == Imperial {
		return UnitMilesHour
	}
	return UnitMetersSec
}

// RainUnit returns the display unit for rain amounts. Rain rates use the
// same length unit per hour.
func (s Settings) RainUnit() string {
	if u, ok := rainOverride(s.Overrides.Rain); ok {
		return u
	}
	if s.System == Imperial {
		return UnitInches
	}
	return UnitMillimeters
}

// PressureUnit returns the display unit for barometric pressure.
func (s Settings) PressureUnit() string {
	if u, ok := pressureOverride(s.Overrides.Pressure); ok {
		return u
	}
	if s.System == Imperial {
		return UnitInHg
	}
	return UnitHectopascal
}

func temperatureOverride(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "c", "°c", "celsius":
		return UnitCelsius, true
	case "f", "°f", "fahrenheit":
		return UnitFahrenheit, true
	}
	return "", false
}

func windOverride(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "m/s", "ms":
		return UnitMetersSec, true
	case "km/h", "kph", "kmh":
		return UnitKmHour, true
	case "mph":
		return UnitMilesHour, true
	}
	return "", false
}

func rainOverride(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "mm":
		return UnitMillimeters, true
	case "in", "inch", "inches":
		return UnitInches, true
	}
	return "", false
}

func pressureOverride(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "hpa", "mbar":
		return UnitHectopascal, true
	case "inhg":
		return UnitInHg, true
	}
	return "", false
}
