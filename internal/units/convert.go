package units

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrNotNumeric is returned when a numeric preset receives a value that
// does not contain a usable number.
var ErrNotNumeric = errors.New("value is not numeric")

// Conversion factors between the protocol's source units and display
// units.
const (
	mphToMetersSec  = 0.44704
	mphToKmHour     = 1.609344
	metersSecToKmH  = 3.6
	metersSecToMph  = 2.23693629
	inchToMM        = 25.4
	inHgToHectopasc = 33.8638866667
)

// Options carries the per-definition knobs that adjust a conversion.
type Options struct {
	// Precision replaces the preset's default number of decimals.
	Precision *int

	// Unit replaces the display unit label. The value itself is not
	// rescaled.
	Unit string
}

// Value is a converted reading ready for publication.
type Value struct {
	// Text is the state payload: the rounded number formatted with the
	// effective precision, or the raw text for [PresetText].
	Text string

	// Unit is the display unit, empty for unitless readings.
	Unit string

	// Number is the rounded numeric value when Numeric is true.
	Number  float64
	Numeric bool
}

// Convert interprets raw in the preset's protocol unit and renders it in
// the display unit selected by s.
func Convert(p Preset, raw string, s Settings, opts Options) (Value, error) {
	if p == PresetText {
		return Value{Text: raw, Unit: opts.Unit}, nil
	}

	n, err := ParseNumber(raw)
	if err != nil {
		return Value{}, fmt.Errorf("%s: %w", p, err)
	}

	v, unit, precision := p.apply(n, s)
	if opts.Precision != nil && *opts.Precision >= 0 {
		precision = *opts.Precision
	}
	if opts.Unit != "" {
		unit = opts.Unit
	}

	text := strconv.FormatFloat(v, 'f', precision, 64)
	rounded, _ := strconv.ParseFloat(text, 64)
	if rounded == 0 {
		// Avoid publishing "-0.0" for small negative values.
		text = strconv.FormatFloat(0, 'f', precision, 64)
		rounded = 0
	}

	return Value{Text: text, Unit: unit, Number: rounded, Numeric: true}, nil
}

// apply converts n from the preset's source unit and returns the value,
// display unit and default precision.
func (p Preset) apply(n float64, s Settings) (float64, string, int) {
	switch p {
	case PresetFloat:
		return n, "", 1
	case PresetFloat3:
		return n, "", 3
	case PresetTemperatureF:
		if s.TemperatureUnit() == UnitCelsius {
			return (n - 32.0) * 5.0 / 9.0, UnitCelsius, 1
		}
		return n, UnitFahrenheit, 1
	case PresetTemperatureC:
		if s.TemperatureUnit() == UnitFahrenheit {
			return n*9.0/5.0 + 32.0, UnitFahrenheit, 1
		}
		return n, UnitCelsius, 1
	case PresetHumidity:
		return n, UnitPercent, 1
	case PresetWindMPH:
		switch unit := s.WindUnit(); unit {
		case UnitMetersSec:
			return n * mphToMetersSec, unit, 1
		case UnitKmHour:
			return n * mphToKmHour, unit, 1
		default:
			return n, UnitMilesHour, 1
		}
	case PresetWindMS:
		switch unit := s.WindUnit(); unit {
		case UnitKmHour:
			return n * metersSecToKmH, unit, 1
		case UnitMilesHour:
			return n * metersSecToMph, unit, 1
		default:
			return n, UnitMetersSec, 1
		}
	case PresetAngle:
		return n, UnitDegrees, 0
	case PresetUV:
		return n, "", 1
	case PresetSolarRadiation:
		return n, UnitIrradiance, 1
	case PresetVPD:
		return n, UnitKilopascal, 2
	case PresetRainIn:
		if s.RainUnit() == UnitMillimeters {
			return n * inchToMM, UnitMillimeters, 1
		}
		return n, UnitInches, 2
	case PresetRainMM:
		if s.RainUnit() == UnitInches {
			return n / inchToMM, UnitInches, 2
		}
		return n, UnitMillimeters, 1
	case PresetRainRateIn:
		if s.RainUnit() == UnitMillimeters {
			return n * inchToMM, UnitMMHour, 1
		}
		return n, UnitInHour, 2
	case PresetPressureInHg:
		if s.PressureUnit() == UnitHectopascal {
			return n * inHgToHectopasc, UnitHectopascal, 1
		}
		return n, UnitInHg, 1
	case PresetPressureHPa:
		if s.PressureUnit() == UnitInHg {
			return n / inHgToHectopasc, UnitInHg, 1
		}
		return n, UnitHectopascal, 1
	default:
		return n, "", 1
	}
}

var leadingNumber = regexp.MustCompile(`[-+]?\d+(\.\d+)?`)

// ParseNumber extracts a float from an upload value. It tolerates
// surrounding whitespace, a comma decimal separator and a trailing unit
// suffix such as "12.5 mph".
func ParseNumber(raw string) (float64, error) {
	text := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if text == "" {
		return 0, fmt.Errorf("%w: empty value", ErrNotNumeric)
	}

	f, err := strconv.ParseFloat(text, 64)
	if err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, raw)
		}
		return f, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("%w: %q out of range", ErrNotNumeric, raw)
	}

	if m := leadingNumber.FindString(text); m != "" {
		if f, err := strconv.ParseFloat(m, 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrNotNumeric, raw)
}
