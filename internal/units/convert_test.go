package units

import (
	"errors"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestConvert(t *testing.T) {
	metric := Settings{System: Metric}
	imperial := Settings{System: Imperial}

	tests := []struct {
		name     string
		preset   Preset
		raw      string
		settings Settings
		opts     Options
		wantText string
		wantUnit string
	}{
		{"float default precision", PresetFloat, "23.456", metric, Options{}, "23.5", ""},
		{"float explicit precision", PresetFloat, "23.456", metric, Options{Precision: intPtr(1)}, "23.5", ""},
		{"float with unit label", PresetFloat, "412", metric, Options{Unit: "ppm", Precision: intPtr(0)}, "412", "ppm"},
		{"float3", PresetFloat3, "1.23456", metric, Options{}, "1.235", ""},
		{"tempf to celsius", PresetTemperatureF, "68.5", metric, Options{}, "20.3", UnitCelsius},
		{"tempf stays fahrenheit", PresetTemperatureF, "68.5", imperial, Options{}, "68.5", UnitFahrenheit},
		{"tempc to fahrenheit", PresetTemperatureC, "20", imperial, Options{}, "68.0", UnitFahrenheit},
		{"tempf override wins over system", PresetTemperatureF, "32", Settings{System: Imperial, Overrides: Overrides{Temperature: "C"}}, Options{}, "0.0", UnitCelsius},
		{"humidity", PresetHumidity, "65", metric, Options{}, "65.0", UnitPercent},
		{"humidity keeps one decimal", PresetHumidity, "55.5", metric, Options{}, "55.5", UnitPercent},
		{"pressure inhg to hpa", PresetPressureInHg, "29.92", metric, Options{}, "1013.2", UnitHectopascal},
		{"pressure inhg override imperial", PresetPressureInHg, "29.92", Settings{System: Metric, Overrides: Overrides{Pressure: "inHg"}}, Options{}, "29.9", UnitInHg},
		{"pressure hpa to inhg", PresetPressureHPa, "1013.2", imperial, Options{}, "29.9", UnitInHg},
		{"wind mph to m/s", PresetWindMPH, "10", metric, Options{}, "4.5", UnitMetersSec},
		{"wind mph to km/h", PresetWindMPH, "10", Settings{Overrides: Overrides{Wind: "km/h"}}, Options{}, "16.1", UnitKmHour},
		{"wind mph imperial", PresetWindMPH, "10", imperial, Options{}, "10.0", UnitMilesHour},
		{"wind m/s to mph", PresetWindMS, "4.4704", imperial, Options{}, "10.0", UnitMilesHour},
		{"rain in to mm", PresetRainIn, "0.5", metric, Options{}, "12.7", UnitMillimeters},
		{"rain in imperial", PresetRainIn, "0.5", imperial, Options{}, "0.50", UnitInches},
		{"rain mm to in", PresetRainMM, "25.4", imperial, Options{}, "1.00", UnitInches},
		{"rain rate in to mm/h", PresetRainRateIn, "0.1", metric, Options{}, "2.5", UnitMMHour},
		{"angle", PresetAngle, "181.6", metric, Options{}, "182", UnitDegrees},
		{"vpd", PresetVPD, "0.1234", metric, Options{}, "0.12", UnitKilopascal},
		{"solar", PresetSolarRadiation, "512.34", metric, Options{}, "512.3", UnitIrradiance},
		{"uv unitless", PresetUV, "3", metric, Options{}, "3.0", ""},
		{"comma decimal", PresetFloat, "12,75", metric, Options{Precision: intPtr(2)}, "12.75", ""},
		{"trailing unit suffix", PresetWindMPH, "10 mph", imperial, Options{}, "10.0", UnitMilesHour},
		{"negative zero normalised", PresetFloat, "-0.01", metric, Options{}, "0.0", ""},
		{"text passthrough", PresetText, "GW2000A_V3.1.1", metric, Options{}, "GW2000A_V3.1.1", ""},
		{"text with unit", PresetText, "OK", metric, Options{Unit: "state"}, "OK", "state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(tt.preset, tt.raw, tt.settings, tt.opts)
			if err != nil {
				t.Fatalf("Convert(%s, %q) error: %v", tt.preset, tt.raw, err)
			}
			if got.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", got.Text, tt.wantText)
			}
			if got.Unit != tt.wantUnit {
				t.Errorf("Unit = %q, want %q", got.Unit, tt.wantUnit)
			}
		})
	}
}

func TestConvert_NotNumeric(t *testing.T) {
	for _, raw := range []string{"???", "", "   ", "n/a", "NaN", "inf", "1e400", "-1e400"} {
		_, err := Convert(PresetTemperatureF, raw, Settings{}, Options{})
		if !errors.Is(err, ErrNotNumeric) {
			t.Errorf("Convert(%q) error = %v, want ErrNotNumeric", raw, err)
		}
	}
}

func TestConvert_Deterministic(t *testing.T) {
	settings := Settings{System: Metric, Overrides: Overrides{Wind: "km/h"}}
	for p := PresetFloat; p <= PresetText; p++ {
		first, err1 := Convert(p, "17.3", settings, Options{})
		second, err2 := Convert(p, "17.3", settings, Options{})
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("%s: error mismatch %v vs %v", p, err1, err2)
		}
		if first != second {
			t.Errorf("%s: %+v != %+v", p, first, second)
		}
	}
}

func TestConvert_NumberMatchesText(t *testing.T) {
	v, err := Convert(PresetPressureInHg, "29.92", Settings{}, Options{})
	if err != nil {
		t.Fatalf("Convert error: %v", err)
	}
	if !v.Numeric || v.Number != 1013.2 {
		t.Errorf("Number = %v (numeric=%v), want 1013.2", v.Number, v.Numeric)
	}
}

func TestParsePreset(t *testing.T) {
	for _, name := range PresetNames() {
		p, err := ParsePreset(name)
		if err != nil {
			t.Errorf("ParsePreset(%q) error: %v", name, err)
			continue
		}
		if p.String() != name {
			t.Errorf("ParsePreset(%q).String() = %q", name, p.String())
		}
	}

	if p, err := ParsePreset(" Temperature_F "); err != nil || p != PresetTemperatureF {
		t.Errorf("ParsePreset case-insensitive = %v, %v", p, err)
	}
	if p, err := ParsePreset(""); err != nil || p != PresetFloat {
		t.Errorf("ParsePreset(\"\") = %v, %v; want float", p, err)
	}
	if _, err := ParsePreset("kelvin"); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("ParsePreset(kelvin) error = %v, want ErrUnknownPreset", err)
	}
}

func TestSettings_Validate(t *testing.T) {
	good := Settings{Overrides: Overrides{Temperature: "F", Wind: "kph", Rain: "in", Pressure: "hPa"}}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	bad := Settings{Overrides: Overrides{Pressure: "bar"}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidUnit) {
		t.Errorf("Validate() = %v, want ErrInvalidUnit", err)
	}
}

func TestParseSystem(t *testing.T) {
	if s, err := ParseSystem(""); err != nil || s != Metric {
		t.Errorf("ParseSystem(\"\") = %v, %v", s, err)
	}
	if s, err := ParseSystem("Imperial"); err != nil || s != Imperial {
		t.Errorf("ParseSystem(Imperial) = %v, %v", s, err)
	}
	if _, err := ParseSystem("nautical"); !errors.Is(err, ErrInvalidUnit) {
		t.Errorf("ParseSystem(nautical) error = %v", err)
	}
}
