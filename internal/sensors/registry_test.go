package sensors

import (
	"errors"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/nugget/ecowitt-bridge/internal/units"
)

func TestNewRegistry_BuiltinOnly(t *testing.T) {
	r, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry(nil) error: %v", err)
	}
	if r.Len() != len(Builtin()) {
		t.Errorf("Len() = %d, want %d", r.Len(), len(Builtin()))
	}

	d, ok := r.Resolve("tempf")
	if !ok {
		t.Fatal("Resolve(tempf) not found")
	}
	if d.Preset != units.PresetTemperatureF || d.Device.Kind != DeviceOutdoor {
		t.Errorf("tempf = %+v, want temperature_f on outdoor", d)
	}

	d, ok = r.Resolve("baromrelin")
	if !ok || d.Device.Kind != DeviceGateway {
		t.Errorf("baromrelin = %+v (found=%v), want gateway", d, ok)
	}

	if _, ok := r.Resolve("junkkey"); ok {
		t.Error("Resolve(junkkey) found, want absent")
	}
}

func TestNewRegistry_CustomOverridesBuiltin(t *testing.T) {
	r, err := NewRegistry([]CustomDefinition{
		{Key: "tempf", Name: "Garden Temperature", Device: "gateway", Convert: "float", Unit: "°F", Precision: &Precision{Value: 2}},
	})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}

	d, _ := r.Resolve("tempf")
	if d.Name != "Garden Temperature" {
		t.Errorf("Name = %q, want Garden Temperature", d.Name)
	}
	if d.Device.Kind != DeviceGateway {
		t.Errorf("Device = %v, want gateway", d.Device)
	}
	if d.Preset != units.PresetFloat {
		t.Errorf("Preset = %v, want float", d.Preset)
	}
	if d.Precision == nil || *d.Precision != 2 {
		t.Errorf("Precision = %v, want 2", d.Precision)
	}
	if r.Len() != len(Builtin()) {
		t.Errorf("override should not add a key: Len() = %d", r.Len())
	}

	// Catalog order is preserved for replaced keys.
	keys := r.Keys()
	builtin := Builtin()
	for i := range builtin {
		if keys[i] != builtin[i].Key {
			t.Fatalf("Keys()[%d] = %q, want %q", i, keys[i], builtin[i].Key)
		}
	}
}

func TestNewRegistry_CustomAddsKey(t *testing.T) {
	r, err := NewRegistry([]CustomDefinition{
		{Key: "pm25_ch1", Device: "hwid:b708", Convert: "float", Unit: "µg/m³"},
	})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	d, ok := r.Resolve("pm25_ch1")
	if !ok {
		t.Fatal("custom key not registered")
	}
	if d.Name != "pm25_ch1" {
		t.Errorf("Name defaults to key: got %q", d.Name)
	}
	if d.Device != (DeviceHint{Kind: DeviceHWID, HWID: "B708"}) {
		t.Errorf("Device = %+v, want hwid:B708", d.Device)
	}
	keys := r.Keys()
	if keys[len(keys)-1] != "pm25_ch1" {
		t.Errorf("custom key should be last, got %v", keys)
	}
}

func TestNewRegistry_DeviceHWIDField(t *testing.T) {
	r, err := NewRegistry([]CustomDefinition{{Key: "x", DeviceHWID: "c1d2"}})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	d, _ := r.Resolve("x")
	if d.Device.String() != "hwid:C1D2" {
		t.Errorf("Device = %s, want hwid:C1D2", d.Device)
	}
}

func TestNewRegistry_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		def  []CustomDefinition
	}{
		{"unknown preset", []CustomDefinition{{Key: "a", Convert: "kelvin"}}},
		{"bad device", []CustomDefinition{{Key: "a", Device: "indoor"}}},
		{"empty hwid", []CustomDefinition{{Key: "a", Device: "hwid:"}}},
		{"missing key", []CustomDefinition{{Name: "nameless"}}},
		{"negative precision", []CustomDefinition{{Key: "a", Precision: &Precision{Value: -1}}}},
		{"duplicate key", []CustomDefinition{{Key: "a"}, {Key: "a"}}},
		{"normalised collision", []CustomDefinition{{Key: "soil.1"}, {Key: "soil_1"}}},
		{"case collision with builtin", []CustomDefinition{{Key: "TempF"}}},
		{"no usable characters", []CustomDefinition{{Key: "..."}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.def)
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("NewRegistry error = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

func TestParseDeviceHint(t *testing.T) {
	tests := []struct {
		in   string
		want DeviceHint
	}{
		{"", DeviceHint{Kind: DeviceOutdoor}},
		{"outdoor", DeviceHint{Kind: DeviceOutdoor}},
		{"Gateway", DeviceHint{Kind: DeviceGateway}},
		{"hwid:B708", DeviceHint{Kind: DeviceHWID, HWID: "B708"}},
		{"HWID: b708 ", DeviceHint{Kind: DeviceHWID, HWID: "B708"}},
	}
	for _, tt := range tests {
		got, err := ParseDeviceHint(tt.in)
		if err != nil {
			t.Errorf("ParseDeviceHint(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDeviceHint(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseCustomJSON(t *testing.T) {
	defs, err := ParseCustomJSON(`[{"key":"lightning","name":"Lightning Distance","convert":"float","unit":"km","precision":"0","device":"hwid:C4E1"}]`)
	if err != nil {
		t.Fatalf("ParseCustomJSON error: %v", err)
	}
	if len(defs) != 1 || defs[0].Precision == nil || defs[0].Precision.Value != 0 {
		t.Fatalf("ParseCustomJSON = %+v", defs)
	}

	if defs, err := ParseCustomJSON("  "); err != nil || defs != nil {
		t.Errorf("blank input = %v, %v; want nil, nil", defs, err)
	}
	if _, err := ParseCustomJSON(`{"key":"not a list"}`); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("object input error = %v, want ErrInvalidDefinition", err)
	}
}

func TestCustomDefinition_YAML(t *testing.T) {
	src := `
- key: soilmoisture1
  name: Soil Moisture
  device: gateway
  convert: humidity
  precision: 1
`
	var defs []CustomDefinition
	if err := yaml.Unmarshal([]byte(src), &defs); err != nil {
		t.Fatalf("yaml.Unmarshal error: %v", err)
	}
	r, err := NewRegistry(defs)
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	d, ok := r.Resolve("soilmoisture1")
	if !ok || d.Preset != units.PresetHumidity || *d.Precision != 1 {
		t.Errorf("soilmoisture1 = %+v", d)
	}
}

func TestDefinition_EffectiveClasses(t *testing.T) {
	d := Definition{Preset: units.PresetPressureInHg}
	if d.EffectiveDeviceClass() != "pressure" || d.EffectiveStateClass() != "measurement" {
		t.Errorf("implied classes = %q/%q", d.EffectiveDeviceClass(), d.EffectiveStateClass())
	}

	d.Unit = "mbar"
	if d.EffectiveDeviceClass() != "" {
		t.Errorf("unit override should drop implied device class, got %q", d.EffectiveDeviceClass())
	}

	d.DeviceClass = "atmospheric_pressure"
	if d.EffectiveDeviceClass() != "atmospheric_pressure" {
		t.Errorf("explicit device class = %q", d.EffectiveDeviceClass())
	}
}
