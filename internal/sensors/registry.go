package sensors

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/ecowitt-bridge/internal/flatupload"
	"github.com/nugget/ecowitt-bridge/internal/units"
)

// CustomDefinition is one user-supplied sensor record as it appears in
// the configuration file (YAML) or in the JSON list format accepted by
// [ParseCustomJSON].
type CustomDefinition struct {
	Key            string     `yaml:"key" json:"key"`
	Name           string     `yaml:"name" json:"name"`
	Device         string     `yaml:"device" json:"device"`
	DeviceHWID     string     `yaml:"device_hwid" json:"device_hwid"`
	Convert        string     `yaml:"convert" json:"convert"`
	Unit           string     `yaml:"unit" json:"unit"`
	Precision      *Precision `yaml:"precision" json:"precision"`
	DeviceClass    string     `yaml:"device_class" json:"device_class"`
	StateClass     string     `yaml:"state_class" json:"state_class"`
	Icon           string     `yaml:"icon" json:"icon"`
	EntityCategory string     `yaml:"entity_category" json:"entity_category"`
}

// Precision is a decimal count that may be written as a number or a
// numeric string ("2") in configuration.
type Precision struct {
	Value int
}

// UnmarshalYAML implements [yaml.Unmarshaler].
func (p *Precision) UnmarshalYAML(node *yaml.Node) error {
	return p.set(node.Value)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (p *Precision) UnmarshalJSON(data []byte) error {
	return p.set(strings.Trim(string(data), `"`))
}

func (p *Precision) set(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%w: precision %q is not an integer", ErrInvalidDefinition, s)
	}
	p.Value = n
	return nil
}

// ParseCustomJSON decodes the JSON list format used by the original
// Home Assistant integration's options form. Blank input yields no
// definitions.
func ParseCustomJSON(text string) ([]CustomDefinition, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var defs []CustomDefinition
	if err := json.Unmarshal([]byte(text), &defs); err != nil {
		return nil, fmt.Errorf("%w: custom sensor JSON: %w", ErrInvalidDefinition, err)
	}
	return defs, nil
}

// Registry is the merged, read-only set of sensor definitions.
type Registry struct {
	defs  map[string]Definition
	order []string

	// slugs maps the normalised entity key to the upload key that owns
	// it. Entity ids are built from the normalised form, so two upload
	// keys must never share one.
	slugs map[string]string
}

// NewRegistry loads the built-in catalog and overlays custom. A custom
// entry whose key matches a built-in replaces it entirely. Any invalid
// custom entry fails the whole load, as does a custom key that
// normalises to the same entity key as a different key ("soil.1" and
// "soil_1").
func NewRegistry(custom []CustomDefinition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition), slugs: make(map[string]string)}
	for _, d := range Builtin() {
		r.put(d)
	}

	seen := make(map[string]bool, len(custom))
	for i, c := range custom {
		d, err := c.definition()
		if err != nil {
			return nil, fmt.Errorf("custom sensor #%d: %w", i+1, err)
		}
		if seen[d.Key] {
			return nil, fmt.Errorf("custom sensor #%d: %w: duplicate key %q", i+1, ErrInvalidDefinition, d.Key)
		}
		seen[d.Key] = true

		slug := flatupload.NormalizeIdentity(d.Key)
		if slug == "" {
			return nil, fmt.Errorf("custom sensor #%d: %w: key %q has no usable characters", i+1, ErrInvalidDefinition, d.Key)
		}
		if owner, taken := r.slugs[slug]; taken && owner != d.Key {
			return nil, fmt.Errorf("custom sensor #%d: %w: key %q collides with %q as entity key %q", i+1, ErrInvalidDefinition, d.Key, owner, slug)
		}
		r.put(d)
	}
	return r, nil
}

func (r *Registry) put(d Definition) {
	if _, exists := r.defs[d.Key]; !exists {
		r.order = append(r.order, d.Key)
	}
	r.defs[d.Key] = d
	r.slugs[flatupload.NormalizeIdentity(d.Key)] = d.Key
}

// Resolve returns the definition for an upload key.
func (r *Registry) Resolve(key string) (Definition, bool) {
	d, ok := r.defs[key]
	return d, ok
}

// Keys returns every registered key: built-ins in catalog order, then
// custom additions in configuration order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	return len(r.defs)
}

func (c CustomDefinition) definition() (Definition, error) {
	key := strings.TrimSpace(c.Key)
	if key == "" {
		return Definition{}, fmt.Errorf("%w: missing key", ErrInvalidDefinition)
	}

	hint, err := ParseDeviceHint(c.Device)
	if err != nil {
		return Definition{}, fmt.Errorf("sensor %q: %w", key, err)
	}
	if hwid := strings.TrimSpace(c.DeviceHWID); hwid != "" && hint.Kind != DeviceHWID {
		hint = DeviceHint{Kind: DeviceHWID, HWID: strings.ToUpper(hwid)}
	}

	preset, err := units.ParsePreset(c.Convert)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: sensor %q: %w", ErrInvalidDefinition, key, err)
	}

	d := Definition{
		Key:            key,
		Name:           strings.TrimSpace(c.Name),
		Device:         hint,
		Preset:         preset,
		Unit:           strings.TrimSpace(c.Unit),
		DeviceClass:    c.DeviceClass,
		StateClass:     c.StateClass,
		Icon:           c.Icon,
		EntityCategory: c.EntityCategory,
	}
	if d.Name == "" {
		d.Name = key
	}
	if c.Precision != nil {
		if c.Precision.Value < 0 || c.Precision.Value > 10 {
			return Definition{}, fmt.Errorf("%w: sensor %q: precision %d out of range 0-10", ErrInvalidDefinition, key, c.Precision.Value)
		}
		p := c.Precision.Value
		d.Precision = &p
	}
	return d, nil
}
