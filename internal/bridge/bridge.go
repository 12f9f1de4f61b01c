// Package bridge turns decoded gateway uploads into Home Assistant MQTT
// discovery, state and availability messages.
//
// For every upload the bridge resolves each key against the sensor
// registry, converts the value, attributes it to a device and publishes:
// a retained discovery config the first time an entity is seen in the
// session (or whenever its config changes), the state value on every
// upload, and "online" on the availability topic of every device the
// gateway feeds. Uploads from one gateway are processed one at a time;
// different gateways proceed independently.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/ecowitt-bridge/internal/attribution"
	"github.com/nugget/ecowitt-bridge/internal/config"
	"github.com/nugget/ecowitt-bridge/internal/entitystore"
	"github.com/nugget/ecowitt-bridge/internal/flatupload"
	"github.com/nugget/ecowitt-bridge/internal/history"
	"github.com/nugget/ecowitt-bridge/internal/mqtt"
	"github.com/nugget/ecowitt-bridge/internal/sensors"
	"github.com/nugget/ecowitt-bridge/internal/units"
)

// ErrPublish wraps every failed outbound publish.
var ErrPublish = errors.New("mqtt publish failed")

// Publisher sends one MQTT message. [*mqtt.Client] implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// EntityLedger records announced entities. [*entitystore.Store]
// implements it.
type EntityLedger interface {
	Upsert(e entitystore.Entity) error
}

// Recorder stores converted readings. [*history.Sink] implements it.
type Recorder interface {
	Record(r history.Reading)
}

// Config wires a Bridge.
type Config struct {
	// Root is the upload topic root, e.g. "ecowitt".
	Root string

	DiscoveryPrefix string
	StatePrefix     string
	RetainState     bool

	// OfflineAfter is how long a gateway may stay silent before its
	// devices are marked offline.
	OfflineAfter time.Duration

	Registry  *sensors.Registry
	Units     units.Settings
	Resolver  *attribution.Resolver
	Publisher Publisher

	// Ledger and Recorder are optional.
	Ledger   EntityLedger
	Recorder Recorder

	Logger *slog.Logger

	// now is overridden in tests.
	now func() time.Time
}

// entityRecord is the per-session memory of one entity.
type entityRecord struct {
	deviceID string

	// discovery is the last successfully published config payload, nil
	// until the first publish succeeds.
	discovery []byte
	lastValue string
}

// gatewayState is owned by the gateway's mutex.
type gatewayState struct {
	mu       sync.Mutex
	id       string
	lastSeen time.Time
	online   bool
	station  map[string]string
	devices  map[string]bool
	entities map[string]*entityRecord
}

// Bridge is the upload-to-Home-Assistant pipeline. It is safe for
// concurrent use.
type Bridge struct {
	cfg Config

	mu       sync.Mutex
	gateways map[string]*gatewayState
}

// New creates a Bridge. Registry, Resolver and Publisher are required.
func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 300 * time.Second
	}
	return &Bridge{cfg: cfg, gateways: make(map[string]*gatewayState)}
}

func (b *Bridge) gateway(id string) *gatewayState {
	b.mu.Lock()
	defer b.mu.Unlock()
	gw, ok := b.gateways[id]
	if !ok {
		gw = &gatewayState{
			id:       id,
			station:  make(map[string]string),
			devices:  make(map[string]bool),
			entities: make(map[string]*entityRecord),
		}
		b.gateways[id] = gw
	}
	return gw
}

func (b *Bridge) snapshotGateways() []*gatewayState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*gatewayState, 0, len(b.gateways))
	for _, gw := range b.gateways {
		out = append(out, gw)
	}
	return out
}

// UniqueID returns the Home Assistant unique_id for key on gatewayID.
func UniqueID(gatewayID, key string) string {
	return "ecowitt_" + gatewayID + "_" + flatupload.NormalizeIdentity(key)
}

// reading is one key that survived resolution and conversion.
type reading struct {
	key    string
	def    sensors.Definition
	value  units.Value
	device attribution.Descriptor
	uid    string
}

// HandleMessage processes one upload. Parse failures drop the message
// and are returned. Unmapped keys and keys that fail conversion are
// skipped. Publish failures do not stop the remaining publishes; they
// are returned joined and wrapped in [ErrPublish].
func (b *Bridge) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	log := b.cfg.Logger
	msg, err := flatupload.Parse(b.cfg.Root, topic, payload)
	if err != nil {
		log.Warn("upload dropped", "topic", topic, "error", err)
		return err
	}
	for _, s := range msg.Skipped {
		log.Debug("upload pair skipped", "gateway", msg.GatewayID, "pair", s)
	}

	gw := b.gateway(msg.GatewayID)
	gw.mu.Lock()
	defer gw.mu.Unlock()

	for k, v := range msg.Station {
		gw.station[k] = v
	}

	readings := b.resolve(msg)
	now := b.cfg.now()

	var errs []error
	publish := func(topic string, payload []byte, retain bool) bool {
		if err := b.cfg.Publisher.Publish(ctx, topic, payload, retain); err != nil {
			errs = append(errs, err)
			return false
		}
		return true
	}

	// Discovery precedes availability and state so Home Assistant knows
	// the entity before its first value arrives.
	for _, r := range readings {
		rec, ok := gw.entities[r.uid]
		if !ok {
			rec = &entityRecord{}
			gw.entities[r.uid] = rec
		}
		if rec.deviceID != "" && rec.deviceID != r.device.DeviceID {
			log.Info("entity re-attributed",
				"unique_id", r.uid, "from", rec.deviceID, "to", r.device.DeviceID)
		}
		rec.deviceID = r.device.DeviceID
		gw.devices[r.device.DeviceID] = true

		cfgPayload, err := b.discoveryPayload(gw, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if string(cfgPayload) == string(rec.discovery) {
			continue
		}
		topic := mqtt.DiscoveryTopic(b.cfg.DiscoveryPrefix, r.uid)
		if publish(topic, cfgPayload, true) {
			first := rec.discovery == nil
			rec.discovery = cfgPayload
			log.Debug("discovery published", "unique_id", r.uid, "device", r.device.DeviceID, "first", first)
		}
	}

	for dev := range gw.devices {
		publish(mqtt.AvailabilityTopic(b.cfg.StatePrefix, dev), []byte("online"), true)
	}
	if !gw.online {
		log.Info("gateway online", "gateway", gw.id, "devices", len(gw.devices))
	}
	gw.online = true
	gw.lastSeen = now

	for _, r := range readings {
		stateTopic := mqtt.StateTopic(b.cfg.StatePrefix, r.device.DeviceID, flatupload.NormalizeIdentity(r.key))
		publish(stateTopic, []byte(r.value.Text), b.cfg.RetainState)
		gw.entities[r.uid].lastValue = r.value.Text

		if b.cfg.Ledger != nil {
			if err := b.cfg.Ledger.Upsert(entitystore.Entity{
				UniqueID:       r.uid,
				GatewayID:      gw.id,
				Key:            r.key,
				DeviceID:       r.device.DeviceID,
				DiscoveryTopic: mqtt.DiscoveryTopic(b.cfg.DiscoveryPrefix, r.uid),
				StateTopic:     stateTopic,
				LastValue:      r.value.Text,
				LastSeen:       now,
			}); err != nil {
				log.Warn("entity ledger update failed", "unique_id", r.uid, "error", err)
			}
		}
		if b.cfg.Recorder != nil {
			b.cfg.Recorder.Record(history.Reading{
				GatewayID: gw.id,
				DeviceID:  r.device.DeviceID,
				Key:       r.key,
				Value:     r.value,
				At:        now,
			})
		}
	}

	log.Log(ctx, config.LevelTrace, "upload processed",
		"gateway", gw.id,
		"fields", len(msg.Fields),
		"published", len(readings),
		"errors", len(errs),
	)

	if err := joinPublish(errs); err != nil {
		return fmt.Errorf("gateway %s: %w", gw.id, err)
	}
	return nil
}

func (b *Bridge) resolve(msg flatupload.Message) []reading {
	log := b.cfg.Logger
	out := make([]reading, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		def, ok := b.cfg.Registry.Resolve(f.Key)
		if !ok {
			log.Debug("unmapped key", "gateway", msg.GatewayID, "key", f.Key, "value", f.Value)
			continue
		}
		v, err := units.Convert(def.Preset, f.Value, b.cfg.Units, def.ConvertOptions())
		if err != nil {
			log.Debug("key skipped", "gateway", msg.GatewayID, "key", f.Key, "value", f.Value, "error", err)
			continue
		}
		dev, found := b.cfg.Resolver.Resolve(msg.GatewayID, def.Device)
		if !found {
			log.Debug("device not in lan map, using gateway",
				"gateway", msg.GatewayID, "key", f.Key, "device", def.Device.String())
		}
		out = append(out, reading{
			key:    f.Key,
			def:    def,
			value:  v,
			device: dev,
			uid:    UniqueID(msg.GatewayID, f.Key),
		})
	}
	return out
}
