package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/nugget/ecowitt-bridge/internal/attribution"
	"github.com/nugget/ecowitt-bridge/internal/flatupload"
	"github.com/nugget/ecowitt-bridge/internal/mqtt"
)

// deviceInfo builds the device block. The gateway device reports the
// model and firmware from the upload's station metadata when present.
func deviceInfo(d attribution.Descriptor, station map[string]string) mqtt.DeviceInfo {
	model := d.Model
	sw := ""
	if d.Kind == attribution.KindGateway {
		if m := station["model"]; m != "" {
			model = m
		}
		sw = station["stationtype"]
	}
	info := mqtt.NewDeviceInfo(d.DeviceID, d.Name, d.Manufacturer, model, sw)
	info.ViaDevice = d.ViaDevice
	return info
}

func (b *Bridge) discoveryPayload(gw *gatewayState, r reading) ([]byte, error) {
	cfg := mqtt.SensorConfig{
		Name:              r.def.Name,
		UniqueID:          r.uid,
		ObjectID:          r.uid,
		StateTopic:        mqtt.StateTopic(b.cfg.StatePrefix, r.device.DeviceID, flatupload.NormalizeIdentity(r.key)),
		AvailabilityTopic: mqtt.AvailabilityTopic(b.cfg.StatePrefix, r.device.DeviceID),
		Device:            deviceInfo(r.device, gw.station),
		Icon:              r.def.Icon,
		UnitOfMeasurement: r.value.Unit,
		DeviceClass:       r.def.EffectiveDeviceClass(),
		StateClass:        r.def.EffectiveStateClass(),
		EntityCategory:    r.def.EntityCategory,
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery for %s: %w", r.uid, err)
	}
	return payload, nil
}
