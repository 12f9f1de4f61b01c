package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/ecowitt-bridge/internal/attribution"
	"github.com/nugget/ecowitt-bridge/internal/entitystore"
	"github.com/nugget/ecowitt-bridge/internal/history"
	"github.com/nugget/ecowitt-bridge/internal/lanmap"
	"github.com/nugget/ecowitt-bridge/internal/mqtt"
	"github.com/nugget/ecowitt-bridge/internal/sensors"
	"github.com/nugget/ecowitt-bridge/internal/units"
)

type published struct {
	topic   string
	payload string
	retain  bool
}

type fakePublisher struct {
	mu     sync.Mutex
	msgs   []published
	failOn string
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(topic, f.failOn) {
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, published{topic: topic, payload: string(payload), retain: retain})
	return nil
}

func (f *fakePublisher) setFailOn(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = s
}

func (f *fakePublisher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
}

func (f *fakePublisher) matching(substr string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.msgs {
		if strings.Contains(m.topic, substr) {
			out = append(out, m)
		}
	}
	return out
}

type fakeLedger struct {
	mu       sync.Mutex
	entities map[string]entitystore.Entity
}

func (f *fakeLedger) Upsert(e entitystore.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entities == nil {
		f.entities = make(map[string]entitystore.Entity)
	}
	f.entities[e.UniqueID] = e
	return nil
}

type fakeRecorder struct {
	readings []history.Reading
}

func (f *fakeRecorder) Record(r history.Reading) { f.readings = append(f.readings, r) }

type harness struct {
	bridge *Bridge
	pub    *fakePublisher
	cache  *lanmap.Cache
	logs   bytes.Buffer
	now    time.Time
}

// logLine returns the first log line containing every substring.
func (h *harness) logLine(substrs ...string) (string, bool) {
	for _, line := range strings.Split(h.logs.String(), "\n") {
		match := true
		for _, s := range substrs {
			if !strings.Contains(line, s) {
				match = false
				break
			}
		}
		if match && line != "" {
			return line, true
		}
	}
	return "", false
}

func newHarness(t *testing.T, custom ...sensors.CustomDefinition) *harness {
	t.Helper()
	reg, err := sensors.NewRegistry(custom)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h := &harness{
		pub:   &fakePublisher{},
		cache: &lanmap.Cache{},
		now:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.bridge = New(Config{
		Root:            "ecowitt",
		DiscoveryPrefix: "homeassistant",
		StatePrefix:     "ecowitt_ha",
		RetainState:     true,
		OfflineAfter:    300 * time.Second,
		Registry:        reg,
		Units:           units.Settings{System: units.Metric},
		Resolver:        attribution.NewResolver(h.cache),
		Publisher:       h.pub,
		Logger:          slog.New(slog.NewTextHandler(&h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		now:             func() time.Time { return h.now },
	})
	return h
}

func (h *harness) handle(t *testing.T, body string) {
	t.Helper()
	if err := h.bridge.HandleMessage(context.Background(), "ecowitt/gw1", []byte(body)); err != nil {
		t.Fatalf("HandleMessage(%q): %v", body, err)
	}
}

func TestHandleMessage_DiscoveryOnceStateEveryTime(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "tempf=68.5")
	h.handle(t, "tempf=69.1")

	disc := h.pub.matching("homeassistant/sensor/ecowitt_gw1_tempf/config")
	if len(disc) != 1 {
		t.Fatalf("discovery published %d times, want 1", len(disc))
	}
	if !disc[0].retain {
		t.Error("discovery must be retained")
	}

	states := h.pub.matching("ecowitt_ha/ecowitt_gw1_outdoor/tempf/state")
	if len(states) != 2 {
		t.Fatalf("state published %d times, want 2", len(states))
	}
	if states[0].payload != "20.3" || states[1].payload != "20.6" {
		t.Errorf("state payloads = %q, %q", states[0].payload, states[1].payload)
	}
}

func TestHandleMessage_DiscoveryPayload(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "tempf=68.5&model=GW2000A&stationtype=GW2000A_V3.1.4")

	disc := h.pub.matching("/config")
	if len(disc) != 1 {
		t.Fatalf("discovery messages = %d", len(disc))
	}
	var cfg mqtt.SensorConfig
	if err := json.Unmarshal([]byte(disc[0].payload), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.UniqueID != "ecowitt_gw1_tempf" || cfg.Name != "Outdoor Temperature" {
		t.Errorf("unique_id/name = %q/%q", cfg.UniqueID, cfg.Name)
	}
	if cfg.UnitOfMeasurement != "°C" || cfg.DeviceClass != "temperature" || cfg.StateClass != "measurement" {
		t.Errorf("unit/class = %q/%q/%q", cfg.UnitOfMeasurement, cfg.DeviceClass, cfg.StateClass)
	}
	if cfg.AvailabilityTopic != "ecowitt_ha/ecowitt_gw1_outdoor/availability" {
		t.Errorf("availability_topic = %q", cfg.AvailabilityTopic)
	}
	if cfg.Device.ViaDevice != "ecowitt_gw1" || cfg.Device.Identifiers[0] != "ecowitt_gw1_outdoor" {
		t.Errorf("device = %+v", cfg.Device)
	}
}

func TestHandleMessage_GatewayDeviceUsesStationMetadata(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "tempinf=70&model=GW2000A&stationtype=GW2000A_V3.1.4")

	disc := h.pub.matching("ecowitt_gw1_tempinf/config")
	var cfg mqtt.SensorConfig
	json.Unmarshal([]byte(disc[0].payload), &cfg)
	if cfg.Device.Model != "GW2000A" || cfg.Device.SWVersion != "GW2000A_V3.1.4" {
		t.Errorf("gateway device = %+v", cfg.Device)
	}
	if cfg.Device.ViaDevice != "" {
		t.Errorf("gateway device should have no via_device, got %q", cfg.Device.ViaDevice)
	}
}

func TestHandleMessage_HWIDFallbackStillPublishes(t *testing.T) {
	h := newHarness(t, sensors.CustomDefinition{
		Key: "soilmoisture1", Name: "Soil", Device: "hwid:B708", Convert: "humidity",
	})
	h.handle(t, "soilmoisture1=41")

	if n := len(h.pub.matching("ecowitt_gw1_soilmoisture1/config")); n != 1 {
		t.Errorf("discovery count = %d, want 1", n)
	}
	if n := len(h.pub.matching("ecowitt_ha/ecowitt_gw1/soilmoisture1/state")); n != 1 {
		t.Errorf("state on gateway device = %d, want 1", n)
	}
}

func TestHandleMessage_BadKeyDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, sensors.CustomDefinition{Key: "junkkey", Convert: "float"})
	h.handle(t, "tempf=68.5&junkkey=%3F%3F%3F&notmapped=1")

	if n := len(h.pub.matching("tempf/state")); n != 1 {
		t.Errorf("tempf state count = %d, want 1", n)
	}
	if n := len(h.pub.matching("junkkey")); n != 0 {
		t.Errorf("junkkey produced %d messages", n)
	}
	if n := len(h.pub.matching("notmapped")); n != 0 {
		t.Errorf("unmapped key produced %d messages", n)
	}

	if _, ok := h.logLine(`msg="key skipped"`, "key=junkkey"); !ok {
		t.Errorf("no skip logged for junkkey:\n%s", h.logs.String())
	}
	if _, ok := h.logLine(`msg="unmapped key"`, "key=notmapped"); !ok {
		t.Errorf("no debug record for unmapped key:\n%s", h.logs.String())
	}
	if _, ok := h.logLine("key=tempf", "skipped"); ok {
		t.Error("tempf must not be logged as skipped")
	}
}

func TestHandleMessage_CustomOverridesBuiltin(t *testing.T) {
	h := newHarness(t, sensors.CustomDefinition{
		Key: "tempf", Name: "Pool Temperature", Device: "gateway", Convert: "temperature_f",
		Precision: &sensors.Precision{Value: 2},
	})
	h.handle(t, "tempf=68.5")

	disc := h.pub.matching("ecowitt_gw1_tempf/config")
	if len(disc) != 1 || !strings.Contains(disc[0].payload, `"name":"Pool Temperature"`) {
		t.Fatalf("discovery = %+v", disc)
	}
	states := h.pub.matching("ecowitt_ha/ecowitt_gw1/tempf/state")
	if len(states) != 1 || states[0].payload != "20.28" {
		t.Errorf("states = %+v", states)
	}
}

func TestHandleMessage_RepublishOnEnrichment(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "tempf=68.5")

	h.cache.Store(lanmap.NewSnapshot([]lanmap.Sensor{
		{HardwareID: "B708", Model: "WH90", Outdoor: true},
	}, h.now))
	h.handle(t, "tempf=68.6")
	h.handle(t, "tempf=68.7")

	disc := h.pub.matching("ecowitt_gw1_tempf/config")
	if len(disc) != 2 {
		t.Fatalf("discovery count = %d, want 2 (initial + enrichment)", len(disc))
	}
	if !strings.Contains(disc[1].payload, `"model":"WH90"`) {
		t.Errorf("enriched discovery missing model: %s", disc[1].payload)
	}
	if n := len(h.pub.matching("ecowitt_gw1_outdoor/tempf/state")); n != 3 {
		t.Errorf("state count = %d, want 3 on unchanged topic", n)
	}
}

func TestHandleMessage_PollerFailureIsolation(t *testing.T) {
	h := newHarness(t)
	snap := lanmap.NewSnapshot([]lanmap.Sensor{{HardwareID: "B708", Model: "WH90", Outdoor: true}}, h.now)
	h.cache.Store(snap)
	h.handle(t, "tempf=68.5")

	// A failing poller never touches the cache, so processing is unchanged.
	h.handle(t, "tempf=68.6")
	if h.cache.Load() != snap {
		t.Fatal("cache changed")
	}
	if n := len(h.pub.matching("ecowitt_gw1_tempf/config")); n != 1 {
		t.Errorf("discovery count = %d, want 1", n)
	}
	if n := len(h.pub.matching("tempf/state")); n != 2 {
		t.Errorf("state count = %d, want 2", n)
	}
}

func TestHandleMessage_AvailabilityOnline(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "tempf=68.5&tempinf=70")

	for _, dev := range []string{"ecowitt_gw1", "ecowitt_gw1_outdoor"} {
		msgs := h.pub.matching("ecowitt_ha/" + dev + "/availability")
		if len(msgs) != 1 || msgs[0].payload != "online" || !msgs[0].retain {
			t.Errorf("%s availability = %+v", dev, msgs)
		}
	}
}

func TestHandleMessage_PublishOrder(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "tempf=68.5")

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	if len(h.pub.msgs) != 3 {
		t.Fatalf("messages = %+v", h.pub.msgs)
	}
	for i, suffix := range []string{"/config", "/availability", "/state"} {
		if !strings.HasSuffix(h.pub.msgs[i].topic, suffix) {
			t.Errorf("message %d topic = %q, want suffix %s", i, h.pub.msgs[i].topic, suffix)
		}
	}
}

func TestHandleMessage_FailedDiscoveryRetried(t *testing.T) {
	h := newHarness(t)
	h.pub.setFailOn("/config")

	err := h.bridge.HandleMessage(context.Background(), "ecowitt/gw1", []byte("tempf=68.5"))
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("error = %v, want ErrPublish", err)
	}
	if n := len(h.pub.matching("tempf/state")); n != 1 {
		t.Errorf("state still expected after discovery failure, got %d", n)
	}

	h.pub.setFailOn("")
	h.handle(t, "tempf=68.5")
	if n := len(h.pub.matching("/config")); n != 1 {
		t.Errorf("discovery not retried: %d", n)
	}
}

func TestHandleMessage_ParseErrors(t *testing.T) {
	h := newHarness(t)
	if err := h.bridge.HandleMessage(context.Background(), "other/gw1", []byte("tempf=1")); err == nil {
		t.Error("expected topic mismatch")
	}
	if err := h.bridge.HandleMessage(context.Background(), "ecowitt/gw1", nil); err == nil {
		t.Error("expected malformed payload")
	}
	if len(h.pub.msgs) != 0 {
		t.Errorf("parse failures published %d messages", len(h.pub.msgs))
	}
}

func TestHandleMessage_LedgerAndRecorder(t *testing.T) {
	h := newHarness(t)
	ledger := &fakeLedger{}
	rec := &fakeRecorder{}
	h.bridge.cfg.Ledger = ledger
	h.bridge.cfg.Recorder = rec

	h.handle(t, "tempf=68.5&winddir=270")

	e, ok := ledger.entities["ecowitt_gw1_tempf"]
	if !ok {
		t.Fatal("tempf not in ledger")
	}
	if e.DiscoveryTopic != "homeassistant/sensor/ecowitt_gw1_tempf/config" || e.LastValue != "20.3" {
		t.Errorf("ledger entity = %+v", e)
	}
	if len(rec.readings) != 2 {
		t.Errorf("recorded %d readings, want 2", len(rec.readings))
	}
}

func TestSupervise_OfflineAfterSilence(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "tempf=68.5")
	h.pub.reset()

	h.now = h.now.Add(299 * time.Second)
	if err := h.bridge.checkOffline(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(h.pub.matching("availability")); n != 0 {
		t.Fatalf("offline published too early: %d", n)
	}

	h.now = h.now.Add(2 * time.Second)
	h.bridge.checkOffline(context.Background())
	msgs := h.pub.matching("ecowitt_gw1_outdoor/availability")
	if len(msgs) != 1 || msgs[0].payload != "offline" {
		t.Fatalf("availability = %+v", msgs)
	}

	// Offline is published once, not on every check.
	h.bridge.checkOffline(context.Background())
	if n := len(h.pub.matching("availability")); n != 1 {
		t.Errorf("offline published %d times", n)
	}

	h.handle(t, "tempf=68.5")
	msgs = h.pub.matching("ecowitt_gw1_outdoor/availability")
	if msgs[len(msgs)-1].payload != "online" {
		t.Error("gateway did not come back online")
	}
}

func TestResync(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "tempf=68.5")
	h.pub.reset()

	if err := h.bridge.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if msgs := h.pub.matching("availability"); len(msgs) != 1 || msgs[0].payload != "online" {
		t.Errorf("resync availability = %+v", msgs)
	}

	h.handle(t, "tempf=68.5")
	if n := len(h.pub.matching("/config")); n != 0 {
		t.Errorf("unchanged discovery republished after resync: %d", n)
	}
	if n := len(h.pub.matching("tempf/state")); n != 1 {
		t.Errorf("state after resync = %d, want 1", n)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "tempf=68.5&tempinf=70")
	h.pub.reset()

	if err := h.bridge.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := h.pub.matching("availability")
	if len(msgs) != 2 {
		t.Fatalf("shutdown availability = %+v", msgs)
	}
	for _, m := range msgs {
		if m.payload != "offline" {
			t.Errorf("%s = %q", m.topic, m.payload)
		}
	}

	h.pub.setFailOn("availability")
	if err := h.bridge.Shutdown(context.Background()); !errors.Is(err, ErrPublish) {
		t.Errorf("Shutdown error = %v, want ErrPublish", err)
	}
}

func TestHandleMessage_GatewaysIndependent(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for _, gw := range []string{"gw1", "gw2", "gw3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				h.bridge.HandleMessage(context.Background(), "ecowitt/"+gw, []byte("tempf=68.5"))
			}
		}()
	}
	wg.Wait()

	for _, gw := range []string{"gw1", "gw2", "gw3"} {
		if n := len(h.pub.matching("ecowitt_" + gw + "_tempf/config")); n != 1 {
			t.Errorf("%s discovery count = %d, want 1", gw, n)
		}
		if n := len(h.pub.matching("ecowitt_" + gw + "_outdoor/tempf/state")); n != 20 {
			t.Errorf("%s state count = %d, want 20", gw, n)
		}
	}
}
