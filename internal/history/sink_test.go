package history

import (
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nugget/ecowitt-bridge/internal/units"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
}

func tagValue(p *write.Point, key string) string {
	for _, tag := range p.TagList() {
		if tag.Key == key {
			return tag.Value
		}
	}
	return ""
}

func fieldValue(p *write.Point, key string) (any, bool) {
	for _, f := range p.FieldList() {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func TestRecord_Numeric(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(w, nil, nil)
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	s.Record(Reading{
		GatewayID: "gw1",
		DeviceID:  "ecowitt_gw1_outdoor",
		Key:       "tempf",
		Value:     units.Value{Text: "20.3", Unit: "°C", Number: 20.3, Numeric: true},
		At:        at,
	})

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	p := w.points[0]
	if p.Name() != Measurement {
		t.Errorf("measurement = %q", p.Name())
	}
	if tagValue(p, "gateway") != "gw1" || tagValue(p, "key") != "tempf" || tagValue(p, "unit") != "°C" {
		t.Errorf("tags = %+v", p.TagList())
	}
	if v, ok := fieldValue(p, "value"); !ok || v != 20.3 {
		t.Errorf("value field = %v, %v", v, ok)
	}
	if !p.Time().Equal(at) {
		t.Errorf("time = %v, want %v", p.Time(), at)
	}
}

func TestRecord_Text(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(w, nil, nil)
	s.Record(Reading{GatewayID: "gw1", Key: "wh65batt", Value: units.Value{Text: "OK"}})

	p := w.points[0]
	if v, ok := fieldValue(p, "text"); !ok || v != "OK" {
		t.Errorf("text field = %v, %v", v, ok)
	}
	if _, ok := fieldValue(p, "value"); ok {
		t.Error("text reading should not carry a value field")
	}
	if tagValue(p, "unit") != "" {
		t.Error("unit tag should be absent for unitless readings")
	}
}

func TestClose_Flushes(t *testing.T) {
	w := &fakeWriter{}
	closed := false
	s := newSink(w, func() { closed = true }, nil)
	s.Close()
	if w.flushed != 1 || !closed {
		t.Errorf("flushed=%d closed=%v", w.flushed, closed)
	}

	var nilSink *Sink
	nilSink.Record(Reading{})
	nilSink.Close()
}
