// Package lanmap reads the sensor list from an Ecowitt gateway's local
// HTTP API and keeps it available as an immutable snapshot for device
// attribution.
//
// The LAN API is a secondary source: the MQTT pipeline never waits on
// it. A [Poller] refreshes the [Cache] on a fixed interval; readers call
// [Cache.Load] and always see either the previous complete snapshot or
// the next one, never a partial update.
package lanmap

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// ErrFetch wraps every failure to obtain or decode the sensor list.
var ErrFetch = errors.New("lan sensor fetch failed")

// Sensor is one sensor head as reported by the gateway.
type Sensor struct {
	HardwareID string `json:"hardware_id"` // upper-case hex id, e.g. "B708"
	Model      string `json:"model"`       // image name upper-cased, e.g. "WH90"
	TypeID     string `json:"type_id"`     // numeric type id from the API
	Name       string `json:"name"`        // descriptive name from the API
	Outdoor    bool   `json:"outdoor"`     // idst == "1"
	Battery    string `json:"battery,omitempty"`
	RSSI       string `json:"rssi,omitempty"`

	// Signal is the 0-4 reception quality, nil when not reported.
	Signal *int `json:"signal,omitempty"`
}

// SensorSource provides the gateway's sensor list. [Client] implements
// it; tests substitute fakes.
type SensorSource interface {
	SensorsInfo(ctx context.Context) ([]Sensor, error)
	Ping(ctx context.Context) error
}

// Snapshot is an immutable view of the sensors known at one point in
// time. The zero value and a nil *Snapshot are both empty.
type Snapshot struct {
	sensors   map[string]Sensor
	fetchedAt time.Time
}

// NewSnapshot indexes sensors by hardware id. Later duplicates win.
func NewSnapshot(sensors []Sensor, fetchedAt time.Time) *Snapshot {
	m := make(map[string]Sensor, len(sensors))
	for _, s := range sensors {
		m[strings.ToUpper(s.HardwareID)] = s
	}
	return &Snapshot{sensors: m, fetchedAt: fetchedAt}
}

// Lookup returns the sensor with the given hardware id (case-insensitive).
func (s *Snapshot) Lookup(hwid string) (Sensor, bool) {
	if s == nil || hwid == "" {
		return Sensor{}, false
	}
	sensor, ok := s.sensors[strings.ToUpper(hwid)]
	return sensor, ok
}

// Len returns the number of sensors in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sensors)
}

// FetchedAt returns when the snapshot was taken; zero for the empty
// snapshot.
func (s *Snapshot) FetchedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.fetchedAt
}

// IDs returns the hardware ids in sorted order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.sensors))
	for id := range s.sensors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// outdoorPreference ranks integrated outdoor arrays ahead of other
// outdoor sensors.
var outdoorPreference = []string{"WH90", "WH69"}

// OutdoorHead picks the sensor that represents the gateway's main
// outdoor sensor head: a WH90, else a WH69, else any outdoor sensor.
// Ties are broken by hardware id so the choice is stable.
func (s *Snapshot) OutdoorHead() (Sensor, bool) {
	if s == nil {
		return Sensor{}, false
	}
	ids := s.IDs()
	for _, model := range outdoorPreference {
		for _, id := range ids {
			if sensor := s.sensors[id]; sensor.Outdoor && sensor.Model == model {
				return sensor, true
			}
		}
	}
	for _, id := range ids {
		if sensor := s.sensors[id]; sensor.Outdoor {
			return sensor, true
		}
	}
	return Sensor{}, false
}

// Cache holds the current snapshot behind an atomic pointer. It is safe
// for concurrent use; Store is only called by the poller.
type Cache struct {
	current atomic.Pointer[Snapshot]
}

var emptySnapshot = &Snapshot{}

// Load returns the current snapshot, never nil.
func (c *Cache) Load() *Snapshot {
	if c == nil {
		return emptySnapshot
	}
	if s := c.current.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// Store replaces the current snapshot.
func (c *Cache) Store(s *Snapshot) {
	c.current.Store(s)
}
