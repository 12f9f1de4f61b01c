// Package history writes converted readings to InfluxDB. It is optional
// and write-behind: points are batched by the client library and never
// block the MQTT message path.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nugget/ecowitt-bridge/internal/config"
	"github.com/nugget/ecowitt-bridge/internal/units"
)

// Measurement is the InfluxDB measurement every reading is written to.
const Measurement = "ecowitt"

const (
	connectTimeout = 10 * time.Second
	batchSize      = 100
	flushMillis    = 10_000
)

// ErrUnavailable is returned when the InfluxDB server cannot be reached
// at startup.
var ErrUnavailable = errors.New("influxdb unavailable")

// pointWriter is the subset of the InfluxDB non-blocking write API the
// sink uses.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Reading is one converted value to store.
type Reading struct {
	GatewayID string
	DeviceID  string
	Key       string
	Value     units.Value
	At        time.Time
}

// Sink records readings as InfluxDB points.
type Sink struct {
	w      pointWriter
	close  func()
	logger *slog.Logger
}

// Open connects to InfluxDB and verifies it with a ping. Asynchronous
// write failures are logged at warn.
func Open(ctx context.Context, cfg config.InfluxDBConfig, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushMillis),
	)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrUnavailable, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrUnavailable, cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("influxdb write failed", "error", err)
		}
	}()

	logger.Info("influxdb history enabled", "url", cfg.URL, "bucket", cfg.Bucket)
	return newSink(writeAPI, client.Close, logger), nil
}

func newSink(w pointWriter, closeFn func(), logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{w: w, close: closeFn, logger: logger}
}

// Record queues r. Numeric values are stored in the "value" field,
// everything else in "text".
func (s *Sink) Record(r Reading) {
	if s == nil {
		return
	}
	fields := make(map[string]any, 1)
	if r.Value.Numeric {
		fields["value"] = r.Value.Number
	} else {
		fields["text"] = r.Value.Text
	}
	tags := map[string]string{
		"gateway": r.GatewayID,
		"device":  r.DeviceID,
		"key":     r.Key,
	}
	if r.Value.Unit != "" {
		tags["unit"] = r.Value.Unit
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	s.w.WritePoint(write.NewPoint(Measurement, tags, fields, at))
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.w.Flush()
	if s.close != nil {
		s.close()
	}
}
