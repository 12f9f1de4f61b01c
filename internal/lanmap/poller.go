package lanmap

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// MinInterval is the shortest refresh interval the poller accepts.
// Gateways answer slowly while uploading; polling faster only adds load.
const MinInterval = 60 * time.Second

// PollerConfig configures the LAN sensor-map poller.
type PollerConfig struct {
	// Source provides the sensor list.
	Source SensorSource

	// Cache receives each successful snapshot.
	Cache *Cache

	// Interval between polls; clamped to [MinInterval].
	Interval time.Duration

	// Timeout bounds one poll. An expired request is abandoned and not
	// retried until the next tick.
	Timeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// now is overridden in tests.
	now func() time.Time
}

// Poller refreshes a [Cache] from a [SensorSource] on a fixed interval.
// Failures keep the previous snapshot; there is no backoff beyond the
// interval.
type Poller struct {
	cfg      PollerConfig
	failures int
}

// NewPoller creates a poller. Nothing happens until [Poller.Start].
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Poller{cfg: cfg}
}

// Start polls immediately and then on every interval until ctx is
// cancelled. It blocks.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll performs one bounded refresh. The returned error is for tests;
// Start only logs it.
func (p *Poller) poll(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	sensors, err := p.cfg.Source.SensorsInfo(pollCtx)
	if err != nil {
		p.failures++
		p.cfg.Logger.Warn("lan sensor map refresh failed, keeping previous map",
			"error", err,
			"consecutive_failures", p.failures,
			"mapped", p.cfg.Cache.Load().Len(),
		)
		return err
	}
	p.failures = 0

	if err := p.cfg.Source.Ping(pollCtx); err != nil {
		p.cfg.Logger.Debug("lan live data ping failed", "error", err)
	}

	if len(sensors) == 0 {
		p.cfg.Logger.Debug("lan sensor map empty, keeping previous map",
			"mapped", p.cfg.Cache.Load().Len())
		return fmt.Errorf("%w: empty sensor list", ErrFetch)
	}

	snap := NewSnapshot(sensors, p.cfg.now())
	p.cfg.Cache.Store(snap)
	p.cfg.Logger.Info("lan sensor map refreshed",
		"mapped", snap.Len(),
		"ids", snap.IDs(),
	)
	return nil
}
