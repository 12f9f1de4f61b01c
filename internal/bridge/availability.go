package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/ecowitt-bridge/internal/mqtt"
)

// Supervise marks gateways offline once they have been silent for the
// configured window. It blocks until ctx is cancelled.
func (b *Bridge) Supervise(ctx context.Context) {
	interval := b.cfg.OfflineAfter / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.checkOffline(ctx); err != nil {
				b.cfg.Logger.Warn("offline availability publish failed", "error", err)
			}
		}
	}
}

func (b *Bridge) checkOffline(ctx context.Context) error {
	now := b.cfg.now()
	var errs []error
	for _, gw := range b.snapshotGateways() {
		gw.mu.Lock()
		if gw.online && now.Sub(gw.lastSeen) >= b.cfg.OfflineAfter {
			gw.online = false
			b.cfg.Logger.Info("gateway offline",
				"gateway", gw.id,
				"silent_for", now.Sub(gw.lastSeen).Truncate(time.Second).String(),
			)
			errs = append(errs, b.publishAvailability(ctx, gw, "offline")...)
		}
		gw.mu.Unlock()
	}
	return joinPublish(errs)
}

// Resync runs after a broker reconnect and republishes availability for
// online gateways. Discovery configs are retained by the broker, so the
// per-entity payload cache is kept and unchanged configs are not sent
// again.
func (b *Bridge) Resync(ctx context.Context) error {
	var errs []error
	gateways := b.snapshotGateways()
	for _, gw := range gateways {
		gw.mu.Lock()
		if gw.online {
			errs = append(errs, b.publishAvailability(ctx, gw, "online")...)
		}
		gw.mu.Unlock()
	}
	if len(gateways) > 0 {
		b.cfg.Logger.Info("resynced after reconnect", "gateways", len(gateways))
	}
	return joinPublish(errs)
}

// Shutdown publishes "offline" for every known device.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var errs []error
	for _, gw := range b.snapshotGateways() {
		gw.mu.Lock()
		gw.online = false
		errs = append(errs, b.publishAvailability(ctx, gw, "offline")...)
		gw.mu.Unlock()
	}
	return joinPublish(errs)
}

// publishAvailability requires gw.mu.
func (b *Bridge) publishAvailability(ctx context.Context, gw *gatewayState, status string) []error {
	var errs []error
	for dev := range gw.devices {
		if err := b.cfg.Publisher.Publish(ctx, mqtt.AvailabilityTopic(b.cfg.StatePrefix, dev), []byte(status), true); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func joinPublish(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPublish, errors.Join(errs...))
}
