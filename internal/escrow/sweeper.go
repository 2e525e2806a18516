package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/farmart/internal/metrics"
	"github.com/mbd888/farmart/internal/store"
)

// Sweeper periodically auto-releases escrows that have been held longer
// than the hold window without a dispute.
type Sweeper struct {
	service  *Service
	store    store.Store
	delay    time.Duration // how long funds stay held before auto-release
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new escrow auto-release sweeper.
func NewSweeper(service *Service, st store.Store, delay, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		store:    st,
		delay:    delay,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	w.sweep(ctx)
}

// sweep releases every escrow past the hold window. One failing escrow
// does not stop the rest of the batch.
func (w *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.delay)

	due, err := w.store.ListHeldEscrowsBefore(ctx, cutoff, 100)
	if err != nil {
		w.logger.Warn("failed to list due escrows", "error", err)
		return
	}

	for _, e := range due {
		_, err := w.service.Release(ctx, e.OrderID, TriggerAuto)
		if errors.Is(err, ErrAlreadySettled) {
			// Delivery confirmation or a dispute resolution got there first.
			continue
		}
		if errors.Is(err, ErrDisputed) {
			// Frozen until moderation resolves it.
			continue
		}
		if err != nil {
			metrics.EscrowSweepFailuresTotal.Inc()
			w.logger.Warn("failed to auto-release escrow",
				"orderId", e.OrderID,
				"error", err,
			)
			continue
		}
		w.logger.Info("auto-released escrow",
			"orderId", e.OrderID,
			"farmerPayout", e.FarmerPayout,
			"heldAt", e.HeldAt,
		)
	}
}
