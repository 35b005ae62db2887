package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"imageshelf/internal/server/validate"
)

// Sweeper periodically removes files that would not pass upload validation,
// such as a file left behind when the process died between writing an upload
// and checking its dimensions.
type Sweeper struct {
	store    Store
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewSweeper creates a sweeper. Files changed less than grace ago are skipped
// so uploads still being validated are left alone.
func NewSweeper(store Store, interval, grace time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("sweeper started", "interval", s.interval, "grace", s.grace)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Run once immediately on start
		s.Sweep(ctx)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("sweeper stopping")
				close(s.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has fully stopped.
func (s *Sweeper) Wait() {
	<-s.done
}

// Sweep runs a single pass and returns the number of files removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	entries, err := s.store.List(ctx)
	if err != nil {
		slog.Error("sweep: failed to list storage", "error", err)
		return 0
	}

	cutoff := s.now().Add(-s.grace)
	var removed, failed int
	for _, entry := range entries {
		if entry.ChangedAt.After(cutoff) {
			continue
		}

		reason := rejectReason(entry.Path)
		if reason == nil {
			continue
		}

		if err := s.store.Delete(entry.Name); err != nil {
			slog.Error("sweep: failed to delete file", "file", entry.Name, "error", err)
			failed++
			continue
		}

		removed++
		slog.Warn("sweep: removed invalid file", "file", entry.Name, "reason", reason)
	}

	if removed > 0 || failed > 0 {
		slog.Info("sweep complete", "removed", removed, "failed", failed, "scanned", len(entries))
	}
	return removed
}

func rejectReason(path string) error {
	w, h, err := validate.CheckDimensions(path)
	if err != nil {
		if errors.Is(err, validate.ErrUnreadableImage) {
			return err
		}
		// Vanished or unreadable for I/O reasons; leave it for the next pass.
		return nil
	}
	return validate.CheckResolution(w, h)
}
