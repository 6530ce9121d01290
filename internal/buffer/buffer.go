// Package buffer aggregates inbound units per user. Each user has at most one
// live batch and one debounce timer; when the window elapses without a new
// unit the batch is atomically swapped out and handed to the flush callback.
package buffer

import (
	"log/slog"
	"sync"
	"time"

	"pressbot/internal/domain"
)

// FlushFunc receives a completed batch. The buffer no longer references the
// batch once the callback is invoked; ownership transfers entirely.
type FlushFunc func(batch domain.UserBatch)

// Buffer holds the per-user aggregation slots. All slot operations happen
// under one mutex; the flush callback is always invoked outside it.
type Buffer struct {
	window time.Duration
	flush  FlushFunc
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// slot is one user's live batch plus its debounce timer. gen increments on
// every (re)schedule so a timer firing that lost the race against a newer Add
// recognizes itself as stale.
type slot struct {
	batch domain.UserBatch
	timer *time.Timer
	gen   uint64
}

func New(window time.Duration, flush FlushFunc, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		window: window,
		flush:  flush,
		logger: logger,
		slots:  make(map[string]*slot),
	}
}

// Add appends the unit to its user's live batch, creating one if the user is
// idle, and pushes the user's flush out by a full debounce window.
func (b *Buffer) Add(unit domain.InboundUnit) {
	now := time.Now()

	b.mu.Lock()
	s, ok := b.slots[unit.UserID]
	if !ok {
		s = &slot{batch: domain.UserBatch{UserID: unit.UserID, CreatedAt: now}}
		b.slots[unit.UserID] = s
	} else {
		// Cancel the pending flush. Stop may miss a timer that already
		// fired; the generation check in fire handles that race.
		s.timer.Stop()
	}

	s.batch.Units = append(s.batch.Units, unit)
	s.batch.LastExtendedAt = now
	s.gen++

	userID := unit.UserID
	gen := s.gen
	s.timer = time.AfterFunc(b.window, func() { b.fire(userID, gen) })
	b.mu.Unlock()
}

// fire runs on timer expiry. It removes the slot under the lock, so a
// concurrent Add either got into the batch before the swap or finds the slot
// gone and starts a fresh one. The flush callback runs outside the lock.
func (b *Buffer) fire(userID string, gen uint64) {
	b.mu.Lock()
	s, ok := b.slots[userID]
	if !ok || s.gen != gen {
		// A newer Add rescheduled this flush, or it already happened.
		b.mu.Unlock()
		return
	}
	delete(b.slots, userID)
	batch := s.batch
	b.mu.Unlock()

	text, image, video := batch.Counts()
	b.logger.Info("batch flushed",
		"user", userID,
		"units", len(batch.Units),
		"text", text,
		"image", image,
		"video", video,
	)
	b.flush(batch)
}

// FlushAll force-flushes every live batch, used on shutdown so collected
// units are not silently discarded. Timers are stopped first; any timer that
// already fired will find its slot gone.
func (b *Buffer) FlushAll() {
	b.mu.Lock()
	batches := make([]domain.UserBatch, 0, len(b.slots))
	for userID, s := range b.slots {
		s.timer.Stop()
		batches = append(batches, s.batch)
		delete(b.slots, userID)
	}
	b.mu.Unlock()

	for _, batch := range batches {
		b.logger.Info("batch force-flushed on shutdown", "user", batch.UserID, "units", len(batch.Units))
		b.flush(batch)
	}
}

// Pending returns the number of users with a live batch.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}
