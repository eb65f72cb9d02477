package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tripsync-server/internal/domain"
)

// Store is the relational interface the bridge persists through. The pg
// implementation lives in internal/repository; tests supply an in-memory
// fake.
type Store interface {
	LoadItinerary(ctx context.Context, tripID string) ([]domain.Day, error)
	LoadComments(ctx context.Context, tripID string) ([]domain.CommentThread, error)
	SaveItinerary(ctx context.Context, tripID string, days []domain.Day, threads []domain.CommentThread) error
}

// Bridge hydrates trip sessions from storage and coalesces their write
// bursts behind per-trip debounce timers. It holds no document state:
// sessions snapshot their own replica and hand the result to Flush.
type Bridge struct {
	store    Store
	interval time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(store Store, interval time.Duration) *Bridge {
	return &Bridge{
		store:    store,
		interval: interval,
		timers:   make(map[string]*time.Timer),
	}
}

// Hydrate reads the trip's last persisted snapshot and comment threads.
// A trip without a stored itinerary yet hydrates to an empty document.
func (b *Bridge) Hydrate(ctx context.Context, tripID string) ([]domain.Day, []domain.CommentThread, error) {
	days, err := b.store.LoadItinerary(ctx, tripID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("bridge: hydrate %s: %w", tripID, err)
	}

	threads, err := b.store.LoadComments(ctx, tripID)
	if err != nil {
		return nil, nil, fmt.Errorf("bridge: hydrate comments %s: %w", tripID, err)
	}

	return days, threads, nil
}

// Schedule (re)arms the trip's debounce timer. Rapid calls collapse into
// one firing of fire after the configured quiet interval; fire runs on
// the timer goroutine and must only signal, never mutate session state.
func (b *Bridge) Schedule(tripID string, fire func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.timers[tripID]; ok {
		t.Reset(b.interval)
		return
	}
	b.timers[tripID] = time.AfterFunc(b.interval, fire)
}

// Cancel stops and forgets the trip's pending debounce timer, if any.
func (b *Bridge) Cancel(tripID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.timers[tripID]; ok {
		t.Stop()
		delete(b.timers, tripID)
	}
}

// Flush writes the full serialized document and comment threads in one
// transaction. A failure is the caller's cue to rearm the debounce cycle;
// the in-memory replica stays authoritative either way.
func (b *Bridge) Flush(ctx context.Context, tripID string, days []domain.Day, threads []domain.CommentThread) error {
	if err := b.store.SaveItinerary(ctx, tripID, days, threads); err != nil {
		log.Printf("[Bridge] flush failed for trip %s: %v", tripID, err)
		return fmt.Errorf("bridge: flush %s: %w", tripID, err)
	}
	return nil
}
