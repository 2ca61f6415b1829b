package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store holds fixed-window counters. Implementations must be safe for
// concurrent use and must increment atomically.
type Store interface {
	// Increment adds one to the counter for key in its current window and
	// returns the new count and the time left until the window rolls over.
	// A window is created on the first hit and lasts exactly window.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Window is one identity's fixed counting window.
type Window struct {
	Identity    string
	WindowStart time.Time
	WindowSize  time.Duration
	Count       int64
}

func (w *Window) end() time.Time { return w.WindowStart.Add(w.WindowSize) }

// MemoryStore keeps windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window
	now     func() time.Time
}

// NewMemoryStore creates an empty store. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{windows: make(map[string]*Window), now: now}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.end()) {
		w = &Window{Identity: key, WindowStart: now, WindowSize: window}
		s.windows[key] = w
	}
	w.Count++
	return w.Count, w.end().Sub(now), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Sweep drops windows that have fully elapsed and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, w := range s.windows {
		if !now.Before(w.end()) {
			delete(s.windows, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Run sweeps every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
