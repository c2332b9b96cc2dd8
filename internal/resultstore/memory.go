package resultstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/task"
)

type storedResult struct {
	result    task.Result
	expiresAt time.Time
}

// MemoryStore is the in-memory reference implementation of Store with
// TTL-based expiration and per-ID waiter notification.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]*storedResult
	waiters map[string][]chan *task.Result

	cfg       config.StoreConfig
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates an in-memory result store and starts its
// background cleanup goroutine
func NewMemoryStore(cfg config.StoreConfig, logger *slog.Logger) *MemoryStore {
	if cfg.TTL <= 0 {
		cfg.TTL = config.DefaultResultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = config.DefaultStoreCleanupInterval
	}

	s := &MemoryStore{
		results: make(map[string]*storedResult),
		waiters: make(map[string][]chan *task.Result),
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Put creates the initial PENDING result for a task ID
func (s *MemoryStore) Put(ctx context.Context, id string, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[id]; exists {
		return fmt.Errorf("result %s already exists", id)
	}

	now := time.Now()
	s.results[id] = &storedResult{
		result: task.Result{
			ID:        id,
			State:     task.StatePending,
			UpdatedAt: now,
		},
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Get returns a snapshot of the result
func (s *MemoryStore) Get(ctx context.Context, id string) (*task.Result, error) {
	if id == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.results[id]
	if !exists || time.Now().After(stored.expiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return stored.result.Clone(), nil
}

// Update applies a partial mutation. Updates against an already-terminal
// result are dropped with a warning, never an error.
func (s *MemoryStore) Update(ctx context.Context, id string, u Update) error {
	if id == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.results[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if stored.result.State.Terminal() {
		s.logger.Warn("dropping update to terminal result",
			"task_id", id,
			"state", stored.result.State,
			"attempted_state", u.State,
		)
		return nil
	}

	if u.State != "" {
		stored.result.State = u.State
		if u.State == task.StateSuccess {
			// A success supersedes any error recorded by earlier attempts
			stored.result.Err = nil
		}
	}
	if u.SetValue {
		stored.result.Value = u.Value
	}
	if u.Err != nil {
		stored.result.Err = u.Err
	}
	if len(u.Progress) > 0 {
		if stored.result.ProgressMeta == nil {
			stored.result.ProgressMeta = make(map[string]any, len(u.Progress))
		}
		for k, v := range u.Progress {
			stored.result.ProgressMeta[k] = v
		}
	}
	stored.result.UpdatedAt = time.Now()

	if stored.result.State.Terminal() {
		s.notifyWaiters(id, &stored.result)
	}
	return nil
}

// UpdateProgress merges progress metadata into a non-terminal result
func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, meta map[string]any) error {
	return s.Update(ctx, id, Update{
		State:    task.StateProgress,
		Progress: meta,
	})
}

// Await blocks until the result is terminal or ctx is done
func (s *MemoryStore) Await(ctx context.Context, id string) (*task.Result, error) {
	s.mu.Lock()
	stored, exists := s.results[id]
	if !exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if stored.result.State.Terminal() {
		res := stored.result.Clone()
		s.mu.Unlock()
		return res, nil
	}

	ch := make(chan *task.Result, 1)
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	select {
	case res := <-ch:
		if res == nil {
			// Channel closed: the entry expired before reaching a terminal
			// state.
			return nil, fmt.Errorf("%w: %s expired while awaiting", ErrNotFound, id)
		}
		return res, nil
	case <-ctx.Done():
		s.removeWaiter(id, ch)
		return nil, ctx.Err()
	case <-s.done:
		s.removeWaiter(id, ch)
		return nil, fmt.Errorf("result store closed while awaiting %s", id)
	}
}

// Size returns the current number of stored results
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Close stops the cleanup goroutine and wakes blocked Await calls
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// notifyWaiters delivers the terminal result; caller holds s.mu
func (s *MemoryStore) notifyWaiters(id string, res *task.Result) {
	for _, ch := range s.waiters[id] {
		ch <- res.Clone() // buffered, never blocks
	}
	delete(s.waiters, id)
}

func (s *MemoryStore) removeWaiter(id string, ch chan *task.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chans := s.waiters[id]
	for i, c := range chans {
		if c == ch {
			s.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[id]) == 0 {
		delete(s.waiters, id)
	}
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, stored := range s.results {
		if now.After(stored.expiresAt) {
			delete(s.results, id)
			for _, ch := range s.waiters[id] {
				close(ch)
			}
			delete(s.waiters, id)
		}
	}
}
