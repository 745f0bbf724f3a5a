// Package scheduler provides the background retention sweeper. Resolved
// conflicts and change-log rows are audit data with a configured
// lifetime; pending conflicts are never touched.
package scheduler

import (
	"sync"
	"time"

	"github.com/marinops/fleetsync/internal/db"
	"github.com/marinops/fleetsync/internal/logging"
)

// Sweeper periodically prunes aged-out resolved conflicts and audit
// rows.
type Sweeper struct {
	repo     *db.Repository
	maxAge   time.Duration
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	lastSweep time.Time
}

// Config holds sweeper configuration.
type Config struct {
	MaxAge   time.Duration // retention window for resolved conflicts and change log
	Interval time.Duration // how often to sweep; zero disables the sweeper
}

// NewSweeper creates a Sweeper.
func NewSweeper(repo *db.Repository, cfg Config) *Sweeper {
	return &Sweeper{
		repo:     repo,
		maxAge:   cfg.MaxAge,
		interval: cfg.Interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background sweep loop. A zero interval disables
// the sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.isRunning || s.interval <= 0 {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// IsRunning reports whether the sweep loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastSweep returns the time of the last completed sweep.
func (s *Sweeper) LastSweep() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSweep
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep prunes one round immediately. Safe to call directly from tests
// or an admin endpoint.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().Add(-s.maxAge).Unix()

	conflicts, err := s.repo.PruneResolvedConflicts(cutoff)
	if err != nil {
		logging.Error("Failed to prune resolved conflicts", err, nil)
	}
	entries, err := s.repo.PruneChangeLog(cutoff)
	if err != nil {
		logging.Error("Failed to prune change log", err, nil)
	}

	s.mu.Lock()
	s.lastSweep = time.Now()
	s.mu.Unlock()

	if conflicts > 0 || entries > 0 {
		logging.Info("Retention sweep completed",
			map[string]interface{}{
				"conflicts_pruned":  conflicts,
				"change_log_pruned": entries,
			})
	}
}
