package observability

import (
	"context"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// HealthChecker is implemented by components that can report their health
type HealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// HealthManager aggregates health checks from registered components
type HealthManager struct {
	mu       sync.RWMutex
	checkers []HealthChecker
}

// NewHealthManager creates a new health manager
func NewHealthManager() *HealthManager {
	return &HealthManager{}
}

// Register adds a health checker
func (hm *HealthManager) Register(checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers = append(hm.checkers, checker)
}

// Check runs all registered checks and returns per-checker errors
func (hm *HealthManager) Check(ctx context.Context) map[string]error {
	hm.mu.RLock()
	checkers := make([]HealthChecker, len(hm.checkers))
	copy(checkers, hm.checkers)
	hm.mu.RUnlock()

	results := make(map[string]error, len(checkers))
	for _, c := range checkers {
		results[c.Name()] = c.HealthCheck(ctx)
	}
	return results
}

// Healthy reports whether every registered check passes
func (hm *HealthManager) Healthy(ctx context.Context) bool {
	for _, err := range hm.Check(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}

// DatabaseHealthChecker checks the health of a BoltDB database
type DatabaseHealthChecker struct {
	name string
	db   *bbolt.DB
}

// NewDatabaseHealthChecker creates a new database health checker
func NewDatabaseHealthChecker(name string, db *bbolt.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{
		name: name,
		db:   db,
	}
}

// Name returns the name of the health checker
func (dhc *DatabaseHealthChecker) Name() string {
	return dhc.name
}

// HealthCheck performs a database health check
func (dhc *DatabaseHealthChecker) HealthCheck(_ context.Context) error {
	if dhc.db == nil {
		return fmt.Errorf("database is nil")
	}

	// Verify we can start a read transaction
	return dhc.db.View(func(_ *bbolt.Tx) error {
		return nil
	})
}

// DispatcherHealthChecker checks that the dispatcher is not saturated
type DispatcherHealthChecker struct {
	name  string
	stats func() (active, queued int64)
	limit int64
}

// NewDispatcherHealthChecker creates a dispatcher health checker.
// The check fails once the queue depth reaches limit.
func NewDispatcherHealthChecker(name string, limit int64, stats func() (active, queued int64)) *DispatcherHealthChecker {
	return &DispatcherHealthChecker{
		name:  name,
		stats: stats,
		limit: limit,
	}
}

// Name returns the name of the health checker
func (dc *DispatcherHealthChecker) Name() string {
	return dc.name
}

// HealthCheck performs a dispatcher saturation check
func (dc *DispatcherHealthChecker) HealthCheck(_ context.Context) error {
	if dc.stats == nil {
		return fmt.Errorf("stats function is nil")
	}
	_, queued := dc.stats()
	if queued >= dc.limit {
		return fmt.Errorf("execution queue saturated: %d queued", queued)
	}
	return nil
}
