package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/coder/quartz"

	"github.com/t77yq/trainpool/internal/model"
)

const (
	// DefaultInactivityLimit is how long a worker may go without activity
	DefaultInactivityLimit = 60 * time.Second

	// DefaultFailureRatio is the largest tolerated share of failed tasks
	DefaultFailureRatio = 0.1
)

// HealthChecker evaluates per-worker health from a pool snapshot
type HealthChecker struct {
	clock           quartz.Clock
	memoryLimitMB   float64
	inactivityLimit time.Duration
	failureRatio    float64
}

// NewHealthChecker creates a checker for workers limited to memoryLimitMB
func NewHealthChecker(memoryLimitMB int, clock quartz.Clock) *HealthChecker {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &HealthChecker{
		clock:           clock,
		memoryLimitMB:   float64(memoryLimitMB),
		inactivityLimit: DefaultInactivityLimit,
		failureRatio:    DefaultFailureRatio,
	}
}

// Check returns one entry per worker in the snapshot, ordered by worker ID
func (h *HealthChecker) Check(snapshot model.PoolSnapshot) []model.WorkerHealth {
	now := h.clock.Now()
	results := make([]model.WorkerHealth, 0, len(snapshot.Workers))

	for _, w := range snapshot.Workers {
		results = append(results, h.checkWorker(w.Metrics, w.ID, now))
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].WorkerID < results[j].WorkerID
	})
	return results
}

func (h *HealthChecker) checkWorker(m model.WorkerMetrics, id string, now time.Time) model.WorkerHealth {
	var issues []string

	if h.memoryLimitMB > 0 && m.MemoryUsageMB > h.memoryLimitMB {
		issues = append(issues, fmt.Sprintf("memory usage %.0fMB exceeds limit %.0fMB", m.MemoryUsageMB, h.memoryLimitMB))
	}

	if idle := now.Sub(m.LastActivityAt); idle > h.inactivityLimit {
		issues = append(issues, fmt.Sprintf("no activity for %s", idle.Round(time.Second)))
	}

	if total := m.TasksTotal(); total > 0 {
		if ratio := float64(m.TasksFailed) / float64(total); ratio > h.failureRatio {
			issues = append(issues, fmt.Sprintf("failure rate %.0f%% exceeds %.0f%%", ratio*100, h.failureRatio*100))
		}
	}

	return model.WorkerHealth{
		WorkerID:  id,
		IsHealthy: len(issues) == 0,
		Issues:    issues,
	}
}
