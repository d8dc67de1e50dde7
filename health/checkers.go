package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EngineStats exposes the processor state the checkers read. The pipeline
// processor satisfies it.
type EngineStats interface {
	QueueDepth() int
	QueueCapacity() int
	CircuitState() string
}

// DeadLetterCounter exposes the dead letter store size.
type DeadLetterCounter interface {
	Count(ctx context.Context) (int, error)
}

// CircuitChecker reports degraded while the breaker is not closed. An
// open breaker parks items instead of losing them, so it never reports
// unhealthy on its own.
type CircuitChecker struct {
	stats EngineStats
}

// NewCircuitChecker creates a breaker state checker
func NewCircuitChecker(stats EngineStats) *CircuitChecker {
	return &CircuitChecker{stats: stats}
}

// Name implements Checker
func (c *CircuitChecker) Name() string { return "circuit-breaker" }

// Check implements Checker
func (c *CircuitChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.stats.CircuitState()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"state": state},
	}

	if state != "closed" {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("circuit breaker is %s, deliveries suspended or limited", state)
	}
	return result
}

// QueueChecker reports on queue saturation: degraded above the warn
// ratio, unhealthy at capacity.
type QueueChecker struct {
	stats     EngineStats
	warnRatio float64
}

// NewQueueChecker creates a queue depth checker. warnRatio is the
// depth/capacity fraction above which the check degrades, 0.8 by default.
func NewQueueChecker(stats EngineStats, warnRatio float64) *QueueChecker {
	if warnRatio <= 0 || warnRatio > 1 {
		warnRatio = 0.8
	}
	return &QueueChecker{stats: stats, warnRatio: warnRatio}
}

// Name implements Checker
func (c *QueueChecker) Name() string { return "work-queue" }

// Check implements Checker
func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	depth := c.stats.QueueDepth()
	capacity := c.stats.QueueCapacity()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"depth":    depth,
			"capacity": capacity,
		},
	}

	switch {
	case depth >= capacity:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue at capacity (%d/%d), producers experience backpressure", depth, capacity)
	case float64(depth) >= float64(capacity)*c.warnRatio:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue filling up (%d/%d)", depth, capacity)
	}
	return result
}

// DeadLetterChecker watches dead letter accumulation between checks. A
// growing store means items are permanently failing right now.
type DeadLetterChecker struct {
	counter    DeadLetterCounter
	growthWarn int

	mu        sync.Mutex
	lastCount int
	primed    bool
}

// NewDeadLetterChecker creates a dead letter growth checker. growthWarn
// is how many new records between two checks trigger degraded, 1 by
// default.
func NewDeadLetterChecker(counter DeadLetterCounter, growthWarn int) *DeadLetterChecker {
	if growthWarn < 1 {
		growthWarn = 1
	}
	return &DeadLetterChecker{counter: counter, growthWarn: growthWarn}
}

// Name implements Checker
func (c *DeadLetterChecker) Name() string { return "dead-letters" }

// Check implements Checker
func (c *DeadLetterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	count, err := c.counter.Count(ctx)
	if err != nil {
		return CheckResult{
			Name:      c.Name(),
			Status:    StatusUnhealthy,
			Message:   "dead letter store unavailable",
			Duration:  time.Since(start),
			Timestamp: time.Now(),
			Error:     err.Error(),
		}
	}

	c.mu.Lock()
	growth := count - c.lastCount
	primed := c.primed
	c.lastCount = count
	c.primed = true
	c.mu.Unlock()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"count":  count,
			"growth": growth,
		},
	}

	if primed && growth >= c.growthWarn {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d items dead-lettered since last check", growth)
	}
	return result
}
