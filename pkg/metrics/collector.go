// Package metrics aggregates node error occurrences and exports runtime metrics.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/jonboulle/clockwork"
)

// ErrorEvent is one recorded error occurrence and the recovery applied to it.
type ErrorEvent struct {
	ExecutionID     string                `json:"execution_id"`
	NodeID          string                `json:"node_id"`
	NodeType        string                `json:"node_type,omitempty"`
	ErrorType       models.GraphErrorType `json:"error_type"`
	Severity        models.ErrorSeverity  `json:"severity"`
	Action          models.RecoveryAction `json:"action"`
	RecoverySuccess bool                  `json:"recovery_success"`
	Attempt         int                   `json:"attempt"`
	Message         string                `json:"message,omitempty"`
	OccurredAt      time.Time             `json:"occurred_at"`
}

// Options configures an ErrorMetricsCollector.
type Options struct {
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	RateWindow      time.Duration `mapstructure:"rate_window"` // Window of ErrorRatePerMinute
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		RetentionPeriod: 24 * time.Hour,
		SweepInterval:   time.Minute,
		RateWindow:      5 * time.Minute,
	}
}

// snapshot is immutable once published. Writers may append past len(events)
// in the shared backing array because no published snapshot can observe it.
type snapshot struct {
	events []ErrorEvent
}

// ErrorMetricsCollector aggregates error events from every in-flight execution.
// Writes are serialized; reads work on an atomically published snapshot, so a
// concurrent purge never exposes a partially swept set.
type ErrorMetricsCollector struct {
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
	prom    *promMetrics
}

func NewErrorMetricsCollector(opts Options) *ErrorMetricsCollector {
	defaults := DefaultOptions()
	if opts.RetentionPeriod <= 0 {
		opts.RetentionPeriod = defaults.RetentionPeriod
	}

	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaults.SweepInterval
	}

	if opts.RateWindow <= 0 {
		opts.RateWindow = defaults.RateWindow
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &ErrorMetricsCollector{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
		prom:   newPromMetrics(),
	}
	c.current.Store(&snapshot{})

	return c
}

// RecordError records one occurrence. It is safe for concurrent use.
func (c *ErrorMetricsCollector) RecordError(executionID, nodeID string, ec *models.ErrorContext, action models.RecoveryAction, recoverySuccess bool) {
	event := ErrorEvent{
		ExecutionID:     executionID,
		NodeID:          nodeID,
		Action:          action,
		RecoverySuccess: recoverySuccess,
	}

	if ec != nil {
		event.NodeType = ec.NodeType
		event.ErrorType = ec.ErrorType
		event.Severity = ec.Severity
		event.Attempt = ec.Attempt
		event.Message = ec.Message
		event.OccurredAt = ec.OccurredAt
	}

	c.RecordBatch([]ErrorEvent{event})
}

// RecordBatch records several occurrences under a single publication.
func (c *ErrorMetricsCollector) RecordBatch(events []ErrorEvent) {
	if len(events) == 0 {
		return
	}

	now := c.clock.Now().UTC()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	old := c.current.Load()
	next := old.events

	for _, e := range events {
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}

		if e.ErrorType == "" {
			e.ErrorType = models.ErrorTypeUnknown
		}

		if e.Severity == "" {
			e.Severity = models.DefaultSeverity(e.ErrorType)
		}

		next = append(next, e)
		c.prom.observeError(e)
	}

	c.current.Store(&snapshot{events: next})
}

// Purge drops events older than the retention period and returns how many were removed.
func (c *ErrorMetricsCollector) Purge() int {
	cutoff := c.clock.Now().Add(-c.opts.RetentionPeriod)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	old := c.current.Load()
	kept := make([]ErrorEvent, 0, len(old.events))

	for _, e := range old.events {
		if !e.OccurredAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}

	removed := len(old.events) - len(kept)
	if removed > 0 {
		c.current.Store(&snapshot{events: kept})
	}

	return removed
}

// Start runs the retention sweep until ctx is done.
func (c *ErrorMetricsCollector) Start(ctx context.Context) {
	ticker := c.clock.NewTicker(c.opts.SweepInterval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if removed := c.Purge(); removed > 0 {
					c.logger.DebugContext(ctx, "purged expired error events", "removed", removed)
				}
			}
		}
	}()
}

// Events returns the retained events.
func (c *ErrorMetricsCollector) Events() []ErrorEvent {
	s := c.current.Load()

	return append([]ErrorEvent(nil), s.events...)
}

// ExecutionMetrics aggregates the errors of one execution.
type ExecutionMetrics struct {
	ExecutionID         string                        `json:"execution_id"`
	TotalErrors         int                           `json:"total_errors"`
	Recovered           int                           `json:"recovered"`
	RecoverySuccessRate float64                       `json:"recovery_success_rate"`
	ByType              map[models.GraphErrorType]int `json:"by_type"`
	ByNode              map[string]int                `json:"by_node"`
	ByAction            map[models.RecoveryAction]int `json:"by_action"`
	FirstErrorAt        time.Time                     `json:"first_error_at"`
	LastErrorAt         time.Time                     `json:"last_error_at"`
}

// NodeMetrics aggregates the errors of one node across executions.
type NodeMetrics struct {
	NodeID              string                        `json:"node_id"`
	TotalErrors         int                           `json:"total_errors"`
	Executions          int                           `json:"executions"`
	Recovered           int                           `json:"recovered"`
	RecoverySuccessRate float64                       `json:"recovery_success_rate"`
	ByType              map[models.GraphErrorType]int `json:"by_type"`
	ByAction            map[models.RecoveryAction]int `json:"by_action"`
	LastError           string                        `json:"last_error,omitempty"`
	LastErrorAt         time.Time                     `json:"last_error_at"`
}

// Statistics summarizes every retained event.
type Statistics struct {
	TotalErrors         int                           `json:"total_errors"`
	ErrorRatePerMinute  float64                       `json:"error_rate_per_minute"`
	RecoverySuccessRate float64                       `json:"recovery_success_rate"`
	MostCommonErrorType models.GraphErrorType         `json:"most_common_error_type,omitempty"`
	ByType              map[models.GraphErrorType]int `json:"by_type"`
	BySeverity          map[models.ErrorSeverity]int  `json:"by_severity"`
	Executions          int                           `json:"executions"`
	RetentionPeriod     time.Duration                 `json:"retention_period"`
	GeneratedAt         time.Time                     `json:"generated_at"`
}

// ExecutionMetrics returns the aggregate for executionID and whether any event exists.
func (c *ErrorMetricsCollector) ExecutionMetrics(executionID string) (ExecutionMetrics, bool) {
	s := c.current.Load()

	m := ExecutionMetrics{
		ExecutionID: executionID,
		ByType:      map[models.GraphErrorType]int{},
		ByNode:      map[string]int{},
		ByAction:    map[models.RecoveryAction]int{},
	}

	for _, e := range s.events {
		if e.ExecutionID != executionID {
			continue
		}

		m.TotalErrors++
		m.ByType[e.ErrorType]++
		m.ByNode[e.NodeID]++
		m.ByAction[e.Action]++

		if e.RecoverySuccess {
			m.Recovered++
		}

		if m.FirstErrorAt.IsZero() || e.OccurredAt.Before(m.FirstErrorAt) {
			m.FirstErrorAt = e.OccurredAt
		}

		if e.OccurredAt.After(m.LastErrorAt) {
			m.LastErrorAt = e.OccurredAt
		}
	}

	m.RecoverySuccessRate = ratio(m.Recovered, m.TotalErrors)

	return m, m.TotalErrors > 0
}

// NodeMetrics returns the aggregate for nodeID and whether any event exists.
func (c *ErrorMetricsCollector) NodeMetrics(nodeID string) (NodeMetrics, bool) {
	s := c.current.Load()

	m := NodeMetrics{
		NodeID:   nodeID,
		ByType:   map[models.GraphErrorType]int{},
		ByAction: map[models.RecoveryAction]int{},
	}
	executions := map[string]struct{}{}

	for _, e := range s.events {
		if e.NodeID != nodeID {
			continue
		}

		m.TotalErrors++
		m.ByType[e.ErrorType]++
		m.ByAction[e.Action]++
		executions[e.ExecutionID] = struct{}{}

		if e.RecoverySuccess {
			m.Recovered++
		}

		if !e.OccurredAt.Before(m.LastErrorAt) {
			m.LastErrorAt = e.OccurredAt
			m.LastError = e.Message
		}
	}

	m.Executions = len(executions)
	m.RecoverySuccessRate = ratio(m.Recovered, m.TotalErrors)

	return m, m.TotalErrors > 0
}

// Statistics returns the overall summary.
func (c *ErrorMetricsCollector) Statistics() Statistics {
	s := c.current.Load()
	now := c.clock.Now()
	windowStart := now.Add(-c.opts.RateWindow)

	stats := Statistics{
		ByType:          map[models.GraphErrorType]int{},
		BySeverity:      map[models.ErrorSeverity]int{},
		RetentionPeriod: c.opts.RetentionPeriod,
		GeneratedAt:     now.UTC(),
	}

	executions := map[string]struct{}{}
	recovered := 0
	inWindow := 0

	for _, e := range s.events {
		stats.TotalErrors++
		stats.ByType[e.ErrorType]++
		stats.BySeverity[e.Severity]++
		executions[e.ExecutionID] = struct{}{}

		if e.RecoverySuccess {
			recovered++
		}

		if !e.OccurredAt.Before(windowStart) {
			inWindow++
		}
	}

	stats.Executions = len(executions)
	stats.RecoverySuccessRate = ratio(recovered, stats.TotalErrors)
	stats.ErrorRatePerMinute = float64(inWindow) / c.opts.RateWindow.Minutes()
	stats.MostCommonErrorType = mostCommon(stats.ByType)

	return stats
}

// mostCommon breaks count ties by type name.
func mostCommon(counts map[models.GraphErrorType]int) models.GraphErrorType {
	types := make([]models.GraphErrorType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}

	sort.Slice(types, func(i, j int) bool {
		if counts[types[i]] != counts[types[j]] {
			return counts[types[i]] > counts[types[j]]
		}

		return types[i] < types[j]
	})

	if len(types) == 0 {
		return ""
	}

	return types[0]
}

func ratio(part, total int) float64 {
	if total == 0 {
		return 0
	}

	return float64(part) / float64(total)
}
