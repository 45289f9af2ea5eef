package interaction

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// AuditEvent names what happened to a request.
type AuditEvent string

const (
	AuditRequested            AuditEvent = "requested"
	AuditDelivered            AuditEvent = "delivered"
	AuditResponded            AuditEvent = "responded"
	AuditTimedOut             AuditEvent = "timed_out"
	AuditCancelled            AuditEvent = "cancelled"
	AuditDefaultApplied       AuditEvent = "default_applied"
	AuditModificationsApplied AuditEvent = "modifications_applied"
)

// AuditEntry is one immutable audit record.
type AuditEntry struct {
	Sequence      int64          `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Event         AuditEvent     `json:"event"`
	RequestID     string         `json:"request_id"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	NodeID        string         `json:"node_id,omitempty"`
	User          string         `json:"user,omitempty"`
	Decision      Decision       `json:"decision,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

// AuditLog is an append-only, in-memory record of every interaction.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	logger  *slog.Logger
}

// NewAuditLog creates an empty log. Entries are mirrored to logger when it is not nil.
func NewAuditLog(logger *slog.Logger) *AuditLog {
	return &AuditLog{logger: logger}
}

// Append stores entry, assigning its sequence number.
func (a *AuditLog) Append(entry AuditEntry) AuditEntry {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	entry.Modifications = maps.Clone(entry.Modifications)

	a.mu.Lock()
	entry.Sequence = int64(len(a.entries)) + 1
	a.entries = append(a.entries, entry)
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.Info("interaction audit",
			"event", entry.Event,
			"request_id", entry.RequestID,
			"execution_id", entry.ExecutionID,
			"user", entry.User,
			"decision", entry.Decision)
	}

	return entry
}

// Entries returns a copy of every entry in append order.
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return slices.Clone(a.entries)
}

// ForRequest returns the entries of one request.
func (a *AuditLog) ForRequest(requestID string) []AuditEntry {
	return a.filter(func(e AuditEntry) bool { return e.RequestID == requestID })
}

// ForExecution returns the entries of one execution.
func (a *AuditLog) ForExecution(executionID string) []AuditEntry {
	return a.filter(func(e AuditEntry) bool { return e.ExecutionID == executionID })
}

func (a *AuditLog) filter(keep func(AuditEntry) bool) []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]AuditEntry, 0)

	for _, e := range a.entries {
		if keep(e) {
			out = append(out, e)
		}
	}

	return out
}
