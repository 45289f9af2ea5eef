package models

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// GraphErrorType categorizes a node failure for policy resolution.
type GraphErrorType string

const (
	ErrorTypeUnknown            GraphErrorType = "unknown"
	ErrorTypeValidation         GraphErrorType = "validation"
	ErrorTypeNodeExecution      GraphErrorType = "node_execution"
	ErrorTypeTimeout            GraphErrorType = "timeout"
	ErrorTypeNetwork            GraphErrorType = "network"
	ErrorTypeServiceUnavailable GraphErrorType = "service_unavailable"
	ErrorTypeRateLimit          GraphErrorType = "rate_limit"
	ErrorTypeAuthentication     GraphErrorType = "authentication"
	ErrorTypeResourceExhaustion GraphErrorType = "resource_exhaustion"
	ErrorTypeGraphStructure     GraphErrorType = "graph_structure"
	ErrorTypeCancellation       GraphErrorType = "cancellation"
	ErrorTypeCircuitBreakerOpen GraphErrorType = "circuit_breaker_open"
	ErrorTypeBudgetExhausted    GraphErrorType = "budget_exhausted"
)

// AllErrorTypes lists every error category in declaration order.
func AllErrorTypes() []GraphErrorType {
	return []GraphErrorType{
		ErrorTypeUnknown,
		ErrorTypeValidation,
		ErrorTypeNodeExecution,
		ErrorTypeTimeout,
		ErrorTypeNetwork,
		ErrorTypeServiceUnavailable,
		ErrorTypeRateLimit,
		ErrorTypeAuthentication,
		ErrorTypeResourceExhaustion,
		ErrorTypeGraphStructure,
		ErrorTypeCancellation,
		ErrorTypeCircuitBreakerOpen,
		ErrorTypeBudgetExhausted,
	}
}

// IsTransient reports whether the category is expected to clear on its own.
func (t GraphErrorType) IsTransient() bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeServiceUnavailable, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	case ErrorTypeUnknown, ErrorTypeValidation, ErrorTypeNodeExecution, ErrorTypeAuthentication,
		ErrorTypeResourceExhaustion, ErrorTypeGraphStructure, ErrorTypeCancellation,
		ErrorTypeCircuitBreakerOpen, ErrorTypeBudgetExhausted:
		return false
	}

	return false
}

// ErrorSeverity ranks how serious an error occurrence is.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// RecoveryAction is the decision taken in response to a node failure.
type RecoveryAction string

const (
	RecoveryContinue       RecoveryAction = "continue"
	RecoveryRetry          RecoveryAction = "retry"
	RecoverySkip           RecoveryAction = "skip"
	RecoveryFallback       RecoveryAction = "fallback"
	RecoveryRollback       RecoveryAction = "rollback"
	RecoveryHalt           RecoveryAction = "halt"
	RecoveryEscalate       RecoveryAction = "escalate"
	RecoveryCircuitBreaker RecoveryAction = "circuit_breaker"
)

// GraphError is a failure annotated with its category.
type GraphError struct {
	Type     GraphErrorType
	Severity ErrorSeverity
	NodeID   string
	Message  string
	Err      error
}

func (e *GraphError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s error: %s: %v", e.Type, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("%s error: %s", e.Type, e.Message)
	}
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// NewGraphError creates a categorized error wrapping err.
func NewGraphError(errorType GraphErrorType, message string, err error) *GraphError {
	return &GraphError{
		Type:     errorType,
		Severity: DefaultSeverity(errorType),
		Message:  message,
		Err:      err,
	}
}

// DefaultSeverity maps an error category to its default severity.
func DefaultSeverity(t GraphErrorType) ErrorSeverity {
	switch t {
	case ErrorTypeValidation, ErrorTypeCircuitBreakerOpen:
		return SeverityLow
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeServiceUnavailable, ErrorTypeRateLimit,
		ErrorTypeNodeExecution, ErrorTypeUnknown, ErrorTypeCancellation:
		return SeverityMedium
	case ErrorTypeAuthentication, ErrorTypeBudgetExhausted:
		return SeverityHigh
	case ErrorTypeResourceExhaustion, ErrorTypeGraphStructure:
		return SeverityCritical
	}

	return SeverityMedium
}

// HTTPStatusError reports a failed call to an HTTP dependency.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http request failed with status %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("http request failed with status %d (%s)", e.StatusCode, http.StatusText(e.StatusCode))
}

// ErrorContext describes a single error occurrence during a run.
type ErrorContext struct {
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	ErrorType   GraphErrorType `json:"error_type"`
	Severity    ErrorSeverity  `json:"severity"`
	Attempt     int            `json:"attempt"` // Zero-based attempt that failed
	Message     string         `json:"message"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Err         error          `json:"-"`
}

// IsGraphErrorType checks whether err carries the given category.
func IsGraphErrorType(err error, t GraphErrorType) bool {
	var ge *GraphError

	return errors.As(err, &ge) && ge.Type == t
}

// MetadataLastError is the state metadata key holding the failure an executor recovered
// from with Continue, Skip or Fallback. Its value is a LastError map.
const MetadataLastError = "last_error"

// LastError describes a recovered failure stored in state metadata.
type LastError struct {
	NodeID    string         `json:"node_id"`
	NodeType  string         `json:"node_type"`
	ErrorType GraphErrorType `json:"error_type"`
	Message   string         `json:"message"`
	Action    RecoveryAction `json:"action"`
}

// ToMap converts the error to its metadata form.
func (e LastError) ToMap() map[string]any {
	return map[string]any{
		"node_id":    e.NodeID,
		"node_type":  e.NodeType,
		"error_type": string(e.ErrorType),
		"message":    e.Message,
		"action":     string(e.Action),
	}
}

// LastErrorFromMap reads the metadata form back. It reports false when m carries no error type.
func LastErrorFromMap(m map[string]any) (LastError, bool) {
	errorType, _ := m["error_type"].(string)
	if errorType == "" {
		return LastError{}, false
	}

	e := LastError{ErrorType: GraphErrorType(errorType)}
	e.NodeID, _ = m["node_id"].(string)
	e.NodeType, _ = m["node_type"].(string)
	e.Message, _ = m["message"].(string)

	action, _ := m["action"].(string)
	e.Action = RecoveryAction(action)

	return e, true
}
