// Package policy resolves the recovery action applied when a node fails.
package policy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/go-playground/validator/v10"
)

// Categorize maps an error to its GraphErrorType.
func Categorize(err error) models.GraphErrorType {
	if err == nil {
		return models.ErrorTypeUnknown
	}

	var graphErr *models.GraphError
	if errors.As(err, &graphErr) {
		return graphErr.Type
	}

	switch {
	case errors.Is(err, context.Canceled):
		return models.ErrorTypeCancellation
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorTypeTimeout
	}

	var statusErr *models.HTTPStatusError
	if errors.As(err, &statusErr) {
		return categorizeStatus(statusErr.StatusCode)
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return models.ErrorTypeValidation
	}

	var invalidValidation *validator.InvalidValidationError
	if errors.As(err, &invalidValidation) {
		return models.ErrorTypeValidation
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return models.ErrorTypeNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrorTypeTimeout
		}

		return models.ErrorTypeNetwork
	}

	return models.ErrorTypeUnknown
}

func categorizeStatus(code int) models.GraphErrorType {
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return models.ErrorTypeValidation
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return models.ErrorTypeAuthentication
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return models.ErrorTypeTimeout
	case code == http.StatusTooManyRequests:
		return models.ErrorTypeRateLimit
	case code == http.StatusPaymentRequired:
		return models.ErrorTypeBudgetExhausted
	case code == http.StatusInsufficientStorage:
		return models.ErrorTypeResourceExhaustion
	case code >= http.StatusInternalServerError:
		return models.ErrorTypeServiceUnavailable
	default:
		return models.ErrorTypeNodeExecution
	}
}

// NewErrorContext builds the occurrence record consumed by ResolvePolicy and the metrics collector.
func NewErrorContext(executionID, nodeID, nodeType string, attempt int, err error) *models.ErrorContext {
	errorType := Categorize(err)

	severity := models.DefaultSeverity(errorType)

	var graphErr *models.GraphError
	if errors.As(err, &graphErr) && graphErr.Severity != "" {
		severity = graphErr.Severity
	}

	message := ""
	if err != nil {
		message = err.Error()
	}

	return &models.ErrorContext{
		ExecutionID: executionID,
		NodeID:      nodeID,
		NodeType:    nodeType,
		ErrorType:   errorType,
		Severity:    severity,
		Attempt:     attempt,
		Message:     message,
		OccurredAt:  time.Now().UTC(),
		Err:         err,
	}
}
