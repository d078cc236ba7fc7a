// Package apierror maps internal errors onto the wire taxonomy shared by
// the REST surface and the live WebSocket channel.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/voicegate/voicegate/pkg/core/budget"
	"github.com/voicegate/voicegate/pkg/core/pipeline"
	"github.com/voicegate/voicegate/pkg/core/session"
	"github.com/voicegate/voicegate/pkg/gateway/store"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrBudget         ErrorType = "budget_exceeded_error"
	ErrProvider       ErrorType = "provider_error"
	ErrAPI            ErrorType = "api_error"
)

// Error is the canonical wire error.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Param     string    `json:"param,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	// Budget details, present on budget_exceeded_error.
	Dimension string  `json:"dimension,omitempty"`
	Used      float64 `json:"used,omitempty"`
	Limit     float64 `json:"limit,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type Envelope struct {
	Error *Error `json:"error"`
}

// FromError converts any error into the canonical form and its HTTP
// status. Unknown errors collapse to api_error without leaking details.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(out.Type)
	}

	if errors.Is(err, store.ErrNotFound) {
		return &Error{
			Type:      ErrNotFound,
			Message:   "session not found",
			RequestID: requestID,
		}, http.StatusNotFound
	}

	var inv *session.InvalidTransitionError
	if errors.As(err, &inv) && inv != nil {
		return &Error{
			Type:      ErrConflict,
			Message:   inv.Error(),
			Code:      "invalid_transition",
			RequestID: requestID,
		}, http.StatusConflict
	}

	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) && exceeded != nil {
		return &Error{
			Type:      ErrBudget,
			Message:   exceeded.Error(),
			Code:      "budget_exceeded",
			RequestID: requestID,
			Dimension: string(exceeded.Snapshot.Dimension),
			Used:      exceeded.Snapshot.Used,
			Limit:     exceeded.Snapshot.Limit,
		}, http.StatusTooManyRequests
	}

	var provider *pipeline.ProviderError
	if errors.As(err, &provider) && provider != nil {
		return &Error{
			Type:      ErrProvider,
			Message:   fmt.Sprintf("%s provider failed", provider.Stage),
			Code:      string(provider.Stage),
			RequestID: requestID,
		}, http.StatusBadGateway
	}

	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrBudget:
		return http.StatusTooManyRequests
	case ErrProvider:
		return http.StatusBadGateway
	case ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
