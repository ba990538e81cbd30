package errors

import (
	"net/http"
	"time"
)

// ProblemDetails represents an RFC 7807 compliant error response.
type ProblemDetails struct {
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Status    int               `json:"status"`
	Detail    string            `json:"detail"`
	Instance  string            `json:"instance,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a field-specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Problem type URIs.
const (
	TypeValidationError   = "https://api.eloity.com/errors/validation-error"
	TypeUnauthorized      = "https://api.eloity.com/errors/unauthorized"
	TypeNotFound          = "https://api.eloity.com/errors/not-found"
	TypeInsufficientFunds = "https://api.eloity.com/errors/insufficient-funds"
	TypeInvalidTransition = "https://api.eloity.com/errors/invalid-transition"
	TypeSettlementFailure = "https://api.eloity.com/errors/settlement-failure"
	TypeInternalError     = "https://api.eloity.com/errors/internal-error"
)

// NewProblemDetails creates a new RFC 7807 compliant error body.
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

func (p *ProblemDetails) Error() string { return p.Detail }

// WithValidationErrors attaches field errors to the problem details.
func (p *ProblemDetails) WithValidationErrors(errs []ValidationError) *ProblemDetails {
	p.Errors = errs
	return p
}

// ToProblem maps a domain error to RFC 7807 problem details for the given
// request path.
func ToProblem(err error, instance string) *ProblemDetails {
	detail := err.Error()
	switch {
	case Is(err, ErrInvalidInput):
		return NewProblemDetails(TypeValidationError, "Validation Error", http.StatusBadRequest, detail, instance)
	case Is(err, ErrUnauthorized):
		return NewProblemDetails(TypeUnauthorized, "Unauthorized", http.StatusForbidden, detail, instance)
	case Is(err, ErrNotFound):
		return NewProblemDetails(TypeNotFound, "Not Found", http.StatusNotFound, detail, instance)
	case Is(err, ErrInsufficientFunds):
		return NewProblemDetails(TypeInsufficientFunds, "Insufficient Funds", http.StatusUnprocessableEntity, detail, instance)
	case Is(err, ErrInvalidTransition):
		return NewProblemDetails(TypeInvalidTransition, "Invalid Transition", http.StatusConflict, detail, instance)
	case Is(err, ErrSettlementFailure):
		return NewProblemDetails(TypeSettlementFailure, "Settlement Failure", http.StatusConflict, detail, instance)
	default:
		return NewProblemDetails(TypeInternalError, "Internal Server Error", http.StatusInternalServerError, detail, instance)
	}
}
