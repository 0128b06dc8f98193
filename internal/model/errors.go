package model

import (
	"errors"
	"fmt"
)

// Code identifies a rejection class in a machine-readable way.
type Code string

const (
	CodeValidation            Code = "ValidationError"
	CodeMatchNotFound         Code = "MatchNotFound"
	CodeMatchNotActive        Code = "MatchNotActive"
	CodeMatchOutsideWindow    Code = "MatchOutsideWindow"
	CodeVerificationRequired  Code = "VerificationRequired"
	CodeVerificationFailed    Code = "VerificationFailed"
	CodeQuotaExceeded         Code = "QuotaExceeded"
	CodeFraudBlocked          Code = "FraudBlocked"
	CodeDuplicateVote         Code = "DuplicateVote"
	CodeAggregationDegraded   Code = "AggregationDegraded"
	CodeTransientStoreFailure Code = "TransientStoreFailure"
)

// Rejection is a terminal submission failure with a stable code.
// Retryable marks failures where the caller may resubmit the same request;
// the pipeline itself never retries.
type Rejection struct {
	Code      Code
	Message   string
	Retryable bool
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Reject builds a non-retryable rejection.
func Reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RejectRetryable builds a retryable rejection.
func RejectRetryable(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// AsRejection unwraps err into a Rejection if one is in the chain.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
