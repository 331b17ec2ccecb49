package types

import (
	"errors"
	"fmt"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var (
	ErrTransientHardware = errors.New("transient hardware error")
	ErrSafetyViolation   = errors.New("safety violation")
	ErrOrderExecution    = errors.New("order execution failed")
	ErrFatalInit         = errors.New("fatal initialization error")
)

// TransientHardwareError is a timeout or missing response from a component.
// It is retried up to the configured attempts before the component is disabled.
type TransientHardwareError struct {
	Component string
	Op        string
	Err       error
}

func (e *TransientHardwareError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Component, e.Op, e.Err)
}

func (e *TransientHardwareError) Unwrap() []error {
	return []error{ErrTransientHardware, e.Err}
}

type SafetyViolation struct {
	Component string
	Quantity  string
	Value     float64
	Limit     float64
	Reason    string
}

func (e *SafetyViolation) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("safety violation on %s: %s", e.Component, e.Reason)
	}
	return fmt.Sprintf("safety violation on %s: %s %.2f exceeds %.2f", e.Component, e.Quantity, e.Value, e.Limit)
}

func (e *SafetyViolation) Unwrap() error { return ErrSafetyViolation }

type OrderExecutionError struct {
	OrderID string
	Step    int
	Err     error
}

func (e *OrderExecutionError) Error() string {
	return fmt.Sprintf("order %s step %d: %v", e.OrderID, e.Step, e.Err)
}

func (e *OrderExecutionError) Unwrap() []error {
	return []error{ErrOrderExecution, e.Err}
}

type FatalInitializationError struct {
	Subsystem string
	Err       error
}

func (e *FatalInitializationError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Subsystem, e.Err)
}

func (e *FatalInitializationError) Unwrap() []error {
	return []error{ErrFatalInit, e.Err}
}
