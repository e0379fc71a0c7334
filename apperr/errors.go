// Package apperr defines the error taxonomy shared by the billing packages.
// Errors are returned as pointers and survive wrapping with github.com/pkg/errors.
package apperr

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when a plan, subscription or organization does not exist (or is not usable).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ValidationError describes input that is missing or malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GatewayError wraps a failure returned by the payment gateway.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// InconsistentStateError is returned when persisted state does not allow the requested operation,
// e.g. an illegal status transition or a billing date that moved underneath the processor.
type InconsistentStateError struct {
	Reason string
}

func (e *InconsistentStateError) Error() string {
	return "inconsistent state: " + e.Reason
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func Gateway(op string, err error) error {
	return &GatewayError{Op: op, Err: err}
}

func InconsistentState(format string, args ...interface{}) error {
	return &InconsistentStateError{Reason: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsGateway(err error) bool {
	var target *GatewayError
	return errors.As(err, &target)
}

func IsInconsistentState(err error) bool {
	var target *InconsistentStateError
	return errors.As(err, &target)
}
