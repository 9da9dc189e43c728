// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
)

const (
	errConcurrentModification = "record modified concurrently"
	errBlockFull              = "status list block is full"
	errListFull               = "status list is full"
	errQuotaExceeded          = "status list count quota reached"
	errDuplicate              = "duplicate credential"
	errNotFound               = "not found"
	errInvalidState           = "invalid state"
)

var (
	// ErrConcurrentModification is returned by state store writes when the
	// caller's expected sequence does not match the stored record. Callers
	// re-read and retry.
	ErrConcurrentModification = errors.New(errConcurrentModification)

	// ErrBlockFull is returned by the block allocator when every position
	// in the target block has been assigned.
	ErrBlockFull = errors.New(errBlockFull)

	// ErrListFull is returned when every block of a list is full.
	ErrListFull = errors.New(errListFull)

	// ErrQuotaExceeded is returned when a list set has reached its
	// configured list count and no further positions can be allocated.
	ErrQuotaExceeded = errors.New(errQuotaExceeded)

	// ErrDuplicate is returned by the credential store when the credential
	// id or alias id already exists for the tenant.
	ErrDuplicate = errors.New(errDuplicate)

	// ErrNotFound is returned when a record lookup misses.
	ErrNotFound = errors.New(errNotFound)

	// ErrInvalidState is returned on sequence mismatch during
	// configuration updates.
	ErrInvalidState = errors.New(errInvalidState)
)

// API error type names surfaced to clients in the data.type field.
const (
	ErrTypeValidation     = "ValidationError"
	ErrTypeData           = "DataError"
	ErrTypeDuplicate      = "DuplicateError"
	ErrTypeNotAllowed     = "NotAllowedError"
	ErrTypeInvalidState   = "InvalidStateError"
	ErrTypeNotFound       = "NotFoundError"
	ErrTypeQuotaExceeded  = "QuotaExceededError"
	ErrTypeInternalServer = "InternalServerError"
)

// APIError is an error with a stable type name that maps onto an HTTP
// status code. All errors crossing the HTTP boundary are either APIErrors
// or get wrapped into an InternalServerError by the agent.
type APIError struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Code returns the HTTP status code for the error type. QuotaExceeded uses
// 507 to match the insufficient-storage semantics of running out of status
// list capacity.
func (e *APIError) Code() int {
	switch e.Type {
	case ErrTypeValidation, ErrTypeData:
		return 400
	case ErrTypeNotAllowed:
		return 403
	case ErrTypeNotFound:
		return 404
	case ErrTypeDuplicate, ErrTypeInvalidState:
		return 409
	case ErrTypeQuotaExceeded:
		return 507
	default:
		return 500
	}
}

func NewValidationError(msg string, details ...string) *APIError {
	return &APIError{Type: ErrTypeValidation, Message: msg, Details: details}
}

func NewDataError(msg string, details ...string) *APIError {
	return &APIError{Type: ErrTypeData, Message: msg, Details: details}
}

func NewDuplicateError(msg string) *APIError {
	return &APIError{Type: ErrTypeDuplicate, Message: msg}
}

func NewNotAllowedError(msg string) *APIError {
	return &APIError{Type: ErrTypeNotAllowed, Message: msg}
}

func NewInvalidStateError(msg string) *APIError {
	return &APIError{Type: ErrTypeInvalidState, Message: msg}
}

func NewNotFoundError(msg string) *APIError {
	return &APIError{Type: ErrTypeNotFound, Message: msg}
}

func NewQuotaExceededError(msg string) *APIError {
	return &APIError{Type: ErrTypeQuotaExceeded, Message: msg}
}

func NewInternalServerError(err error) *APIError {
	return &APIError{Type: ErrTypeInternalServer, Message: err.Error()}
}

// AsAPIError classifies err into an APIError, translating the internal
// sentinel errors into their public taxonomy. Unclassified errors become
// InternalServerError.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, ErrDuplicate):
		return NewDuplicateError(err.Error())
	case errors.Is(err, ErrQuotaExceeded):
		return NewQuotaExceededError(err.Error())
	case errors.Is(err, ErrNotFound):
		return NewNotFoundError(err.Error())
	case errors.Is(err, ErrInvalidState):
		return NewInvalidStateError(err.Error())
	default:
		return NewInternalServerError(err)
	}
}
