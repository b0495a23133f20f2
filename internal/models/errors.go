package models

import "errors"

var (
	// ErrValidation is returned for bad input at create or edit time
	ErrValidation = errors.New("validation error")

	// ErrInvalidState is returned when an operation is not legal in the current status
	ErrInvalidState = errors.New("invalid schedule state")

	// ErrNotFound is returned when a schedule does not exist
	ErrNotFound = errors.New("schedule not found")

	// ErrAlreadyClaimed is returned when another worker won the pending -> processing race
	ErrAlreadyClaimed = errors.New("schedule already claimed")
)
