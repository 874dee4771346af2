package models

import "errors"

var (
	// ErrInsufficientFunds is returned when a debit exceeds the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction is returned when a transaction identifier has
	// already been consumed to credit a deposit.
	ErrDuplicateTransaction = errors.New("transaction already used")

	// ErrNotFound is returned when the referenced request does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidStatus is returned when an operation is attempted against a
	// request that has left the state the operation requires.
	ErrInvalidStatus = errors.New("invalid request status")
)
