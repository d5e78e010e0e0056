package service

import "errors"

var (
	// ErrNotFound means the key does not exist.
	ErrNotFound = errors.New("api key not found")
	// ErrForbidden means the key exists but belongs to another owner.
	ErrForbidden = errors.New("api key belongs to another owner")
	// ErrKeyNotActive is the precondition failure for operations on a
	// revoked key.
	ErrKeyNotActive = errors.New("api key is not active")
	// ErrAlreadyRotated is returned when a key already has a pending
	// replacement.
	ErrAlreadyRotated = errors.New("api key already rotated")
	// ErrInvalidInput wraps client input validation failures.
	ErrInvalidInput = errors.New("invalid input")
)
