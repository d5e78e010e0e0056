package config

import "errors"

// ErrNotFound is returned when a requested resource does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrNotActive is returned by conditional writes when the key exists but is
// no longer active.
var ErrNotActive = errors.New("key not active")

// ErrAlreadyRotated is returned when rotating a key that already has a
// pending replacement.
var ErrAlreadyRotated = errors.New("key already rotated")

// ErrUnsupportedDriver is returned by Open for an unknown store driver.
var ErrUnsupportedDriver = errors.New("unsupported store driver")
