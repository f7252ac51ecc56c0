package shard

import (
	"errors"
	"fmt"
)

var (
	// ErrTargetNotFound is returned when no explicit key was given and the calling scope has no target.
	ErrTargetNotFound = errors.New("anchorage: target has not been set")

	// ErrAbort may be returned from a transaction body, directly or wrapped with %w, to roll back
	// every open frame of that call. The coordinator consumes it: the caller sees a nil error.
	// Joined with another error, the other error is returned instead.
	ErrAbort = errors.New("anchorage: transaction aborted")

	// ErrConfigFileNotFound is returned by LoadConfig when the config file does not exist.
	ErrConfigFileNotFound = errors.New("anchorage: config file not found")

	// ErrEnvironmentNotFound is returned by LoadConfig when the file has no section for the environment.
	ErrEnvironmentNotFound = errors.New("anchorage: environment not found in config")

	// ErrRegistryClosed is returned when resolving a handle after Registry.Close.
	ErrRegistryClosed = errors.New("anchorage: registry is closed")

	// ErrNoDefault is the reason carried by a ConfigurationError when no default store is configured.
	ErrNoDefault = errors.New("anchorage: no default store configured")
)

// ConfigurationError means a requested key has no usable entry in the configuration.
type ConfigurationError struct {
	Key    Key
	Reason error
}

func (e *ConfigurationError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("anchorage: shard %q is not configured", string(e.Key))
	}
	return fmt.Sprintf("anchorage: shard %q: %v", string(e.Key), e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Reason }

// TransactionError reports a failure of the underlying store while beginning,
// committing or rolling back a frame.
type TransactionError struct {
	Key Key
	Op  string // "begin", "commit" or "rollback"
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("anchorage: %s on shard %q: %v", e.Op, e.Key.String(), e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }
