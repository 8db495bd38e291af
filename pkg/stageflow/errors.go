package stageflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for catalogue operations.
var (
	// ErrConfiguration indicates an inconsistent stage catalogue declaration.
	ErrConfiguration = errors.New("invalid stage flow configuration")

	// ErrUnknownStatus indicates a status that no stage in the flow declares.
	ErrUnknownStatus = errors.New("unknown status")

	// ErrUnknownFlow indicates a flow name missing from the catalogue.
	ErrUnknownFlow = errors.New("unknown stage flow")
)

// ConfigurationError reports why a flow could not be constructed.
//
// Configuration errors are fatal at startup and are never retried.
type ConfigurationError struct {
	// Flow is the name of the flow being constructed.
	Flow string

	// Reason describes the inconsistency.
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Flow == "" {
		return "stage flow: " + e.Reason
	}
	return fmt.Sprintf("stage flow %q: %s", e.Flow, e.Reason)
}

// Is allows errors.Is(err, ErrConfiguration).
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// UnknownStatusError is returned when a status cannot be mapped to a stage.
//
// This usually means the instance was written by a different catalogue
// version than the one loaded by the caller.
type UnknownStatusError struct {
	Flow   string
	Status Status
}

// Error implements the error interface.
func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("stage flow %q: no stage declares status %q", e.Flow, e.Status)
}

// Is allows errors.Is(err, ErrUnknownStatus).
func (e *UnknownStatusError) Is(target error) bool {
	return target == ErrUnknownStatus
}

// IsConfiguration returns true if the error indicates a catalogue declaration problem.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsUnknownStatus returns true if the error indicates an unmapped status.
func IsUnknownStatus(err error) bool {
	return errors.Is(err, ErrUnknownStatus)
}

func configErrorf(flow, format string, args ...any) error {
	return &ConfigurationError{Flow: flow, Reason: fmt.Sprintf(format, args...)}
}
