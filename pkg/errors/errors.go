// Unified error handling for the air-leakage test rig
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Validation errors - rejected before any hardware action
	ErrValidation      ErrorCode = "VALIDATION"
	ErrValidationRange ErrorCode = "VALIDATION_RANGE"

	// Hardware faults - abort the current run
	ErrHardware         ErrorCode = "HARDWARE"
	ErrHardwareHoming   ErrorCode = "HARDWARE_HOMING"
	ErrHardwareMove     ErrorCode = "HARDWARE_MOVE"
	ErrHardwareLimit    ErrorCode = "HARDWARE_LIMIT"
	ErrHardwareTimeout  ErrorCode = "HARDWARE_TIMEOUT"
	ErrHardwareIO       ErrorCode = "HARDWARE_IO"

	// Communication errors - retried, then degraded
	ErrComm           ErrorCode = "COMM"
	ErrCommTimeout    ErrorCode = "COMM_TIMEOUT"
	ErrCommCRC        ErrorCode = "COMM_CRC"
	ErrCommException  ErrorCode = "COMM_EXCEPTION"
	ErrCommLost       ErrorCode = "COMM_LOST"
	ErrCommNoResponse ErrorCode = "COMM_NO_RESPONSE"

	// Safety violations - always latch, always abort
	ErrSafety ErrorCode = "SAFETY"

	// Sequencer state errors
	ErrNotIdle ErrorCode = "NOT_IDLE"
)

// RigError is the unified error type for the control plane
type RigError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Component is the subsystem that produced the error
	Component string

	// Err wraps the underlying error
	Err error
}

// Error implements the error interface
func (e *RigError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *RigError) Unwrap() error {
	return e.Err
}

// SetComponent sets the originating subsystem
func (e *RigError) SetComponent(component string) *RigError {
	e.Component = component
	return e
}

// New creates a new RigError
func New(code ErrorCode, message string) *RigError {
	return &RigError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a category and message
func Wrap(err error, code ErrorCode, message string) *RigError {
	return &RigError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Validation errors

// ValidationError creates an error for a rejected input
func ValidationError(message string) *RigError {
	return New(ErrValidation, message)
}

// RangeError creates an error for an out-of-range parameter
func RangeError(name string, value, min, max float64) *RigError {
	return New(ErrValidationRange,
		fmt.Sprintf("%s %.3g out of range [%.3g, %.3g]", name, value, min, max))
}

// Hardware faults

// HardwareFault creates a general hardware error
func HardwareFault(component, message string) *RigError {
	return New(ErrHardware, message).SetComponent(component)
}

// HomingFault creates an error for a failed homing sequence
func HomingFault(attempts int) *RigError {
	return New(ErrHardwareHoming,
		fmt.Sprintf("failed to reach home switch after %d attempts", attempts)).
		SetComponent("motor")
}

// MoveFault creates an error for a failed positioning move
func MoveFault(targetMM float64, reason string) *RigError {
	return New(ErrHardwareMove,
		fmt.Sprintf("move to %.1fmm failed: %s", targetMM, reason)).
		SetComponent("motor")
}

// LimitFault creates an error for an unexpected travel-limit trip
func LimitFault(pin string) *RigError {
	return New(ErrHardwareLimit, "travel limit tripped: "+pin).SetComponent("motor")
}

// HardwareTimeout creates an error for an elapsed hardware deadline
func HardwareTimeout(component, operation string) *RigError {
	return New(ErrHardwareTimeout, operation+" timed out").SetComponent(component)
}

// Communication errors

// CommError creates a general communication error
func CommError(message string) *RigError {
	return New(ErrComm, message).SetComponent("modbus")
}

// CommTimeout creates an error for a response timeout
func CommTimeout(message string) *RigError {
	return New(ErrCommTimeout, message).SetComponent("modbus")
}

// CRCError creates an error for a corrupted frame
func CRCError(message string) *RigError {
	return New(ErrCommCRC, message).SetComponent("modbus")
}

// ConnectionLost creates an error for an exhausted error budget
func ConnectionLost(errorCount int) *RigError {
	return New(ErrCommLost,
		fmt.Sprintf("connection marked lost after %d consecutive errors", errorCount)).
		SetComponent("modbus")
}

// Safety violations

// SafetyViolation creates an error for a failed critical safety condition
func SafetyViolation(message string) *RigError {
	return New(ErrSafety, message).SetComponent("safety")
}

// Sequencer errors

// NotIdle creates an error for a start request outside IDLE
func NotIdle(state string) *RigError {
	return New(ErrNotIdle, "cannot start test in state "+state).SetComponent("sequencer")
}

// Is checks whether err carries the given error code
func Is(err error, code ErrorCode) bool {
	var re *RigError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// Code returns the error code of err, or empty if err is not a RigError
func Code(err error) ErrorCode {
	var re *RigError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsValidation checks if err is a validation error
func IsValidation(err error) bool {
	return Is(err, ErrValidation) || Is(err, ErrValidationRange)
}

// IsHardware checks if err is a hardware fault
func IsHardware(err error) bool {
	return Is(err, ErrHardware) ||
		Is(err, ErrHardwareHoming) ||
		Is(err, ErrHardwareMove) ||
		Is(err, ErrHardwareLimit) ||
		Is(err, ErrHardwareTimeout) ||
		Is(err, ErrHardwareIO)
}

// IsComm checks if err is a communication error
func IsComm(err error) bool {
	return Is(err, ErrComm) ||
		Is(err, ErrCommTimeout) ||
		Is(err, ErrCommCRC) ||
		Is(err, ErrCommException) ||
		Is(err, ErrCommLost) ||
		Is(err, ErrCommNoResponse)
}

// IsSafety checks if err is a safety violation
func IsSafety(err error) bool {
	return Is(err, ErrSafety)
}
