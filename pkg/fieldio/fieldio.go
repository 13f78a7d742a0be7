// Package fieldio provides typed access to the rig's field wiring: digital
// interlock inputs, stepper/relay outputs and the analog pressure channel.
//
// Implementations serialize hardware access internally; control loops never
// touch the wiring except through these handles. Pin polarity is resolved
// here, so callers always work with logical levels (true = asserted).
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package fieldio

import (
	"errors"

	"airleak/pkg/config"
)

// Common errors
var (
	ErrClosed       = errors.New("fieldio: device closed")
	ErrBadReading   = errors.New("fieldio: analog reading out of range")
	ErrNotSupported = errors.New("fieldio: not supported on this platform")
)

// DigitalInput is a read handle for one named input line.
type DigitalInput interface {
	// Read returns the logical level (inversion already applied).
	Read() (bool, error)
	Spec() config.PinSpec
}

// DigitalOutput is a write handle for one named output line.
type DigitalOutput interface {
	// Set drives the logical level (inversion already applied).
	Set(level bool) error
	// Get returns the last logical level written.
	Get() bool
	Spec() config.PinSpec
}

// FieldIO is the capability surface the control plane depends on. Two
// implementations exist: the Linux GPIO/ADS1115 backend and the simulator.
type FieldIO interface {
	// Input returns the handle for a named input line. An unknown name is a
	// programmer error and panics.
	Input(name string) DigitalInput

	// Output returns the handle for a named output line. An unknown name is
	// a programmer error and panics.
	Output(name string) DigitalOutput

	// ReadPressure samples the transducer and returns bar.
	ReadPressure() (float64, error)

	// SafeState forces every output to its de-asserted level: pump off,
	// pulse and direction low, stepper disabled.
	SafeState() error

	Close() error
}

// SafeStateOutputs de-asserts all outputs through the generic handle
// interface. Shared by both implementations.
func SafeStateOutputs(io FieldIO, snap *config.Snapshot) error {
	var firstErr error
	for _, name := range snap.OutputPins() {
		if err := io.Output(name).Set(false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
