// Test run parameters, samples and results
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sequencer

import (
	"time"

	"airleak/pkg/config"
	"airleak/pkg/errors"
)

// Params describes one test run. Built from an external reference record
// and immutable for the run's lifetime.
type Params struct {
	Reference         string
	PositionMM        float64
	TargetPressureBar float64
	DurationMin       float64
}

// Validate checks the parameters against the rig's domain ranges.
func (p Params) Validate() error {
	if p.PositionMM <= config.PositionMinMM || p.PositionMM > config.PositionMaxMM {
		return errors.RangeError("position", p.PositionMM, config.PositionMinMM, config.PositionMaxMM)
	}
	if p.TargetPressureBar <= config.PressureMinBar || p.TargetPressureBar > config.PressureMaxBar {
		return errors.RangeError("target pressure", p.TargetPressureBar, config.PressureMinBar, config.PressureMaxBar)
	}
	if p.DurationMin <= config.DurationMinMin || p.DurationMin > config.DurationMaxMin {
		return errors.RangeError("inspection time", p.DurationMin, config.DurationMinMin, config.DurationMaxMin)
	}
	return nil
}

// Duration returns the inspection time as a time.Duration.
func (p Params) Duration() time.Duration {
	return time.Duration(p.DurationMin * float64(time.Minute))
}

// Sample is one pressure reading taken during TESTING.
type Sample struct {
	Elapsed  time.Duration
	Pressure float64
}

// Event is one entry of a run's event log.
type Event struct {
	Time    time.Time
	Elapsed time.Duration
	Message string
}

// RunStatus is the terminal outcome of a run.
type RunStatus string

const (
	StatusCompleted RunStatus = "COMPLETED"
	StatusStopped   RunStatus = "STOPPED"
	StatusError     RunStatus = "ERROR"
	StatusEmergency RunStatus = "EMERGENCY"
)

// PressureStats summarizes the samples of one run.
type PressureStats struct {
	Min     float64
	Max     float64
	Avg     float64
	Final   float64
	Samples int
}

// computeStats reduces a sample list. An empty list yields zero stats.
func computeStats(samples []Sample) PressureStats {
	if len(samples) == 0 {
		return PressureStats{}
	}
	st := PressureStats{
		Min:     samples[0].Pressure,
		Max:     samples[0].Pressure,
		Final:   samples[len(samples)-1].Pressure,
		Samples: len(samples),
	}
	var sum float64
	for _, s := range samples {
		if s.Pressure < st.Min {
			st.Min = s.Pressure
		}
		if s.Pressure > st.Max {
			st.Max = s.Pressure
		}
		sum += s.Pressure
	}
	st.Avg = sum / float64(len(samples))
	return st
}

// Result is the record produced by the single finalize path. Exactly one
// Result exists per run; it is handed to the persistence sink and kept as
// the sequencer's last result.
type Result struct {
	ID         string
	Params     Params
	Status     RunStatus
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
	Stats      PressureStats
	Events     []Event
}
