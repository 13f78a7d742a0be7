// Pressure to pump-frequency calibration
//
// The calibration table maps target pressure (bar) to the drive frequency
// (Hz) that reaches it. Between breakpoints the lookup interpolates
// linearly; outside the table it clamps to the end frequencies. The result
// is additionally clamped to the pump's usable band.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calib

import (
	"fmt"
	"sort"

	"airleak/pkg/config"
	"airleak/pkg/errors"
)

// Frequency clamp applied to every lookup result.
const (
	MinFrequencyHz = 20.0
	MaxFrequencyHz = 50.0
)

// Table is an immutable, sorted pressure→frequency map.
type Table struct {
	points []config.CalibrationPoint
}

// NewTable builds a lookup table from the given breakpoints. The points are
// copied and sorted by pressure; the caller's slice is not retained.
func NewTable(points []config.CalibrationPoint) (*Table, error) {
	if len(points) == 0 {
		return nil, errors.ValidationError("calibration table must not be empty")
	}
	sorted := make([]config.CalibrationPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Pressure < sorted[j].Pressure
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Pressure == sorted[i-1].Pressure {
			return nil, errors.ValidationError(
				fmt.Sprintf("duplicate calibration pressure %.3g bar", sorted[i].Pressure))
		}
	}
	return &Table{points: sorted}, nil
}

// Lookup returns the drive frequency for a target pressure.
func (t *Table) Lookup(pressureBar float64) float64 {
	pts := t.points
	var freq float64
	switch {
	case pressureBar <= pts[0].Pressure:
		freq = pts[0].Frequency
	case pressureBar >= pts[len(pts)-1].Pressure:
		freq = pts[len(pts)-1].Frequency
	default:
		i := sort.Search(len(pts), func(i int) bool {
			return pts[i].Pressure >= pressureBar
		})
		lo, hi := pts[i-1], pts[i]
		frac := (pressureBar - lo.Pressure) / (hi.Pressure - lo.Pressure)
		freq = lo.Frequency + frac*(hi.Frequency-lo.Frequency)
	}
	return clamp(freq)
}

// Points returns a copy of the sorted breakpoints.
func (t *Table) Points() []config.CalibrationPoint {
	out := make([]config.CalibrationPoint, len(t.points))
	copy(out, t.points)
	return out
}

func clamp(freq float64) float64 {
	if freq < MinFrequencyHz {
		return MinFrequencyHz
	}
	if freq > MaxFrequencyHz {
		return MaxFrequencyHz
	}
	return freq
}
