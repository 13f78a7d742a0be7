package fieldio

import (
	"sync"

	"airleak/pkg/config"
)

// Sim is the simulated field I/O backend. Inputs are scripted by tests or by
// the bench simulator; outputs are recorded. All methods are safe for
// concurrent use.
type Sim struct {
	mu       sync.Mutex
	snap     *config.Snapshot
	inputs   map[string]bool
	outputs  map[string]bool
	pressure func() (float64, error)
	closed   bool
}

// NewSim creates a simulator with all inputs released and outputs
// de-asserted. The default pressure source reads 0 bar.
func NewSim(snap *config.Snapshot) *Sim {
	s := &Sim{
		snap:    snap,
		inputs:  make(map[string]bool),
		outputs: make(map[string]bool),
	}
	s.pressure = func() (float64, error) { return 0, nil }
	return s
}

type simInput struct {
	sim  *Sim
	spec config.PinSpec
}

func (in *simInput) Read() (bool, error) {
	in.sim.mu.Lock()
	defer in.sim.mu.Unlock()
	if in.sim.closed {
		return false, ErrClosed
	}
	return in.sim.inputs[in.spec.Name], nil
}

func (in *simInput) Spec() config.PinSpec { return in.spec }

type simOutput struct {
	sim  *Sim
	spec config.PinSpec
}

func (out *simOutput) Set(level bool) error {
	out.sim.mu.Lock()
	defer out.sim.mu.Unlock()
	if out.sim.closed {
		return ErrClosed
	}
	out.sim.outputs[out.spec.Name] = level
	return nil
}

func (out *simOutput) Get() bool {
	out.sim.mu.Lock()
	defer out.sim.mu.Unlock()
	return out.sim.outputs[out.spec.Name]
}

func (out *simOutput) Spec() config.PinSpec { return out.spec }

// Input implements FieldIO.
func (s *Sim) Input(name string) DigitalInput {
	spec, ok := s.snap.Pins[name]
	if !ok || spec.Output {
		panic("fieldio: unknown input pin " + name)
	}
	return &simInput{sim: s, spec: spec}
}

// Output implements FieldIO.
func (s *Sim) Output(name string) DigitalOutput {
	spec, ok := s.snap.Pins[name]
	if !ok || !spec.Output {
		panic("fieldio: unknown output pin " + name)
	}
	return &simOutput{sim: s, spec: spec}
}

// ReadPressure implements FieldIO.
func (s *Sim) ReadPressure() (float64, error) {
	s.mu.Lock()
	fn := s.pressure
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return fn()
}

// SafeState implements FieldIO.
func (s *Sim) SafeState() error {
	return SafeStateOutputs(s, s.snap)
}

// Close implements FieldIO.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SetInput scripts the logical level of an input line.
func (s *Sim) SetInput(name string, level bool) {
	if spec, ok := s.snap.Pins[name]; !ok || spec.Output {
		panic("fieldio: unknown input pin " + name)
	}
	s.mu.Lock()
	s.inputs[name] = level
	s.mu.Unlock()
}

// SetPressure scripts a fixed pressure reading.
func (s *Sim) SetPressure(bar float64) {
	s.mu.Lock()
	s.pressure = func() (float64, error) { return bar, nil }
	s.mu.Unlock()
}

// SetPressureFunc scripts a dynamic pressure source, e.g. a ramp or an
// error injector.
func (s *Sim) SetPressureFunc(fn func() (float64, error)) {
	s.mu.Lock()
	s.pressure = fn
	s.mu.Unlock()
}

// OutputLevel reports the last logical level driven on an output line.
func (s *Sim) OutputLevel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[name]
}
