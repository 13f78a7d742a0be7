// Test sequencer: the state machine driving one air-leakage test run
//
// A run walks homing → positioning → (frequency setup) → pump start →
// timed inspection → return to home. The run executes on a dedicated
// worker goroutine; Stop cancels it cooperatively, EmergencyStop forces
// hardware safe from the caller's goroutine without waiting. Every outcome
// funnels through the single finalize path, which always produces a Result
// and always leaves the hardware outputs de-asserted.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"airleak/pkg/calib"
	"airleak/pkg/config"
	"airleak/pkg/errors"
	"airleak/pkg/log"
)

// State is the sequencer's current phase.
type State int

const (
	Idle State = iota
	Initializing
	Homing
	MovingToPosition
	SettingFrequency
	StartingMotor
	Testing
	Stopping
	ReturningHome
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Homing:
		return "homing"
	case MovingToPosition:
		return "moving_to_position"
	case SettingFrequency:
		return "setting_frequency"
	case StartingMotor:
		return "starting_motor"
	case Testing:
		return "testing"
	case Stopping:
		return "stopping"
	case ReturningHome:
		return "returning_home"
	}
	return "unknown"
}

// Actuator is the positioning capability of the motor driver.
type Actuator interface {
	Home(ctx context.Context) error
	MoveTo(ctx context.Context, targetMM float64) error
	Position() (float64, bool)
	EmergencyStop()
}

// RelayPower is the pump on/off capability. Kept separate from
// FrequencyControl: the relay starts and stops the pump even when the
// Modbus link sets its speed.
type RelayPower interface {
	PumpOn() error
	PumpOff() error
	PumpRunning() bool
}

// FrequencyControl is the Modbus frequency capability of the drive.
type FrequencyControl interface {
	SetFrequency(hz float64) error
	Connected() bool
}

// SafetyGate is the predicate surface of the safety monitor.
type SafetyGate interface {
	IsSafeToOperate() bool
	EmergencyActive() (bool, string, time.Time)
}

// PressureSource supplies live pressure readings.
type PressureSource interface {
	ReadPressure() (float64, error)
}

// ResultSink receives the Result of every finalized run.
type ResultSink interface {
	Save(Result) error
}

// Notifier receives status messages and progress updates. Implementations
// must not block.
type Notifier interface {
	Status(message, level string)
	Progress(p Progress)
}

// Progress is the periodic update pushed during a run. LastStatus and
// LastReason carry the outcome of the most recently finalized run, so the
// terminal state stays visible after the sequencer returns to IDLE.
type Progress struct {
	RunID      string
	State      string
	Pressure   float64
	Elapsed    time.Duration
	Target     time.Duration
	PositionMM float64
	Paused     bool
	LastStatus string
	LastReason string
}

// Deps bundles the sequencer's collaborators. Frequency, Sink and Notifier
// are optional.
type Deps struct {
	Actuator  Actuator
	Pump      RelayPower
	Frequency FrequencyControl
	Safety    SafetyGate
	Pressure  PressureSource
	Table     *calib.Table
	Sink      ResultSink
	Notifier  Notifier
}

// Sequencer owns the test state machine. At most one run is in progress.
type Sequencer struct {
	mu     sync.Mutex
	snap   *config.Snapshot
	deps   Deps
	logger *log.Logger

	state   State
	runID   string
	params  Params
	started time.Time
	samples []Sample
	events  []Event
	current float64
	paused  bool

	stopReason      string
	emergencyReason string
	cancel          context.CancelFunc
	workerDone      chan struct{}

	lastResult *Result

	sleep func(time.Duration) // swapped in tests
}

// New builds a sequencer. Table must be non-nil when automatic frequency
// mode is enabled.
func New(snap *config.Snapshot, deps Deps, logger *log.Logger) *Sequencer {
	return &Sequencer{
		snap:   snap,
		deps:   deps,
		logger: logger.Named("sequencer"),
		sleep:  time.Sleep,
	}
}

// State returns the current phase.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether a run worker is active.
func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != Idle
}

// LastResult returns the result of the most recently finalized run.
func (s *Sequencer) LastResult() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		return Result{}, false
	}
	return *s.lastResult, true
}

// Start validates params, re-checks safety and launches the run worker.
// Rejected with NotIdle unless the sequencer is idle.
func (s *Sequencer) Start(params Params) error {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return errors.NotIdle(state.String())
	}
	if err := params.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.deps.Safety.IsSafeToOperate() {
		s.mu.Unlock()
		return errors.SafetyViolation("safety check failed before start")
	}

	s.state = Initializing
	s.runID = uuid.NewString()
	s.params = params
	s.started = time.Now()
	s.samples = nil
	s.events = nil
	s.current = 0
	s.paused = false
	s.stopReason = ""
	s.emergencyReason = ""

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.workerDone = make(chan struct{})
	done := s.workerDone
	s.mu.Unlock()

	s.logEvent("test started: " + params.Reference)
	s.notifyStatus("test started", "success")
	s.logger.Infow("run started",
		"run_id", s.runID, "reference", params.Reference,
		"position_mm", params.PositionMM, "pressure_bar", params.TargetPressureBar,
		"duration_min", params.DurationMin)

	go func() {
		defer close(done)
		s.run(ctx)
	}()
	return nil
}

// Stop cancels a running test cooperatively, waits for the worker to
// finalize and return the actuator home. A no-op when idle.
func (s *Sequencer) Stop(reason string) {
	s.mu.Lock()
	if s.state == Idle || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.stopReason = reason
	s.state = Stopping
	cancel := s.cancel
	done := s.workerDone
	s.mu.Unlock()

	s.logger.Infow("stop requested", "reason", reason)
	s.deps.Pump.PumpOff()
	cancel()
	<-done
}

// EmergencyStop forces the hardware safe from the caller's goroutine and
// signals the worker. It never waits: the worker observes the cancellation
// and finalizes with EMERGENCY. Safe to call from the safety monitor's
// callback in any state.
func (s *Sequencer) EmergencyStop(reason string) {
	s.deps.Actuator.EmergencyStop() // drops pump relay and stepper enable

	s.mu.Lock()
	if s.state == Idle || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	if s.emergencyReason == "" {
		s.emergencyReason = reason
	}
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Errorw("emergency stop", "reason", reason)
	s.notifyStatus("EMERGENCY STOP: "+reason, "error")
	cancel()
}

// Pause opens the pump relay while holding position. Only valid during
// TESTING; sampling continues.
func (s *Sequencer) Pause() error {
	s.mu.Lock()
	if s.state != Testing || s.paused {
		state := s.state
		s.mu.Unlock()
		return errors.New(errors.ErrNotIdle, "cannot pause in state "+state.String()).
			SetComponent("sequencer")
	}
	s.paused = true
	s.mu.Unlock()

	if err := s.deps.Pump.PumpOff(); err != nil {
		return err
	}
	s.logEvent("test paused")
	s.notifyStatus("test paused", "warning")
	return nil
}

// Resume closes the pump relay again after a Pause.
func (s *Sequencer) Resume() error {
	s.mu.Lock()
	if s.state != Testing || !s.paused {
		state := s.state
		s.mu.Unlock()
		return errors.New(errors.ErrNotIdle, "cannot resume in state "+state.String()).
			SetComponent("sequencer")
	}
	s.paused = false
	s.mu.Unlock()

	if err := s.deps.Pump.PumpOn(); err != nil {
		return err
	}
	s.logEvent("test resumed")
	s.notifyStatus("test resumed", "info")
	return nil
}

// run executes the phase sequence on the worker goroutine.
func (s *Sequencer) run(ctx context.Context) {
	// Phase: homing
	if !s.advance(ctx, Homing) {
		return
	}
	s.notifyStatus("moving to home position", "info")
	if err := s.deps.Actuator.Home(ctx); err != nil {
		s.fail(ctx, err)
		return
	}
	s.logEvent("home position reached")
	s.sleep(s.snap.Sequencer.PhaseSettle)

	// Phase: positioning
	if !s.advance(ctx, MovingToPosition) {
		return
	}
	s.notifyStatus(fmt.Sprintf("moving to position %.1fmm", s.params.PositionMM), "info")
	if err := s.deps.Actuator.MoveTo(ctx, s.params.PositionMM); err != nil {
		s.fail(ctx, err)
		return
	}
	s.logEvent("target position reached")
	s.sleep(s.snap.Sequencer.PhaseSettle)

	// Phase: frequency setup (automatic mode only)
	if s.snap.Modbus.Enabled && s.snap.Modbus.AutoFrequency && s.deps.Frequency != nil {
		if !s.advance(ctx, SettingFrequency) {
			return
		}
		if err := s.setFrequency(); err != nil {
			if s.snap.Modbus.RequireFrequency {
				s.fail(ctx, err)
				return
			}
			// degrade: the pump still runs at its panel setting
			s.logEvent("frequency setup failed, degrading to relay-only control")
			s.notifyStatus("frequency control unavailable, running relay-only", "warning")
			s.logger.Warnw("degrading to relay-only control", "error", err)
		}
	}

	// Phase: pump start
	if !s.advance(ctx, StartingMotor) {
		return
	}
	s.notifyStatus("starting pump", "info")
	if err := s.deps.Pump.PumpOn(); err != nil {
		s.fail(ctx, err)
		return
	}
	s.logEvent("pump started")
	s.sleep(s.snap.Sequencer.MotorStartDelay)

	// Phase: inspection
	if !s.advance(ctx, Testing) {
		return
	}
	s.notifyStatus("test in progress", "info")
	if completed := s.collect(ctx); !completed {
		s.abort()
		return
	}
	s.logEvent("inspection time elapsed")

	// Phase: wind down and return home
	s.deps.Pump.PumpOff()
	s.logEvent("pump stopped")
	s.sleep(s.snap.Sequencer.PhaseSettle)

	s.setState(ReturningHome)
	s.notifyStatus("returning to home position", "info")
	if err := s.deps.Actuator.Home(ctx); err != nil {
		s.logEvent("return to home failed: " + err.Error())
		s.notifyStatus("test completed, home return failed", "warning")
	} else {
		s.logEvent("returned to home position")
	}

	s.finalize(StatusCompleted, "normal completion")
}

// advance moves to the next phase unless cancellation was observed first.
func (s *Sequencer) advance(ctx context.Context, next State) bool {
	if ctx.Err() != nil {
		s.abort()
		return false
	}
	s.setState(next)
	return true
}

// setFrequency resolves the drive frequency from the calibration table and
// writes it over Modbus.
func (s *Sequencer) setFrequency() error {
	if s.deps.Table == nil {
		return errors.ValidationError("no calibration table configured")
	}
	hz := s.deps.Table.Lookup(s.params.TargetPressureBar)
	s.notifyStatus(fmt.Sprintf("setting pump frequency to %.1fHz", hz), "info")
	if err := s.deps.Frequency.SetFrequency(hz); err != nil {
		return err
	}
	s.logEvent(fmt.Sprintf("frequency set to %.1fHz for %.2fbar", hz, s.params.TargetPressureBar))
	return nil
}

// collect runs the sampling loop until the inspection time elapses. It
// reports false if the run was cancelled instead.
func (s *Sequencer) collect(ctx context.Context) bool {
	target := s.params.Duration()
	start := time.Now()

	sampleTicker := time.NewTicker(s.snap.Sequencer.SampleInterval)
	defer sampleTicker.Stop()
	statusTicker := time.NewTicker(s.snap.Sequencer.StatusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-sampleTicker.C:
			elapsed := time.Since(start)
			if elapsed >= target {
				return true
			}
			s.takeSample(elapsed)
		case <-statusTicker.C:
			s.notifyProgress(time.Since(start), target)
		}
	}
}

func (s *Sequencer) takeSample(elapsed time.Duration) {
	bar, err := s.deps.Pressure.ReadPressure()
	if err != nil {
		s.logger.Warnw("pressure sample failed", "error", err)
		return
	}
	s.mu.Lock()
	s.current = bar
	s.samples = append(s.samples, Sample{Elapsed: elapsed, Pressure: bar})
	s.mu.Unlock()
}

// abort finalizes a cancelled run: EMERGENCY if the emergency path fired,
// STOPPED otherwise. The stop path returns the actuator home first; the
// emergency path leaves everything where it is.
func (s *Sequencer) abort() {
	s.deps.Pump.PumpOff()

	s.mu.Lock()
	emergency := s.emergencyReason
	reason := s.stopReason
	s.mu.Unlock()

	if emergency != "" {
		s.finalize(StatusEmergency, emergency)
		return
	}
	if reason == "" {
		reason = "stop requested"
	}

	s.setState(ReturningHome)
	home, cancel := context.WithTimeout(context.Background(), s.snap.Motor.HomingTimeout)
	defer cancel()
	if err := s.deps.Actuator.Home(home); err != nil {
		s.logEvent("return to home failed: " + err.Error())
		s.notifyStatus("stopped, home return failed", "warning")
	}
	s.finalize(StatusStopped, reason)
}

// fail finalizes a run after a phase error. Cancellation racing the error
// takes precedence over the error status.
func (s *Sequencer) fail(ctx context.Context, err error) {
	s.mu.Lock()
	emergency := s.emergencyReason
	s.mu.Unlock()
	if emergency != "" || ctx.Err() != nil {
		s.abort()
		return
	}

	s.deps.Pump.PumpOff()
	s.logger.Errorw("run failed", "error", err)
	s.logEvent("test error: " + err.Error())
	s.notifyStatus("test failed: "+err.Error(), "error")
	s.finalize(StatusError, err.Error())
}

// finalize is the single path producing a Result. It persists the record,
// clears the working state and returns the sequencer to IDLE.
func (s *Sequencer) finalize(status RunStatus, reason string) {
	s.mu.Lock()
	result := &Result{
		ID:         s.runID,
		Params:     s.params,
		Status:     status,
		Reason:     reason,
		StartedAt:  s.started,
		FinishedAt: time.Now(),
		Stats:      computeStats(s.samples),
		Events:     append([]Event(nil), s.events...),
	}
	s.lastResult = result
	s.state = Idle
	s.cancel = nil
	s.paused = false
	s.mu.Unlock()

	s.logger.Infow("run finalized",
		"run_id", result.ID, "status", status, "reason", reason,
		"samples", result.Stats.Samples, "duration", result.FinishedAt.Sub(result.StartedAt))

	if s.deps.Sink != nil {
		if err := s.deps.Sink.Save(*result); err != nil {
			s.logger.Errorw("result persistence failed", "run_id", result.ID, "error", err)
		}
	}
	level := "success"
	if status != StatusCompleted {
		level = "error"
	}
	s.notifyStatus(fmt.Sprintf("test %s: %s", status, reason), level)
}

// Status returns a point-in-time snapshot for operators.
func (s *Sequencer) Status() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{
		RunID:    s.runID,
		State:    s.state.String(),
		Pressure: s.current,
		Target:   s.params.Duration(),
		Paused:   s.paused,
	}
	if s.state != Idle {
		p.Elapsed = time.Since(s.started)
	}
	if s.lastResult != nil {
		p.LastStatus = string(s.lastResult.Status)
		p.LastReason = s.lastResult.Reason
	}
	if pos, ok := s.deps.Actuator.Position(); ok {
		p.PositionMM = pos
	}
	return p
}

func (s *Sequencer) setState(next State) {
	s.mu.Lock()
	prev := s.state
	// a stop request parks the state at Stopping until finalize
	if prev == Stopping && next != ReturningHome {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.logger.Debugw("state change", "from", prev.String(), "to", next.String())
}

func (s *Sequencer) logEvent(message string) {
	s.mu.Lock()
	s.events = append(s.events, Event{
		Time:    time.Now(),
		Elapsed: time.Since(s.started),
		Message: message,
	})
	s.mu.Unlock()
}

func (s *Sequencer) notifyStatus(message, level string) {
	if s.deps.Notifier != nil {
		s.deps.Notifier.Status(message, level)
	}
}

func (s *Sequencer) notifyProgress(elapsed, target time.Duration) {
	if s.deps.Notifier == nil {
		return
	}
	s.mu.Lock()
	p := Progress{
		RunID:    s.runID,
		State:    s.state.String(),
		Pressure: s.current,
		Elapsed:  elapsed,
		Target:   target,
		Paused:   s.paused,
	}
	s.mu.Unlock()
	if pos, ok := s.deps.Actuator.Position(); ok {
		p.PositionMM = pos
	}
	s.deps.Notifier.Progress(p)
}
