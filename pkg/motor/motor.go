// Stepper actuator and pump relay driver
//
// The actuator is positioned open loop: a pulse/direction stepper with a
// home switch at the inner travel limit and a hard stop switch at the outer
// limit. Positions are tracked in millimeters from the home switch plus the
// fixed home offset. The pump itself is switched by a relay; its speed is
// set separately over Modbus by the sequencer.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motor

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"airleak/pkg/config"
	"airleak/pkg/errors"
	"airleak/pkg/fieldio"
	"airleak/pkg/log"
)

// Driver owns the stepper outputs and the pump relay.
type Driver struct {
	opMu    sync.Mutex // serializes motion operations
	stateMu sync.Mutex // guards position and homed
	cfg     config.MotorConfig
	logger  *log.Logger

	enable fieldio.DigitalOutput
	dir    fieldio.DigitalOutput
	pulse  fieldio.DigitalOutput
	pump   fieldio.DigitalOutput

	homeSwitch fieldio.DigitalInput
	maxSwitch  fieldio.DigitalInput

	position float64
	homed    bool
	estop    atomic.Bool

	sleep func(time.Duration) // swapped in tests
}

// NewDriver binds the driver to the rig's field wiring.
func NewDriver(io fieldio.FieldIO, snap *config.Snapshot, logger *log.Logger) *Driver {
	return &Driver{
		cfg:        snap.Motor,
		logger:     logger.Named("motor"),
		enable:     io.Output(config.PinStepperEnable),
		dir:        io.Output(config.PinStepperDir),
		pulse:      io.Output(config.PinStepperPulse),
		pump:       io.Output(config.PinPumpRelay),
		homeSwitch: io.Input(config.PinActuatorMin),
		maxSwitch:  io.Input(config.PinActuatorMax),
		sleep:      time.Sleep,
	}
}

// Position returns the tracked actuator position and whether it is valid
// (the driver has homed since startup).
func (d *Driver) Position() (float64, bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.position, d.homed
}

func (d *Driver) setPosition(mm float64, homed bool) {
	d.stateMu.Lock()
	d.position = mm
	d.homed = homed
	d.stateMu.Unlock()
}

// Home drives the actuator toward the home switch until it trips. Each
// attempt is bounded by the homing timeout; after the configured number of
// attempts the driver gives up. The stepper is always disabled on return.
func (d *Driver) Home(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.estop.Load() {
		return errors.SafetyViolation("motion inhibited by emergency stop")
	}

	d.logger.Infow("homing started", "retries", d.cfg.HomingRetries)
	defer d.enable.Set(false)

	for attempt := 1; attempt <= d.cfg.HomingRetries; attempt++ {
		tripped, err := d.homeAttempt(ctx)
		if err != nil {
			return err
		}
		if tripped {
			d.setPosition(d.cfg.HomeOffsetMM, true)
			d.logger.Infow("homing complete", "attempt", attempt)
			return nil
		}
		d.logger.Warnw("homing attempt timed out", "attempt", attempt)
		d.sleep(time.Second)
	}
	d.invalidatePosition()
	return errors.HomingFault(d.cfg.HomingRetries)
}

// homeAttempt runs one bounded pulse burst toward home. It reports whether
// the home switch tripped; a false return with nil error is a timeout.
func (d *Driver) homeAttempt(ctx context.Context) (bool, error) {
	if err := d.enable.Set(true); err != nil {
		return false, errors.Wrap(err, errors.ErrHardwareIO, "enabling stepper").SetComponent("motor")
	}
	d.sleep(d.cfg.SettleDelay)
	if err := d.dir.Set(false); err != nil {
		return false, errors.Wrap(err, errors.ErrHardwareIO, "setting direction").SetComponent("motor")
	}
	d.sleep(d.cfg.SettleDelay)

	deadline := time.Now().Add(d.cfg.HomingTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return false, errors.Wrap(err, errors.ErrHardware, "homing cancelled").SetComponent("motor")
		}
		if d.estop.Load() {
			return false, errors.SafetyViolation("motion inhibited by emergency stop")
		}

		tripped, err := d.homeSwitch.Read()
		if err != nil {
			return false, errors.Wrap(err, errors.ErrHardwareIO, "reading home switch").SetComponent("motor")
		}
		if tripped {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		d.step(d.cfg.HomePulseInterval)
	}
}

// MoveTo positions the actuator at targetMM. The move is a signed delta
// from the tracked position; the driver must have homed first. The outer
// limit switch aborts an outward move, the home switch an inward one.
func (d *Driver) MoveTo(ctx context.Context, targetMM float64) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.estop.Load() {
		return errors.SafetyViolation("motion inhibited by emergency stop")
	}
	current, homed := d.Position()
	if !homed {
		return errors.MoveFault(targetMM, "actuator not homed")
	}

	deltaMM := targetMM - current
	steps := int(math.Round(math.Abs(deltaMM) * d.cfg.StepsPerMM))
	outward := deltaMM > 0
	d.logger.Infow("move started",
		"target_mm", targetMM, "from_mm", current, "steps", steps, "outward", outward)
	if steps == 0 {
		return nil
	}

	defer d.enable.Set(false)
	if err := d.enable.Set(true); err != nil {
		return errors.Wrap(err, errors.ErrHardwareIO, "enabling stepper").SetComponent("motor")
	}
	d.sleep(d.cfg.SettleDelay)
	if err := d.dir.Set(outward); err != nil {
		return errors.Wrap(err, errors.ErrHardwareIO, "setting direction").SetComponent("motor")
	}
	d.sleep(d.cfg.SettleDelay)

	limit := d.maxSwitch
	limitPin := config.PinActuatorMax
	if !outward {
		limit = d.homeSwitch
		limitPin = config.PinActuatorMin
	}

	deadline := time.Now().Add(d.cfg.MoveTimeout)
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			d.invalidatePosition()
			return errors.MoveFault(targetMM, "cancelled")
		}
		if d.estop.Load() {
			d.invalidatePosition()
			return errors.SafetyViolation("motion inhibited by emergency stop")
		}
		if time.Now().After(deadline) {
			d.invalidatePosition()
			return errors.HardwareTimeout("motor", "positioning move")
		}

		tripped, err := limit.Read()
		if err != nil {
			d.invalidatePosition()
			return errors.Wrap(err, errors.ErrHardwareIO, "reading limit switch").SetComponent("motor")
		}
		if tripped {
			d.invalidatePosition()
			return errors.LimitFault(limitPin)
		}

		d.step(d.cfg.PulseInterval)
	}

	d.sleep(d.cfg.SettleDelay)
	d.setPosition(targetMM, true)
	d.logger.Infow("move complete", "position_mm", targetMM)
	return nil
}

// step emits one pulse edge pair. Errors on the pulse line are ignored per
// step; a broken line surfaces through the limit reads or the timeout.
func (d *Driver) step(interval time.Duration) {
	d.pulse.Set(true)
	d.sleep(interval)
	d.pulse.Set(false)
	d.sleep(interval)
}

// invalidatePosition marks the tracked position stale after an interrupted
// move. The next run must home again.
func (d *Driver) invalidatePosition() {
	d.stateMu.Lock()
	d.homed = false
	d.stateMu.Unlock()
}

// PumpOn closes the pump relay.
func (d *Driver) PumpOn() error {
	if d.estop.Load() {
		return errors.SafetyViolation("pump inhibited by emergency stop")
	}
	if err := d.pump.Set(true); err != nil {
		return errors.Wrap(err, errors.ErrHardwareIO, "closing pump relay").SetComponent("motor")
	}
	d.logger.Infow("pump on")
	return nil
}

// PumpOff opens the pump relay.
func (d *Driver) PumpOff() error {
	if err := d.pump.Set(false); err != nil {
		return errors.Wrap(err, errors.ErrHardwareIO, "opening pump relay").SetComponent("motor")
	}
	d.logger.Infow("pump off")
	return nil
}

// PumpRunning reports the last level driven on the relay.
func (d *Driver) PumpRunning() bool {
	return d.pump.Get()
}

// EmergencyStop drops the pump relay and disables the stepper without
// waiting for an in-flight move. The move loop observes the latch on its
// next step and aborts. Motion stays inhibited until ClearEmergency.
func (d *Driver) EmergencyStop() {
	d.estop.Store(true)
	d.pump.Set(false)
	d.enable.Set(false)
	d.logger.Warnw("motor emergency stop")
}

// ClearEmergency re-arms the driver after the safety monitor has reset.
func (d *Driver) ClearEmergency() {
	d.estop.Store(false)
}
