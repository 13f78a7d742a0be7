// Safety interlock monitor
//
// The monitor polls the rig's interlocks in a background loop. A failing
// critical condition latches an emergency: the emergency callback fires
// once, and the latch holds until ResetEmergency verifies the conditions
// twice across a settle delay. The sequencer refuses to start, and the
// motor driver refuses motion, while the latch is set.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package safety

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"airleak/pkg/config"
	"airleak/pkg/errors"
	"airleak/pkg/fieldio"
	"airleak/pkg/log"
)

// Level grades safety alerts.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	}
	return "unknown"
}

// Condition names one monitored interlock.
type Condition string

const (
	CondDoorClosed      Condition = "door_closed"
	CondEmergencyButton Condition = "emergency_button"
	CondTankLevel       Condition = "tank_level"
	CondLimitSwitches   Condition = "limit_switches"
	CondPressureLimits  Condition = "pressure_limits"
)

// conditionSpec is one registered check. check returns ok plus a message
// describing the failure.
type conditionSpec struct {
	name     Condition
	check    func() (bool, string)
	critical bool
	enabled  bool
	failures int
}

// ConditionStatus is the reportable state of one condition.
type ConditionStatus struct {
	Name     Condition
	Enabled  bool
	Critical bool
	Failures int
}

// Stats counts monitor activity.
type Stats struct {
	TotalChecks       uint64
	FailedChecks      uint64
	EmergencyTriggers uint64
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	EmergencyActive bool
	EmergencyReason string
	EmergencySince  time.Time
	SafeToOperate   bool
	Conditions      []ConditionStatus
	Stats           Stats
}

// Monitor owns the interlock polling loop and the emergency latch.
type Monitor struct {
	mu     sync.Mutex
	cfg    config.SafetyConfig
	logger *log.Logger

	door      fieldio.DigitalInput
	emergency fieldio.DigitalInput
	tank      fieldio.DigitalInput
	limitMin  fieldio.DigitalInput
	limitMax  fieldio.DigitalInput
	pressure  func() (float64, error)

	conditions []*conditionSpec

	emergencyActive bool
	emergencyReason string
	emergencySince  time.Time
	resetting       bool   // a reset settle window is in progress
	resetTainted    string // first failure observed during the window
	stats           Stats

	emergencyCallback func(reason string)
	alertCallback     func(level Level, message string)

	running bool
	stop    chan struct{}
	done    chan struct{}

	sleep func(time.Duration) // swapped in tests
}

// NewMonitor builds a monitor over the rig's field wiring. The polling loop
// is not started; call Start once the callbacks are registered.
func NewMonitor(io fieldio.FieldIO, snap *config.Snapshot, logger *log.Logger) *Monitor {
	m := &Monitor{
		cfg:       snap.Safety,
		logger:    logger.Named("safety"),
		door:      io.Input(config.PinDoorClosed),
		emergency: io.Input(config.PinEmergencyButton),
		tank:      io.Input(config.PinTankMin),
		limitMin:  io.Input(config.PinActuatorMin),
		limitMax:  io.Input(config.PinActuatorMax),
		pressure:  io.ReadPressure,
		sleep:     time.Sleep,
	}
	m.conditions = []*conditionSpec{
		{name: CondDoorClosed, check: m.checkDoor, critical: true, enabled: true},
		{name: CondEmergencyButton, check: m.checkEmergencyButton, critical: true, enabled: true},
		{name: CondTankLevel, check: m.checkTankLevel, enabled: true},
		{name: CondLimitSwitches, check: m.checkLimitSwitches, critical: true, enabled: true},
		{name: CondPressureLimits, check: m.checkPressureLimits, critical: true, enabled: true},
	}
	return m
}

// OnEmergency registers the callback fired once per emergency latch. It runs
// on the monitor goroutine and must not block.
func (m *Monitor) OnEmergency(fn func(reason string)) {
	m.mu.Lock()
	m.emergencyCallback = fn
	m.mu.Unlock()
}

// OnAlert registers the callback fired for every safety alert.
func (m *Monitor) OnAlert(fn func(level Level, message string)) {
	m.mu.Lock()
	m.alertCallback = fn
	m.mu.Unlock()
}

// Start launches the polling loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.logger.Infow("safety monitoring started", "interval", m.cfg.CheckInterval)
	go m.loop()
}

// Stop halts the polling loop and waits for it to exit. The emergency latch
// is left as-is.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Infow("safety monitoring stopped")
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			safe, msg := m.Check(true)
			if !safe {
				m.TriggerEmergency(msg)
			}
		}
	}
}

// Check evaluates the enabled conditions and returns overall safety plus a
// message naming the failures. With criticalOnly set, warning-grade
// conditions are skipped.
func (m *Monitor) Check(criticalOnly bool) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(criticalOnly)
}

func (m *Monitor) checkLocked(criticalOnly bool) (bool, string) {
	m.stats.TotalChecks++

	var failed, criticalFailed []string
	for _, cond := range m.conditions {
		if !cond.enabled || (criticalOnly && !cond.critical) {
			continue
		}
		ok, msg := cond.check()
		if ok {
			cond.failures = 0
			continue
		}
		cond.failures++
		failed = append(failed, fmt.Sprintf("%s: %s", cond.name, msg))
		if cond.critical {
			criticalFailed = append(criticalFailed, string(cond.name))
		}
		level := LevelWarning
		if cond.critical {
			level = LevelCritical
		}
		m.logger.Warnw("safety check failed", "condition", cond.name, "detail", msg)
		m.sendAlertLocked(level, fmt.Sprintf("%s: %s", cond.name, msg))
	}

	if len(criticalFailed) > 0 {
		m.stats.FailedChecks++
		msg := "critical safety failures: " + strings.Join(criticalFailed, ", ")
		// any failure seen while a reset settle window is open voids the
		// reset, even if the condition recovers before the window closes
		if m.resetting && m.resetTainted == "" {
			m.resetTainted = msg
		}
		return false, msg
	}
	if len(failed) > 0 && !criticalOnly {
		return false, "safety warnings: " + strings.Join(failed, ", ")
	}
	return true, "all safety checks passed"
}

func (m *Monitor) checkDoor() (bool, string) {
	closed, err := m.door.Read()
	if err != nil {
		return false, "door sensor error: " + err.Error()
	}
	if !closed {
		return false, "door must be closed before operation"
	}
	return true, ""
}

func (m *Monitor) checkEmergencyButton() (bool, string) {
	pressed, err := m.emergency.Read()
	if err != nil {
		return false, "emergency button error: " + err.Error()
	}
	if pressed {
		return false, "emergency button is activated"
	}
	return true, ""
}

func (m *Monitor) checkTankLevel() (bool, string) {
	ok, err := m.tank.Read()
	if err != nil {
		return false, "tank level sensor error: " + err.Error()
	}
	if !ok {
		return false, "tank level too low"
	}
	return true, ""
}

func (m *Monitor) checkLimitSwitches() (bool, string) {
	min, err := m.limitMin.Read()
	if err != nil {
		return false, "limit switch error: " + err.Error()
	}
	max, err := m.limitMax.Read()
	if err != nil {
		return false, "limit switch error: " + err.Error()
	}
	// both tripped at once can only be a wiring fault
	if min && max {
		return false, "both limit switches active"
	}
	return true, ""
}

func (m *Monitor) checkPressureLimits() (bool, string) {
	bar, err := m.pressure()
	if err != nil {
		return false, "cannot read pressure: " + err.Error()
	}
	if bar > m.cfg.MaxPressureBar {
		return false, fmt.Sprintf("pressure too high: %.2f bar", bar)
	}
	if bar < m.cfg.MinPressureBar {
		return false, fmt.Sprintf("pressure too low: %.2f bar", bar)
	}
	return true, ""
}

// TriggerEmergency latches the emergency state. Re-triggering while latched
// is a no-op; the first reason wins.
func (m *Monitor) TriggerEmergency(reason string) {
	m.mu.Lock()
	if m.emergencyActive {
		m.mu.Unlock()
		return
	}
	m.emergencyActive = true
	m.emergencyReason = reason
	m.emergencySince = time.Now()
	m.stats.EmergencyTriggers++
	callback := m.emergencyCallback
	m.logger.Errorw("EMERGENCY TRIGGERED", "reason", reason)
	m.sendAlertLocked(LevelEmergency, "emergency stop: "+reason)
	m.mu.Unlock()

	if callback != nil {
		callback(reason)
	}
}

// ResetEmergency clears the latch. The critical conditions must pass and
// hold for the whole settle delay: the window is sampled at the check
// interval, and a failure observed at any point during it (including by a
// concurrent poll) keeps the latch set.
func (m *Monitor) ResetEmergency() error {
	m.mu.Lock()
	if !m.emergencyActive {
		m.mu.Unlock()
		return nil
	}
	if ok, msg := m.checkLocked(true); !ok {
		m.mu.Unlock()
		return errors.SafetyViolation("cannot reset emergency: " + msg)
	}
	m.resetting = true
	m.resetTainted = ""
	delay := m.cfg.ResetDelay
	step := m.cfg.CheckInterval
	if step <= 0 || step > delay {
		step = delay
	}
	m.mu.Unlock()

	fail := func(msg string) error {
		m.mu.Lock()
		m.resetting = false
		m.resetTainted = ""
		m.mu.Unlock()
		return errors.SafetyViolation("emergency reset failed, conditions changed: " + msg)
	}

	for remaining := delay; remaining > 0; remaining -= step {
		if step > remaining {
			step = remaining
		}
		m.sleep(step)

		m.mu.Lock()
		ok, msg := m.checkLocked(true)
		tainted := m.resetTainted
		m.mu.Unlock()
		if tainted != "" {
			return fail(tainted)
		}
		if !ok {
			return fail(msg)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetting = false
	if m.resetTainted != "" {
		msg := m.resetTainted
		m.resetTainted = ""
		return errors.SafetyViolation("emergency reset failed, conditions changed: " + msg)
	}
	if ok, msg := m.checkLocked(true); !ok {
		return errors.SafetyViolation("emergency reset failed, conditions changed: " + msg)
	}
	m.emergencyActive = false
	m.emergencyReason = ""
	m.logger.Infow("emergency state reset")
	m.sendAlertLocked(LevelInfo, "emergency state cleared")
	return nil
}

// EmergencyActive reports the latch with its reason and timestamp.
func (m *Monitor) EmergencyActive() (bool, string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyActive, m.emergencyReason, m.emergencySince
}

// IsSafeToOperate is the gate the sequencer consults before starting or
// continuing a run.
func (m *Monitor) IsSafeToOperate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emergencyActive {
		return false
	}
	ok, _ := m.checkLocked(true)
	return ok
}

// SetCondition enables or disables one condition by name.
func (m *Monitor) SetCondition(name Condition, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cond := range m.conditions {
		if cond.name == name {
			cond.enabled = enabled
			m.logger.Infow("safety condition toggled", "condition", name, "enabled", enabled)
			return
		}
	}
}

// Status returns a snapshot for the status reporter.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		EmergencyActive: m.emergencyActive,
		EmergencyReason: m.emergencyReason,
		EmergencySince:  m.emergencySince,
		Stats:           m.stats,
	}
	for _, cond := range m.conditions {
		st.Conditions = append(st.Conditions, ConditionStatus{
			Name:     cond.name,
			Enabled:  cond.enabled,
			Critical: cond.critical,
			Failures: cond.failures,
		})
	}
	if !m.emergencyActive {
		ok, _ := m.checkLocked(true)
		st.SafeToOperate = ok
	}
	return st
}

// sendAlertLocked invokes the alert callback. Caller holds the mutex; the
// callback must not call back into the monitor.
func (m *Monitor) sendAlertLocked(level Level, message string) {
	if m.alertCallback != nil {
		m.alertCallback(level, message)
	}
}
