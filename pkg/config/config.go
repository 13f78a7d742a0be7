// Configuration snapshot for the air-leakage test rig
//
// The snapshot is constructed once at startup (defaults overlaid with a viper
// config file) and passed read-only into each component's constructor.
// Calibration edits produce a new snapshot rather than mutating one shared by
// concurrent loops.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"os"
	"sort"
	"time"

	"github.com/spf13/viper"

	"airleak/pkg/errors"
)

// Canonical pin names. The field I/O layer panics on any name outside this set.
const (
	PinEmergencyButton = "emergency_btn"
	PinDoorClosed      = "door_close"
	PinTankMin         = "tank_min"
	PinStartButton     = "start_button"
	PinActuatorMin     = "actuator_min"
	PinActuatorMax     = "actuator_max"
	PinStepperPulse    = "stepper_pulse"
	PinStepperDir      = "stepper_dir"
	PinStepperEnable   = "stepper_enable"
	PinPumpRelay       = "pump_relay"
)

// Test parameter domain ranges.
const (
	PositionMinMM  = 65.0
	PositionMaxMM  = 200.0
	PressureMinBar = 0.0
	PressureMaxBar = 4.5
	DurationMinMin = 0.0
	DurationMaxMin = 120.0
)

// PinSpec describes one digital line.
type PinSpec struct {
	Name        string
	Line        int    // GPIO line offset on the chip
	Inverted    bool   // logical true reads/writes as physical low
	Output      bool   // direction
	Description string // human description for diagnostics
}

// ADCConfig holds the pressure transducer channel settings.
type ADCConfig struct {
	Channel    int
	Gain       int
	Multiplier float64
	Offset     float64
	Adjustment float64
}

// MotorConfig holds stepper and relay driver constants.
type MotorConfig struct {
	StepsPerMM        float64
	HomeOffsetMM      float64
	PulseInterval     time.Duration // delay between pulse edges while positioning
	HomePulseInterval time.Duration // slower edge timing during homing
	SettleDelay       time.Duration // after enable/direction changes
	HomingTimeout     time.Duration // per homing attempt
	HomingRetries     int
	MoveTimeout       time.Duration
}

// ModbusConfig holds the M100 drive link settings.
type ModbusConfig struct {
	Enabled          bool
	AutoFrequency    bool
	RequireFrequency bool // fail the run instead of degrading to relay-only
	Port             string
	Baud             int
	SlaveAddress     byte
	ResponseTimeout  time.Duration
	MaxRetries       int
	MaxErrors        int
	DefaultFrequency float64
}

// CalibrationPoint is one pressure→frequency breakpoint.
type CalibrationPoint struct {
	Pressure  float64
	Frequency float64
}

// SafetyConfig holds interlock polling limits.
type SafetyConfig struct {
	MaxPressureBar float64
	MinPressureBar float64
	CheckInterval  time.Duration
	ResetDelay     time.Duration
	MaxFailures    int
}

// SequencerConfig holds test-loop cadences.
type SequencerConfig struct {
	SampleInterval  time.Duration
	StatusInterval  time.Duration
	MotorStartDelay time.Duration
	PhaseSettle     time.Duration
}

// Snapshot is the immutable configuration consumed by the control plane.
type Snapshot struct {
	GPIOChip    string
	Pins        map[string]PinSpec
	ADC         ADCConfig
	Motor       MotorConfig
	Modbus      ModbusConfig
	Calibration []CalibrationPoint
	Safety      SafetyConfig
	Sequencer   SequencerConfig
	LogLevel    string
	DBPath      string
	ListenAddr  string
}

// Default returns the built-in configuration matching the rig wiring.
func Default() *Snapshot {
	return &Snapshot{
		GPIOChip: "gpiochip0",
		Pins: map[string]PinSpec{
			PinEmergencyButton: {Name: PinEmergencyButton, Line: 17, Inverted: true, Description: "Emergency Button"},
			PinDoorClosed:      {Name: PinDoorClosed, Line: 4, Description: "Door Closure Switch"},
			PinTankMin:         {Name: PinTankMin, Line: 23, Description: "Tank Min Level"},
			PinStartButton:     {Name: PinStartButton, Line: 6, Description: "Start Button"},
			PinActuatorMin:     {Name: PinActuatorMin, Line: 27, Description: "Actuator Min Limit"},
			PinActuatorMax:     {Name: PinActuatorMax, Line: 22, Description: "Actuator Max Limit"},
			PinStepperPulse:    {Name: PinStepperPulse, Line: 16, Output: true, Description: "Stepper Pulse"},
			PinStepperDir:      {Name: PinStepperDir, Line: 21, Output: true, Description: "Stepper Direction"},
			PinStepperEnable:   {Name: PinStepperEnable, Line: 20, Output: true, Inverted: true, Description: "Stepper Enable (active low)"},
			PinPumpRelay:       {Name: PinPumpRelay, Line: 24, Output: true, Description: "Pump Relay"},
		},
		ADC: ADCConfig{
			Channel:    0,
			Gain:       1,
			Multiplier: 1.286,
			Offset:     -0.579,
			Adjustment: -0.2,
		},
		Motor: MotorConfig{
			StepsPerMM:        380.95,
			HomeOffsetMM:      40.0,
			PulseInterval:     time.Millisecond,
			HomePulseInterval: 2 * time.Millisecond,
			SettleDelay:       100 * time.Millisecond,
			HomingTimeout:     120 * time.Second,
			HomingRetries:     3,
			MoveTimeout:       60 * time.Second,
		},
		Modbus: ModbusConfig{
			Enabled:          false,
			AutoFrequency:    false,
			Port:             "/dev/ttyUSB0",
			Baud:             9600,
			SlaveAddress:     0x01,
			ResponseTimeout:  500 * time.Millisecond,
			MaxRetries:       3,
			MaxErrors:        10,
			DefaultFrequency: 25.0,
		},
		Calibration: []CalibrationPoint{
			{1.0, 25.0}, {1.5, 30.0}, {2.0, 35.0}, {2.5, 40.0},
			{3.0, 45.0}, {3.5, 47.0}, {4.0, 49.0}, {4.5, 50.0},
		},
		Safety: SafetyConfig{
			MaxPressureBar: 5.0,
			MinPressureBar: -0.5,
			CheckInterval:  100 * time.Millisecond,
			ResetDelay:     5 * time.Second,
			MaxFailures:    3,
		},
		Sequencer: SequencerConfig{
			SampleInterval:  100 * time.Millisecond,
			StatusInterval:  500 * time.Millisecond,
			MotorStartDelay: time.Second,
			PhaseSettle:     500 * time.Millisecond,
		},
		LogLevel:   "info",
		DBPath:     "airleak.db",
		ListenAddr: ":8090",
	}
}

// Load builds a snapshot from the defaults overlaid with a viper config file.
// A missing file is not an error; the defaults are used as-is.
func Load(path string) (*Snapshot, error) {
	s := Default()
	if path == "" {
		return s, s.Validate()
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		// an explicit path surfaces a missing file as *fs.PathError, not
		// viper's not-found error
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound || os.IsNotExist(err) {
			return s, s.Validate()
		}
		return nil, errors.Wrap(err, errors.ErrValidation, "reading config file")
	}

	if v.IsSet("log_level") {
		s.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("db_path") {
		s.DBPath = v.GetString("db_path")
	}
	if v.IsSet("listen_addr") {
		s.ListenAddr = v.GetString("listen_addr")
	}
	if v.IsSet("gpio_chip") {
		s.GPIOChip = v.GetString("gpio_chip")
	}

	if v.IsSet("adc.multiplier") {
		s.ADC.Multiplier = v.GetFloat64("adc.multiplier")
	}
	if v.IsSet("adc.offset") {
		s.ADC.Offset = v.GetFloat64("adc.offset")
	}

	if v.IsSet("modbus.enabled") {
		s.Modbus.Enabled = v.GetBool("modbus.enabled")
	}
	if v.IsSet("modbus.auto_frequency") {
		s.Modbus.AutoFrequency = v.GetBool("modbus.auto_frequency")
	}
	if v.IsSet("modbus.require_frequency") {
		s.Modbus.RequireFrequency = v.GetBool("modbus.require_frequency")
	}
	if v.IsSet("modbus.port") {
		s.Modbus.Port = v.GetString("modbus.port")
	}
	if v.IsSet("modbus.baud") {
		s.Modbus.Baud = v.GetInt("modbus.baud")
	}
	if v.IsSet("modbus.slave_address") {
		s.Modbus.SlaveAddress = byte(v.GetInt("modbus.slave_address"))
	}
	if v.IsSet("modbus.default_frequency") {
		s.Modbus.DefaultFrequency = v.GetFloat64("modbus.default_frequency")
	}

	if v.IsSet("calibration") {
		var pts []CalibrationPoint
		for _, raw := range v.Get("calibration").([]any) {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, errors.ValidationError("calibration entries must be {pressure, frequency} maps")
			}
			pts = append(pts, CalibrationPoint{
				Pressure:  toFloat(m["pressure"]),
				Frequency: toFloat(m["frequency"]),
			})
		}
		s.Calibration = pts
	}

	if v.IsSet("safety.check_interval_ms") {
		s.Safety.CheckInterval = time.Duration(v.GetInt("safety.check_interval_ms")) * time.Millisecond
	}
	if v.IsSet("safety.reset_delay_ms") {
		s.Safety.ResetDelay = time.Duration(v.GetInt("safety.reset_delay_ms")) * time.Millisecond
	}

	return s, s.Validate()
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return 0
}

// Validate checks internal consistency of the snapshot.
func (s *Snapshot) Validate() error {
	if s.Motor.StepsPerMM <= 0 {
		return errors.ValidationError("motor.steps_per_mm must be positive")
	}
	if s.Motor.HomingRetries < 1 {
		return errors.ValidationError("motor.homing_retries must be at least 1")
	}
	if s.Modbus.Baud <= 0 {
		return errors.ValidationError("modbus.baud must be positive")
	}
	if s.Safety.MinPressureBar >= s.Safety.MaxPressureBar {
		return errors.ValidationError("safety pressure band is empty")
	}
	if len(s.Calibration) == 0 {
		return errors.ValidationError("calibration table must not be empty")
	}
	for _, name := range []string{
		PinEmergencyButton, PinDoorClosed, PinTankMin, PinStartButton,
		PinActuatorMin, PinActuatorMax, PinStepperPulse, PinStepperDir,
		PinStepperEnable, PinPumpRelay,
	} {
		if _, ok := s.Pins[name]; !ok {
			return errors.ValidationError("pin map missing " + name)
		}
	}
	return nil
}

// WithCalibration returns a copy of the snapshot carrying a new, sorted
// calibration table. The receiver is left untouched.
func (s *Snapshot) WithCalibration(points []CalibrationPoint) *Snapshot {
	out := *s
	out.Calibration = make([]CalibrationPoint, len(points))
	copy(out.Calibration, points)
	sort.Slice(out.Calibration, func(i, j int) bool {
		return out.Calibration[i].Pressure < out.Calibration[j].Pressure
	})
	out.Pins = s.Pins // pin map is never mutated, sharing is safe
	return &out
}

// InputPins returns the names of all configured input lines.
func (s *Snapshot) InputPins() []string {
	var names []string
	for name, spec := range s.Pins {
		if !spec.Output {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// OutputPins returns the names of all configured output lines.
func (s *Snapshot) OutputPins() []string {
	var names []string
	for name, spec := range s.Pins {
		if spec.Output {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
