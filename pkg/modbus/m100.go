// M100 variable-frequency drive over Modbus RTU
//
// The drive exposes run control as coils at 0x0048..0x004F, live status as
// coils 0x0000..0x0007 and the frequency setpoint as holding register
// 0x0201 in 0.1Hz units. The pump relay starts and stops the drive; Modbus
// only sets the frequency and monitors status.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package modbus

import (
	"fmt"
	"math"
	"time"

	"airleak/pkg/config"
	"airleak/pkg/errors"
	"airleak/pkg/log"
)

// Frequency setpoint limits accepted by the drive.
const (
	MinFrequencyHz = 0.5
	MaxFrequencyHz = 60.0

	// VerifyToleranceHz is the acceptable readback deviation after a write.
	VerifyToleranceHz = 0.5

	regFrequency = 0x0201
	statusBase   = 0x0000
	statusCount  = 8
	verifySettle = 100 * time.Millisecond
)

// ControlBit identifies one of the drive's writable control coils.
type ControlBit uint16

const (
	BitOperation    ControlBit = 0x0048
	BitForward      ControlBit = 0x0049
	BitReverse      ControlBit = 0x004A
	BitStop         ControlBit = 0x004B
	BitFwdRevSwitch ControlBit = 0x004C
	BitJog          ControlBit = 0x004D
	BitJogForward   ControlBit = 0x004E
	BitJogReverse   ControlBit = 0x004F
)

func (b ControlBit) String() string {
	switch b {
	case BitOperation:
		return "operation"
	case BitForward:
		return "forward"
	case BitReverse:
		return "reverse"
	case BitStop:
		return "stop"
	case BitFwdRevSwitch:
		return "fwd_rev_switch"
	case BitJog:
		return "jog"
	case BitJogForward:
		return "jog_forward"
	case BitJogReverse:
		return "jog_reverse"
	}
	return fmt.Sprintf("ControlBit(0x%04X)", uint16(b))
}

// DriveStatus is the decoded status coil block.
type DriveStatus struct {
	Operation    bool
	Jog          bool
	Direction    bool
	Running      bool
	Jogging      bool
	RotationDir  bool
	Braking      bool
	FreqTracking bool
}

// decodeStatus unpacks the packed coil byte from a read-coils response.
func decodeStatus(b byte) DriveStatus {
	return DriveStatus{
		Operation:    b&0x01 != 0,
		Jog:          b&0x02 != 0,
		Direction:    b&0x04 != 0,
		Running:      b&0x08 != 0,
		Jogging:      b&0x10 != 0,
		RotationDir:  b&0x20 != 0,
		Braking:      b&0x40 != 0,
		FreqTracking: b&0x80 != 0,
	}
}

// DriveState summarizes the drive status for operators.
type DriveState int

const (
	DriveUnknown DriveState = iota
	DriveStopped
	DriveStarting
	DriveRunning
)

func (s DriveState) String() string {
	switch s {
	case DriveStopped:
		return "stopped"
	case DriveStarting:
		return "starting"
	case DriveRunning:
		return "running"
	}
	return "unknown"
}

// State derives the summary state from the status coils.
func (s DriveStatus) State() DriveState {
	switch {
	case s.Running:
		return DriveRunning
	case s.Operation:
		return DriveStarting
	default:
		return DriveStopped
	}
}

// M100 is the drive handle used by the test sequencer.
type M100 struct {
	client *Client
	cfg    config.ModbusConfig
	logger *log.Logger
}

// Connect dials the serial port and verifies the drive answers a status
// read before handing the drive back.
func Connect(cfg config.ModbusConfig, logger *log.Logger) (*M100, error) {
	client, err := Dial(cfg, logger)
	if err != nil {
		return nil, err
	}
	m := NewM100(client, cfg, logger)
	if _, err := m.ReadStatus(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrCommNoResponse, "drive did not answer status read").
			SetComponent("modbus")
	}
	logger.Named("modbus").Infow("M100 drive connected", "port", cfg.Port, "slave", cfg.SlaveAddress)
	return m, nil
}

// NewM100 wraps an existing client. Used by Connect and by tests.
func NewM100(client *Client, cfg config.ModbusConfig, logger *log.Logger) *M100 {
	return &M100{client: client, cfg: cfg, logger: logger.Named("m100")}
}

// Connected reports whether the link error budget is intact.
func (m *M100) Connected() bool { return m.client.Connected() }

// Stats returns the link counters.
func (m *M100) Stats() Stats { return m.client.Stats() }

// ReadStatus reads and decodes the eight status coils.
func (m *M100) ReadStatus() (DriveStatus, error) {
	req := readCoilsFrame(m.cfg.SlaveAddress, statusBase, statusCount)
	// addr + func + count + data + crc
	resp, err := m.client.Execute(req, 6)
	if err != nil {
		return DriveStatus{}, err
	}
	if len(resp) < 4 {
		return DriveStatus{}, errors.CommError("status response truncated")
	}
	return decodeStatus(resp[3]), nil
}

// ReadFrequency reads the current frequency setpoint in Hz.
func (m *M100) ReadFrequency() (float64, error) {
	req := readRegistersFrame(m.cfg.SlaveAddress, regFrequency, 1)
	// addr + func + count + 2 data + crc
	resp, err := m.client.Execute(req, 7)
	if err != nil {
		return 0, err
	}
	if len(resp) < 5 {
		return 0, errors.CommError("frequency response truncated")
	}
	raw := uint16(resp[3])<<8 | uint16(resp[4])
	return float64(raw) / 10.0, nil
}

// SetFrequency writes the frequency setpoint and verifies it by reading it
// back. A readback outside the tolerance fails the call; the write is not
// repeated, the caller decides whether to degrade or abort.
func (m *M100) SetFrequency(hz float64) error {
	if hz < MinFrequencyHz || hz > MaxFrequencyHz {
		return errors.RangeError("frequency", hz, MinFrequencyHz, MaxFrequencyHz)
	}

	value := uint16(math.Round(hz * 10))
	req := writeRegisterFrame(m.cfg.SlaveAddress, regFrequency, value)
	if _, err := m.client.Execute(req, 8); err != nil {
		return err
	}

	m.client.sleep(verifySettle)
	actual, err := m.ReadFrequency()
	if err != nil {
		return errors.Wrap(err, errors.ErrComm, "frequency readback failed").
			SetComponent("m100")
	}
	if math.Abs(actual-hz) > VerifyToleranceHz {
		return errors.CommError(
			fmt.Sprintf("frequency verification failed: wrote %.1fHz, read %.1fHz", hz, actual))
	}
	m.logger.Infow("frequency set", "hz", hz)
	return nil
}

// WriteControlBit drives one control coil.
func (m *M100) WriteControlBit(bit ControlBit, on bool) error {
	req := writeCoilFrame(m.cfg.SlaveAddress, uint16(bit), on)
	_, err := m.client.Execute(req, 8)
	if err != nil {
		return err
	}
	m.logger.Debugw("control bit written", "bit", bit.String(), "value", on)
	return nil
}

// Stop asserts the drive's stop coil. Used during emergency shutdown as a
// belt alongside the relay drop; failure is reported but the relay path
// remains authoritative.
func (m *M100) Stop() error {
	return m.WriteControlBit(BitStop, true)
}

// Close stops the drive best-effort and releases the serial port.
func (m *M100) Close() error {
	if m.client.Connected() {
		if err := m.Stop(); err != nil {
			m.logger.Warnw("stop on close failed", "error", err)
		}
	}
	return m.client.Close()
}
