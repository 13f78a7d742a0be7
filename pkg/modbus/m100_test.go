package modbus

import (
	"testing"

	"airleak/pkg/errors"
	"airleak/pkg/log"
)

func testM100(port *fakePort) *M100 {
	cfg := testModbusConfig()
	return NewM100(testClient(port, cfg), cfg, log.Nop())
}

// driveHandler emulates the M100's register map well enough for the tests:
// status coils, the frequency register and the control coils.
type driveHandler struct {
	status             byte
	frequency          uint16 // 0.1Hz units
	mangleFreqReadback bool
}

func (d *driveHandler) handle(frame []byte) []byte {
	slave, function := frame[0], frame[1]
	switch function {
	case FuncReadCoils:
		return AppendCRC([]byte{slave, function, 0x01, d.status})
	case FuncReadHoldingRegs:
		value := d.frequency
		if d.mangleFreqReadback {
			value += 20 // 2.0Hz off, outside the verify tolerance
		}
		return AppendCRC([]byte{slave, function, 0x02, byte(value >> 8), byte(value)})
	case FuncWriteSingleReg:
		d.frequency = uint16(frame[4])<<8 | uint16(frame[5])
		return AppendCRC(append([]byte(nil), frame[:6]...)) // echo
	case FuncWriteSingleCoil:
		return AppendCRC(append([]byte(nil), frame[:6]...)) // echo
	}
	return nil
}

func TestDecodeStatus(t *testing.T) {
	s := decodeStatus(0x09) // operation + running
	if !s.Operation || !s.Running {
		t.Error("operation and running bits not decoded")
	}
	if s.Jog || s.Direction || s.Jogging || s.RotationDir || s.Braking || s.FreqTracking {
		t.Error("clear bits decoded as set")
	}
	if s.State() != DriveRunning {
		t.Errorf("state = %v, want running", s.State())
	}

	if (DriveStatus{Operation: true}).State() != DriveStarting {
		t.Error("operation without running should be starting")
	}
	if (DriveStatus{}).State() != DriveStopped {
		t.Error("all-clear status should be stopped")
	}
}

func TestReadStatus(t *testing.T) {
	drive := &driveHandler{status: 0x08}
	port := &fakePort{handler: drive.handle}
	m := testM100(port)

	status, err := m.ReadStatus()
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if !status.Running {
		t.Error("running bit not reported")
	}
}

func TestReadFrequency(t *testing.T) {
	drive := &driveHandler{frequency: 253}
	port := &fakePort{handler: drive.handle}
	m := testM100(port)

	hz, err := m.ReadFrequency()
	if err != nil {
		t.Fatalf("ReadFrequency: %v", err)
	}
	if hz != 25.3 {
		t.Errorf("frequency = %v, want 25.3", hz)
	}
}

func TestSetFrequency(t *testing.T) {
	drive := &driveHandler{}
	port := &fakePort{handler: drive.handle}
	m := testM100(port)

	if err := m.SetFrequency(25.0); err != nil {
		t.Fatalf("SetFrequency: %v", err)
	}
	if drive.frequency != 250 {
		t.Errorf("register = %d, want 250 (0.1Hz units)", drive.frequency)
	}
}

func TestSetFrequencyRejectsOutOfBand(t *testing.T) {
	m := testM100(&fakePort{})

	for _, hz := range []float64{0.4, 60.1, -5} {
		err := m.SetFrequency(hz)
		if !errors.Is(err, errors.ErrValidationRange) {
			t.Errorf("SetFrequency(%v) = %v, want range error", hz, err)
		}
	}
	if c := m.Stats().CommandsSent; c != 0 {
		t.Errorf("rejected setpoints generated %d bus commands", c)
	}
}

func TestSetFrequencyVerificationFailure(t *testing.T) {
	drive := &driveHandler{mangleFreqReadback: true}
	port := &fakePort{handler: drive.handle}
	m := testM100(port)

	err := m.SetFrequency(25.0)
	if err == nil || !errors.IsComm(err) {
		t.Fatalf("err = %v, want comm error on verification mismatch", err)
	}

	// one write and one readback per attempt's worth of traffic, but the
	// setpoint write itself must not be repeated on a verify mismatch
	var writes int
	port.mu.Lock()
	for _, frame := range port.writes {
		if frame[1] == FuncWriteSingleReg {
			writes++
		}
	}
	port.mu.Unlock()
	if writes != 1 {
		t.Errorf("setpoint written %d times, want exactly once", writes)
	}
}

func TestWriteControlBit(t *testing.T) {
	drive := &driveHandler{}
	port := &fakePort{handler: drive.handle}
	m := testM100(port)

	if err := m.WriteControlBit(BitStop, true); err != nil {
		t.Fatalf("WriteControlBit: %v", err)
	}

	port.mu.Lock()
	frame := port.writes[0]
	port.mu.Unlock()
	if frame[1] != FuncWriteSingleCoil {
		t.Errorf("function = 0x%02X, want write single coil", frame[1])
	}
	if addr := uint16(frame[2])<<8 | uint16(frame[3]); addr != uint16(BitStop) {
		t.Errorf("coil address = 0x%04X, want 0x%04X", addr, uint16(BitStop))
	}
	if frame[4] != 0xFF || frame[5] != 0x00 {
		t.Errorf("coil value = 0x%02X%02X, want 0xFF00", frame[4], frame[5])
	}
}
