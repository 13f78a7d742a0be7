package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := HardwareFault("motor", "enable line stuck")
	s := err.Error()
	if !strings.Contains(s, "HARDWARE") || !strings.Contains(s, "motor") {
		t.Errorf("unexpected error string: %s", s)
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := errors.New("read: i/o error")
	err := Wrap(inner, ErrHardwareIO, "pressure read failed")

	if !errors.Is(err, inner) {
		t.Error("wrapped error should match inner via errors.Is")
	}
	if err.Unwrap() != inner {
		t.Error("Unwrap should return inner error")
	}
}

func TestCodeClassification(t *testing.T) {
	tests := []struct {
		err        error
		validation bool
		hardware   bool
		comm       bool
		safety     bool
	}{
		{ValidationError("bad input"), true, false, false, false},
		{RangeError("position", 300, 65, 200), true, false, false, false},
		{HomingFault(3), false, true, false, false},
		{MoveFault(120, "limit tripped"), false, true, false, false},
		{LimitFault("actuator_max"), false, true, false, false},
		{HardwareTimeout("motor", "homing"), false, true, false, false},
		{CommTimeout("no response"), false, false, true, false},
		{CRCError("bad checksum"), false, false, true, false},
		{ConnectionLost(10), false, false, true, false},
		{SafetyViolation("door open"), false, false, false, true},
	}

	for i, tt := range tests {
		if IsValidation(tt.err) != tt.validation {
			t.Errorf("case %d: IsValidation = %v, want %v", i, IsValidation(tt.err), tt.validation)
		}
		if IsHardware(tt.err) != tt.hardware {
			t.Errorf("case %d: IsHardware = %v, want %v", i, IsHardware(tt.err), tt.hardware)
		}
		if IsComm(tt.err) != tt.comm {
			t.Errorf("case %d: IsComm = %v, want %v", i, IsComm(tt.err), tt.comm)
		}
		if IsSafety(tt.err) != tt.safety {
			t.Errorf("case %d: IsSafety = %v, want %v", i, IsSafety(tt.err), tt.safety)
		}
	}
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("start failed: %w", NotIdle("testing"))
	if !Is(err, ErrNotIdle) {
		t.Error("Is should see through fmt.Errorf wrapping")
	}
	if Code(err) != ErrNotIdle {
		t.Errorf("Code = %s, want %s", Code(err), ErrNotIdle)
	}
}

func TestCodeOnForeignError(t *testing.T) {
	if Code(errors.New("plain")) != "" {
		t.Error("Code of a non-RigError should be empty")
	}
	if Is(nil, ErrSafety) {
		t.Error("Is(nil) should be false")
	}
}
