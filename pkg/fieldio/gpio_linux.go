// Linux field I/O backend: GPIO character device for the digital lines and an
// ADS1115 on the I2C bus for the pressure transducer.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build linux

package fieldio

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"airleak/pkg/config"
)

// GPIO character device ioctls (linux/gpio.h, handle API v1).
const (
	gpioGetLineHandleIoctl  = 0xc16cb403
	gpioHandleGetValuesIoctl = 0xc040b408
	gpioHandleSetValuesIoctl = 0xc040b409

	gpioHandleRequestInput  = 1 << 0
	gpioHandleRequestOutput = 1 << 1

	gpioHandlesMax = 64
)

// I2C bus ioctl and ADS1115 registers.
const (
	i2cSlaveIoctl = 0x0703

	ads1115Addr      = 0x48
	adsRegConversion = 0x00
	adsRegConfig     = 0x01
	adsFullScale     = 4.096
	adsResolution    = 32767.0
)

type gpioHandleRequest struct {
	LineOffsets   [gpioHandlesMax]uint32
	Flags         uint32
	DefaultValues [gpioHandlesMax]uint8
	ConsumerLabel [32]byte
	Lines         uint32
	Fd            int32
}

type gpioHandleData struct {
	Values [gpioHandlesMax]uint8
}

// line is one requested GPIO line handle.
type line struct {
	fd   int32
	spec config.PinSpec
	mu   *sync.Mutex // shared device mutex
	last bool        // outputs only
}

// GPIO is the real field I/O backend.
type GPIO struct {
	mu      sync.Mutex
	snap    *config.Snapshot
	chipFd  int
	i2cFd   int
	inputs  map[string]*line
	outputs map[string]*line
	closed  bool
}

// OpenGPIO requests every configured line on the GPIO chip and opens the
// I2C bus for the ADC. All outputs are initialized de-asserted.
func OpenGPIO(snap *config.Snapshot, i2cDevice string) (*GPIO, error) {
	chipFd, err := unix.Open("/dev/"+snap.GPIOChip, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("fieldio: open %s: %w", snap.GPIOChip, err)
	}

	g := &GPIO{
		snap:    snap,
		chipFd:  chipFd,
		i2cFd:   -1,
		inputs:  make(map[string]*line),
		outputs: make(map[string]*line),
	}

	for name, spec := range snap.Pins {
		fd, err := g.requestLine(spec)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("fieldio: request %s: %w", name, err)
		}
		l := &line{fd: fd, spec: spec, mu: &g.mu}
		if spec.Output {
			g.outputs[name] = l
		} else {
			g.inputs[name] = l
		}
	}

	if i2cDevice != "" {
		fd, err := unix.Open(i2cDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("fieldio: open %s: %w", i2cDevice, err)
		}
		if err := ioctl(fd, i2cSlaveIoctl, uintptr(ads1115Addr)); err != nil {
			unix.Close(fd)
			g.Close()
			return nil, fmt.Errorf("fieldio: select ADC address: %w", err)
		}
		g.i2cFd = fd
	}

	if err := g.SafeState(); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func (g *GPIO) requestLine(spec config.PinSpec) (int32, error) {
	var req gpioHandleRequest
	req.LineOffsets[0] = uint32(spec.Line)
	req.Lines = 1
	copy(req.ConsumerLabel[:], "airleak_"+spec.Name)
	if spec.Output {
		req.Flags = gpioHandleRequestOutput
		// physical level for logical false
		if spec.Inverted {
			req.DefaultValues[0] = 1
		}
	} else {
		req.Flags = gpioHandleRequestInput
	}
	if err := ioctl(g.chipFd, gpioGetLineHandleIoctl, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, err
	}
	return req.Fd, nil
}

func ioctl(fd int, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

type gpioInput struct{ l *line }

func (in *gpioInput) Read() (bool, error) {
	in.l.mu.Lock()
	defer in.l.mu.Unlock()

	var data gpioHandleData
	if err := ioctl(int(in.l.fd), gpioHandleGetValuesIoctl, uintptr(unsafe.Pointer(&data))); err != nil {
		return false, fmt.Errorf("fieldio: read %s: %w", in.l.spec.Name, err)
	}
	level := data.Values[0] != 0
	if in.l.spec.Inverted {
		level = !level
	}
	return level, nil
}

func (in *gpioInput) Spec() config.PinSpec { return in.l.spec }

type gpioOutput struct{ l *line }

func (out *gpioOutput) Set(level bool) error {
	out.l.mu.Lock()
	defer out.l.mu.Unlock()

	physical := level
	if out.l.spec.Inverted {
		physical = !physical
	}
	var data gpioHandleData
	if physical {
		data.Values[0] = 1
	}
	if err := ioctl(int(out.l.fd), gpioHandleSetValuesIoctl, uintptr(unsafe.Pointer(&data))); err != nil {
		return fmt.Errorf("fieldio: write %s: %w", out.l.spec.Name, err)
	}
	out.l.last = level
	return nil
}

func (out *gpioOutput) Get() bool {
	out.l.mu.Lock()
	defer out.l.mu.Unlock()
	return out.l.last
}

func (out *gpioOutput) Spec() config.PinSpec { return out.l.spec }

// Input implements FieldIO.
func (g *GPIO) Input(name string) DigitalInput {
	l, ok := g.inputs[name]
	if !ok {
		panic("fieldio: unknown input pin " + name)
	}
	return &gpioInput{l: l}
}

// Output implements FieldIO.
func (g *GPIO) Output(name string) DigitalOutput {
	l, ok := g.outputs[name]
	if !ok {
		panic("fieldio: unknown output pin " + name)
	}
	return &gpioOutput{l: l}
}

// ReadPressure implements FieldIO. Performs a single-shot ADS1115 conversion
// and applies the configured calibration (multiplier, offset, adjustment).
func (g *GPIO) ReadPressure() (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return 0, ErrClosed
	}
	if g.i2cFd < 0 {
		return 0, ErrNotSupported
	}

	adc := g.snap.ADC

	// OS=1, MUX=single-ended AINx, PGA=±4.096V, single shot, 128 SPS,
	// comparator disabled
	cfg := uint16(1<<15) |
		uint16(4+adc.Channel&3)<<12 |
		uint16(1)<<9 |
		uint16(1)<<8 |
		uint16(4)<<5 |
		uint16(3)
	wr := []byte{adsRegConfig, byte(cfg >> 8), byte(cfg)}
	if _, err := unix.Write(g.i2cFd, wr); err != nil {
		return 0, fmt.Errorf("fieldio: ADC config write: %w", err)
	}

	// 128 SPS conversion takes just under 8ms
	time.Sleep(9 * time.Millisecond)

	if _, err := unix.Write(g.i2cFd, []byte{adsRegConversion}); err != nil {
		return 0, fmt.Errorf("fieldio: ADC register select: %w", err)
	}
	buf := make([]byte, 2)
	if _, err := unix.Read(g.i2cFd, buf); err != nil {
		return 0, fmt.Errorf("fieldio: ADC read: %w", err)
	}

	raw := int16(uint16(buf[0])<<8 | uint16(buf[1]))
	voltage := float64(raw) / adsResolution * adsFullScale
	if voltage < 0 || voltage > adsFullScale {
		return 0, ErrBadReading
	}

	pressure := voltage*adc.Multiplier + adc.Offset + adc.Adjustment
	if pressure < 0 {
		pressure = 0
	}
	return pressure, nil
}

// SafeState implements FieldIO.
func (g *GPIO) SafeState() error {
	return SafeStateOutputs(g, g.snap)
}

// Close implements FieldIO.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	for _, l := range g.inputs {
		unix.Close(int(l.fd))
	}
	for _, l := range g.outputs {
		unix.Close(int(l.fd))
	}
	if g.i2cFd >= 0 {
		unix.Close(g.i2cFd)
	}
	return unix.Close(g.chipFd)
}
