// GPIO stub for non-Linux platforms.
//
// The GPIO character device and I2C bus are only available on Linux. This
// stub provides compile-time compatibility for development hosts; only the
// simulator backend works off-target.

//go:build !linux

package fieldio

import "airleak/pkg/config"

// GPIO is unavailable off-Linux.
type GPIO struct{}

// OpenGPIO always fails on this platform.
func OpenGPIO(snap *config.Snapshot, i2cDevice string) (*GPIO, error) {
	return nil, ErrNotSupported
}

func (g *GPIO) Input(name string) DigitalInput   { panic("fieldio: GPIO not supported") }
func (g *GPIO) Output(name string) DigitalOutput { panic("fieldio: GPIO not supported") }
func (g *GPIO) ReadPressure() (float64, error)   { return 0, ErrNotSupported }
func (g *GPIO) SafeState() error                 { return ErrNotSupported }
func (g *GPIO) Close() error                     { return nil }
