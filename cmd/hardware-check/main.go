// hardware-check is a bench tool for verifying the rig's field wiring.
// It exercises the interlock inputs, the stepper and relay outputs, the
// pressure channel and the M100 Modbus link, one subsystem at a time.
//
// Usage:
//
//	hardware-check -test inputs [options]
//
// Options:
//
//	-config string  Rig configuration file (optional, defaults apply)
//	-sim            Use the simulated field I/O instead of GPIO hardware
//	-i2c string     I2C device for the pressure ADC (default "/dev/i2c-1")
//	-test string    Check to run: inputs, outputs, pressure, home, pump,
//	                modbus, all (default "inputs")
//
// Examples:
//
//	# Watch the interlock inputs while toggling switches by hand
//	hardware-check -test inputs
//
//	# Pulse each output line for scope verification
//	hardware-check -test outputs
//
//	# Verify the drive link and read its status bits
//	hardware-check -test modbus
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"airleak/pkg/config"
	"airleak/pkg/fieldio"
	"airleak/pkg/log"
	"airleak/pkg/modbus"
	"airleak/pkg/motor"
)

func main() {
	configFile := flag.String("config", "", "Rig configuration file (optional)")
	sim := flag.Bool("sim", false, "Use simulated field I/O instead of GPIO hardware")
	i2cDevice := flag.String("i2c", "/dev/i2c-1", "I2C device for the pressure ADC")
	test := flag.String("test", "inputs", "Check to run: inputs, outputs, pressure, home, pump, modbus, all")
	flag.Parse()

	snap, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger := log.Get("warn")

	var io fieldio.FieldIO
	if *sim {
		io = fieldio.NewSim(snap)
		fmt.Println("Using simulated field I/O")
	} else {
		gpio, err := fieldio.OpenGPIO(snap, *i2cDevice)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening GPIO: %v\n", err)
			os.Exit(1)
		}
		io = gpio
	}
	defer func() {
		io.SafeState()
		io.Close()
	}()

	switch *test {
	case "inputs":
		err = checkInputs(io, snap)
	case "outputs":
		err = checkOutputs(io, snap)
	case "pressure":
		err = checkPressure(io)
	case "home":
		err = checkHome(io, snap, logger)
	case "pump":
		err = checkPump(io, snap)
	case "modbus":
		err = checkModbus(snap, logger)
	case "all":
		checks := []func() error{
			func() error { return checkInputs(io, snap) },
			func() error { return checkOutputs(io, snap) },
			func() error { return checkPressure(io) },
			func() error { return checkPump(io, snap) },
		}
		if snap.Modbus.Enabled {
			checks = append(checks, func() error { return checkModbus(snap, logger) })
		}
		for _, fn := range checks {
			if err = fn(); err != nil {
				break
			}
			fmt.Println()
		}
	default:
		err = fmt.Errorf("unknown test %q", *test)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "\nCheck failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nCheck passed")
}

// checkInputs samples every interlock input for five seconds so switches can
// be toggled by hand.
func checkInputs(io fieldio.FieldIO, snap *config.Snapshot) error {
	fmt.Println("=== Check: Interlock Inputs ===")
	fmt.Println("Toggle switches now; sampling for 5 seconds...")

	for i := 0; i < 10; i++ {
		fmt.Printf("[%2d] ", i+1)
		for _, name := range snap.InputPins() {
			level, err := io.Input(name).Read()
			if err != nil {
				return fmt.Errorf("reading %s: %w", name, err)
			}
			mark := "-"
			if level {
				mark = "ON"
			}
			fmt.Printf("%s=%s ", name, mark)
		}
		fmt.Println()
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

// checkOutputs pulses each output line high for half a second.
func checkOutputs(io fieldio.FieldIO, snap *config.Snapshot) error {
	fmt.Println("=== Check: Output Lines ===")

	for _, name := range snap.OutputPins() {
		out := io.Output(name)
		fmt.Printf("  %s (%s): pulsing...\n", name, out.Spec().Description)
		if err := out.Set(true); err != nil {
			return fmt.Errorf("asserting %s: %w", name, err)
		}
		time.Sleep(500 * time.Millisecond)
		if err := out.Set(false); err != nil {
			return fmt.Errorf("releasing %s: %w", name, err)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}

// checkPressure reads the transducer ten times.
func checkPressure(io fieldio.FieldIO) error {
	fmt.Println("=== Check: Pressure Channel ===")

	for i := 0; i < 10; i++ {
		bar, err := io.ReadPressure()
		if err != nil {
			return fmt.Errorf("reading pressure: %w", err)
		}
		fmt.Printf("  [%2d] %.3f bar\n", i+1, bar)
		time.Sleep(300 * time.Millisecond)
	}
	return nil
}

// checkHome runs a full homing sequence through the motor driver.
func checkHome(io fieldio.FieldIO, snap *config.Snapshot, logger *log.Logger) error {
	fmt.Println("=== Check: Actuator Homing ===")
	fmt.Printf("Homing (timeout %s per attempt)...\n", snap.Motor.HomingTimeout)

	driver := motor.NewDriver(io, snap, logger)
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(snap.Motor.HomingRetries+1)*snap.Motor.HomingTimeout)
	defer cancel()

	if err := driver.Home(ctx); err != nil {
		return err
	}
	pos, _ := driver.Position()
	fmt.Printf("Homed, position %.1f mm\n", pos)
	return nil
}

// checkPump cycles the pump relay once.
func checkPump(io fieldio.FieldIO, snap *config.Snapshot) error {
	fmt.Println("=== Check: Pump Relay ===")

	relay := io.Output(config.PinPumpRelay)
	fmt.Println("  Relay ON for 1 second...")
	if err := relay.Set(true); err != nil {
		return err
	}
	time.Sleep(time.Second)
	if err := relay.Set(false); err != nil {
		return err
	}
	fmt.Println("  Relay OFF")
	return nil
}

// checkModbus connects to the M100 drive and reads its status and frequency.
func checkModbus(snap *config.Snapshot, logger *log.Logger) error {
	fmt.Println("=== Check: M100 Drive Link ===")
	fmt.Printf("Port %s, %d baud, slave %d\n",
		snap.Modbus.Port, snap.Modbus.Baud, snap.Modbus.SlaveAddress)

	drive, err := modbus.Connect(snap.Modbus, logger)
	if err != nil {
		return err
	}
	defer drive.Close()

	st, err := drive.ReadStatus()
	if err != nil {
		return fmt.Errorf("reading drive status: %w", err)
	}
	fmt.Printf("  State: %s\n", st.State())
	fmt.Printf("  Running=%v Direction=%v Braking=%v\n", st.Running, st.Direction, st.Braking)

	hz, err := drive.ReadFrequency()
	if err != nil {
		return fmt.Errorf("reading frequency: %w", err)
	}
	fmt.Printf("  Frequency: %.1f Hz\n", hz)

	stats := drive.Stats()
	fmt.Printf("  Link stats: %d sent, %d ok, %d failed (%.0f%% success)\n",
		stats.CommandsSent, stats.SuccessfulResponses, stats.FailedTransactions,
		stats.SuccessRate()*100)
	return nil
}
