// airleak is the control daemon for the air-leakage test rig.
// It drives the stepper actuator, pump relay and M100 pump drive, runs the
// safety monitor and test sequencer, and pushes live status to the UI shell
// over a websocket.
//
// Usage:
//
//	airleak [-config rig.yaml] [options]
//
// Options:
//
//	-config string  Rig configuration file (optional, defaults apply)
//	-sim            Use the simulated field I/O instead of GPIO hardware
//	-i2c string     I2C device for the pressure ADC (default "/dev/i2c-1")
//	-listen string  Websocket listen address (overrides config)
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"airleak/pkg/calib"
	"airleak/pkg/config"
	"airleak/pkg/fieldio"
	"airleak/pkg/log"
	"airleak/pkg/modbus"
	"airleak/pkg/motor"
	"airleak/pkg/safety"
	"airleak/pkg/sensor"
	"airleak/pkg/sequencer"
	"airleak/pkg/status"
	"airleak/pkg/store"
)

func main() {
	configFile := flag.String("config", "", "Rig configuration file (optional)")
	sim := flag.Bool("sim", false, "Use simulated field I/O instead of GPIO hardware")
	i2cDevice := flag.String("i2c", "/dev/i2c-1", "I2C device for the pressure ADC")
	listen := flag.String("listen", "", "Websocket listen address (overrides config)")
	flag.Parse()

	snap, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		snap.ListenAddr = *listen
	}

	logger := log.Get(snap.LogLevel)
	defer logger.Sync()

	logger.Infow("airleak starting",
		"config", *configFile, "sim", *sim, "listen", snap.ListenAddr)

	// Field I/O
	var io fieldio.FieldIO
	if *sim {
		io = fieldio.NewSim(snap)
		logger.Warnw("running with simulated field I/O")
	} else {
		gpio, err := fieldio.OpenGPIO(snap, *i2cDevice)
		if err != nil {
			logger.Fatalw("opening GPIO backend", "error", err)
		}
		io = gpio
	}
	defer func() {
		io.SafeState()
		io.Close()
	}()

	table, err := calib.NewTable(snap.Calibration)
	if err != nil {
		logger.Fatalw("building calibration table", "error", err)
	}

	st, err := store.Open(snap.DBPath, logger)
	if err != nil {
		logger.Fatalw("opening run store", "error", err)
	}
	defer st.Close()

	hub := status.NewHub(logger)
	defer hub.Close()

	driver := motor.NewDriver(io, snap, logger)
	sampler := sensor.NewSampler(io, snap, logger)
	monitor := safety.NewMonitor(io, snap, logger)

	// M100 drive link is optional; a dead link at startup only degrades to
	// relay-only control unless frequency is mandatory.
	var drive *modbus.M100
	if snap.Modbus.Enabled {
		drive, err = modbus.Connect(snap.Modbus, logger)
		if err != nil {
			if snap.Modbus.RequireFrequency {
				logger.Fatalw("connecting M100 drive", "error", err, "port", snap.Modbus.Port)
			}
			logger.Warnw("M100 drive unavailable, relay-only control",
				"error", err, "port", snap.Modbus.Port)
			drive = nil
		} else {
			defer drive.Close()
		}
	}

	deps := sequencer.Deps{
		Actuator: driver,
		Pump:     driver,
		Safety:   monitor,
		Pressure: io,
		Table:    table,
		Sink:     st,
		Notifier: hub,
	}
	if drive != nil {
		deps.Frequency = drive
	}
	seq := sequencer.New(snap, deps, logger)

	monitor.OnEmergency(func(reason string) {
		seq.EmergencyStop(reason)
	})
	monitor.OnAlert(func(level safety.Level, message string) {
		hub.Alert(level.String(), message)
	})

	hub.SetSnapshot(func() any {
		p := seq.Status()
		active, reason, _ := monitor.EmergencyActive()
		return map[string]any{
			"run_id":           p.RunID,
			"state":            p.State,
			"pressure_bar":     p.Pressure,
			"elapsed_sec":      p.Elapsed.Seconds(),
			"target_sec":       p.Target.Seconds(),
			"position_mm":      p.PositionMM,
			"paused":           p.Paused,
			"last_status":      p.LastStatus,
			"last_reason":      p.LastReason,
			"sensors":          sampler.States(),
			"emergency":        active,
			"emergency_reason": reason,
		}
	})
	hub.OnCommand(func(cmd status.Command) error {
		return dispatch(seq, monitor, driver, cmd)
	})

	monitor.Start()
	defer monitor.Stop()
	sampler.Start()
	defer sampler.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	srv := &http.Server{Addr: snap.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("websocket server failed", "error", err)
		}
	}()
	logger.Infow("airleak ready", "ws", "ws://"+snap.ListenAddr+"/ws")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("shutting down", "signal", sig.String())

	seq.Stop("daemon shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	logger.Infow("airleak stopped")
}

// dispatch routes one UI command to the matching subsystem.
func dispatch(seq *sequencer.Sequencer, monitor *safety.Monitor, driver *motor.Driver, cmd status.Command) error {
	switch cmd.Action {
	case "start":
		return seq.Start(sequencer.Params{
			Reference:         cmd.Reference,
			PositionMM:        cmd.PositionMM,
			TargetPressureBar: cmd.TargetPressureBar,
			DurationMin:       cmd.DurationMin,
		})
	case "stop":
		seq.Stop("operator request")
		return nil
	case "pause":
		return seq.Pause()
	case "resume":
		return seq.Resume()
	case "reset_emergency":
		if err := monitor.ResetEmergency(); err != nil {
			return err
		}
		driver.ClearEmergency()
		return nil
	}
	return fmt.Errorf("unknown action %q", cmd.Action)
}
