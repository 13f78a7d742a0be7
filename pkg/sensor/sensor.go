// Pressure sampling and sensor state snapshots
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sensor

import (
	"sync"
	"time"

	"airleak/pkg/config"
	"airleak/pkg/fieldio"
	"airleak/pkg/log"
)

// queueCapacity bounds the reading queue; when full the oldest reading is
// dropped so a slow consumer never stalls sampling.
const queueCapacity = 64

// Reading is one timestamped pressure sample.
type Reading struct {
	Pressure float64
	Time     time.Time
}

// Sampler polls the pressure channel at the configured cadence and keeps a
// bounded queue of readings plus the latest value.
type Sampler struct {
	mu       sync.Mutex
	io       fieldio.FieldIO
	snap     *config.Snapshot
	interval time.Duration
	logger   *log.Logger

	queue   []Reading
	latest  Reading
	haveOne bool

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSampler builds a sampler. Start launches the polling loop.
func NewSampler(io fieldio.FieldIO, snap *config.Snapshot, logger *log.Logger) *Sampler {
	return &Sampler{
		io:       io,
		snap:     snap,
		interval: snap.Sequencer.SampleInterval,
		logger:   logger.Named("sensor"),
	}
}

// Start launches the sampling loop.
func (s *Sampler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Infow("pressure sampling started", "interval", s.interval)
	go s.loop()
}

// Stop halts the sampling loop and waits for it to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Infow("pressure sampling stopped")
}

func (s *Sampler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	bar, err := s.io.ReadPressure()
	if err != nil {
		s.logger.Warnw("pressure read failed", "error", err)
		return
	}
	r := Reading{Pressure: bar, Time: time.Now()}

	s.mu.Lock()
	s.latest = r
	s.haveOne = true
	if len(s.queue) == queueCapacity {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:queueCapacity-1]
	}
	s.queue = append(s.queue, r)
	s.mu.Unlock()
}

// Latest returns the most recent reading without consuming it.
func (s *Sampler) Latest() (Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.haveOne
}

// Drain removes and returns all queued readings in sample order.
func (s *Sampler) Drain() []Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// States reads the logical level of every input line. A line that fails to
// read is omitted.
func (s *Sampler) States() map[string]bool {
	states := make(map[string]bool)
	for _, name := range s.snap.InputPins() {
		level, err := s.io.Input(name).Read()
		if err != nil {
			continue
		}
		states[name] = level
	}
	return states
}

// AtHome reports whether the actuator sits on the home switch.
func (s *Sampler) AtHome() bool {
	level, err := s.io.Input(config.PinActuatorMin).Read()
	return err == nil && level
}
