package sensor

import (
	"testing"
	"time"

	"airleak/pkg/config"
	"airleak/pkg/fieldio"
	"airleak/pkg/log"
)

func testSampler(t *testing.T) (*Sampler, *fieldio.Sim) {
	t.Helper()
	snap := config.Default()
	snap.Sequencer.SampleInterval = time.Millisecond
	sim := fieldio.NewSim(snap)
	return NewSampler(sim, snap, log.Nop()), sim
}

func TestSamplerLatest(t *testing.T) {
	s, sim := testSampler(t)
	sim.SetPressure(1.8)

	s.Start()
	defer s.Stop()

	deadline := time.After(time.Second)
	for {
		if r, ok := s.Latest(); ok {
			if r.Pressure != 1.8 {
				t.Errorf("latest = %v, want 1.8", r.Pressure)
			}
			if r.Time.IsZero() {
				t.Error("reading missing timestamp")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no reading arrived")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSamplerQueueDropsOldest(t *testing.T) {
	s, sim := testSampler(t)

	// fill past capacity without running the loop
	for i := 0; i < queueCapacity+10; i++ {
		sim.SetPressure(float64(i))
		s.sample()
	}

	readings := s.Drain()
	if len(readings) != queueCapacity {
		t.Fatalf("queue length = %d, want bounded at %d", len(readings), queueCapacity)
	}
	if readings[0].Pressure != 10 {
		t.Errorf("oldest reading = %v, want 10 (oldest dropped)", readings[0].Pressure)
	}
	if readings[len(readings)-1].Pressure != float64(queueCapacity+9) {
		t.Errorf("newest reading = %v, want %v", readings[len(readings)-1].Pressure, queueCapacity+9)
	}

	if got := s.Drain(); len(got) != 0 {
		t.Errorf("second drain returned %d readings, want none", len(got))
	}
}

func TestSamplerSkipsFailedReads(t *testing.T) {
	s, sim := testSampler(t)
	sim.SetPressureFunc(func() (float64, error) { return 0, fieldio.ErrBadReading })

	s.sample()
	if _, ok := s.Latest(); ok {
		t.Error("failed read should not produce a reading")
	}
}

func TestSensorStates(t *testing.T) {
	s, sim := testSampler(t)
	sim.SetInput(config.PinDoorClosed, true)
	sim.SetInput(config.PinActuatorMin, true)

	states := s.States()
	if len(states) != 6 {
		t.Fatalf("states = %d entries, want all 6 inputs", len(states))
	}
	if !states[config.PinDoorClosed] || states[config.PinEmergencyButton] {
		t.Error("states do not match scripted inputs")
	}
	if !s.AtHome() {
		t.Error("AtHome should report the tripped home switch")
	}
}
