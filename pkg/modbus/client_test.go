package modbus

import (
	"sync"
	"testing"
	"time"

	"airleak/pkg/config"
	"airleak/pkg/errors"
	"airleak/pkg/log"
)

// fakePort is an in-memory serial transport. A handler maps each written
// frame to the bytes the slave answers with; a nil handler never responds.
type fakePort struct {
	mu      sync.Mutex
	writes  [][]byte
	pending []byte
	handler func(frame []byte) []byte
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	frame := append([]byte(nil), b...)
	p.writes = append(p.writes, frame)
	if p.handler != nil {
		p.pending = append(p.pending, p.handler(frame)...)
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) Flush() error { return nil }
func (p *fakePort) Close() error { return nil }

func (p *fakePort) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

func testModbusConfig() config.ModbusConfig {
	cfg := config.Default().Modbus
	cfg.ResponseTimeout = 20 * time.Millisecond
	return cfg
}

func testClient(port *fakePort, cfg config.ModbusConfig) *Client {
	c := NewClient(port, cfg, log.Nop())
	c.sleep = func(time.Duration) {} // no backoff waits in tests
	return c
}

// respond builds a slave handler that answers every request with the given
// PDU plus a valid CRC.
func respond(pdu []byte) func([]byte) []byte {
	return func([]byte) []byte {
		return AppendCRC(append([]byte(nil), pdu...))
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	port := &fakePort{handler: respond([]byte{0x01, 0x01, 0x01, 0x0F})}
	c := testClient(port, testModbusConfig())

	resp, err := c.Execute(readCoilsFrame(0x01, 0x0000, 8), 6)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp[3] != 0x0F {
		t.Errorf("data byte = 0x%02X, want 0x0F", resp[3])
	}

	stats := c.Stats()
	if stats.CommandsSent != 1 || stats.SuccessfulResponses != 1 || stats.Retries != 0 {
		t.Errorf("stats = %+v, want one clean transaction", stats)
	}
}

func TestExecuteSilentSlaveExhaustsRetries(t *testing.T) {
	cfg := testModbusConfig()
	port := &fakePort{} // never answers
	c := testClient(port, cfg)

	_, err := c.Execute(readCoilsFrame(0x01, 0x0000, 8), 6)
	if !errors.Is(err, errors.ErrCommNoResponse) {
		t.Fatalf("err = %v, want COMM_NO_RESPONSE", err)
	}
	if got := port.writeCount(); got != cfg.MaxRetries {
		t.Errorf("slave saw %d requests, want exactly %d", got, cfg.MaxRetries)
	}

	stats := c.Stats()
	if stats.Timeouts != uint64(cfg.MaxRetries) {
		t.Errorf("timeouts = %d, want %d", stats.Timeouts, cfg.MaxRetries)
	}
	if stats.Retries != uint64(cfg.MaxRetries-1) {
		t.Errorf("retries = %d, want %d", stats.Retries, cfg.MaxRetries-1)
	}
	if stats.FailedTransactions != 1 {
		t.Errorf("failed transactions = %d, want 1", stats.FailedTransactions)
	}
}

func TestExecuteRecoversFromCorruptFrame(t *testing.T) {
	var calls int
	port := &fakePort{}
	port.handler = func([]byte) []byte {
		calls++
		good := AppendCRC([]byte{0x01, 0x01, 0x01, 0x0F})
		if calls == 1 {
			good[3] ^= 0xFF // corrupt the data byte, CRC no longer matches
		}
		return good
	}
	c := testClient(port, testModbusConfig())

	if _, err := c.Execute(readCoilsFrame(0x01, 0x0000, 8), 6); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	stats := c.Stats()
	if stats.CRCErrors != 1 || stats.Retries != 1 {
		t.Errorf("stats = %+v, want one CRC error and one retry", stats)
	}
	if c.ErrorCount() != 0 {
		t.Error("error budget should reset after a successful transaction")
	}
}

func TestExecuteSlaveException(t *testing.T) {
	port := &fakePort{handler: respond([]byte{0x01, 0x81, 0x02})}
	c := testClient(port, testModbusConfig())

	_, err := c.Execute(readCoilsFrame(0x01, 0x0048, 1), 6)
	if !errors.Is(err, errors.ErrCommException) {
		t.Fatalf("err = %v, want COMM_EXCEPTION", err)
	}
}

func TestErrorBudgetMarksLinkLost(t *testing.T) {
	cfg := testModbusConfig()
	cfg.MaxErrors = 2
	port := &fakePort{} // never answers
	c := testClient(port, cfg)

	req := readCoilsFrame(0x01, 0x0000, 8)
	if _, err := c.Execute(req, 6); errors.Is(err, errors.ErrCommLost) {
		t.Fatal("first failure should not exhaust the budget")
	}
	if _, err := c.Execute(req, 6); !errors.Is(err, errors.ErrCommLost) {
		t.Fatal("second failure should mark the link lost")
	}
	if c.Connected() {
		t.Error("client still reports connected")
	}

	// no further traffic once the link is lost
	before := port.writeCount()
	if _, err := c.Execute(req, 6); !errors.Is(err, errors.ErrCommLost) {
		t.Error("calls on a lost link should fail immediately")
	}
	if port.writeCount() != before {
		t.Error("lost link still generated bus traffic")
	}

	c.Reconnect()
	if !c.Connected() || c.ErrorCount() != 0 {
		t.Error("Reconnect should restore the link and clear the budget")
	}
}

func TestFrameDelayFloor(t *testing.T) {
	if d := frameDelayFor(9600); d != 10*time.Millisecond {
		t.Errorf("frame delay at 9600 baud = %v, want 10ms floor", d)
	}
	// 3.5 chars * 11 bits / 1200 baud ~= 32.08ms
	if d := frameDelayFor(1200); d < 32*time.Millisecond || d > 33*time.Millisecond {
		t.Errorf("frame delay at 1200 baud = %v, want ~32ms", d)
	}
}
