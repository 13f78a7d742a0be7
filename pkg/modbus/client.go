// Modbus RTU master over an RS-485 serial link
//
// The client serializes all traffic, enforces inter-frame silence, retries
// failed transactions with progressive backoff and tracks a consecutive
// error budget. Once the budget is exhausted the link is marked lost and
// every call fails until Reconnect.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package modbus

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"airleak/pkg/config"
	"airleak/pkg/errors"
	"airleak/pkg/log"
)

// Port is the serial transport the client drives. *serial.Port satisfies it;
// tests substitute an in-memory fake.
type Port interface {
	io.ReadWriter
	Flush() error
	Close() error
}

// Stats counts link-level events since the client was created.
type Stats struct {
	CommandsSent        uint64
	SuccessfulResponses uint64
	FailedTransactions  uint64
	Timeouts            uint64
	Retries             uint64
	CRCErrors           uint64
}

// SuccessRate returns the fraction of sent commands that got a valid
// response, in percent.
func (s Stats) SuccessRate() float64 {
	if s.CommandsSent == 0 {
		return 0
	}
	return float64(s.SuccessfulResponses) / float64(s.CommandsSent) * 100
}

// Client is a Modbus RTU master bound to one serial port.
type Client struct {
	mu          sync.Mutex
	cfg         config.ModbusConfig
	port        Port
	frameDelay  time.Duration
	lastCommand time.Time
	connected   bool
	errorCount  int
	stats       Stats
	logger      *log.Logger

	sleep func(time.Duration) // swapped in tests
}

// frameDelayFor returns the inter-frame silence for a baud rate: 3.5
// character times at 11 bits per RTU character (start + 8 data + parity
// + stop), but never less than 10ms.
func frameDelayFor(baud int) time.Duration {
	d := time.Duration(3.5 * 11.0 / float64(baud) * float64(time.Second))
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// Dial opens the configured serial port and returns a connected client.
// Communication is not verified here; callers confirm the slave responds
// (M100.Connect does a status read).
func Dial(cfg config.ModbusConfig, logger *log.Logger) (*Client, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrComm, "opening serial port "+cfg.Port).
			SetComponent("modbus")
	}
	return NewClient(port, cfg, logger), nil
}

// NewClient wraps an already-open transport. Used by Dial and by tests.
func NewClient(port Port, cfg config.ModbusConfig, logger *log.Logger) *Client {
	return &Client{
		cfg:        cfg,
		port:       port,
		frameDelay: frameDelayFor(cfg.Baud),
		connected:  true,
		logger:     logger.Named("modbus"),
		sleep:      time.Sleep,
	}
}

// Connected reports whether the link is still considered alive.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats returns a copy of the link counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ErrorCount returns the current consecutive error count.
func (c *Client) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// Reconnect clears the error budget after the caller has re-established
// the physical link.
func (c *Client) Reconnect() {
	c.mu.Lock()
	c.connected = true
	c.errorCount = 0
	c.mu.Unlock()
}

// Close shuts the serial port. The link is marked lost.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return c.port.Close()
}

// Execute sends a request frame (without CRC), waits for the response and
// validates it. The transaction is retried up to MaxRetries times with
// progressive backoff. expectedLength is the full response size including
// CRC, or 0 if unknown.
func (c *Client) Execute(request []byte, expectedLength int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, errors.New(errors.ErrCommLost, "link is down").SetComponent("modbus")
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.stats.Retries++
			c.sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}

		response, err := c.transact(request, expectedLength)
		if err == nil {
			c.stats.SuccessfulResponses++
			c.errorCount = 0
			return response, nil
		}
		lastErr = err
		c.logger.Debugw("transaction failed",
			"attempt", attempt+1, "function", fmt.Sprintf("0x%02X", request[1]), "error", err)
	}

	c.stats.FailedTransactions++
	c.errorCount++
	if c.errorCount >= c.cfg.MaxErrors {
		c.connected = false
		c.logger.Errorw("link marked lost", "consecutive_errors", c.errorCount)
		return nil, errors.ConnectionLost(c.errorCount)
	}
	return nil, lastErr
}

// transact performs one request/response exchange. Caller holds the mutex.
func (c *Client) transact(request []byte, expectedLength int) ([]byte, error) {
	// 3.5 character times of silence between frames
	if elapsed := time.Since(c.lastCommand); elapsed < c.frameDelay {
		c.sleep(c.frameDelay - elapsed)
	}

	frame := AppendCRC(append([]byte(nil), request...))
	if _, err := c.port.Write(frame); err != nil {
		return nil, errors.Wrap(err, errors.ErrComm, "writing request").SetComponent("modbus")
	}
	if err := c.port.Flush(); err != nil {
		return nil, errors.Wrap(err, errors.ErrComm, "flushing port").SetComponent("modbus")
	}
	c.lastCommand = time.Now()
	c.stats.CommandsSent++

	response, err := c.readResponse(expectedLength)
	if err != nil {
		return nil, err
	}
	if err := verifyResponse(response, request[0], request[1]); err != nil {
		if errors.Is(err, errors.ErrCommCRC) {
			c.stats.CRCErrors++
		}
		return nil, err
	}
	return response, nil
}

// readResponse accumulates bytes until expectedLength (or the minimum frame
// size when unknown) arrives or the response timeout elapses.
func (c *Client) readResponse(expectedLength int) ([]byte, error) {
	want := expectedLength
	if want <= 0 {
		want = minResponseLength
	}

	var response []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(c.cfg.ResponseTimeout)
	for time.Now().Before(deadline) {
		n, err := c.port.Read(buf)
		if n > 0 {
			response = append(response, buf[:n]...)
			// an exception frame is 5 bytes regardless of the expected
			// normal-response length
			if len(response) >= minResponseLength && response[1]&exceptionFlag != 0 {
				return response[:minResponseLength], nil
			}
			if len(response) >= want {
				return response, nil
			}
			continue
		}
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(err, errors.ErrComm, "reading response").SetComponent("modbus")
		}
		c.sleep(time.Millisecond)
	}

	if len(response) == 0 {
		c.stats.Timeouts++
		return nil, errors.New(errors.ErrCommNoResponse, "no response from slave").
			SetComponent("modbus")
	}
	// partial frame
	c.stats.Timeouts++
	return nil, errors.CommTimeout(
		fmt.Sprintf("incomplete response: %d of %d bytes", len(response), want))
}
