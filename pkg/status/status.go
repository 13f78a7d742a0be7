// Status fan-out: in-process subscribers and a websocket hub
//
// The sequencer and safety monitor push status messages, progress samples
// and alerts here; the hub fans them out without ever blocking a control
// loop. Slow consumers lose messages rather than stalling the rig.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"airleak/pkg/log"
	"airleak/pkg/sequencer"
)

// Envelope is the JSON message pushed to every consumer.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Message is a human-readable status line.
type Message struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

// progressPayload is the wire form of a sequencer progress update.
type progressPayload struct {
	RunID      string  `json:"run_id"`
	State      string  `json:"state"`
	Pressure   float64 `json:"pressure_bar"`
	ElapsedSec float64 `json:"elapsed_sec"`
	TargetSec  float64 `json:"target_sec"`
	PositionMM float64 `json:"position_mm"`
	Paused     bool    `json:"paused"`
	LastStatus string  `json:"last_status,omitempty"`
	LastReason string  `json:"last_reason,omitempty"`
}

// Alert is a safety alert line.
type Alert struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

// Command is an inbound control request from the UI shell.
type Command struct {
	Action            string  `json:"action"`
	Reference         string  `json:"reference,omitempty"`
	PositionMM        float64 `json:"position_mm,omitempty"`
	TargetPressureBar float64 `json:"pressure_bar,omitempty"`
	DurationMin       float64 `json:"duration_min,omitempty"`
}

// commandResult acknowledges a Command back to the issuing client only.
type commandResult struct {
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// Hub fans envelopes out to in-process subscribers and websocket clients.
// It implements the sequencer's Notifier.
type Hub struct {
	mu       sync.Mutex
	logger   *log.Logger
	subs     map[int64]chan Envelope
	clients  map[int64]*wsClient
	nextID   int64
	upgrader websocket.Upgrader
	snapshot func() any          // optional initial-state provider for new clients
	command  func(Command) error // optional inbound command dispatcher
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger:  logger.Named("status"),
		subs:    make(map[int64]chan Envelope),
		clients: make(map[int64]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetSnapshot registers a provider whose value is pushed to every client
// right after it connects.
func (h *Hub) SetSnapshot(fn func() any) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// OnCommand registers the dispatcher for inbound commands. Without one,
// command envelopes are rejected.
func (h *Hub) OnCommand(fn func(Command) error) {
	h.mu.Lock()
	h.command = fn
	h.mu.Unlock()
}

// Status implements sequencer.Notifier.
func (h *Hub) Status(message, level string) {
	h.broadcast(Envelope{Type: "status", Data: Message{
		Time:  time.Now(),
		Level: level,
		Text:  message,
	}})
}

// Progress implements sequencer.Notifier.
func (h *Hub) Progress(p sequencer.Progress) {
	h.broadcast(Envelope{Type: "progress", Data: progressPayload{
		RunID:      p.RunID,
		State:      p.State,
		Pressure:   p.Pressure,
		ElapsedSec: p.Elapsed.Seconds(),
		TargetSec:  p.Target.Seconds(),
		PositionMM: p.PositionMM,
		Paused:     p.Paused,
		LastStatus: p.LastStatus,
		LastReason: p.LastReason,
	}})
}

// Alert pushes a safety alert. Wired to the safety monitor's alert callback.
func (h *Hub) Alert(level, message string) {
	h.broadcast(Envelope{Type: "alert", Data: Alert{
		Time:  time.Now(),
		Level: level,
		Text:  message,
	}})
}

// Subscribe registers an in-process consumer. The returned cancel func
// releases it. The channel drops envelopes when full.
func (h *Hub) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Envelope, buffer)
	id := atomic.AddInt64(&h.nextID, 1)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// broadcast delivers an envelope to every consumer, never blocking.
func (h *Hub) broadcast(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- env:
		default:
			h.logger.Debugw("dropping envelope for slow subscriber", "subscriber", id)
		}
	}
	for _, c := range h.clients {
		c.send(env)
	}
}

// HandleWS upgrades an HTTP request and serves envelopes until the peer
// disconnects. Mount on the process mux.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	id := atomic.AddInt64(&h.nextID, 1)
	client := &wsClient{
		id:     id,
		hub:    h,
		conn:   conn,
		sendCh: make(chan Envelope, 64),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[id] = client
	snapshot := h.snapshot
	h.mu.Unlock()

	h.logger.Infow("websocket client connected", "client", id, "remote", r.RemoteAddr)

	if snapshot != nil {
		client.send(Envelope{Type: "snapshot", Data: snapshot()})
	}

	go client.writePump()
	client.readPump() // blocks until the connection closes
}

func (h *Hub) removeClient(id int64) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	h.logger.Infow("websocket client disconnected", "client", id)
}

// Close disconnects all websocket clients and in-process subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[int64]*wsClient)
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMsgSize = 4096
)

// wsClient is one websocket consumer. Envelopes queue on sendCh; when the
// queue is full the client loses messages instead of blocking the hub.
type wsClient struct {
	id     int64
	hub    *Hub
	conn   *websocket.Conn
	sendCh chan Envelope
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) send(env Envelope) {
	select {
	case c.sendCh <- env:
	case <-c.done:
	default:
		c.hub.logger.Debugw("dropping envelope for slow client", "client", c.id)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump services inbound frames until the connection closes. Command
// envelopes are dispatched through the hub's registered handler; everything
// else is drained.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.removeClient(c.id)
		c.close()
	}()

	c.conn.SetReadLimit(wsMaxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleInbound(data)
	}
}

func (c *wsClient) handleInbound(data []byte) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "command" {
		return
	}

	var cmd Command
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		c.send(Envelope{Type: "command_result", Data: commandResult{Error: "malformed command"}})
		return
	}

	c.hub.mu.Lock()
	handler := c.hub.command
	c.hub.mu.Unlock()

	result := commandResult{Action: cmd.Action}
	if handler == nil {
		result.Error = "commands not accepted"
	} else if err := handler(cmd); err != nil {
		result.Error = err.Error()
	}
	c.hub.logger.Infow("command handled", "client", c.id, "action", cmd.Action, "error", result.Error)
	c.send(Envelope{Type: "command_result", Data: result})
}

func (c *wsClient) writePump() {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		c.close()
	}()

	for {
		select {
		case env := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
