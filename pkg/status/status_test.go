package status

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"airleak/pkg/log"
	"airleak/pkg/sequencer"
)

func recvEnvelope(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope arrived")
		return Envelope{}
	}
}

func TestSubscribeReceivesStatus(t *testing.T) {
	h := NewHub(log.Nop())
	ch, cancel := h.Subscribe(4)
	defer cancel()

	h.Status("homing actuator", "info")

	env := recvEnvelope(t, ch)
	if env.Type != "status" {
		t.Fatalf("type = %q, want status", env.Type)
	}
	msg, ok := env.Data.(Message)
	if !ok {
		t.Fatalf("data = %T, want Message", env.Data)
	}
	if msg.Text != "homing actuator" || msg.Level != "info" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Time.IsZero() {
		t.Error("message missing timestamp")
	}
}

func TestSubscribeReceivesProgress(t *testing.T) {
	h := NewHub(log.Nop())
	ch, cancel := h.Subscribe(4)
	defer cancel()

	h.Progress(sequencer.Progress{
		RunID:      "run-1",
		State:      "testing",
		Pressure:   2.1,
		Elapsed:    30 * time.Second,
		Target:     2 * time.Minute,
		PositionMM: 120,
	})

	env := recvEnvelope(t, ch)
	if env.Type != "progress" {
		t.Fatalf("type = %q, want progress", env.Type)
	}
	p, ok := env.Data.(progressPayload)
	if !ok {
		t.Fatalf("data = %T, want progressPayload", env.Data)
	}
	if p.RunID != "run-1" || p.State != "testing" || p.Pressure != 2.1 {
		t.Errorf("payload = %+v", p)
	}
	if p.ElapsedSec != 30 || p.TargetSec != 120 {
		t.Errorf("elapsed/target = %v/%v, want 30/120", p.ElapsedSec, p.TargetSec)
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub(log.Nop())
	ch, cancel := h.Subscribe(2)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			h.Alert("warning", "tank level low")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber queue")
	}
	if len(ch) != 2 {
		t.Errorf("queue holds %d envelopes, want capacity 2", len(ch))
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	h := NewHub(log.Nop())
	ch, cancel := h.Subscribe(4)

	cancel()
	cancel() // second cancel is a no-op

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// must not panic or deliver to the removed subscriber
	h.Status("after cancel", "info")
}

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketReceivesEnvelopes(t *testing.T) {
	h := NewHub(log.Nop())
	defer h.Close()

	conn := dialHub(t, h)

	// wait for the client to register before broadcasting
	deadline := time.Now().Add(time.Second)
	for {
		h.mu.Lock()
		n := len(h.clients)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	h.Status("pressurizing", "info")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var env struct {
		Type string `json:"type"`
		Data struct {
			Level string `json:"level"`
			Text  string `json:"text"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != "status" || env.Data.Text != "pressurizing" || env.Data.Level != "info" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWebsocketSnapshotOnConnect(t *testing.T) {
	h := NewHub(log.Nop())
	defer h.Close()
	h.SetSnapshot(func() any {
		return map[string]string{"state": "idle"}
	})

	conn := dialHub(t, h)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var env struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != "snapshot" || env.Data["state"] != "idle" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWebsocketCommandDispatch(t *testing.T) {
	h := NewHub(log.Nop())
	defer h.Close()

	got := make(chan Command, 1)
	h.OnCommand(func(cmd Command) error {
		got <- cmd
		return nil
	})

	conn := dialHub(t, h)
	err := conn.WriteJSON(map[string]any{
		"type": "command",
		"data": map[string]any{
			"action":       "start",
			"reference":    "REF-100",
			"position_mm":  120,
			"pressure_bar": 2.0,
			"duration_min": 5,
		},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cmd := <-got:
		if cmd.Action != "start" || cmd.Reference != "REF-100" || cmd.PositionMM != 120 {
			t.Errorf("command = %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ack struct {
		Type string `json:"type"`
		Data struct {
			Action string `json:"action"`
			Error  string `json:"error"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "command_result" || ack.Data.Action != "start" || ack.Data.Error != "" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestWebsocketCommandRejectedWithoutHandler(t *testing.T) {
	h := NewHub(log.Nop())
	defer h.Close()

	conn := dialHub(t, h)
	err := conn.WriteJSON(map[string]any{
		"type": "command",
		"data": map[string]any{"action": "stop"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ack struct {
		Type string `json:"type"`
		Data struct {
			Error string `json:"error"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Data.Error == "" {
		t.Error("expected rejection without a registered handler")
	}
}

func TestWebsocketClientRemovedOnDisconnect(t *testing.T) {
	h := NewHub(log.Nop())
	defer h.Close()

	conn := dialHub(t, h)
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for {
		h.mu.Lock()
		n := len(h.clients)
		h.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("client still registered after disconnect")
		}
		time.Sleep(time.Millisecond)
	}
}
