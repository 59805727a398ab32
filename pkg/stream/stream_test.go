package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/events"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %s", url, err)
	}
	return conn
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", desc)
}

func TestStreamEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	s := New(bus, WithLogger(zaptest.NewLogger(t).Sugar()))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL+"/events?types=connected,disconnected")
	defer conn.Close()
	waitFor(t, "subscription", func() bool { return bus.Subscribers() == 1 })

	bus.Publish(events.New(events.KindScanStarted))
	bus.Publish(events.New(events.KindConnected).WithDevice(device.New("", "00:11:22:33:44:55", "OBDII")))

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %s", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %s", err)
	}

	var ev events.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("failed to parse event: %s", err)
	}
	if ev.Kind != events.KindConnected || ev.Device == nil || ev.Device.Address != "00:11:22:33:44:55" {
		t.Fatalf("unexpected event: %s", msg)
	}
	if !strings.Contains(string(msg), `"type":"connected"`) {
		t.Fatalf("unexpected event encoding: %s", msg)
	}
}

func TestClientDisconnect(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	s := New(bus)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL+"/events")
	waitFor(t, "client registration", func() bool { return s.Clients() == 1 && bus.Subscribers() == 1 })

	conn.Close()
	waitFor(t, "client removal", func() bool { return s.Clients() == 0 && bus.Subscribers() == 0 })
}

func TestBusClosure(t *testing.T) {
	bus := events.NewBus()

	s := New(bus)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL+"/events")
	defer conn.Close()
	waitFor(t, "client registration", func() bool { return s.Clients() == 1 })

	bus.Close()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %s", err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("unexpected error after bus closure: %v", err)
	}
	waitFor(t, "client removal", func() bool { return s.Clients() == 0 })
}
