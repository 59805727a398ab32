package serialport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fako1024/btobd/pkg/platform"
)

type testPorts struct {
	ports  []Port
	remote net.Conn
	opened []string

	sync.Mutex
}

func (tp *testPorts) list() ([]Port, error) {
	tp.Lock()
	defer tp.Unlock()

	return append([]Port(nil), tp.ports...), nil
}

func (tp *testPorts) open(path string, _ int) (io.ReadWriteCloser, error) {
	tp.Lock()
	defer tp.Unlock()

	tp.opened = append(tp.opened, path)
	local, remote := net.Pipe()
	tp.remote = remote

	return local, nil
}

func newTestBridge(tp *testPorts) *Bridge {
	return New(
		WithLister(tp.list),
		WithOpener(tp.open),
		WithScanInterval(10*time.Millisecond),
	)
}

func TestScanFiltersPorts(t *testing.T) {
	tp := &testPorts{ports: []Port{
		{Path: "/dev/rfcomm0"},
		{Path: "/dev/ttyUSB0", Name: "ELM327 USB"},
		{Path: "/dev/ttyS0"},
	}}
	b := newTestBridge(tp)

	advChan := make(chan platform.Advertisement, 16)
	if err := b.StartScan(context.Background(), func(adv platform.Advertisement) {
		advChan <- adv
	}); err != nil {
		t.Fatalf("failed to start scan: %s", err)
	}
	defer func() {
		if err := b.StopScan(); err != nil {
			t.Fatalf("failed to stop scan: %s", err)
		}
	}()

	seen := make(map[string]platform.Advertisement)
	for len(seen) < 2 {
		select {
		case adv := <-advChan:
			seen[adv.ID] = adv
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for advertisements, got %v", seen)
		}
	}

	if _, exists := seen["/dev/ttyS0"]; exists {
		t.Fatalf("unexpected advertisement for filtered port")
	}
	if adv := seen["/dev/rfcomm0"]; adv.Name != "rfcomm0" || adv.Address != "/DEV/RFCOMM0" {
		t.Fatalf("unexpected advertisement for RFCOMM port: %+v", adv)
	}
	if adv := seen["/dev/ttyUSB0"]; adv.Name != "ELM327 USB" {
		t.Fatalf("unexpected advertisement for USB port: %+v", adv)
	}
}

func TestOpenChannel(t *testing.T) {
	tp := &testPorts{ports: []Port{{Path: "/dev/ttyUSB0"}}}
	b := newTestBridge(tp)

	// The normalized address is resolved back to the port path
	ch, err := b.OpenChannel(context.Background(), "/DEV/TTYUSB0")
	if err != nil {
		t.Fatalf("failed to open channel: %s", err)
	}
	defer ch.Close()

	if len(tp.opened) != 1 || tp.opened[0] != "/dev/ttyUSB0" {
		t.Fatalf("unexpected opened ports: %v", tp.opened)
	}

	go func() {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(tp.remote, buf); err == nil {
			_, _ = tp.remote.Write([]byte("OK\r\r>"))
		}
	}()

	if _, err := ch.Write([]byte("ATZ\r")); err != nil {
		t.Fatalf("failed to write to channel: %s", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(ch, buf); err != nil {
		t.Fatalf("failed to read from channel: %s", err)
	}
	if string(buf) != "OK\r\r>" {
		t.Fatalf("unexpected response: %q", buf)
	}
}

func TestOpenUnknownPort(t *testing.T) {
	b := newTestBridge(&testPorts{})
	if _, err := b.OpenChannel(context.Background(), "/dev/rfcomm7"); !errors.Is(err, platform.ErrUnknownDevice) {
		t.Fatalf("unexpected error for unknown port: %v", err)
	}
}

func TestLinkLost(t *testing.T) {
	tp := &testPorts{ports: []Port{{Path: "/dev/rfcomm0"}}}
	b := newTestBridge(tp)

	lostChan := make(chan string, 1)
	b.OnLinkLost(func(address string, _ error) {
		lostChan <- address
	})

	ch, err := b.OpenChannel(context.Background(), "/dev/rfcomm0")
	if err != nil {
		t.Fatalf("failed to open channel: %s", err)
	}

	// Remote hang-up surfaces as read error and link loss
	tp.remote.Close()
	if _, err := ch.Read(make([]byte, 1)); err == nil {
		t.Fatalf("unexpected successful read after hang-up")
	}

	select {
	case address := <-lostChan:
		if address != "/DEV/RFCOMM0" {
			t.Fatalf("unexpected address of lost link: %s", address)
		}
	case <-time.After(time.Second):
		t.Fatalf("link loss was not reported")
	}

	// Closing an already lost link does not report again
	if err := ch.Close(); err != nil {
		t.Fatalf("unexpected error closing lost link: %s", err)
	}
	select {
	case <-lostChan:
		t.Fatalf("unexpected second link loss report")
	default:
	}
}

func TestCloseDoesNotReportLinkLoss(t *testing.T) {
	tp := &testPorts{ports: []Port{{Path: "/dev/rfcomm0"}}}
	b := newTestBridge(tp)

	lost := false
	b.OnLinkLost(func(string, error) {
		lost = true
	})

	ch, err := b.OpenChannel(context.Background(), "/dev/rfcomm0")
	if err != nil {
		t.Fatalf("failed to open channel: %s", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("failed to close channel: %s", err)
	}
	if _, err := ch.Read(make([]byte, 1)); err == nil {
		t.Fatalf("unexpected successful read after close")
	}
	if lost {
		t.Fatalf("unexpected link loss report after regular close")
	}
}
