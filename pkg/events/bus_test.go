package events

import (
	"testing"

	"github.com/fako1024/btobd/pkg/device"
)

func TestSubscribeFilter(t *testing.T) {
	b := NewBus()
	all := b.Subscribe()
	scans := b.Subscribe(KindScanStarted, KindScanFinished)

	b.Publish(New(KindScanStarted))
	b.Publish(New(KindDeviceFound).WithDevice(device.New("1", "00:11:22:33:44:55", "ELM327")))
	b.Publish(New(KindScanFinished))

	if n := len(all.Events()); n != 3 {
		t.Fatalf("unexpected number of events for unfiltered subscriber, want 3, have %d", n)
	}
	if n := len(scans.Events()); n != 2 {
		t.Fatalf("unexpected number of events for filtered subscriber, want 2, have %d", n)
	}

	for _, expected := range []Kind{KindScanStarted, KindDeviceFound, KindScanFinished} {
		if e := <-all.Events(); e.Kind != expected {
			t.Fatalf("unexpected event order, want %s, have %s", expected, e.Kind)
		}
	}
}

func TestNonBlockingPublish(t *testing.T) {
	b := NewBus(WithBufferSize(2))
	s := b.Subscribe()

	for i := 0; i < 5; i++ {
		b.Publish(New(KindDeviceFound))
	}

	if d := s.Dropped(); d != 3 {
		t.Fatalf("unexpected number of dropped events, want 3, have %d", d)
	}
}

func TestCancel(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	if b.Subscribers() != 1 {
		t.Fatalf("unexpected number of subscribers: %d", b.Subscribers())
	}

	s.Cancel()
	s.Cancel()
	if b.Subscribers() != 0 {
		t.Fatalf("subscription still registered after cancellation")
	}
	if _, ok := <-s.Events(); ok {
		t.Fatalf("channel still open after cancellation")
	}

	// Publishing after cancellation must not panic
	b.Publish(New(KindConnected))
}

func TestClose(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	b.Close()
	b.Close()

	if _, ok := <-s.Events(); ok {
		t.Fatalf("channel still open after closing the bus")
	}
	s.Cancel()

	late := b.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Fatalf("subscription on closed bus unexpectedly open")
	}
	b.Publish(New(KindConnected))
}

func TestEventCopies(t *testing.T) {
	d := device.New("1", "00:11:22:33:44:55", "ELM327").WithSignal(-50)
	e := New(KindDeviceFound).WithDevice(d)
	*d.SignalStrength = 0

	if *e.Device.SignalStrength != -50 {
		t.Fatalf("event shares state with published device")
	}
}
