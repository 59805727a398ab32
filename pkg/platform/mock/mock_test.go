package mock

import (
	"bufio"
	"context"
	"errors"
	"testing"

	"github.com/fako1024/btobd/pkg/platform"
)

const testAddr = "AA:BB:CC:DD:EE:01"

func TestEmulatedAdapter(t *testing.T) {
	m := New(WithDevices(platform.Advertisement{Address: testAddr, Name: "ELM327"}))

	ch, err := m.OpenChannel(context.Background(), testAddr)
	if err != nil {
		t.Fatalf("failed to open channel: %s", err)
	}
	defer ch.Close()

	r := bufio.NewReader(ch)
	if _, err := ch.Write([]byte("ATI\r")); err != nil {
		t.Fatalf("failed to write command: %s", err)
	}
	resp, err := r.ReadString('>')
	if err != nil {
		t.Fatalf("failed to read response: %s", err)
	}
	if resp != "ATI\r"+DefaultVersion+"\r\r>" {
		t.Fatalf("unexpected response: %q", resp)
	}

	if _, err := ch.Write([]byte("ATE0\r")); err != nil {
		t.Fatalf("failed to write command: %s", err)
	}
	if resp, err = r.ReadString('>'); err != nil || resp != "OK\r\r>" {
		t.Fatalf("unexpected response after disabling echo: %q (%v)", resp, err)
	}

	if cmds := m.Commands(); len(cmds) != 2 || cmds[0] != "ATI" || cmds[1] != "ATE0" {
		t.Fatalf("unexpected recorded commands: %v", cmds)
	}
}

func TestConnectFailures(t *testing.T) {
	m := New(WithDevices(platform.Advertisement{Address: testAddr, Name: "ELM327"}))
	m.SetConnectFailures(testAddr, 2)

	for i := 0; i < 2; i++ {
		if _, err := m.OpenChannel(context.Background(), testAddr); err == nil {
			t.Fatalf("channel opening %d unexpectedly succeeded", i)
		}
	}
	ch, err := m.OpenChannel(context.Background(), testAddr)
	if err != nil {
		t.Fatalf("failed to open channel after failures were exhausted: %s", err)
	}
	ch.Close()

	if n := m.OpenCount(testAddr); n != 3 {
		t.Fatalf("unexpected open count: %d", n)
	}
	if _, err := m.OpenChannel(context.Background(), "00:00:00:00:00:00"); !errors.Is(err, platform.ErrUnknownDevice) {
		t.Fatalf("unexpected error for unknown device: %v", err)
	}
}

func TestDropLink(t *testing.T) {
	m := New(WithDevices(platform.Advertisement{Address: testAddr, Name: "ELM327"}))

	lost := make(chan string, 1)
	m.OnLinkLost(func(address string, err error) {
		lost <- address
	})

	ch, err := m.OpenChannel(context.Background(), testAddr)
	if err != nil {
		t.Fatalf("failed to open channel: %s", err)
	}
	m.DropLink(testAddr)

	if addr := <-lost; addr != testAddr {
		t.Fatalf("unexpected address reported as lost: %s", addr)
	}
	if _, err := ch.Read(make([]byte, 1)); err == nil {
		t.Fatalf("read on dropped link unexpectedly succeeded")
	}
}

func TestPreflight(t *testing.T) {
	var testCases = []struct {
		name     string
		mock     *Mock
		expected error
	}{
		{"ready", New(), nil},
		{"unsupported", New(WithSupported(false)), platform.ErrUnsupported},
		{"permission granted", New(WithPermissions(false, true)), nil},
		{"permission denied", New(WithPermissions(false, false)), platform.ErrPermissionDenied},
		{"enable granted", New(WithEnabled(false, true)), nil},
		{"enable declined", New(WithEnabled(false, false)), platform.ErrDisabled},
	}

	for _, cs := range testCases {
		t.Run(cs.name, func(t *testing.T) {
			err := platform.Preflight(context.Background(), cs.mock)
			if cs.expected == nil && err != nil {
				t.Fatalf("unexpected preflight error: %s", err)
			}
			if cs.expected != nil && !errors.Is(err, cs.expected) {
				t.Fatalf("unexpected preflight error, want %v, have %v", cs.expected, err)
			}
			if cs.mock.PermissionQueries() > 1 || cs.mock.EnableRequests() > 1 {
				t.Fatalf("preflight requested permissions / enabling more than once")
			}
		})
	}
}

func TestGuard(t *testing.T) {
	m := New(WithPanicOnOpen(), WithDevices(platform.Advertisement{Address: testAddr}))
	err := platform.Guard(func() error {
		_, err := m.OpenChannel(context.Background(), testAddr)
		return err
	})
	if !errors.Is(err, platform.ErrPanic) {
		t.Fatalf("panic not converted to error: %v", err)
	}
}
