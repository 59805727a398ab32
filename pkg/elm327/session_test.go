package elm327

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fako1024/btobd/pkg/platform"
	"github.com/fako1024/btobd/pkg/platform/mock"
	"go.uber.org/zap/zaptest"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

func newTestSession(t *testing.T, options ...func(*mock.Mock)) (*Session, *mock.Mock) {
	m := mock.New(append([]func(*mock.Mock){mock.WithDevices(platform.Advertisement{Address: testAddr, Name: "ELM327"})}, options...)...)
	ch, err := m.OpenChannel(context.Background(), testAddr)
	if err != nil {
		t.Fatalf("failed to open channel: %s", err)
	}

	return NewSession(ch, WithLogger(zaptest.NewLogger(t).Sugar()), WithInitTimeout(500*time.Millisecond), WithLateResponseGrace(200*time.Millisecond)), m
}

func TestInitialize(t *testing.T) {
	s, m := newTestSession(t)
	defer s.Close()

	exchanges, err := s.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialization failed: %s", err)
	}

	expected := append(append([]string{}, InitSequence...), VersionCommand)
	if len(exchanges) != len(expected) {
		t.Fatalf("unexpected number of exchanges, want %d, have %d", len(expected), len(exchanges))
	}
	for i, cmd := range expected {
		if exchanges[i].Command != cmd {
			t.Fatalf("unexpected command at position %d, want `%s`, have `%s`", i, cmd, exchanges[i].Command)
		}
	}
	if exchanges[0].Response != mock.DefaultVersion {
		t.Fatalf("echo not stripped from reset response: %q", exchanges[0].Response)
	}
	if exchanges[1].Response != "OK" {
		t.Fatalf("unexpected response to `ATE0`: %q", exchanges[1].Response)
	}
	if s.Version() != mock.DefaultVersion {
		t.Fatalf("unexpected adapter version: %s", s.Version())
	}
	if cmds := m.Commands(); len(cmds) != len(expected) {
		t.Fatalf("unexpected commands received by adapter: %v", cmds)
	}
}

func TestInitializePartialFailure(t *testing.T) {
	s, m := newTestSession(t)
	defer s.Close()

	m.SetResponse("ATS0", "?")
	m.SetSilent("ATH0")

	exchanges, err := s.Initialize(context.Background())
	if err == nil {
		t.Fatalf("expected initialization error")
	}
	if !errors.Is(err, ErrRejected) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("initialization error does not aggregate all failures: %s", err)
	}
	if len(exchanges) != len(InitSequence)+1 {
		t.Fatalf("initialization aborted early after %d commands", len(exchanges))
	}

	// Commands are accepted regardless
	resp, err := s.SendCommand(context.Background(), "ATRV", 0)
	if err != nil || resp != "12.6V" {
		t.Fatalf("unexpected result after partial initialization: %q / %v", resp, err)
	}
}

func TestSendCommandTimeout(t *testing.T) {
	s, m := newTestSession(t)
	defer s.Close()
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialization failed: %s", err)
	}

	m.SetSilent("0105")
	start := time.Now()
	if _, err := s.SendCommand(context.Background(), "0105", 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("unexpected error for silent command: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced")
	}

	// A timeout does not tear down the session
	if resp, err := s.SendCommand(context.Background(), "010C", 0); err != nil || resp != "41 0C 1A F8" {
		t.Fatalf("unexpected result after timeout: %q / %v", resp, err)
	}
}

// slowAdapter emulates an adapter answering each command in sequence, after the given
// per-command delay
func slowAdapter(conn net.Conn, responses map[string]string, delays map[string]time.Duration) {
	go func() {
		r := bufio.NewReader(conn)
		for {
			cmd, err := r.ReadString('\r')
			if err != nil {
				return
			}
			cmd = strings.TrimSpace(cmd)
			time.Sleep(delays[cmd])

			resp, exists := responses[cmd]
			if !exists {
				resp = "OK"
			}
			if _, err := conn.Write([]byte(resp + "\r\r>")); err != nil {
				return
			}
		}
	}()
}

func TestLateResponseDiscarded(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	slowAdapter(remote, map[string]string{
		"010C": "41 0C 1A F8",
		"010D": "41 0D 32",
		"0105": "41 05 7B",
	}, map[string]time.Duration{
		"010C": 150 * time.Millisecond,
	})

	s := NewSession(local, WithLogger(zaptest.NewLogger(t).Sugar()), WithInitTimeout(500*time.Millisecond))
	defer s.Close()
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialization failed: %s", err)
	}

	if _, err := s.SendCommand(context.Background(), "010C", 100*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("unexpected error for slow command: %v", err)
	}

	for _, exp := range []struct {
		cmd  string
		resp string
	}{
		{"010D", "41 0D 32"},
		{"0105", "41 05 7B"},
	} {
		resp, err := s.SendCommand(context.Background(), exp.cmd, time.Second)
		if err != nil || resp != exp.resp {
			t.Fatalf("unexpected response to `%s` after timeout, want %q, have %q / %v", exp.cmd, exp.resp, resp, err)
		}
	}
}

func TestFIFOOrdering(t *testing.T) {
	s, m := newTestSession(t, mock.WithResponseDelay(5*time.Millisecond))
	defer s.Close()
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialization failed: %s", err)
	}

	const n = 10
	cmds := make([]string, n)
	for i := 0; i < n; i++ {
		cmds[i] = fmt.Sprintf("01%02X", 0x20+i)
		m.SetResponse(cmds[i], fmt.Sprintf("41 %02X 00", 0x20+i))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		answers []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(cmd string) {
			defer wg.Done()
			resp, err := s.SendCommand(context.Background(), cmd, time.Second)
			if err != nil {
				t.Errorf("command `%s` failed: %s", cmd, err)
				return
			}
			mu.Lock()
			answers = append(answers, resp)
			mu.Unlock()
			if resp != "41 "+cmd[2:]+" 00" {
				t.Errorf("response %q does not belong to command `%s`", resp, cmd)
			}
		}(cmds[i])

		// Ensure issuance order
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	received := m.Commands()[len(InitSequence)+1:]
	for i, cmd := range cmds {
		if received[i] != cmd {
			t.Fatalf("commands not sent in issuance order: %v", received)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, cmd := range cmds {
		if answers[i] != "41 "+cmd[2:]+" 00" {
			t.Fatalf("responses not delivered in issuance order: %v", answers)
		}
	}
}

func TestNotConnected(t *testing.T) {
	s, _ := newTestSession(t)
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialization failed: %s", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("failed to close session: %s", err)
	}

	start := time.Now()
	if _, err := s.SendCommand(context.Background(), "0100", time.Minute); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("unexpected error on closed session: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("command on closed session did not fail immediately")
	}
	<-s.Done()
	if s.Err() != nil {
		t.Fatalf("unexpected error after regular close: %s", s.Err())
	}
}

func TestLinkLoss(t *testing.T) {
	s, m := newTestSession(t)
	defer s.Close()
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialization failed: %s", err)
	}

	m.DropLink(testAddr)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("session did not terminate after link loss")
	}
	if s.Err() == nil {
		t.Fatalf("expected read error after link loss")
	}
	if _, err := s.SendCommand(context.Background(), "0100", 0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("unexpected error after link loss: %v", err)
	}
}

func TestCleanResponse(t *testing.T) {
	var testCases = []struct {
		cmd      string
		frame    string
		expected string
	}{
		{"ATZ", "ATZ\r\r\rELM327 v1.5\r\r", "ELM327 v1.5"},
		{"0100", "SEARCHING...\r41 00 BE 3F A8 13\r\r", "41 00 BE 3F A8 13"},
		{"0902", "49 02 01 00 00 00 31\r49 02 02 44 34 47 50\r", "49 02 01 00 00 00 31\n49 02 02 44 34 47 50"},
		{"01 0C", "010C\r\n41 0C 1A F8\r\n", "41 0C 1A F8"},
		{"ATE0", "\x00OK\r\r", "OK"},
	}

	for _, cs := range testCases {
		t.Run(cs.cmd, func(t *testing.T) {
			if res := cleanResponse(cs.cmd, cs.frame); res != cs.expected {
				t.Fatalf("unexpected cleaned response, want %q, have %q", cs.expected, res)
			}
		})
	}
}
