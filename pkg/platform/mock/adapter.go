package mock

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"
)

// adapter emulates the serial side of an ELM327 adapter on one end of a pipe
type adapter struct {
	mock    *Mock
	address string
	conn    net.Conn
	echo    bool

	closeOnce sync.Once
}

func newAdapter(m *Mock, address string, conn net.Conn) *adapter {
	return &adapter{
		mock:    m,
		address: address,
		conn:    conn,
		echo:    true,
	}
}

func (a *adapter) serve() {
	defer a.close()
	defer a.mock.unlink(a.address, a)

	r := bufio.NewReader(a.conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		if cmd == "" {
			continue
		}

		a.mock.Lock()
		delay := a.mock.responseDelay
		a.mock.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		resp, ok := a.mock.respond(cmd)
		if !ok {
			continue
		}

		switch normalizeCommand(cmd) {
		case "ATZ":
			a.echo = true
		case "ATE0":
			a.echo = false
		case "ATE1":
			a.echo = true
		}

		var out strings.Builder
		if a.echo && normalizeCommand(cmd) != "ATE0" {
			out.WriteString(cmd + "\r")
		}
		out.WriteString(resp + "\r\r>")

		if _, err := a.conn.Write([]byte(out.String())); err != nil {
			return
		}
	}
}

func (a *adapter) close() {
	a.closeOnce.Do(func() {
		_ = a.conn.Close()
	})
}
