package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/elm327"
	"github.com/fako1024/btobd/pkg/events"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/memory"
	"github.com/fako1024/btobd/pkg/platform"
	"github.com/fatih/stopwatch"
)

const (
	reasonUser     = "disconnected by user"
	reasonLinkLost = "link lost"
	reasonGaveUp   = "reconnect attempts exhausted"
)

// Connect establishes a connection to the device with the given address. Only one
// connection may exist or be in progress at any time: a request while connecting (or
// reconnecting) is rejected, as is a request while connected to a different device.
// Requesting the currently connected device returns the existing connection. Blacklisted
// devices may always be connected explicitly
func (m *Manager) Connect(ctx context.Context, address string) (ConnectResult, error) {
	address = device.NormalizeAddress(address)

	m.Lock()
	if err := m.usable(); err != nil {
		m.Unlock()
		return ConnectResult{}, err
	}
	switch m.phase {
	case PhaseIdle:
	case PhaseConnected:
		defer m.Unlock()
		if m.active != nil && m.active.Address == address {
			return ConnectResult{Device: m.active.Clone(), HandshakeErr: m.handshakeErr}, nil
		}
		return ConnectResult{}, ErrAlreadyConnected
	default:
		m.Unlock()
		return ConnectResult{}, ErrBusy
	}

	d := m.lookup(address)
	m.active = &d
	m.generation++
	gen := m.generation
	connCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	m.connectCancel = cancel
	m.setPhase(PhaseConnecting)
	m.Unlock()

	defer cancel()

	return m.connect(connCtx, gen, d, false)
}

// Disconnect terminates the connection (or connection attempt / scheduled reconnect).
// It always succeeds and is a no-op if there is nothing to disconnect
func (m *Manager) Disconnect() error {
	m.Lock()

	switch m.phase {
	case PhaseConnecting:
		m.connectCancel()
		m.generation++
		d := *m.active
		m.active = nil
		m.setPhase(PhaseIdle)
		m.Unlock()

		m.logger.Infof("aborted connection attempt to `%s`", d)
		m.publishDisconnected(d, ErrAborted, true)
		return nil

	case PhaseReconnecting:
		m.stopReconnectTimer()
		m.generation++
		d := *m.active
		m.active = nil
		m.setPhase(PhaseIdle)
		m.Unlock()

		m.logger.Infof("cancelled reconnection to `%s`", d)
		m.publishDisconnected(d, nil, true)
		return nil

	case PhaseConnected:
		m.generation++
		d := *m.active
		m.setPhase(PhaseDisconnecting)
		session, entry := m.detach(reasonUser)
		m.Unlock()

		err := session.Close()
		m.finishDetach(d, entry)

		m.Lock()
		m.active = nil
		m.setPhase(PhaseIdle)
		m.Unlock()

		m.logger.Infof("disconnected from `%s`", d)
		m.publishDisconnected(d, nil, true)
		if err != nil {
			m.logger.Debugf("error closing channel to `%s`: %s", d, err)
		}
		return nil
	}

	m.Unlock()
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// connect performs a connection attempt for the given generation, the phase must have
// been set to PhaseConnecting by the caller
func (m *Manager) connect(ctx context.Context, gen uint64, d device.Device, reconnect bool) (ConnectResult, error) {
	m.discovery.StopScan()

	m.logger.Infof("connecting to `%s`", d)

	var (
		ch  platform.Channel
		err error
	)
	if !d.IsPaired {
		if !m.pairing.Pair(ctx, d) {
			err = ErrPairingFailed
		} else {
			d.IsPaired = true
		}
	}
	if err == nil {
		err = platform.Guard(func() (gerr error) {
			ch, gerr = m.bridge.OpenChannel(ctx, d.Address)
			return
		})
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	// Discard the outcome if the attempt was aborted in the meantime
	m.Lock()
	if m.generation != gen || m.phase != PhaseConnecting {
		m.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return ConnectResult{}, ErrAborted
	}

	if err != nil {
		if ch != nil {
			_ = ch.Close()
		}
		m.Unlock()
		return ConnectResult{}, m.connectFailed(gen, d, err, reconnect)
	}

	now := time.Now()
	session := elm327.NewSession(ch,
		elm327.WithLogger(logging.Named(m.logger, "elm327")),
		elm327.WithInitTimeout(m.cfg.CommandTimeout),
	)
	d.IsConnected = true
	m.attempts[d.Address] = 0
	m.active = &d
	m.session = session
	m.connectedAt = now
	m.uptime = stopwatch.Start(0)
	m.handshakeErr = nil
	m.version = ""
	m.quality = QualityUnknown
	m.latency = 0
	m.stopReconnectTimer()
	m.setPhase(PhaseConnected)
	m.Unlock()

	m.logger.Infof("connected to `%s`", d)

	if _, err := m.store.RecordConnection(d.Address, d.Name, now); err != nil {
		m.logger.Errorf("failed to save device `%s`: %s", d, err)
	}
	if err := m.store.Unblacklist(d.Address); err != nil {
		m.logger.Errorf("failed to remove `%s` from blacklist: %s", d, err)
	}
	m.discovery.MarkConnected(d.Address, true)

	go m.watchSession(gen, d.Address, session)

	exchanges, herr := session.Initialize(m.ctx)
	if herr != nil {
		m.logger.Warnf("adapter handshake with `%s` failed: %s", d, herr)
	}

	// The connection may have been terminated during the handshake
	m.Lock()
	if m.generation != gen {
		m.Unlock()
		return ConnectResult{}, ErrAborted
	}
	m.handshakeErr = herr
	m.version = session.Version()
	if m.cfg.HeartbeatInterval > 0 {
		m.heartbeatStop = make(chan struct{})
		go m.heartbeat(gen, session, m.heartbeatStop)
	}
	m.Unlock()

	ev := events.New(events.KindConnected).WithDevice(d).WithError(herr)
	ev.AdapterReady = herr == nil
	m.bus.Publish(ev)

	return ConnectResult{
		Device:       d,
		Handshake:    exchanges,
		HandshakeErr: herr,
	}, nil
}

// connectFailed handles a failed attempt: the attempt is counted, the device blacklisted
// once the threshold is reached and, while reconnecting, another retry scheduled if allowed
func (m *Manager) connectFailed(gen uint64, d device.Device, cause error, reconnect bool) error {
	autoReconnect := false
	if reconnect {
		saved, found := m.store.Saved(d.Address)
		autoReconnect = found && saved.AutoReconnect
	}

	m.Lock()
	if m.generation != gen || m.phase != PhaseConnecting {
		m.Unlock()
		return ErrAborted
	}
	m.attempts[d.Address]++
	attempts := m.attempts[d.Address]
	blacklist := attempts >= m.cfg.BlacklistThreshold

	retry := reconnect && autoReconnect && attempts < m.cfg.MaxReconnectAttempts && !m.closed
	if retry {
		m.setPhase(PhaseReconnecting)
		m.scheduleReconnect()
	} else {
		m.active = nil
		m.setPhase(PhaseIdle)
	}
	m.Unlock()

	m.logger.Warnf("failed to connect to `%s` (attempt %d): %s", d, attempts, cause)

	if blacklist {
		m.logger.Warnf("blacklisting `%s` after %d failed attempts", d, attempts)
		if err := m.store.Blacklist(d.Address); err != nil {
			m.logger.Errorf("failed to blacklist `%s`: %s", d, err)
		}
	}

	m.publishDisconnected(d, cause, !retry)
	if retry {
		m.publishReconnecting(d, attempts+1)
	} else if reconnect {
		m.logger.Warnf("giving up reconnecting to `%s`: %s", d, reasonGaveUp)
	}

	return fmt.Errorf("%w: %w", ErrConnectFailed, cause)
}

// linkLost handles an unexpected termination of the link to the given address. If gen
// is non-zero, the notification is only honored for that connection generation
func (m *Manager) linkLost(gen uint64, address string, cause error) {
	address = device.NormalizeAddress(address)

	m.Lock()
	if m.phase != PhaseConnected || m.active == nil || m.active.Address != address ||
		(gen != 0 && gen != m.generation) {
		m.Unlock()
		return
	}

	saved, found := m.store.Saved(address)
	autoReconnect := found && saved.AutoReconnect

	m.generation++
	d := *m.active
	session, entry := m.detach(reasonLinkLost)

	reconnect := autoReconnect && m.attempts[address] < m.cfg.MaxReconnectAttempts && !m.closed
	if reconnect {
		m.setPhase(PhaseReconnecting)
		m.scheduleReconnect()
	} else {
		m.active = nil
		m.setPhase(PhaseIdle)
	}
	attempt := m.attempts[address] + 1
	m.Unlock()

	m.logger.Warnf("lost link to `%s`: %v", d, cause)

	_ = session.Close()
	m.finishDetach(d, entry)

	m.publishDisconnected(d, cause, !reconnect)
	if reconnect {
		m.publishReconnecting(d, attempt)
	}
}

// scheduleReconnect must be called with the lock held, in PhaseReconnecting
func (m *Manager) scheduleReconnect() {
	m.stopReconnectTimer()

	gen := m.generation
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.retry(gen)
	})
}

// stopReconnectTimer must be called with the lock held
func (m *Manager) stopReconnectTimer() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) retry(gen uint64) {
	m.Lock()
	if m.phase != PhaseReconnecting || m.generation != gen || m.closed || m.active == nil {
		m.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.generation++
	next := m.generation
	d := *m.active
	d.IsConnected = false
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	m.connectCancel = cancel
	m.setPhase(PhaseConnecting)
	m.Unlock()

	defer cancel()

	m.logger.Infof("reconnecting to `%s`", d)
	if _, err := m.connect(ctx, next, d, true); err != nil {
		m.logger.Debugf("reconnection attempt to `%s` failed: %s", d, err)
	}
}

func (m *Manager) publishReconnecting(d device.Device, attempt int) {
	d.IsConnected = false
	ev := events.New(events.KindReconnecting).WithDevice(d)
	ev.Attempt = attempt
	ev.Delay = m.cfg.ReconnectDelay
	m.bus.Publish(ev)
}

// detach must be called with the lock held. It releases the session and heartbeat of
// the current connection and returns the history entry describing it
func (m *Manager) detach(reason string) (*elm327.Session, memory.HistoryEntry) {
	session := m.session
	m.session = nil

	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}

	var duration time.Duration
	if m.uptime != nil {
		m.uptime.Stop()
		duration = m.uptime.ElapsedTime()
	}
	m.quality = QualityUnknown
	m.latency = 0

	entry := memory.HistoryEntry{
		ConnectedAt:    m.connectedAt,
		DisconnectedAt: time.Now(),
		Duration:       duration,
		Reason:         reason,
	}
	if m.active != nil {
		entry.Address = m.active.Address
		entry.Name = m.active.Name
		m.active.IsConnected = false
	}

	return session, entry
}

func (m *Manager) finishDetach(d device.Device, entry memory.HistoryEntry) {
	m.discovery.MarkConnected(d.Address, false)
	if err := m.store.AppendHistory(entry); err != nil {
		m.logger.Errorf("failed to record connection history for `%s`: %s", d, err)
	}
}

// watchSession treats a terminated session (e.g. a hung up serial line) as link loss
func (m *Manager) watchSession(gen uint64, address string, session *elm327.Session) {
	<-session.Done()
	if err := session.Err(); err != nil {
		m.linkLost(gen, address, err)
	}
}
