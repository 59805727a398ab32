package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/discovery"
	"github.com/fako1024/btobd/pkg/elm327"
	"github.com/fako1024/btobd/pkg/events"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/memory"
	"github.com/fako1024/btobd/pkg/pairing"
	"github.com/fako1024/btobd/pkg/platform"
	"github.com/fatih/stopwatch"
)

// Manager denotes the connection lifecycle manager, owning the single active connection
// to an OBD2 adapter
type Manager struct {
	bridge    platform.Bridge
	store     *memory.Store
	bus       *events.Bus
	ownsBus   bool
	discovery *discovery.Engine
	pairing   *pairing.Coordinator
	cfg       Config

	phase          Phase
	active         *device.Device
	session        *elm327.Session
	generation     uint64
	attempts       map[string]int
	connectCancel  context.CancelFunc
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}

	connectedAt  time.Time
	uptime       *stopwatch.Stopwatch
	handshakeErr error
	version      string
	quality      Quality
	latency      time.Duration
	preflightErr error
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc

	logger logging.Logger

	sync.Mutex
}

// New instantiates a new connection lifecycle manager on top of the given bridge and
// device memory, executing functional options, if any
func New(bridge platform.Bridge, store *memory.Store, options ...func(*Manager)) *Manager {
	m := &Manager{
		bridge:   bridge,
		store:    store,
		cfg:      DefaultConfig(),
		phase:    PhaseIdle,
		attempts: make(map[string]int),
		quality:  QualityUnknown,
		logger:   &logging.NullLogger{},
	}

	// Execute functional options (if any), see config.go for implementation
	for _, option := range options {
		option(m)
	}

	m.cfg = m.cfg.withDefaults()
	if m.bus == nil {
		m.bus = events.NewBus()
		m.ownsBus = true
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.discovery = discovery.New(bridge, m.bus,
		discovery.WithLogger(logging.Named(m.logger, "discovery")),
	)
	m.pairing = pairing.New(bridge, m.bus,
		pairing.WithRegistry(m.discovery),
		pairing.WithBondTimeout(m.cfg.BondTimeout),
		pairing.WithLogger(logging.Named(m.logger, "pairing")),
	)

	bridge.OnLinkLost(func(address string, err error) {
		m.linkLost(0, address, err)
	})

	return m
}

// Start verifies that Bluetooth is usable. A blocking condition (unsupported, disabled,
// permission denied) is recorded and rejects all scan / connect requests until Recheck
// succeeds
func (m *Manager) Start(ctx context.Context) error {
	return m.Recheck(ctx)
}

// Recheck re-evaluates if Bluetooth is usable
func (m *Manager) Recheck(ctx context.Context) error {
	err := platform.Preflight(ctx, m.bridge)

	m.Lock()
	m.preflightErr = err
	m.Unlock()

	if err != nil {
		m.logger.Errorf("bluetooth not usable: %s", err)
		return err
	}
	m.logger.Debugf("bluetooth ready")

	return nil
}

// Shutdown terminates any connection or scan and releases all resources
func (m *Manager) Shutdown() error {
	m.Lock()
	if m.closed {
		m.Unlock()
		return nil
	}
	m.closed = true
	m.Unlock()

	m.discovery.StopScan()
	err := m.Disconnect()
	m.cancel()

	if m.ownsBus {
		m.bus.Close()
	}

	return err
}

// Bus returns the event bus the manager publishes on
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Subscribe registers a new event subscription (see events.Bus.Subscribe)
func (m *Manager) Subscribe(kinds ...events.Kind) *events.Subscription {
	return m.bus.Subscribe(kinds...)
}

// StartScan starts a device scan lasting at most timeout (the configured scan timeout
// if zero). A running scan is returned as is
func (m *Manager) StartScan(timeout time.Duration) (*discovery.Scan, error) {
	if timeout == 0 {
		timeout = m.cfg.ScanTimeout
	}

	m.Lock()
	if err := m.usable(); err != nil {
		m.Unlock()
		return nil, err
	}
	if m.phase == PhaseConnecting {
		m.Unlock()
		return nil, ErrBusy
	}
	m.Unlock()

	return m.discovery.StartScan(m.ctx, timeout)
}

// StopScan stops the running scan, if any
func (m *Manager) StopScan() {
	m.discovery.StopScan()
}

// Pair requests bonding with the device with the given address
func (m *Manager) Pair(ctx context.Context, address string) (bool, error) {
	m.Lock()
	if err := m.usable(); err != nil {
		m.Unlock()
		return false, err
	}
	d := m.lookup(address)
	m.Unlock()

	return m.pairing.Pair(ctx, d), nil
}

// SendCommand sends a command to the connected adapter and waits up to timeout (the
// configured command timeout if zero) for the response
func (m *Manager) SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = m.cfg.CommandTimeout
	}

	m.Lock()
	if m.phase != PhaseConnected || m.session == nil {
		m.Unlock()
		return "", elm327.ErrNotConnected
	}
	session := m.session
	m.Unlock()

	return session.SendCommand(ctx, cmd, timeout)
}

// DiscoveredDevices returns the devices found by the latest scan, ranked by compatibility
func (m *Manager) DiscoveredDevices() []device.Device {
	return m.discovery.Devices()
}

// SavedDevices returns all saved devices, most recently connected first
func (m *Manager) SavedDevices() []device.SavedDevice {
	return m.store.SavedDevices()
}

// History returns the connection history, newest first
func (m *Manager) History() []memory.HistoryEntry {
	return m.store.History()
}

// Preferences returns the current auto-connect preferences
func (m *Manager) Preferences() memory.Preferences {
	return m.store.Preferences()
}

// SetAutoConnect enables / disables auto-connect
func (m *Manager) SetAutoConnect(enabled bool) error {
	return m.store.SetAutoConnect(enabled)
}

// SetPreferredDevice sets the preferred device (empty to unset)
func (m *Manager) SetPreferredDevice(address string) error {
	return m.store.SetPreferredDevice(address)
}

// SetAutoReconnect enables / disables automatic reconnection for a saved device
func (m *Manager) SetAutoReconnect(address string, enabled bool) error {
	return m.store.SetAutoReconnect(address, enabled)
}

// Unblacklist removes the address from the blacklist, also resetting its attempt count
func (m *Manager) Unblacklist(address string) error {
	address = device.NormalizeAddress(address)

	m.Lock()
	delete(m.attempts, address)
	m.Unlock()

	return m.store.Unblacklist(address)
}

// Forget removes a saved device
func (m *Manager) Forget(address string) error {
	return m.store.Remove(address)
}

// ForgetAll clears the complete device memory (saved devices, blacklist, preferences)
func (m *Manager) ForgetAll() error {
	m.Lock()
	m.attempts = make(map[string]int)
	m.Unlock()

	return m.store.Clear()
}

// Phase returns the current connection phase
func (m *Manager) Phase() Phase {
	scanning := m.discovery.Scanning()

	m.Lock()
	defer m.Unlock()

	if m.phase == PhaseIdle && scanning {
		return PhaseScanning
	}
	return m.phase
}

// ConnectionInfo returns a snapshot of the connection state
func (m *Manager) ConnectionInfo() ConnectionInfo {
	phase := m.Phase()
	blacklist := m.store.Blacklisted()

	m.Lock()
	defer m.Unlock()

	info := ConnectionInfo{
		Phase:     phase,
		Blacklist: blacklist,
		Quality:   m.quality,
		Latency:   m.latency,
		Version:   m.version,
	}
	if m.preflightErr != nil {
		info.PreflightError = m.preflightErr.Error()
	}
	if m.active != nil {
		d := m.active.Clone()
		info.ActiveDevice = &d
		info.AttemptCount = m.attempts[d.Address]
	}
	if m.phase == PhaseConnected {
		info.AdapterReady = m.handshakeErr == nil
		if m.handshakeErr != nil {
			info.HandshakeError = m.handshakeErr.Error()
		}
		if m.uptime != nil {
			info.ConnectedFor = m.uptime.ElapsedTime()
		}
	}

	return info
}

// Attempts returns the number of consecutive failed connection attempts for the address
func (m *Manager) Attempts(address string) int {
	m.Lock()
	defer m.Unlock()

	return m.attempts[device.NormalizeAddress(address)]
}

////////////////////////////////////////////////////////////////////////////////

// usable must be called with the lock held
func (m *Manager) usable() error {
	if m.closed {
		return ErrClosed
	}
	if m.preflightErr != nil && platform.IsBlocking(m.preflightErr) {
		return m.preflightErr
	}
	return nil
}

// lookup resolves an address to the best known device record: discovered, then saved,
// then a bare (unpaired) record
func (m *Manager) lookup(address string) device.Device {
	address = device.NormalizeAddress(address)

	if d, found := m.discovery.Device(address); found {
		return d
	}
	if saved, found := m.store.Saved(address); found {
		return saved.Device()
	}

	return device.New(address, address, "")
}

// setPhase must be called with the lock held
func (m *Manager) setPhase(phase Phase) {
	if m.phase == phase {
		return
	}
	m.logger.Debugf("connection phase %s -> %s", m.phase, phase)
	m.phase = phase

	ev := events.New(events.KindStateChanged)
	ev.Phase = string(phase)
	if m.active != nil {
		ev = ev.WithDevice(*m.active)
	}
	m.bus.Publish(ev)
}

func (m *Manager) publishDisconnected(d device.Device, err error, terminal bool) {
	d.IsConnected = false
	ev := events.New(events.KindDisconnected).WithDevice(d).WithError(err)
	ev.Terminal = terminal
	m.bus.Publish(ev)
}

func isFatal(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrAlreadyConnected) ||
		errors.Is(err, ErrClosed) || platform.IsBlocking(err)
}
