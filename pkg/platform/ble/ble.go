package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/platform"
	"github.com/fako1024/gatt"
)

// maxChunkSize denotes the largest payload written to a characteristic at once (the
// default ATT MTU minus the header)
const maxChunkSize = 20

// serviceProfile denotes a known pair of notify / write characteristics offered by
// BLE ELM327 adapters
type serviceProfile struct {
	service string
	notify  string
	write   string
}

var knownProfiles = []serviceProfile{
	{service: "ffe0", notify: "ffe1", write: "ffe1"},
	{service: "fff0", notify: "fff1", write: "fff2"},
	{service: "18f0", notify: "2af0", write: "2af1"},
}

var (
	errAdapterEnable = errors.New("adapter cannot be powered on from user space")
	errNoSerialLink  = errors.New("no serial characteristics found")
)

// Bridge denotes a Bluetooth Low Energy bridge for ELM327 adapters exposing a
// serial-over-GATT service
type Bridge struct {
	btDevice  gatt.Device
	state     gatt.State
	ready     chan struct{}
	readyOnce sync.Once

	peripherals map[string]gatt.Peripheral
	scanFn      func(platform.Advertisement)

	pending  map[string]chan connectResult
	links    map[string]*link
	linkLost func(address string, err error)

	logger logging.Logger

	sync.Mutex
}

type connectResult struct {
	link *link
	err  error
}

// New instantiates a new BLE bridge, executing functional options, if any
func New(options ...func(*Bridge)) (*Bridge, error) {

	b := &Bridge{
		ready:       make(chan struct{}),
		peripherals: make(map[string]gatt.Peripheral),
		pending:     make(map[string]chan connectResult),
		links:       make(map[string]*link),
		logger:      &logging.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(b)
	}

	// Initialize a new GATT device (if not provided as option)
	if b.btDevice == nil {
		btDevice, err := gatt.NewDevice(defaultBTClientOptions...)
		if err != nil {
			return nil, err
		}
		b.btDevice = btDevice
	}

	b.btDevice.Handle(
		gatt.AddPeripheralDiscovered(b.onPeriphDiscovered),
		gatt.AddPeripheralConnected(b.onPeriphConnected),
		gatt.AddPeripheralDisconnected(b.onPeriphDisconnected),
	)

	return b, b.btDevice.Init(b.onStateChanged)
}

// IsSupported returns if the HCI device is usable for BLE
func (b *Bridge) IsSupported(ctx context.Context) (bool, error) {
	state, err := b.currentState(ctx)
	if err != nil {
		return false, err
	}
	return state != gatt.StateUnsupported, nil
}

// IsEnabled returns if the HCI device is powered on
func (b *Bridge) IsEnabled(ctx context.Context) (bool, error) {
	state, err := b.currentState(ctx)
	if err != nil {
		return false, err
	}
	return state == gatt.StatePoweredOn, nil
}

// RequestEnable fails, the raw HCI device cannot be powered on by this bridge
func (b *Bridge) RequestEnable(_ context.Context) error {
	return errAdapterEnable
}

// HasPermissions returns if the process may access the HCI device
func (b *Bridge) HasPermissions(ctx context.Context) (bool, error) {
	state, err := b.currentState(ctx)
	if err != nil {
		return false, err
	}
	return state != gatt.StateUnauthorized, nil
}

// RequestPermissions re-checks the permissions (capabilities cannot be granted at runtime)
func (b *Bridge) RequestPermissions(ctx context.Context) (bool, error) {
	return b.HasPermissions(ctx)
}

// BondedDevices returns no devices, BLE adapters do not require bonding
func (b *Bridge) BondedDevices(_ context.Context) ([]platform.Advertisement, error) {
	return nil, nil
}

// StartScan starts scanning for peripherals
func (b *Bridge) StartScan(_ context.Context, fn func(platform.Advertisement)) error {
	b.Lock()
	b.scanFn = fn
	b.Unlock()

	return b.btDevice.Scan([]gatt.UUID{}, true)
}

// StopScan stops scanning for peripherals
func (b *Bridge) StopScan() error {
	b.Lock()
	b.scanFn = nil
	b.Unlock()

	return b.btDevice.StopScanning()
}

// CreateBond is a no-op, BLE adapters do not require bonding
func (b *Bridge) CreateBond(_ context.Context, _ string) error {
	return nil
}

// OpenChannel connects to the peripheral and subscribes to its serial characteristic
func (b *Bridge) OpenChannel(ctx context.Context, address string) (platform.Channel, error) {
	address = device.NormalizeAddress(address)

	b.Lock()
	p, ok := b.peripherals[address]
	if !ok {
		b.Unlock()
		return nil, fmt.Errorf("%w: %s", platform.ErrUnknownDevice, address)
	}
	resChan := make(chan connectResult, 1)
	b.pending[address] = resChan
	b.Unlock()

	defer func() {
		b.Lock()
		delete(b.pending, address)
		b.Unlock()
	}()

	b.logger.Debugf("connecting peripheral `%s/%s`", p.Name(), p.ID())
	if err := b.btDevice.Connect(p); err != nil {
		return nil, fmt.Errorf("failed to connect peripheral: %w", err)
	}

	select {
	case res := <-resChan:
		return res.link, res.err
	case <-ctx.Done():
		_ = b.btDevice.CancelConnection(p)
		return nil, ctx.Err()
	}
}

// OnLinkLost registers a handler that is called when an open link drops unexpectedly
func (b *Bridge) OnLinkLost(fn func(address string, err error)) {
	b.Lock()
	defer b.Unlock()

	b.linkLost = fn
}

// Close terminates all links and stops scanning
func (b *Bridge) Close() error {
	b.Lock()
	links := make([]*link, 0, len(b.links))
	for _, l := range b.links {
		links = append(links, l)
	}
	b.Unlock()

	for _, l := range links {
		_ = l.Close()
	}

	_ = b.btDevice.StopScanning()
	return b.btDevice.RemoveAllServices()
}

////////////////////////////////////////////////////////////////////////////////

func (b *Bridge) currentState(ctx context.Context) (gatt.State, error) {
	select {
	case <-b.ready:
	case <-ctx.Done():
		return gatt.StateUnknown, ctx.Err()
	}

	b.Lock()
	defer b.Unlock()

	return b.state, nil
}

func (b *Bridge) onStateChanged(_ gatt.Device, s gatt.State) {
	b.Lock()
	b.state = s
	b.Unlock()

	b.logger.Debugf("HCI device state changed to %s", s)
	b.readyOnce.Do(func() {
		close(b.ready)
	})
}

func (b *Bridge) onPeriphDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	address := device.NormalizeAddress(p.ID())
	name := p.Name()
	if name == "" && a != nil {
		name = a.LocalName
	}

	b.Lock()
	b.peripherals[address] = p
	fn := b.scanFn
	b.Unlock()

	b.logger.Debugf("discovered device `%s/%s`", name, address)
	if fn != nil {
		fn(platform.Advertisement{
			ID:      p.ID(),
			Address: address,
			Name:    strings.TrimSpace(name),
			RSSI:    &rssi,
		})
	}
}

func (b *Bridge) onPeriphConnected(p gatt.Peripheral, connErr error) {
	address := device.NormalizeAddress(p.ID())

	b.Lock()
	resChan, ok := b.pending[address]
	b.Unlock()
	if !ok {
		return
	}

	if connErr != nil {
		resChan <- connectResult{err: connErr}
		return
	}

	l, err := b.setupLink(p)
	if err != nil {
		_ = b.btDevice.CancelConnection(p)
		resChan <- connectResult{err: err}
		return
	}

	b.Lock()
	b.links[address] = l
	b.Unlock()

	b.logger.Debugf("connected peripheral `%s/%s`", p.Name(), p.ID())
	resChan <- connectResult{link: l}
}

func (b *Bridge) onPeriphDisconnected(p gatt.Peripheral, err error) {
	address := device.NormalizeAddress(p.ID())

	b.Lock()
	l, ok := b.links[address]
	delete(b.links, address)
	fn := b.linkLost
	b.Unlock()

	if !ok {
		return
	}
	b.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())

	if l.terminate(io.ErrClosedPipe) && fn != nil {
		if err == nil {
			err = errors.New("peripheral disconnected")
		}
		fn(address, err)
	}
}

func (b *Bridge) setupLink(p gatt.Peripheral) (*link, error) {

	// Set connection MTU
	if err := p.SetMTU(500); err != nil {
		b.logger.Debugf("failed to set MTU: %s", err)
	}

	// Discover services
	ss, err := p.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	for _, s := range ss {
		prof, ok := profileFor(s.UUID().String())
		if !ok {
			continue
		}

		// Discover characteristics
		cs, err := p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics: %w", err)
		}

		var notifyChar, writeChar *gatt.Characteristic
		for _, c := range cs {
			if c.UUID().String() == prof.notify {
				notifyChar = c
			}
			if c.UUID().String() == prof.write {
				writeChar = c
			}
		}
		if notifyChar == nil || writeChar == nil {
			continue
		}

		// Discover descriptors
		if _, err := p.DiscoverDescriptors(nil, notifyChar); err != nil {
			return nil, fmt.Errorf("failed to discover descriptors: %w", err)
		}

		l := newLink(b, p, writeChar)
		if err := p.SetNotifyValue(notifyChar, l.receive); err != nil {
			return nil, fmt.Errorf("failed to subscribe characteristic: %w", err)
		}

		return l, nil
	}

	return nil, errNoSerialLink
}

////////////////////////////////////////////////////////////////////////////////

// link denotes a serial stream over a pair of GATT characteristics
type link struct {
	bridge     *Bridge
	peripheral gatt.Peripheral
	writeChar  *gatt.Characteristic

	reader *io.PipeReader
	writer *io.PipeWriter

	closed bool
	sync.Mutex
}

func newLink(b *Bridge, p gatt.Peripheral, writeChar *gatt.Characteristic) *link {
	r, w := io.Pipe()
	return &link{
		bridge:     b,
		peripheral: p,
		writeChar:  writeChar,
		reader:     r,
		writer:     w,
	}
}

// Read reads notified data
func (l *link) Read(p []byte) (int, error) {
	return l.reader.Read(p)
}

// Write writes data to the characteristic in chunks
func (l *link) Write(p []byte) (int, error) {
	written := 0
	for _, chunk := range chunks(p, maxChunkSize) {
		if err := l.peripheral.WriteCharacteristic(l.writeChar, chunk, true); err != nil {
			return written, err
		}
		written += len(chunk)
	}

	return written, nil
}

// Close closes the stream and cancels the connection
func (l *link) Close() error {
	if !l.terminate(io.ErrClosedPipe) {
		return nil
	}

	address := device.NormalizeAddress(l.peripheral.ID())
	l.bridge.Lock()
	if l.bridge.links[address] == l {
		delete(l.bridge.links, address)
	}
	l.bridge.Unlock()

	return l.bridge.btDevice.CancelConnection(l.peripheral)
}

func (l *link) receive(_ *gatt.Characteristic, data []byte, err error) {
	if err != nil || len(data) == 0 {
		return
	}

	l.Lock()
	closed := l.closed
	l.Unlock()
	if closed {
		return
	}

	// The pipe blocks until the session reader consumed the data
	_, _ = l.writer.Write(data)
}

// terminate closes the pipe, returning false if it was already closed
func (l *link) terminate(err error) bool {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return false
	}
	l.closed = true
	_ = l.writer.CloseWithError(err)

	return true
}

func profileFor(serviceUUID string) (serviceProfile, bool) {
	for _, prof := range knownProfiles {
		if strings.EqualFold(prof.service, serviceUUID) {
			return prof, true
		}
	}
	return serviceProfile{}, false
}

func chunks(data []byte, size int) [][]byte {
	var res [][]byte
	for len(data) > size {
		res = append(res, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		res = append(res, data)
	}
	return res
}

var _ platform.Bridge = (*Bridge)(nil)
