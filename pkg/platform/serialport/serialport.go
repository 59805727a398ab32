package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/platform"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (

	// DefaultBaudRate denotes the baud rate of most ELM327 adapters
	DefaultBaudRate = 38400

	// DefaultScanInterval denotes the interval at which the port list is refreshed
	DefaultScanInterval = time.Second
)

// DefaultPatterns denotes the port name patterns considered by default (bound RFCOMM
// channels and USB serial adapters)
var DefaultPatterns = []string{"/dev/rfcomm*", "/dev/ttyUSB*", "/dev/ttyACM*", "/dev/tty.OBD*", "COM*"}

// Port denotes a serial port found on the system
type Port struct {
	Path string
	Name string
}

// Lister enumerates the serial ports of the system
type Lister func() ([]Port, error)

// Opener opens the serial port at the given path
type Opener func(path string, baudRate int) (io.ReadWriteCloser, error)

// Bridge denotes a bridge to ELM327 adapters attached as serial ports, either via a
// bound RFCOMM channel or via USB
type Bridge struct {
	baudRate     int
	patterns     []string
	scanInterval time.Duration

	lister Lister
	opener Opener

	paths    map[string]string
	links    map[string]*link
	linkLost func(address string, err error)
	stopScan chan struct{}

	logger logging.Logger

	sync.Mutex
}

// New instantiates a new serial port bridge, executing functional options, if any
func New(options ...func(*Bridge)) *Bridge {
	b := &Bridge{
		baudRate:     DefaultBaudRate,
		patterns:     DefaultPatterns,
		scanInterval: DefaultScanInterval,
		lister:       ListPorts,
		opener:       Open,
		paths:        make(map[string]string),
		links:        make(map[string]*link),
		logger:       &logging.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(b)
	}

	return b
}

// ListPorts enumerates the serial ports of the system, using the USB product name
// where available
func ListPorts() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		ports := make([]Port, 0, len(details))
		for _, d := range details {
			name := ""
			if d.IsUSB {
				name = strings.TrimSpace(d.Product)
			}
			ports = append(ports, Port{Path: d.Name, Name: name})
		}
		return ports, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]Port, 0, len(names))
	for _, n := range names {
		ports = append(ports, Port{Path: n})
	}

	return ports, nil
}

// Open opens a serial port in 8N1 mode at the given baud rate
func Open(path string, baudRate int) (io.ReadWriteCloser, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// IsSupported returns if serial ports can be enumerated
func (b *Bridge) IsSupported(_ context.Context) (bool, error) {
	if _, err := b.lister(); err != nil {
		if code, ok := portErrorCode(err); ok && code == serial.FunctionNotImplemented {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsEnabled always returns true (serial ports have no power state)
func (b *Bridge) IsEnabled(_ context.Context) (bool, error) {
	return true, nil
}

// RequestEnable is a no-op
func (b *Bridge) RequestEnable(_ context.Context) error {
	return nil
}

// HasPermissions always returns true, permission problems surface when opening a port
func (b *Bridge) HasPermissions(_ context.Context) (bool, error) {
	return true, nil
}

// RequestPermissions always returns true
func (b *Bridge) RequestPermissions(_ context.Context) (bool, error) {
	return true, nil
}

// BondedDevices returns no devices, serial ports carry no bonding information
func (b *Bridge) BondedDevices(_ context.Context) ([]platform.Advertisement, error) {
	return nil, nil
}

// StartScan periodically enumerates the serial ports until StopScan is called
func (b *Bridge) StartScan(_ context.Context, fn func(platform.Advertisement)) error {
	ports, err := b.ports()
	if err != nil {
		return fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	b.Lock()
	if b.stopScan != nil {
		close(b.stopScan)
	}
	stop := make(chan struct{})
	b.stopScan = stop
	b.Unlock()

	b.report(ports, fn)

	go func() {
		ticker := time.NewTicker(b.scanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ports, err := b.ports()
				if err != nil {
					b.logger.Warnf("failed to enumerate serial ports: %s", err)
					continue
				}
				b.report(ports, fn)
			}
		}
	}()

	return nil
}

// StopScan stops enumerating serial ports
func (b *Bridge) StopScan() error {
	b.Lock()
	defer b.Unlock()

	if b.stopScan != nil {
		close(b.stopScan)
		b.stopScan = nil
	}

	return nil
}

// CreateBond is a no-op, RFCOMM channels are bound outside of this process
func (b *Bridge) CreateBond(_ context.Context, _ string) error {
	return nil
}

// OpenChannel opens the serial port denoted by the address
func (b *Bridge) OpenChannel(ctx context.Context, address string) (platform.Channel, error) {
	path, err := b.resolve(address)
	if err != nil {
		return nil, err
	}

	type result struct {
		rwc io.ReadWriteCloser
		err error
	}
	resChan := make(chan result, 1)
	go func() {
		rwc, err := b.opener(path, b.baudRate)
		resChan <- result{rwc, err}
	}()

	select {
	case res := <-resChan:
		if res.err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, res.err)
		}
		l := &link{
			ReadWriteCloser: res.rwc,
			bridge:          b,
			address:         device.NormalizeAddress(address),
		}
		b.Lock()
		b.links[l.address] = l
		b.Unlock()

		b.logger.Debugf("opened %s at %d baud", path, b.baudRate)
		return l, nil
	case <-ctx.Done():

		// Release the port should the open call complete after all
		go func() {
			if res := <-resChan; res.err == nil {
				_ = res.rwc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// OnLinkLost registers a handler that is called when an open port fails unexpectedly
func (b *Bridge) OnLinkLost(fn func(address string, err error)) {
	b.Lock()
	defer b.Unlock()

	b.linkLost = fn
}

// Close stops scanning and closes all open ports
func (b *Bridge) Close() error {
	_ = b.StopScan()

	b.Lock()
	links := make([]*link, 0, len(b.links))
	for _, l := range b.links {
		links = append(links, l)
	}
	b.Unlock()

	var err error
	for _, l := range links {
		if cerr := l.Close(); cerr != nil {
			err = cerr
		}
	}

	return err
}

////////////////////////////////////////////////////////////////////////////////

func (b *Bridge) ports() ([]Port, error) {
	ports, err := b.lister()
	if err != nil {
		return nil, err
	}

	res := ports[:0]
	for _, p := range ports {
		if b.matches(p.Path) {
			res = append(res, p)
		}
	}

	return res, nil
}

func (b *Bridge) matches(path string) bool {
	if len(b.patterns) == 0 {
		return true
	}
	for _, pattern := range b.patterns {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

func (b *Bridge) report(ports []Port, fn func(platform.Advertisement)) {
	for _, p := range ports {
		address := device.NormalizeAddress(p.Path)

		b.Lock()
		b.paths[address] = p.Path
		b.Unlock()

		name := p.Name
		if name == "" {
			name = filepath.Base(p.Path)
		}
		fn(platform.Advertisement{
			ID:      p.Path,
			Address: address,
			Name:    name,
		})
	}
}

// resolve maps a (normalized) address back to the path of the port
func (b *Bridge) resolve(address string) (string, error) {
	normalized := device.NormalizeAddress(address)

	b.Lock()
	path, ok := b.paths[normalized]
	b.Unlock()
	if ok {
		return path, nil
	}

	ports, err := b.lister()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if strings.EqualFold(p.Path, address) {
			b.Lock()
			b.paths[normalized] = p.Path
			b.Unlock()
			return p.Path, nil
		}
	}

	return "", fmt.Errorf("%w: %s", platform.ErrUnknownDevice, address)
}

func (b *Bridge) release(l *link, err error) {
	b.Lock()
	current, ok := b.links[l.address]
	if ok && current == l {
		delete(b.links, l.address)
	}
	fn := b.linkLost
	b.Unlock()

	if err != nil && fn != nil {
		b.logger.Infof("serial port `%s` failed: %s", l.address, err)
		fn(l.address, err)
	}
}

////////////////////////////////////////////////////////////////////////////////

// link denotes an open serial port, reporting unexpected read failures as link loss
type link struct {
	io.ReadWriteCloser

	bridge  *Bridge
	address string

	closed bool
	sync.Mutex
}

// Read reads from the port
func (l *link) Read(p []byte) (int, error) {
	n, err := l.ReadWriteCloser.Read(p)
	if err != nil && isDisconnect(err) && l.markClosed() {
		_ = l.ReadWriteCloser.Close()
		l.bridge.release(l, err)
	}
	return n, err
}

// Close closes the port
func (l *link) Close() error {
	if !l.markClosed() {
		return nil
	}
	l.bridge.release(l, nil)

	return l.ReadWriteCloser.Close()
}

func (l *link) markClosed() bool {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return false
	}
	l.closed = true

	return true
}

func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}

	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		}
		return false
	}

	// OS level errors (e.g. EIO after the device was unplugged) are not wrapped
	return true
}

func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var portErr serial.PortError
	if errors.As(err, &portErr) {
		return portErr.Code(), true
	}
	var portErrPtr *serial.PortError
	if errors.As(err, &portErrPtr) {
		return portErrPtr.Code(), true
	}
	return 0, false
}

var _ platform.Bridge = (*Bridge)(nil)
