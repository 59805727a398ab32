package mock

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/platform"
)

const (
	defaultScanInterval = 10 * time.Millisecond

	// DefaultVersion denotes the version string reported by the emulated adapter
	DefaultVersion = "ELM327 v1.5"
)

// Mock denotes an in-memory Bluetooth bridge emulating ELM327 adapters
type Mock struct {
	supported         bool
	enabled           bool
	permitted         bool
	grantPermissions  bool
	grantEnable       bool
	permissionQueries int
	enableRequests    int

	devices      map[string]*platform.Advertisement
	order        []string
	scanInterval time.Duration
	scanErr      error
	scanStop     chan struct{}
	scanCount    int

	connectDelay  time.Duration
	connectFails  map[string]int
	bondFails     map[string]error
	openCount     map[string]int
	bondCount     map[string]int
	panicOnOpen   bool
	links         map[string]*adapter
	responses     map[string]string
	silent        map[string]struct{}
	responseDelay time.Duration
	commands      []string

	linkLostHandler func(address string, err error)

	sync.Mutex
}

// New instantiates a new Mock bridge (supported, enabled and permitted), executing
// functional options, if any
func New(options ...func(*Mock)) *Mock {
	m := &Mock{
		supported:        true,
		enabled:          true,
		permitted:        true,
		grantPermissions: true,
		grantEnable:      true,
		devices:          make(map[string]*platform.Advertisement),
		scanInterval:     defaultScanInterval,
		connectFails:     make(map[string]int),
		bondFails:        make(map[string]error),
		openCount:        make(map[string]int),
		bondCount:        make(map[string]int),
		links:            make(map[string]*adapter),
		responses:        defaultResponses(),
		silent:           make(map[string]struct{}),
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(m)
	}

	return m
}

// AddDevice registers a device that will be reported during scans (and, if bonded,
// as part of the bonded devices)
func (m *Mock) AddDevice(adv platform.Advertisement) {
	m.Lock()
	defer m.Unlock()

	adv.Address = device.NormalizeAddress(adv.Address)
	if adv.ID == "" {
		adv.ID = adv.Address
	}
	if _, exists := m.devices[adv.Address]; !exists {
		m.order = append(m.order, adv.Address)
	}
	m.devices[adv.Address] = &adv
}

// IsSupported returns if Bluetooth hardware is available at all
func (m *Mock) IsSupported(_ context.Context) (bool, error) {
	m.Lock()
	defer m.Unlock()

	return m.supported, nil
}

// IsEnabled returns if the Bluetooth adapter is powered on
func (m *Mock) IsEnabled(_ context.Context) (bool, error) {
	m.Lock()
	defer m.Unlock()

	return m.enabled, nil
}

// RequestEnable asks to power on the adapter
func (m *Mock) RequestEnable(_ context.Context) error {
	m.Lock()
	defer m.Unlock()

	m.enableRequests++
	if !m.grantEnable {
		return fmt.Errorf("user declined to enable bluetooth")
	}
	m.enabled = true

	return nil
}

// HasPermissions returns if the process may use Bluetooth
func (m *Mock) HasPermissions(_ context.Context) (bool, error) {
	m.Lock()
	defer m.Unlock()

	return m.permitted, nil
}

// RequestPermissions asks for Bluetooth permissions
func (m *Mock) RequestPermissions(_ context.Context) (bool, error) {
	m.Lock()
	defer m.Unlock()

	m.permissionQueries++
	if m.grantPermissions {
		m.permitted = true
	}

	return m.permitted, nil
}

// BondedDevices enumerates the devices already bonded with the adapter
func (m *Mock) BondedDevices(_ context.Context) ([]platform.Advertisement, error) {
	m.Lock()
	defer m.Unlock()

	var res []platform.Advertisement
	for _, addr := range m.order {
		if adv := m.devices[addr]; adv.Bonded {
			res = append(res, *adv)
		}
	}

	return res, nil
}

// StartScan reports all registered devices (one every scan interval) until stopped
func (m *Mock) StartScan(_ context.Context, fn func(platform.Advertisement)) error {
	m.Lock()
	defer m.Unlock()

	m.scanCount++
	if m.scanErr != nil {
		return m.scanErr
	}
	if m.scanStop != nil {
		close(m.scanStop)
	}
	stop := make(chan struct{})
	m.scanStop = stop

	advs := make([]platform.Advertisement, 0, len(m.order))
	for _, addr := range m.order {
		advs = append(advs, *m.devices[addr])
	}

	go func() {
		for _, adv := range advs {
			select {
			case <-stop:
				return
			case <-time.After(m.scanInterval):
				fn(adv)
			}
		}
	}()

	return nil
}

// StopScan stops device discovery
func (m *Mock) StopScan() error {
	m.Lock()
	defer m.Unlock()

	if m.scanStop != nil {
		close(m.scanStop)
		m.scanStop = nil
	}

	return nil
}

// CreateBond requests bonding with the device at the given address
func (m *Mock) CreateBond(ctx context.Context, address string) error {
	m.Lock()
	address = device.NormalizeAddress(address)
	m.bondCount[address]++
	adv, exists := m.devices[address]
	bondErr := m.bondFails[address]
	delay := m.connectDelay
	m.Unlock()

	if !exists {
		return platform.ErrUnknownDevice
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if bondErr != nil {
		return bondErr
	}

	m.Lock()
	adv.Bonded = true
	m.Unlock()

	return nil
}

// OpenChannel opens a byte stream to the emulated adapter at the given address
func (m *Mock) OpenChannel(ctx context.Context, address string) (platform.Channel, error) {
	m.Lock()
	address = device.NormalizeAddress(address)
	m.openCount[address]++
	if m.panicOnOpen {
		m.Unlock()
		panic("emulated platform failure")
	}
	_, exists := m.devices[address]
	delay := m.connectDelay
	failing := m.connectFails[address]
	if failing > 0 {
		m.connectFails[address] = failing - 1
	}
	m.Unlock()

	if !exists {
		return nil, platform.ErrUnknownDevice
	}
	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	if failing != 0 {
		return nil, fmt.Errorf("failed to open channel to %s: connection refused", address)
	}

	client, remote := net.Pipe()
	a := newAdapter(m, address, remote)

	m.Lock()
	if old, exists := m.links[address]; exists {
		old.close()
	}
	m.links[address] = a
	m.Unlock()

	go a.serve()

	return client, nil
}

// OnLinkLost registers a handler that is called when an open link drops unexpectedly
func (m *Mock) OnLinkLost(fn func(address string, err error)) {
	m.Lock()
	defer m.Unlock()

	m.linkLostHandler = fn
}

// DropLink emulates an unexpected loss of the link to the given address (e.g. the
// adapter being unplugged), notifying the registered handler
func (m *Mock) DropLink(address string) {
	m.Lock()
	address = device.NormalizeAddress(address)
	a, exists := m.links[address]
	delete(m.links, address)
	fn := m.linkLostHandler
	m.Unlock()

	if exists {
		a.close()
	}
	if fn != nil {
		fn(address, fmt.Errorf("link to %s lost", address))
	}
}

// HangUp terminates the link to the given address without notifying the link-lost
// handler (as a serial line hang-up would)
func (m *Mock) HangUp(address string) {
	m.Lock()
	address = device.NormalizeAddress(address)
	a, exists := m.links[address]
	delete(m.links, address)
	m.Unlock()

	if exists {
		a.close()
	}
}

// SetConnectFailures lets the next n channel openings to the address fail (n < 0: always)
func (m *Mock) SetConnectFailures(address string, n int) {
	m.Lock()
	defer m.Unlock()

	m.connectFails[device.NormalizeAddress(address)] = n
}

// SetBondError lets bonding with the address fail with the given error (nil: succeed)
func (m *Mock) SetBondError(address string, err error) {
	m.Lock()
	defer m.Unlock()

	m.bondFails[device.NormalizeAddress(address)] = err
}

// SetResponse defines the response of the emulated adapter to a command
func (m *Mock) SetResponse(cmd, response string) {
	m.Lock()
	defer m.Unlock()

	m.responses[normalizeCommand(cmd)] = response
	delete(m.silent, normalizeCommand(cmd))
}

// SetSilent makes the emulated adapter swallow the given command without responding
func (m *Mock) SetSilent(cmd string) {
	m.Lock()
	defer m.Unlock()

	m.silent[normalizeCommand(cmd)] = struct{}{}
}

// OpenCount returns the number of channel openings attempted for the address
func (m *Mock) OpenCount(address string) int {
	m.Lock()
	defer m.Unlock()

	return m.openCount[device.NormalizeAddress(address)]
}

// BondCount returns the number of bonding requests for the address
func (m *Mock) BondCount(address string) int {
	m.Lock()
	defer m.Unlock()

	return m.bondCount[device.NormalizeAddress(address)]
}

// ScanCount returns the number of scans started
func (m *Mock) ScanCount() int {
	m.Lock()
	defer m.Unlock()

	return m.scanCount
}

// PermissionQueries returns the number of permission requests
func (m *Mock) PermissionQueries() int {
	m.Lock()
	defer m.Unlock()

	return m.permissionQueries
}

// EnableRequests returns the number of requests to enable the adapter
func (m *Mock) EnableRequests() int {
	m.Lock()
	defer m.Unlock()

	return m.enableRequests
}

// Commands returns all commands received by any emulated adapter, in order of arrival
func (m *Mock) Commands() []string {
	m.Lock()
	defer m.Unlock()

	res := make([]string, len(m.commands))
	copy(res, m.commands)

	return res
}

// Addresses returns the addresses of all registered devices
func (m *Mock) Addresses() []string {
	m.Lock()
	defer m.Unlock()

	res := make([]string, len(m.order))
	copy(res, m.order)
	sort.Strings(res)

	return res
}

////////////////////////////////////////////////////////////////////////////////

func (m *Mock) respond(cmd string) (string, bool) {
	m.Lock()
	defer m.Unlock()

	m.commands = append(m.commands, cmd)
	key := normalizeCommand(cmd)
	if _, isSilent := m.silent[key]; isSilent {
		return "", false
	}
	if resp, exists := m.responses[key]; exists {
		return resp, true
	}

	return "?", true
}

func (m *Mock) unlink(address string, a *adapter) {
	m.Lock()
	defer m.Unlock()

	if m.links[address] == a {
		delete(m.links, address)
	}
}

func normalizeCommand(cmd string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(cmd), " ", ""))
}

func defaultResponses() map[string]string {
	return map[string]string{
		"ATZ":   DefaultVersion,
		"ATI":   DefaultVersion,
		"ATE0":  "OK",
		"ATE1":  "OK",
		"ATL0":  "OK",
		"ATL1":  "OK",
		"ATS0":  "OK",
		"ATH0":  "OK",
		"ATH1":  "OK",
		"ATSP0": "OK",
		"ATRV":  "12.6V",
		"0100":  "41 00 BE 3F A8 13",
		"010C":  "41 0C 1A F8",
		"010D":  "41 0D 32",
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
