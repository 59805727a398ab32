package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/events"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/platform"
)

const advertisementBuffer = 64

// ErrInvalidTimeout denotes a non-positive scan timeout
var ErrInvalidTimeout = errors.New("scan timeout must be positive")

// Engine denotes the discovery engine, driving platform scans and maintaining the
// de-duplicated, ranked set of discovered devices
type Engine struct {
	bridge    platform.Bridge
	publisher events.Publisher

	active *Scan
	live   *workingSet
	last   []device.Device

	logger logging.Logger

	sync.Mutex
}

// Result denotes the final outcome of a scan
type Result struct {
	Devices []device.Device
	Err     error
}

// Scan denotes a handle to a running (or finished) scan session
type Scan struct {
	engine  *Engine
	timeout time.Duration
	advs    chan platform.Advertisement
	stop    chan struct{}
	done    chan struct{}
	result  Result

	stopOnce sync.Once
}

// New instantiates a new discovery engine, executing functional options, if any
func New(bridge platform.Bridge, publisher events.Publisher, options ...func(*Engine)) *Engine {
	e := &Engine{
		bridge:    bridge,
		publisher: publisher,
		logger:    &logging.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(e)
	}

	return e
}

// WithLogger sets a logger
func WithLogger(logger logging.Logger) func(*Engine) {
	return func(e *Engine) {
		e.logger = logger
	}
}

// StartScan starts a new scan session lasting at most timeout. If a scan is already
// running, its handle is returned instead
func (e *Engine) StartScan(ctx context.Context, timeout time.Duration) (*Scan, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	e.Lock()
	defer e.Unlock()

	if e.active != nil {
		return e.active, nil
	}

	s := &Scan{
		engine:  e,
		timeout: timeout,
		advs:    make(chan platform.Advertisement, advertisementBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	e.active = s
	e.live = newWorkingSet()

	e.publisher.Publish(events.New(events.KindScanStarted))
	e.logger.Debugf("starting scan (timeout %v)", timeout)

	go s.run(ctx)

	return s, nil
}

// StopScan stops the running scan, if any. It is always safe to call
func (e *Engine) StopScan() {
	e.Lock()
	s := e.active
	e.Unlock()

	if s != nil {
		s.Stop()
	}
}

// Scanning returns if a scan is currently running
func (e *Engine) Scanning() bool {
	e.Lock()
	defer e.Unlock()

	return e.active != nil
}

// Devices returns a snapshot of the discovered devices, ranked by compatibility. While a
// scan is running, the devices found so far are returned
func (e *Engine) Devices() []device.Device {
	e.Lock()
	defer e.Unlock()

	if e.live != nil {
		return e.live.ranked()
	}
	return cloneDevices(e.last)
}

// Device returns the discovered device with the given address, if any. Devices found by
// a running scan take precedence over those of the latest finished one
func (e *Engine) Device(address string) (device.Device, bool) {
	address = device.NormalizeAddress(address)

	e.Lock()
	defer e.Unlock()

	if e.live != nil {
		if i, exists := e.live.index[address]; exists {
			return e.live.devices[i].Clone(), true
		}
	}
	for _, d := range e.last {
		if d.Address == address {
			return d.Clone(), true
		}
	}

	return device.Device{}, false
}

// MarkPaired flags the discovered device with the given address as paired
func (e *Engine) MarkPaired(address string) {
	e.modify(address, func(d *device.Device) {
		d.IsPaired = true
	})
}

// MarkConnected flags the discovered device with the given address as (dis)connected,
// clearing the flag on all other devices when connecting
func (e *Engine) MarkConnected(address string, connected bool) {
	address = device.NormalizeAddress(address)

	e.Lock()
	defer e.Unlock()

	mark := func(devs []device.Device) {
		for i := range devs {
			if devs[i].Address == address {
				devs[i].IsConnected = connected
			} else if connected {
				devs[i].IsConnected = false
			}
		}
	}
	mark(e.last)
	if e.live != nil {
		mark(e.live.devices)
	}
}

// Stop cancels the scan early. It is always safe to call, also after the scan has finished
func (s *Scan) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Done returns a channel that is closed once the scan has finished
func (s *Scan) Done() <-chan struct{} {
	return s.done
}

// Result returns the outcome of the scan. It must only be called after Done() was closed
func (s *Scan) Result() Result {
	return s.result
}

// Wait blocks until the scan has finished or the context is cancelled
func (s *Scan) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

////////////////////////////////////////////////////////////////////////////////

func (e *Engine) modify(address string, fn func(d *device.Device)) {
	address = device.NormalizeAddress(address)

	e.Lock()
	defer e.Unlock()

	for i := range e.last {
		if e.last[i].Address == address {
			fn(&e.last[i])
		}
	}
	if e.live != nil {
		if i, exists := e.live.index[address]; exists {
			fn(&e.live.devices[i])
		}
	}
}

// finish publishes the final result of the scan, it must be called with the lock held
func (e *Engine) finish(s *Scan) []device.Device {
	devs := e.live.ranked()

	// Carry over the connection flag of the active device (which may not advertise
	// while connected)
	for _, prev := range e.last {
		if !prev.IsConnected {
			continue
		}
		found := false
		for i := range devs {
			if devs[i].Address == prev.Address {
				devs[i].IsConnected, found = true, true
			}
		}
		if !found {
			devs = append(devs, prev)
		}
	}

	e.last = devs
	if e.active == s {
		e.active = nil
		e.live = nil
	}

	return cloneDevices(devs)
}

func (s *Scan) run(ctx context.Context) {
	e := s.engine

	defer func() {
		e.Lock()
		ranked := e.finish(s)
		e.Unlock()

		e.publisher.Publish(events.New(events.KindScanFinished).WithDevices(ranked).WithError(s.result.Err))
		e.logger.Debugf("scan finished, found %d device(s)", len(ranked))

		s.result.Devices = ranked
		close(s.done)
	}()

	// Merge already bonded devices once at the start of the scan
	var bonded []platform.Advertisement
	if err := platform.Guard(func() (err error) {
		bonded, err = e.bridge.BondedDevices(ctx)
		return
	}); err != nil {
		e.logger.Warnf("failed to enumerate bonded devices: %s", err)
	}
	for _, adv := range bonded {
		adv.Bonded = true
		s.apply(adv)
	}

	if err := platform.Guard(func() error {
		return e.bridge.StartScan(ctx, s.deliver)
	}); err != nil {
		s.result.Err = fmt.Errorf("failed to start scan: %w", err)
		e.logger.Warnf("%s", s.result.Err)
		return
	}

	defer func() {
		if err := platform.Guard(e.bridge.StopScan); err != nil {
			e.logger.Warnf("failed to stop scan: %s", err)
		}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		select {
		case adv := <-s.advs:
			s.apply(adv)
		case <-timer.C:
			e.logger.Debugf("scan timeout reached")
			s.drain()
			return
		case <-s.stop:
			s.drain()
			return
		case <-ctx.Done():
			s.result.Err = ctx.Err()
			s.drain()
			return
		}
	}
}

// deliver is called by the platform for every advertisement. Advertisements arriving
// after the scan has ended are discarded
func (s *Scan) deliver(adv platform.Advertisement) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.advs <- adv:
	case <-s.stop:
	case <-s.done:
	}
}

func (s *Scan) drain() {
	for {
		select {
		case adv := <-s.advs:
			s.apply(adv)
		default:
			return
		}
	}
}

func (s *Scan) apply(adv platform.Advertisement) {
	if adv.Address == "" {
		return
	}

	s.engine.Lock()
	d, isNew := s.engine.live.merge(adv)
	s.engine.Unlock()

	if isNew {
		s.engine.logger.Debugf("discovered device `%s` (score %d)", d, d.CompatibilityScore)
	}
	s.engine.publisher.Publish(events.New(events.KindDeviceFound).WithDevice(d))
}

////////////////////////////////////////////////////////////////////////////////

// workingSet holds the de-duplicated devices of one scan in order of first discovery
type workingSet struct {
	devices []device.Device
	index   map[string]int
}

func newWorkingSet() *workingSet {
	return &workingSet{
		index: make(map[string]int),
	}
}

func (w *workingSet) merge(adv platform.Advertisement) (device.Device, bool) {
	d := device.New(adv.ID, adv.Address, adv.Name)
	if adv.RSSI != nil {
		d = d.WithSignal(*adv.RSSI)
	}
	d.IsPaired = adv.Bonded

	i, exists := w.index[d.Address]
	if !exists {
		w.index[d.Address] = len(w.devices)
		w.devices = append(w.devices, d)
		return d.Clone(), true
	}

	prev := w.devices[i]
	if adv.Name == "" && !prev.HasPlaceholderName() {
		d.Name = prev.Name
	}
	if d.SignalStrength == nil {
		d.SignalStrength = prev.SignalStrength
	}
	d.IsPaired = d.IsPaired || prev.IsPaired
	d.IsConnected = prev.IsConnected
	d = d.Rescored()
	w.devices[i] = d

	return d.Clone(), false
}

func (w *workingSet) ranked() []device.Device {
	res := cloneDevices(w.devices)
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CompatibilityScore > res[j].CompatibilityScore
	})

	return res
}

func cloneDevices(devs []device.Device) []device.Device {
	res := make([]device.Device, len(devs))
	for i, d := range devs {
		res[i] = d.Clone()
	}
	return res
}
