package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/events"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/platform"
)

const defaultBondTimeout = 30 * time.Second

// Phase denotes the bonding phase of a device
type Phase string

const (

	// PhaseNone denotes a device that is not bonded (or failed to bond)
	PhaseNone Phase = "none"

	// PhaseBonding denotes a device with a bonding request in flight
	PhaseBonding Phase = "bonding"

	// PhaseBonded denotes a bonded device
	PhaseBonded Phase = "bonded"
)

// Registry denotes anything tracking in-memory devices that must be informed about
// successful bonding
type Registry interface {
	MarkPaired(address string)
}

// Coordinator denotes the pairing coordinator, requesting bonding for unpaired devices
type Coordinator struct {
	bridge      platform.Bridge
	publisher   events.Publisher
	registry    Registry
	bondTimeout time.Duration

	phases   map[string]Phase
	inFlight map[string]*request

	logger logging.Logger

	sync.Mutex
}

type request struct {
	done    chan struct{}
	success bool
}

// New instantiates a new pairing coordinator, executing functional options, if any
func New(bridge platform.Bridge, publisher events.Publisher, options ...func(*Coordinator)) *Coordinator {
	c := &Coordinator{
		bridge:      bridge,
		publisher:   publisher,
		bondTimeout: defaultBondTimeout,
		phases:      make(map[string]Phase),
		inFlight:    make(map[string]*request),
		logger:      &logging.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(c)
	}

	return c
}

// WithLogger sets a logger
func WithLogger(logger logging.Logger) func(*Coordinator) {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithRegistry sets a registry to be informed about successfully bonded devices
func WithRegistry(registry Registry) func(*Coordinator) {
	return func(c *Coordinator) {
		c.registry = registry
	}
}

// WithBondTimeout sets the maximum time a bonding request may take
func WithBondTimeout(timeout time.Duration) func(*Coordinator) {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.bondTimeout = timeout
		}
	}
}

// Pair requests bonding with the device, returning if the device is bonded afterwards.
// Pairing an already paired device is a no-op. Concurrent requests for the same device
// share a single bonding attempt. Failures are reported via events only
func (c *Coordinator) Pair(ctx context.Context, d device.Device) bool {
	if d.IsPaired {
		return true
	}
	address := device.NormalizeAddress(d.Address)

	c.Lock()
	if c.phases[address] == PhaseBonded {
		c.Unlock()
		return true
	}
	if req, exists := c.inFlight[address]; exists {
		c.Unlock()
		select {
		case <-req.done:
			return req.success
		case <-ctx.Done():
			return false
		}
	}
	req := &request{done: make(chan struct{})}
	c.inFlight[address] = req
	c.Unlock()

	c.setPhase(d, PhaseBonding, nil)

	bondCtx, cancel := context.WithTimeout(ctx, c.bondTimeout)
	defer cancel()

	err := platform.Guard(func() error {
		return c.bridge.CreateBond(bondCtx, address)
	})
	if err == nil {
		err = bondCtx.Err()
	}

	if err != nil {
		c.logger.Warnf("failed to bond with device `%s`: %s", d, err)
		c.setPhase(d, PhaseNone, err)
	} else {
		c.logger.Infof("bonded with device `%s`", d)
		if c.registry != nil {
			c.registry.MarkPaired(address)
		}
		c.setPhase(d, PhaseBonded, nil)
	}

	c.Lock()
	req.success = err == nil
	delete(c.inFlight, address)
	c.Unlock()
	close(req.done)

	return req.success
}

// State returns the current bonding phase of the device with the given address
func (c *Coordinator) State(address string) Phase {
	c.Lock()
	defer c.Unlock()

	if phase, exists := c.phases[device.NormalizeAddress(address)]; exists {
		return phase
	}
	return PhaseNone
}

////////////////////////////////////////////////////////////////////////////////

func (c *Coordinator) setPhase(d device.Device, phase Phase, err error) {
	c.Lock()
	c.phases[device.NormalizeAddress(d.Address)] = phase
	c.Unlock()

	if phase == PhaseBonded {
		d.IsPaired = true
	}
	ev := events.New(events.KindPairingStateChanged).WithDevice(d).WithError(err)
	ev.Phase = string(phase)
	c.publisher.Publish(ev)
}
