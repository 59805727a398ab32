//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/platform"
	"github.com/godbus/dbus/v5"
)

const (
	profilePath = dbus.ObjectPath("/org/btobd/spp")
	agentPath   = dbus.ObjectPath("/org/btobd/agent")
)

// Bridge denotes a classic Bluetooth (SPP / RFCOMM) bridge on top of BlueZ
type Bridge struct {
	conn        *dbus.Conn
	adapterName string
	adapter     dbus.ObjectPath
	pin         string

	profile           *profile
	profileRegistered bool
	agentRegistered   bool

	scanFn   func(platform.Advertisement)
	links    map[string]*link
	linkLost func(address string, err error)

	signals chan *dbus.Signal
	done    chan struct{}

	logger logging.Logger

	sync.Mutex
}

// New instantiates a new BlueZ bridge on the system bus, executing functional options, if any
func New(options ...func(*Bridge)) (*Bridge, error) {
	b := &Bridge{
		adapterName: DefaultAdapter,
		pin:         DefaultPIN,
		links:       make(map[string]*link),
		signals:     make(chan *dbus.Signal, 64),
		done:        make(chan struct{}),
		logger:      &logging.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(b)
	}
	b.adapter = dbus.ObjectPath("/org/bluez/" + b.adapterName)
	b.profile = &profile{pending: make(map[string]chan *os.File), logger: b.logger}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	b.conn = conn

	for _, member := range []string{"PropertiesChanged", "InterfacesAdded"} {
		iface := propsIface
		if member == "InterfacesAdded" {
			iface = objManagerIface
		}
		if err := conn.AddMatchSignal(
			dbus.WithMatchInterface(iface),
			dbus.WithMatchMember(member),
		); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", member, err)
		}
	}
	conn.Signal(b.signals)
	go b.dispatch()

	return b, nil
}

// WithAdapter sets the adapter to use (e.g. hci1)
func WithAdapter(name string) func(*Bridge) {
	return func(b *Bridge) {
		if name != "" {
			b.adapterName = name
		}
	}
}

// WithPIN sets the PIN code offered during pairing
func WithPIN(pin string) func(*Bridge) {
	return func(b *Bridge) {
		b.pin = pin
	}
}

// WithLogger sets a logger
func WithLogger(logger logging.Logger) func(*Bridge) {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// IsSupported returns if BlueZ is running and the adapter exists
func (b *Bridge) IsSupported(_ context.Context) (bool, error) {
	var names []string
	if err := b.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return false, fmt.Errorf("failed to list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	objs, err := b.managedObjects()
	if err != nil {
		return false, err
	}
	_, exists := objs[b.adapter][adapterIface]

	return exists, nil
}

// IsEnabled returns if the adapter is powered
func (b *Bridge) IsEnabled(_ context.Context) (bool, error) {
	v, err := b.getProp(b.adapter, adapterIface, "Powered")
	if err != nil {
		return false, err
	}
	powered, _ := v.Value().(bool)

	return powered, nil
}

// RequestEnable powers on the adapter
func (b *Bridge) RequestEnable(_ context.Context) error {
	return b.conn.Object(busName, b.adapter).Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true)).Err
}

// HasPermissions returns if the D-Bus policy allows access to the adapter
func (b *Bridge) HasPermissions(_ context.Context) (bool, error) {
	if _, err := b.getProp(b.adapter, adapterIface, "Address"); err != nil {
		if isAccessDenied(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RequestPermissions cannot elevate D-Bus permissions, it merely re-checks them
func (b *Bridge) RequestPermissions(ctx context.Context) (bool, error) {
	return b.HasPermissions(ctx)
}

// BondedDevices enumerates the devices paired with the adapter
func (b *Bridge) BondedDevices(_ context.Context) ([]platform.Advertisement, error) {
	objs, err := b.managedObjects()
	if err != nil {
		return nil, err
	}

	var res []platform.Advertisement
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !belongsTo(path, b.adapter) {
			continue
		}
		if adv, ok := advertisementFromProps(path, props); ok && adv.Bonded {
			res = append(res, adv)
		}
	}

	return res, nil
}

// StartScan starts discovery on the adapter, reporting already known and newly found devices
func (b *Bridge) StartScan(ctx context.Context, fn func(platform.Advertisement)) error {
	adapter := b.conn.Object(busName, b.adapter)
	if err := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("auto"),
	}).Err; err != nil {
		b.logger.Debugf("failed to set discovery filter: %s", err)
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	b.Lock()
	b.scanFn = fn
	b.Unlock()

	// Report devices already known to BlueZ (e.g. from a previous discovery)
	objs, err := b.managedObjects()
	if err != nil {
		b.logger.Warnf("failed to enumerate known devices: %s", err)
		return nil
	}
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !belongsTo(path, b.adapter) {
			continue
		}
		if adv, ok := advertisementFromProps(path, props); ok {
			fn(adv)
		}
	}

	return nil
}

// StopScan stops discovery on the adapter
func (b *Bridge) StopScan() error {
	b.Lock()
	b.scanFn = nil
	b.Unlock()

	return b.conn.Object(busName, b.adapter).Call(adapterIface+".StopDiscovery", 0).Err
}

// CreateBond pairs with (and trusts) the device at the given address
func (b *Bridge) CreateBond(ctx context.Context, address string) error {
	if err := b.ensureAgent(); err != nil {
		return err
	}

	obj := b.conn.Object(busName, devicePath(b.adapter, address))
	if err := obj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("failed to pair: %w", err)
	}
	if err := obj.Call(propsIface+".Set", 0, deviceIface, "Trusted", dbus.MakeVariant(true)).Err; err != nil {
		b.logger.Warnf("failed to trust device `%s`: %s", address, err)
	}

	return nil
}

// OpenChannel connects the serial port profile of the device and returns the RFCOMM socket
func (b *Bridge) OpenChannel(ctx context.Context, address string) (platform.Channel, error) {
	address = device.NormalizeAddress(address)
	if err := b.ensureProfile(); err != nil {
		return nil, err
	}

	fdChan := b.profile.expect(address)
	defer b.profile.forget(address)

	obj := b.conn.Object(busName, devicePath(b.adapter, address))
	if err := obj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID).Err; err != nil && !isAlreadyConnected(err) {
		return nil, fmt.Errorf("failed to connect serial port profile: %w", err)
	}

	select {
	case f := <-fdChan:
		l := &link{
			File:    f,
			bridge:  b,
			address: address,
		}
		b.Lock()
		b.links[address] = l
		b.Unlock()

		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnLinkLost registers a handler that is called when an open link drops unexpectedly
func (b *Bridge) OnLinkLost(fn func(address string, err error)) {
	b.Lock()
	defer b.Unlock()

	b.linkLost = fn
}

// Close releases the profile / agent registrations and the bus connection
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

	manager := b.conn.Object(busName, "/org/bluez")
	if b.profileRegistered {
		_ = manager.Call(profileManagerIface+".UnregisterProfile", 0, profilePath).Err
	}
	if b.agentRegistered {
		_ = manager.Call(agentManagerIface+".UnregisterAgent", 0, agentPath).Err
	}
	b.conn.RemoveSignal(b.signals)
	close(b.done)

	return b.conn.Close()
}

////////////////////////////////////////////////////////////////////////////////

func (b *Bridge) ensureProfile() error {
	b.Lock()
	defer b.Unlock()

	if b.profileRegistered {
		return nil
	}
	if err := b.conn.Export(b.profile, profilePath, profileIface); err != nil {
		return fmt.Errorf("failed to export serial port profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant("client"),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	if err := b.conn.Object(busName, "/org/bluez").Call(profileManagerIface+".RegisterProfile", 0, profilePath, SPPUUID, opts).Err; err != nil {
		return fmt.Errorf("failed to register serial port profile: %w", err)
	}
	b.profileRegistered = true

	return nil
}

func (b *Bridge) ensureAgent() error {
	b.Lock()
	defer b.Unlock()

	if b.agentRegistered {
		return nil
	}
	if err := b.conn.Export(&agent{pin: b.pin, logger: b.logger}, agentPath, agentIface); err != nil {
		return fmt.Errorf("failed to export pairing agent: %w", err)
	}
	manager := b.conn.Object(busName, "/org/bluez")
	if err := manager.Call(agentManagerIface+".RegisterAgent", 0, agentPath, "KeyboardDisplay").Err; err != nil {
		return fmt.Errorf("failed to register pairing agent: %w", err)
	}
	if err := manager.Call(agentManagerIface+".RequestDefaultAgent", 0, agentPath).Err; err != nil {
		b.logger.Debugf("failed to become default agent: %s", err)
	}
	b.agentRegistered = true

	return nil
}

func (b *Bridge) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			if sig == nil {
				continue
			}
			switch sig.Name {
			case objManagerIface + ".InterfacesAdded":
				b.onInterfacesAdded(sig)
			case propsIface + ".PropertiesChanged":
				b.onPropertiesChanged(sig)
			}
		}
	}
}

func (b *Bridge) onInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	props, ok := ifaces[deviceIface]
	if !ok || !belongsTo(path, b.adapter) {
		return
	}

	b.Lock()
	fn := b.scanFn
	b.Unlock()

	if adv, ok := advertisementFromProps(path, props); ok && fn != nil {
		fn(adv)
	}
}

func (b *Bridge) onPropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 || !belongsTo(sig.Path, b.adapter) {
		return
	}
	if iface, _ := sig.Body[0].(string); iface != deviceIface {
		return
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	address := addressFromPath(sig.Path)

	// Connected flipped to false on an open link: the link is lost
	if v, ok := changed["Connected"]; ok {
		if connected, _ := v.Value().(bool); !connected {
			b.Lock()
			l, exists := b.links[address]
			fn := b.linkLost
			b.Unlock()

			if exists && !l.isClosed() {
				b.logger.Infof("device `%s` disconnected", address)
				_ = l.Close()
				if fn != nil {
					fn(address, errors.New("remote device disconnected"))
				}
			}
		}
	}

	// RSSI / name updates during a scan are re-reported as advertisements
	_, hasRSSI := changed["RSSI"]
	_, hasName := changed["Name"]
	if !hasRSSI && !hasName {
		return
	}

	b.Lock()
	fn := b.scanFn
	b.Unlock()
	if fn == nil {
		return
	}

	var props map[string]dbus.Variant
	if err := b.conn.Object(busName, sig.Path).Call(propsIface+".GetAll", 0, deviceIface).Store(&props); err != nil {
		b.logger.Debugf("failed to fetch properties of `%s`: %s", address, err)
		return
	}
	if adv, ok := advertisementFromProps(sig.Path, props); ok {
		fn(adv)
	}
}

func (b *Bridge) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := b.conn.Object(busName, "/").Call(objManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("failed to enumerate managed objects: %w", err)
	}
	return objs, nil
}

func (b *Bridge) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := b.conn.Object(busName, path).Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *Bridge) release(address string, l *link) {
	b.Lock()
	defer b.Unlock()

	if b.links[address] == l {
		delete(b.links, address)
	}
}

////////////////////////////////////////////////////////////////////////////////

// link denotes an RFCOMM socket handed over by BlueZ
type link struct {
	*os.File

	bridge  *Bridge
	address string

	closed bool
	sync.Mutex
}

// Close closes the socket and disconnects the profile
func (l *link) Close() error {
	l.Lock()
	if l.closed {
		l.Unlock()
		return nil
	}
	l.closed = true
	l.Unlock()

	l.bridge.release(l.address, l)
	err := l.File.Close()
	_ = l.bridge.conn.Object(busName, devicePath(l.bridge.adapter, l.address)).Call(deviceIface+".DisconnectProfile", 0, SPPUUID).Err

	return err
}

func (l *link) isClosed() bool {
	l.Lock()
	defer l.Unlock()

	return l.closed
}

func isAccessDenied(err error) bool {
	return dbusErrorName(err) == "org.freedesktop.DBus.Error.AccessDenied"
}

func isAlreadyExists(err error) bool {
	return dbusErrorName(err) == "org.bluez.Error.AlreadyExists"
}

func isAlreadyConnected(err error) bool {
	return dbusErrorName(err) == "org.bluez.Error.AlreadyConnected"
}

func dbusErrorName(err error) string {
	var dErr dbus.Error
	if errors.As(err, &dErr) {
		return dErr.Name
	}
	var dErrPtr *dbus.Error
	if errors.As(err, &dErrPtr) {
		return dErrPtr.Name
	}
	return ""
}

var _ platform.Bridge = (*Bridge)(nil)
