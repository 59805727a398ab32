//go:build linux

package bluez

import (
	"os"
	"sync"

	"github.com/fako1024/btobd/pkg/logging"
	"github.com/godbus/dbus/v5"
)

// profile implements org.bluez.Profile1, receiving the RFCOMM sockets of connected devices
type profile struct {
	pending map[string]chan *os.File
	logger  logging.Logger

	sync.Mutex
}

func (p *profile) expect(address string) chan *os.File {
	p.Lock()
	defer p.Unlock()

	ch := make(chan *os.File, 1)
	p.pending[address] = ch

	return ch
}

func (p *profile) forget(address string) {
	p.Lock()
	defer p.Unlock()

	delete(p.pending, address)
}

// NewConnection is called by BlueZ once the serial port profile of a device is connected
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	address := addressFromPath(dev)
	f := os.NewFile(uintptr(fd), "rfcomm:"+address)

	p.Lock()
	ch, ok := p.pending[address]
	delete(p.pending, address)
	p.Unlock()

	if !ok {
		p.logger.Warnf("dropping unsolicited connection from `%s`", address)
		_ = f.Close()
		return nil
	}
	ch <- f

	return nil
}

// RequestDisconnection is called by BlueZ when the profile is being disconnected
func (p *profile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.logger.Debugf("disconnection requested for `%s`", addressFromPath(dev))
	return nil
}

// Release is called by BlueZ when the profile is unregistered
func (p *profile) Release() *dbus.Error {
	return nil
}

// agent implements org.bluez.Agent1, answering PIN / passkey requests during pairing
type agent struct {
	pin    string
	logger logging.Logger
}

func (a *agent) Release() *dbus.Error { return nil }

func (a *agent) RequestPinCode(dev dbus.ObjectPath) (string, *dbus.Error) {
	a.logger.Debugf("supplying PIN for `%s`", addressFromPath(dev))
	return a.pin, nil
}

func (a *agent) DisplayPinCode(_ dbus.ObjectPath, _ string) *dbus.Error { return nil }

func (a *agent) RequestPasskey(dev dbus.ObjectPath) (uint32, *dbus.Error) {
	var passkey uint32
	for _, c := range a.pin {
		if c < '0' || c > '9' {
			return 0, dbus.NewError("org.bluez.Error.Rejected", nil)
		}
		passkey = passkey*10 + uint32(c-'0')
	}
	a.logger.Debugf("supplying passkey for `%s`", addressFromPath(dev))

	return passkey, nil
}

func (a *agent) DisplayPasskey(_ dbus.ObjectPath, _ uint32, _ uint16) *dbus.Error { return nil }

func (a *agent) RequestConfirmation(_ dbus.ObjectPath, _ uint32) *dbus.Error { return nil }

func (a *agent) RequestAuthorization(_ dbus.ObjectPath) *dbus.Error { return nil }

func (a *agent) AuthorizeService(_ dbus.ObjectPath, _ string) *dbus.Error { return nil }

func (a *agent) Cancel() *dbus.Error { return nil }
