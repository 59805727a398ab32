package ble

import (
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/gatt"
)

// WithDevice sets the Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Bridge) {
	return func(b *Bridge) {
		b.btDevice = btDevice
	}
}

// WithLogger sets a logger
func WithLogger(logger logging.Logger) func(*Bridge) {
	return func(b *Bridge) {
		b.logger = logger
	}
}
