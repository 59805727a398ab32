package mock

import (
	"time"

	"github.com/fako1024/btobd/pkg/platform"
)

// WithDevices registers the given devices
func WithDevices(advs ...platform.Advertisement) func(*Mock) {
	return func(m *Mock) {
		for _, adv := range advs {
			m.AddDevice(adv)
		}
	}
}

// WithSupported sets if Bluetooth is supported
func WithSupported(supported bool) func(*Mock) {
	return func(m *Mock) {
		m.supported = supported
	}
}

// WithEnabled sets the initial adapter power state and if a request to enable it is granted
func WithEnabled(enabled, grant bool) func(*Mock) {
	return func(m *Mock) {
		m.enabled = enabled
		m.grantEnable = grant
	}
}

// WithPermissions sets the initial permission state and if a permission request is granted
func WithPermissions(permitted, grant bool) func(*Mock) {
	return func(m *Mock) {
		m.permitted = permitted
		m.grantPermissions = grant
	}
}

// WithScanInterval sets the delay between two reported advertisements
func WithScanInterval(interval time.Duration) func(*Mock) {
	return func(m *Mock) {
		m.scanInterval = interval
	}
}

// WithScanError lets every scan start fail with the given error
func WithScanError(err error) func(*Mock) {
	return func(m *Mock) {
		m.scanErr = err
	}
}

// WithConnectDelay sets the time bonding / opening a channel takes
func WithConnectDelay(delay time.Duration) func(*Mock) {
	return func(m *Mock) {
		m.connectDelay = delay
	}
}

// WithResponseDelay sets the time the emulated adapter takes to answer a command
func WithResponseDelay(delay time.Duration) func(*Mock) {
	return func(m *Mock) {
		m.responseDelay = delay
	}
}

// WithPanicOnOpen lets every channel opening panic
func WithPanicOnOpen() func(*Mock) {
	return func(m *Mock) {
		m.panicOnOpen = true
	}
}
