package serialport

import (
	"time"

	"github.com/fako1024/btobd/pkg/logging"
)

// WithBaudRate sets the baud rate used when opening a port
func WithBaudRate(baudRate int) func(*Bridge) {
	return func(b *Bridge) {
		if baudRate > 0 {
			b.baudRate = baudRate
		}
	}
}

// WithPatterns sets the port name patterns to consider (an empty list considers all ports)
func WithPatterns(patterns ...string) func(*Bridge) {
	return func(b *Bridge) {
		b.patterns = patterns
	}
}

// WithScanInterval sets the interval at which the port list is refreshed during a scan
func WithScanInterval(interval time.Duration) func(*Bridge) {
	return func(b *Bridge) {
		if interval > 0 {
			b.scanInterval = interval
		}
	}
}

// WithLister sets the function used to enumerate ports
func WithLister(lister Lister) func(*Bridge) {
	return func(b *Bridge) {
		b.lister = lister
	}
}

// WithOpener sets the function used to open a port
func WithOpener(opener Opener) func(*Bridge) {
	return func(b *Bridge) {
		b.opener = opener
	}
}

// WithLogger sets a logger
func WithLogger(logger logging.Logger) func(*Bridge) {
	return func(b *Bridge) {
		b.logger = logger
	}
}
