//go:build !linux

package bluez

import (
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/platform"
)

// Bridge is unavailable on non-Linux platforms
type Bridge struct {
	platform.Bridge
}

// New always fails on non-Linux platforms
func New(_ ...func(*Bridge)) (*Bridge, error) {
	return nil, platform.ErrUnsupported
}

// WithAdapter sets the adapter to use (no-op)
func WithAdapter(string) func(*Bridge) { return func(*Bridge) {} }

// WithPIN sets the PIN code offered during pairing (no-op)
func WithPIN(string) func(*Bridge) { return func(*Bridge) {} }

// WithLogger sets a logger (no-op)
func WithLogger(logging.Logger) func(*Bridge) { return func(*Bridge) {} }

// Close is a no-op
func (b *Bridge) Close() error { return nil }
