package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (

	// ErrUnsupported denotes that no usable Bluetooth hardware is present
	ErrUnsupported = errors.New("bluetooth not supported")

	// ErrDisabled denotes that the Bluetooth adapter is turned off
	ErrDisabled = errors.New("bluetooth adapter disabled")

	// ErrPermissionDenied denotes that the process lacks the permission to use Bluetooth
	ErrPermissionDenied = errors.New("bluetooth permission denied")

	// ErrPanic denotes that a platform call panicked
	ErrPanic = errors.New("platform call panicked")

	// ErrUnknownDevice denotes that the requested address is not known to the platform
	ErrUnknownDevice = errors.New("unknown device")
)

// Advertisement denotes a single device observation delivered by the platform
type Advertisement struct {
	ID      string
	Address string
	Name    string
	RSSI    *int
	Bonded  bool
}

// Channel denotes an open, serial-like byte stream to a remote device. Closing the
// channel releases the physical link
type Channel io.ReadWriteCloser

// Bridge denotes the native Bluetooth primitives the orchestration layer relies on
type Bridge interface {

	// IsSupported returns if Bluetooth hardware is available at all
	IsSupported(ctx context.Context) (bool, error)

	// IsEnabled returns if the Bluetooth adapter is powered on
	IsEnabled(ctx context.Context) (bool, error)

	// RequestEnable asks the platform / user to power on the adapter
	RequestEnable(ctx context.Context) error

	// HasPermissions returns if the process may use Bluetooth
	HasPermissions(ctx context.Context) (bool, error)

	// RequestPermissions asks for Bluetooth permissions, returning if they were granted
	RequestPermissions(ctx context.Context) (bool, error)

	// BondedDevices enumerates the devices already bonded with the adapter
	BondedDevices(ctx context.Context) ([]Advertisement, error)

	// StartScan starts device discovery, calling fn for every observed advertisement
	// until StopScan is called
	StartScan(ctx context.Context, fn func(Advertisement)) error

	// StopScan stops device discovery
	StopScan() error

	// CreateBond requests bonding with the device at the given address
	CreateBond(ctx context.Context, address string) error

	// OpenChannel opens a byte stream to the device at the given address
	OpenChannel(ctx context.Context, address string) (Channel, error)

	// OnLinkLost registers a handler that is called when an open link drops unexpectedly
	OnLinkLost(fn func(address string, err error))
}

// Guard executes fn, converting a panic into an ErrPanic error
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return fn()
}

// Preflight verifies that Bluetooth can be used, requesting permissions and enabling
// the adapter (once each) if required
func Preflight(ctx context.Context, b Bridge) error {
	return Guard(func() error {
		supported, err := b.IsSupported(ctx)
		if err != nil {
			return fmt.Errorf("failed to check bluetooth support: %w", err)
		}
		if !supported {
			return ErrUnsupported
		}

		permitted, err := b.HasPermissions(ctx)
		if err != nil {
			return fmt.Errorf("failed to check bluetooth permissions: %w", err)
		}
		if !permitted {
			if permitted, err = b.RequestPermissions(ctx); err != nil {
				return fmt.Errorf("%w: %s", ErrPermissionDenied, err)
			}
			if !permitted {
				return ErrPermissionDenied
			}
		}

		enabled, err := b.IsEnabled(ctx)
		if err != nil {
			return fmt.Errorf("failed to check bluetooth adapter state: %w", err)
		}
		if !enabled {
			if err := b.RequestEnable(ctx); err != nil {
				return fmt.Errorf("%w: %s", ErrDisabled, err)
			}
			if enabled, err = b.IsEnabled(ctx); err != nil || !enabled {
				return ErrDisabled
			}
		}

		return nil
	})
}

// IsBlocking returns if the error requires external remediation before any further
// Bluetooth operation can succeed
func IsBlocking(err error) bool {
	return errors.Is(err, ErrUnsupported) || errors.Is(err, ErrDisabled) || errors.Is(err, ErrPermissionDenied)
}
