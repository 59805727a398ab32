package manager

import "errors"

var (

	// ErrBusy denotes an operation rejected because a connection attempt is in flight
	ErrBusy = errors.New("connection attempt in progress")

	// ErrAlreadyConnected denotes a connect request while connected to a different device
	ErrAlreadyConnected = errors.New("already connected to a different device")

	// ErrConnectFailed denotes a failed connection attempt
	ErrConnectFailed = errors.New("connection failed")

	// ErrPairingFailed denotes a connection attempt that failed during bonding
	ErrPairingFailed = errors.New("pairing failed")

	// ErrAborted denotes a connection attempt cancelled by a disconnect
	ErrAborted = errors.New("connection attempt aborted")

	// ErrNoCandidates denotes an auto-connect run without any (successful) candidate
	ErrNoCandidates = errors.New("no auto-connect candidate available")

	// ErrAutoConnectDisabled denotes an auto-connect request while disabled in the preferences
	ErrAutoConnectDisabled = errors.New("auto-connect disabled")

	// ErrClosed denotes an operation on a manager that has been shut down
	ErrClosed = errors.New("manager shut down")
)
