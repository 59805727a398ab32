package device

import (
	"fmt"
	"strings"
	"time"
)

// Class denotes the kind of adapter a device is believed to be, derived from its name
type Class string

const (

	// ClassELM327 denotes a device advertising itself as an ELM327 adapter
	ClassELM327 Class = "ELM327"

	// ClassOBD2 denotes a device from a known OBD2 vendor / naming family
	ClassOBD2 Class = "OBD2"

	// ClassGeneric denotes any other Bluetooth device
	ClassGeneric Class = "Generic"
)

const placeholderIDLen = 5

// Device denotes one Bluetooth peripheral observed during a scan or remembered
// from a previous connection
type Device struct {
	ID                 string `json:"id"`
	Address            string `json:"address"`
	Name               string `json:"name"`
	SignalStrength     *int   `json:"signalStrength,omitempty"`
	IsPaired           bool   `json:"isPaired"`
	IsConnected        bool   `json:"isConnected"`
	Class              Class  `json:"deviceClass"`
	CompatibilityScore int    `json:"compatibilityScore"`
}

// New instantiates a new device, synthesizing a placeholder name if none is
// provided and deriving class and compatibility score from the name
func New(id, address, name string) Device {
	address = NormalizeAddress(address)
	if id == "" {
		id = address
	}
	d := Device{
		ID:      id,
		Address: address,
		Name:    strings.TrimSpace(name),
	}
	if d.Name == "" {
		d.Name = PlaceholderName(id)
	}

	return d.Rescored()
}

// Rescored returns a copy of the device with class and score recomputed from its name
func (d Device) Rescored() Device {
	d.Class = Classify(d.Name)
	d.CompatibilityScore = Score(d.Name)
	return d
}

// WithSignal returns a copy of the device carrying the given signal strength (in dBm)
func (d Device) WithSignal(rssi int) Device {
	d.SignalStrength = &rssi
	return d
}

// Clone returns a deep copy of the device (the signal strength pointer is not shared)
func (d Device) Clone() Device {
	if d.SignalStrength != nil {
		rssi := *d.SignalStrength
		d.SignalStrength = &rssi
	}
	return d
}

// String returns a short human-readable representation of the device
func (d Device) String() string {
	return fmt.Sprintf("%s/%s", d.Name, d.Address)
}

// HasPlaceholderName returns if the device name was synthesized rather than advertised
func (d Device) HasPlaceholderName() bool {
	return strings.HasPrefix(d.Name, placeholderPrefix)
}

const placeholderPrefix = "Unknown Device ("

// PlaceholderName synthesizes a display name for a device that did not advertise one
func PlaceholderName(id string) string {
	if len(id) > placeholderIDLen {
		id = id[:placeholderIDLen]
	}
	if id == "" {
		id = "?"
	}
	return placeholderPrefix + id + ")"
}

// NormalizeAddress returns the canonical (upper case, trimmed) form of a hardware address
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// SavedDevice denotes the durable record of a device that has been connected before
type SavedDevice struct {
	Address         string    `json:"address"`
	Name            string    `json:"name"`
	LastConnectedAt time.Time `json:"lastConnectedAt"`
	AutoReconnect   bool      `json:"autoReconnect"`
	ConnectionCount int       `json:"connectionCount"`
}

// Device converts the saved record back into a (disconnected) device. A device
// that was connected before is assumed to be bonded
func (s SavedDevice) Device() Device {
	d := New(s.Address, s.Address, s.Name)
	d.IsPaired = true
	return d
}
