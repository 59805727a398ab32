package events

import (
	"encoding/json"
	"time"

	"github.com/fako1024/btobd/pkg/device"
)

// Kind denotes the type of an event
type Kind string

const (

	// KindDeviceFound is published for every (de-duplicated) advertisement during a scan
	KindDeviceFound Kind = "deviceFound"

	// KindScanStarted is published once per scan session
	KindScanStarted Kind = "scanStarted"

	// KindScanFinished is published exactly once per scan session, carrying the ranked result
	KindScanFinished Kind = "scanFinished"

	// KindConnected is published after a physical link has been established
	KindConnected Kind = "connected"

	// KindDisconnected is published whenever a connection (attempt) ends
	KindDisconnected Kind = "disconnected"

	// KindPairingStateChanged is published on every bonding phase transition
	KindPairingStateChanged Kind = "pairingStateChanged"

	// KindStateChanged is published on every connection phase transition
	KindStateChanged Kind = "stateChanged"

	// KindReconnecting is published when a reconnect attempt has been scheduled
	KindReconnecting Kind = "reconnecting"

	// KindConnectionQuality is published when the measured link quality changes
	KindConnectionQuality Kind = "connectionQuality"
)

// Event denotes a single notification distributed via the bus. Only the fields
// relevant for the respective Kind are populated
type Event struct {
	Kind Kind      `json:"type"`
	Time time.Time `json:"time"`

	Device  *device.Device  `json:"device,omitempty"`
	Devices []device.Device `json:"devices,omitempty"`

	// Phase carries the new pairing or connection phase (pairingStateChanged / stateChanged)
	Phase string `json:"phase,omitempty"`

	// Error carries a human readable failure reason, if any
	Error string `json:"error,omitempty"`

	// Terminal flags a disconnected event after which no further automatic action follows
	Terminal bool `json:"terminal,omitempty"`

	// AdapterReady flags if the adapter handshake succeeded (connected)
	AdapterReady bool `json:"adapterReady,omitempty"`

	// Quality carries the connection quality (connectionQuality)
	Quality string `json:"quality,omitempty"`

	// Latency carries the last heartbeat round trip (connectionQuality), serialized as
	// latencyMs
	Latency time.Duration `json:"-"`

	// Attempt / Delay describe a scheduled reconnect (reconnecting), Delay is serialized
	// as delayMs
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"-"`
}

type eventJSON Event

type eventWire struct {
	eventJSON
	LatencyMs int64 `json:"latencyMs,omitempty"`
	DelayMs   int64 `json:"delayMs,omitempty"`
}

// MarshalJSON encodes the event, durations are given in milliseconds
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventWire{
		eventJSON: eventJSON(e),
		LatencyMs: e.Latency.Milliseconds(),
		DelayMs:   e.Delay.Milliseconds(),
	})
}

// UnmarshalJSON decodes an event encoded by MarshalJSON
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = Event(w.eventJSON)
	e.Latency = time.Duration(w.LatencyMs) * time.Millisecond
	e.Delay = time.Duration(w.DelayMs) * time.Millisecond

	return nil
}

// New creates a new event of the given kind, stamped with the current time
func New(kind Kind) Event {
	return Event{
		Kind: kind,
		Time: time.Now(),
	}
}

// WithDevice attaches a copy of the device to the event
func (e Event) WithDevice(d device.Device) Event {
	dc := d.Clone()
	e.Device = &dc
	return e
}

// WithDevices attaches a copy of the device list to the event
func (e Event) WithDevices(devs []device.Device) Event {
	e.Devices = make([]device.Device, len(devs))
	for i, d := range devs {
		e.Devices[i] = d.Clone()
	}
	return e
}

// WithError attaches the error message (if any) to the event
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
