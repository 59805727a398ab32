package manager

import (
	"encoding/json"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/elm327"
)

// Phase denotes the phase of the (single) logical connection
type Phase string

const (

	// PhaseIdle denotes that no connection exists or is being established
	PhaseIdle Phase = "idle"

	// PhaseScanning denotes an idle manager with a running scan (reported only)
	PhaseScanning Phase = "scanning"

	// PhaseConnecting denotes a connection attempt in flight
	PhaseConnecting Phase = "connecting"

	// PhaseConnected denotes an established connection
	PhaseConnected Phase = "connected"

	// PhaseDisconnecting denotes a connection being torn down
	PhaseDisconnecting Phase = "disconnecting"

	// PhaseReconnecting denotes a lost connection with a retry scheduled
	PhaseReconnecting Phase = "reconnecting"
)

// Quality denotes the link quality as measured by the heartbeat
type Quality string

const (

	// QualityUnknown denotes that no measurement has been taken yet
	QualityUnknown Quality = "unknown"

	// QualityExcellent denotes a round trip below 500ms
	QualityExcellent Quality = "excellent"

	// QualityGood denotes a round trip below 1s
	QualityGood Quality = "good"

	// QualityFair denotes a round trip below 2s
	QualityFair Quality = "fair"

	// QualityPoor denotes a slow or failed round trip
	QualityPoor Quality = "poor"
)

// QualityFor buckets a heartbeat round trip into a connection quality
func QualityFor(latency time.Duration, err error) Quality {
	switch {
	case err != nil:
		return QualityPoor
	case latency < 500*time.Millisecond:
		return QualityExcellent
	case latency < time.Second:
		return QualityGood
	case latency < 2*time.Second:
		return QualityFair
	default:
		return QualityPoor
	}
}

// ConnectResult denotes the outcome of a successful connection: the physical link is
// established, the adapter handshake may still have failed
type ConnectResult struct {
	Device       device.Device     `json:"device"`
	Handshake    []elm327.Exchange `json:"handshake,omitempty"`
	HandshakeErr error             `json:"-"`
}

// AdapterReady returns if the adapter handshake succeeded
func (r ConnectResult) AdapterReady() bool {
	return r.HandshakeErr == nil
}

// ConnectionInfo denotes a snapshot of the connection state
type ConnectionInfo struct {
	Phase          Phase          `json:"phase"`
	ActiveDevice   *device.Device `json:"activeDevice"`
	AttemptCount   int            `json:"attemptCount"`
	Blacklist      []string       `json:"blacklist"`
	AdapterReady   bool           `json:"adapterReady"`
	HandshakeError string         `json:"handshakeError,omitempty"`
	PreflightError string         `json:"preflightError,omitempty"`
	Version        string         `json:"version,omitempty"`
	Quality        Quality        `json:"quality"`
	Latency        time.Duration  `json:"-"`
	ConnectedFor   time.Duration  `json:"-"`
}

type connectionInfoJSON ConnectionInfo

type connectionInfoWire struct {
	connectionInfoJSON
	LatencyMs      int64 `json:"latencyMs,omitempty"`
	ConnectedForMs int64 `json:"connectedForMs,omitempty"`
}

// MarshalJSON encodes the connection info, durations are given in milliseconds
func (c ConnectionInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(connectionInfoWire{
		connectionInfoJSON: connectionInfoJSON(c),
		LatencyMs:          c.Latency.Milliseconds(),
		ConnectedForMs:     c.ConnectedFor.Milliseconds(),
	})
}

// UnmarshalJSON decodes connection info encoded by MarshalJSON
func (c *ConnectionInfo) UnmarshalJSON(data []byte) error {
	var w connectionInfoWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*c = ConnectionInfo(w.connectionInfoJSON)
	c.Latency = time.Duration(w.LatencyMs) * time.Millisecond
	c.ConnectedFor = time.Duration(w.ConnectedForMs) * time.Millisecond

	return nil
}
