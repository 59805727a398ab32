package memory

import (
	"encoding/json"
	"time"

	"github.com/fako1024/btobd/pkg/device"
)

// DefaultNamespace denotes the storage namespace the record is kept under
const DefaultNamespace = "btobd_device_memory"

// MaxHistory denotes the maximum number of connection history entries retained
const MaxHistory = 50

// Preferences denotes the user-owned connection preferences
type Preferences struct {
	AutoConnect     bool   `json:"autoConnect"`
	PreferredDevice string `json:"preferredDevice,omitempty"`
}

// HistoryEntry denotes one ended connection
type HistoryEntry struct {
	Address        string        `json:"address"`
	Name           string        `json:"name"`
	ConnectedAt    time.Time     `json:"connectedAt"`
	DisconnectedAt time.Time     `json:"disconnectedAt"`
	Duration       time.Duration `json:"-"`
	Reason         string        `json:"reason,omitempty"`
}

type historyEntryJSON HistoryEntry

type historyEntryWire struct {
	historyEntryJSON
	DurationMs int64 `json:"durationMs"`
}

// MarshalJSON encodes the entry with its duration in milliseconds
func (h HistoryEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(historyEntryWire{
		historyEntryJSON: historyEntryJSON(h),
		DurationMs:       h.Duration.Milliseconds(),
	})
}

// UnmarshalJSON decodes an entry encoded by MarshalJSON
func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	var w historyEntryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*h = HistoryEntry(w.historyEntryJSON)
	h.Duration = time.Duration(w.DurationMs) * time.Millisecond

	return nil
}

// Record denotes the complete persisted state, serialized as a single JSON document
type Record struct {
	Devices     []device.SavedDevice `json:"devices"`
	Blacklisted []string             `json:"blacklistedDevices"`
	Preferences Preferences          `json:"preferences"`
	History     []HistoryEntry       `json:"history,omitempty"`
}

// DefaultRecord returns the state equivalent to an absent record
func DefaultRecord() Record {
	return Record{
		Devices:     []device.SavedDevice{},
		Blacklisted: []string{},
		Preferences: Preferences{
			AutoConnect: true,
		},
	}
}

func (r *Record) find(address string) int {
	for i := range r.Devices {
		if r.Devices[i].Address == address {
			return i
		}
	}
	return -1
}

func (r *Record) blacklistIndex(address string) int {
	for i, addr := range r.Blacklisted {
		if addr == address {
			return i
		}
	}
	return -1
}

func (r *Record) clone() Record {
	c := Record{
		Devices:     make([]device.SavedDevice, len(r.Devices)),
		Blacklisted: make([]string, len(r.Blacklisted)),
		Preferences: r.Preferences,
		History:     make([]HistoryEntry, len(r.History)),
	}
	copy(c.Devices, r.Devices)
	copy(c.Blacklisted, r.Blacklisted)
	copy(c.History, r.History)

	return c
}
