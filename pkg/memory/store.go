package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/logging"
)

// Store denotes the device memory: saved devices, blacklist and preferences. All
// mutations are serialized read-modify-write cycles on the backend
type Store struct {
	backend Backend
	record  Record

	logger logging.Logger

	sync.Mutex
}

// Open instantiates a new store on top of the given backend, executing functional
// options, if any. A corrupt record is replaced by the defaults
func Open(backend Backend, options ...func(*Store)) (*Store, error) {
	s := &Store{
		backend: backend,
		logger:  &logging.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(s)
	}

	data, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load device memory: %w", err)
	}
	if s.record, err = decode(data); err != nil {
		s.logger.Warnf("discarding device memory: %s", err)
	}

	return s, nil
}

// WithLogger sets a logger
func WithLogger(logger logging.Logger) func(*Store) {
	return func(s *Store) {
		s.logger = logger
	}
}

// SavedDevices returns all saved devices, most recently connected first
func (s *Store) SavedDevices() []device.SavedDevice {
	s.Lock()
	defer s.Unlock()

	res := make([]device.SavedDevice, len(s.record.Devices))
	copy(res, s.record.Devices)
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].LastConnectedAt.After(res[j].LastConnectedAt)
	})

	return res
}

// Saved returns the saved device for the address, if any
func (s *Store) Saved(address string) (device.SavedDevice, bool) {
	s.Lock()
	defer s.Unlock()

	if i := s.record.find(device.NormalizeAddress(address)); i >= 0 {
		return s.record.Devices[i], true
	}
	return device.SavedDevice{}, false
}

// LastConnected returns the saved device with the most recent connection, if any
func (s *Store) LastConnected() (device.SavedDevice, bool) {
	s.Lock()
	defer s.Unlock()

	var (
		last  device.SavedDevice
		found bool
	)
	for _, d := range s.record.Devices {
		if !found || d.LastConnectedAt.After(last.LastConnectedAt) {
			last, found = d, true
		}
	}

	return last, found
}

// RecordConnection upserts the saved device for a successful connection: the connection
// count is incremented, the timestamp updated and auto-reconnect enabled
func (s *Store) RecordConnection(address, name string, at time.Time) (device.SavedDevice, error) {
	address = device.NormalizeAddress(address)

	var saved device.SavedDevice
	err := s.update(func(r *Record) error {
		i := r.find(address)
		if i < 0 {
			r.Devices = append(r.Devices, device.SavedDevice{Address: address})
			i = len(r.Devices) - 1
		}
		if name != "" {
			r.Devices[i].Name = name
		}
		r.Devices[i].LastConnectedAt = at
		r.Devices[i].AutoReconnect = true
		r.Devices[i].ConnectionCount++
		saved = r.Devices[i]

		return nil
	})

	return saved, err
}

// SetAutoReconnect enables / disables automatic reconnection for a saved device
func (s *Store) SetAutoReconnect(address string, enabled bool) error {
	address = device.NormalizeAddress(address)
	return s.update(func(r *Record) error {
		i := r.find(address)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		r.Devices[i].AutoReconnect = enabled
		return nil
	})
}

// Remove forgets a saved device
func (s *Store) Remove(address string) error {
	address = device.NormalizeAddress(address)
	return s.update(func(r *Record) error {
		i := r.find(address)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		r.Devices = append(r.Devices[:i], r.Devices[i+1:]...)
		if r.Preferences.PreferredDevice == address {
			r.Preferences.PreferredDevice = ""
		}
		return nil
	})
}

// Clear resets the complete device memory to its defaults
func (s *Store) Clear() error {
	return s.update(func(r *Record) error {
		*r = DefaultRecord()
		return nil
	})
}

// Blacklist adds the address to the blacklist (no-op if already present)
func (s *Store) Blacklist(address string) error {
	address = device.NormalizeAddress(address)
	return s.update(func(r *Record) error {
		if r.blacklistIndex(address) < 0 {
			r.Blacklisted = append(r.Blacklisted, address)
		}
		return nil
	})
}

// Unblacklist removes the address from the blacklist (no-op if absent)
func (s *Store) Unblacklist(address string) error {
	address = device.NormalizeAddress(address)
	if !s.IsBlacklisted(address) {
		return nil
	}

	return s.update(func(r *Record) error {
		if i := r.blacklistIndex(address); i >= 0 {
			r.Blacklisted = append(r.Blacklisted[:i], r.Blacklisted[i+1:]...)
		}
		return nil
	})
}

// IsBlacklisted returns if the address is blacklisted
func (s *Store) IsBlacklisted(address string) bool {
	s.Lock()
	defer s.Unlock()

	return s.record.blacklistIndex(device.NormalizeAddress(address)) >= 0
}

// Blacklisted returns all blacklisted addresses
func (s *Store) Blacklisted() []string {
	s.Lock()
	defer s.Unlock()

	res := make([]string, len(s.record.Blacklisted))
	copy(res, s.record.Blacklisted)

	return res
}

// Preferences returns the current preferences
func (s *Store) Preferences() Preferences {
	s.Lock()
	defer s.Unlock()

	return s.record.Preferences
}

// SetAutoConnect enables / disables auto-connect
func (s *Store) SetAutoConnect(enabled bool) error {
	return s.update(func(r *Record) error {
		r.Preferences.AutoConnect = enabled
		return nil
	})
}

// SetPreferredDevice sets the preferred device address (empty to unset)
func (s *Store) SetPreferredDevice(address string) error {
	address = device.NormalizeAddress(address)
	return s.update(func(r *Record) error {
		r.Preferences.PreferredDevice = address
		return nil
	})
}

// History returns the connection history, newest first
func (s *Store) History() []HistoryEntry {
	s.Lock()
	defer s.Unlock()

	res := make([]HistoryEntry, len(s.record.History))
	copy(res, s.record.History)

	return res
}

// AppendHistory prepends an entry to the connection history, retaining at most MaxHistory
// entries
func (s *Store) AppendHistory(entry HistoryEntry) error {
	entry.Address = device.NormalizeAddress(entry.Address)
	return s.update(func(r *Record) error {
		r.History = append([]HistoryEntry{entry}, r.History...)
		if len(r.History) > MaxHistory {
			r.History = r.History[:MaxHistory]
		}
		return nil
	})
}

////////////////////////////////////////////////////////////////////////////////

func (s *Store) update(fn func(r *Record) error) error {
	s.Lock()
	defer s.Unlock()

	rec := s.record.clone()
	if err := fn(&rec); err != nil {
		return err
	}

	data, err := encode(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize device memory: %w", err)
	}
	if err := s.backend.Save(data); err != nil {
		return fmt.Errorf("failed to persist device memory: %w", err)
	}
	s.record = rec

	return nil
}
