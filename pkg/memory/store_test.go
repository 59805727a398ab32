package memory

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

func newTestStore(t *testing.T) (*Store, *MemoryBackend) {
	backend := &MemoryBackend{}
	s, err := Open(backend, WithLogger(zaptest.NewLogger(t).Sugar()))
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}
	return s, backend
}

func TestDefaults(t *testing.T) {
	s, _ := newTestStore(t)

	if len(s.SavedDevices()) != 0 || len(s.Blacklisted()) != 0 {
		t.Fatalf("unexpected non-empty default store")
	}
	if !s.Preferences().AutoConnect {
		t.Fatalf("auto-connect not enabled by default")
	}
	if _, found := s.LastConnected(); found {
		t.Fatalf("unexpected last connected device on empty store")
	}
}

func TestRecordConnectionUpsert(t *testing.T) {
	s, _ := newTestStore(t)

	t0 := time.Now()
	if _, err := s.RecordConnection(testAddr, "OBDII", t0); err != nil {
		t.Fatalf("failed to record connection: %s", err)
	}
	saved, err := s.RecordConnection("aa:bb:cc:dd:ee:ff", "", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("failed to record connection: %s", err)
	}

	devs := s.SavedDevices()
	if len(devs) != 1 {
		t.Fatalf("unexpected number of saved devices, want 1, have %d", len(devs))
	}
	if saved.ConnectionCount != 2 || devs[0].ConnectionCount != 2 {
		t.Fatalf("unexpected connection count, want 2, have %d", devs[0].ConnectionCount)
	}
	if !devs[0].LastConnectedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("last connection timestamp not updated")
	}
	if devs[0].Name != "OBDII" || !devs[0].AutoReconnect {
		t.Fatalf("unexpected saved device: %+v", devs[0])
	}
}

func TestConcurrentUpserts(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RecordConnection(testAddr, "OBDII", time.Now()); err != nil {
				t.Errorf("failed to record connection: %s", err)
			}
		}()
	}
	wg.Wait()

	if saved, _ := s.Saved(testAddr); saved.ConnectionCount != 50 {
		t.Fatalf("lost updates, want connection count 50, have %d", saved.ConnectionCount)
	}
}

func TestLastConnected(t *testing.T) {
	s, _ := newTestStore(t)

	t0 := time.Now()
	for i, addr := range []string{"00:00:00:00:00:01", "00:00:00:00:00:02", "00:00:00:00:00:03"} {
		if _, err := s.RecordConnection(addr, "", t0.Add(time.Duration(i%2)*time.Hour)); err != nil {
			t.Fatalf("failed to record connection: %s", err)
		}
	}

	last, found := s.LastConnected()
	if !found || last.Address != "00:00:00:00:00:02" {
		t.Fatalf("unexpected last connected device: %+v", last)
	}
	if devs := s.SavedDevices(); devs[0].Address != "00:00:00:00:00:02" {
		t.Fatalf("saved devices not ordered by last connection: %+v", devs)
	}
}

func TestBlacklist(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 2; i++ {
		if err := s.Blacklist(testAddr); err != nil {
			t.Fatalf("failed to blacklist: %s", err)
		}
	}
	if bl := s.Blacklisted(); len(bl) != 1 || bl[0] != testAddr {
		t.Fatalf("unexpected blacklist: %v", bl)
	}
	if !s.IsBlacklisted("aa:bb:cc:dd:ee:ff") {
		t.Fatalf("blacklist lookup not case-insensitive")
	}

	if err := s.Unblacklist(testAddr); err != nil {
		t.Fatalf("failed to remove from blacklist: %s", err)
	}
	if s.IsBlacklisted(testAddr) {
		t.Fatalf("address still blacklisted")
	}
}

func TestPreferencesAndRemoval(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.RecordConnection(testAddr, "OBDII", time.Now()); err != nil {
		t.Fatalf("failed to record connection: %s", err)
	}
	if err := s.SetPreferredDevice(testAddr); err != nil {
		t.Fatalf("failed to set preferred device: %s", err)
	}
	if err := s.SetAutoConnect(false); err != nil {
		t.Fatalf("failed to disable auto-connect: %s", err)
	}
	if err := s.SetAutoReconnect(testAddr, false); err != nil {
		t.Fatalf("failed to disable auto-reconnect: %s", err)
	}

	prefs := s.Preferences()
	if prefs.AutoConnect || prefs.PreferredDevice != testAddr {
		t.Fatalf("unexpected preferences: %+v", prefs)
	}
	if saved, _ := s.Saved(testAddr); saved.AutoReconnect {
		t.Fatalf("auto-reconnect still enabled")
	}

	if err := s.Remove(testAddr); err != nil {
		t.Fatalf("failed to remove saved device: %s", err)
	}
	if err := s.Remove(testAddr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected error removing unknown device: %v", err)
	}
	if s.Preferences().PreferredDevice != "" {
		t.Fatalf("preferred device not reset after removal")
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("failed to clear store: %s", err)
	}
	if !s.Preferences().AutoConnect {
		t.Fatalf("preferences not reset by clear")
	}
}

func TestHistoryCap(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < MaxHistory+10; i++ {
		if err := s.AppendHistory(HistoryEntry{Address: testAddr, Reason: string(rune('a' + i%26))}); err != nil {
			t.Fatalf("failed to append history: %s", err)
		}
	}

	h := s.History()
	if len(h) != MaxHistory {
		t.Fatalf("unexpected history length, want %d, have %d", MaxHistory, len(h))
	}
	if h[0].Reason != string(rune('a'+(MaxHistory+9)%26)) {
		t.Fatalf("history not ordered newest first")
	}
}

func TestPersistedLayout(t *testing.T) {
	s, backend := newTestStore(t)

	if _, err := s.RecordConnection(testAddr, "OBDII", time.Now()); err != nil {
		t.Fatalf("failed to record connection: %s", err)
	}
	if err := s.Blacklist("11:22:33:44:55:66"); err != nil {
		t.Fatalf("failed to blacklist: %s", err)
	}

	data, err := backend.Load()
	if err != nil {
		t.Fatalf("failed to load raw record: %s", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("persisted record is not a JSON object: %s", err)
	}
	for _, key := range []string{"devices", "blacklistedDevices", "preferences"} {
		if _, exists := raw[key]; !exists {
			t.Fatalf("persisted record lacks key `%s`", key)
		}
	}

	// Reopen on the same backend
	reopened, err := Open(backend)
	if err != nil {
		t.Fatalf("failed to reopen store: %s", err)
	}
	if saved, found := reopened.Saved(testAddr); !found || saved.ConnectionCount != 1 {
		t.Fatalf("saved device not restored: %+v", saved)
	}
	if !reopened.IsBlacklisted("11:22:33:44:55:66") {
		t.Fatalf("blacklist not restored")
	}
}

func TestPartialRecord(t *testing.T) {
	backend := &MemoryBackend{}
	if err := backend.Save([]byte(`{"devices":[{"address":"AA:BB:CC:DD:EE:FF","name":"OBDII"}]}`)); err != nil {
		t.Fatalf("failed to seed backend: %s", err)
	}
	s, err := Open(backend)
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}
	if !s.Preferences().AutoConnect {
		t.Fatalf("missing preferences not defaulted")
	}
	if len(s.SavedDevices()) != 1 {
		t.Fatalf("saved device not loaded")
	}

	if err := backend.Save([]byte(`{corrupt`)); err != nil {
		t.Fatalf("failed to seed backend: %s", err)
	}
	if s, err = Open(backend); err != nil {
		t.Fatalf("corrupt record unexpectedly fatal: %s", err)
	}
	if len(s.SavedDevices()) != 0 {
		t.Fatalf("corrupt record not replaced by defaults")
	}
}

func TestFileBackend(t *testing.T) {
	dir, err := os.MkdirTemp("", "btobd")
	if err != nil {
		t.Fatalf("failed to create temp dir: %s", err)
	}
	defer os.RemoveAll(dir)

	backend, err := NewFileBackend(dir, "")
	if err != nil {
		t.Fatalf("failed to create file backend: %s", err)
	}
	if data, err := backend.Load(); err != nil || data != nil {
		t.Fatalf("unexpected result loading absent record: %v / %v", data, err)
	}

	s, err := Open(backend)
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}
	if _, err := s.RecordConnection(testAddr, "OBDII", time.Now()); err != nil {
		t.Fatalf("failed to record connection: %s", err)
	}
	if _, err := os.Stat(backend.Path()); err != nil {
		t.Fatalf("record not written to disk: %s", err)
	}
}
