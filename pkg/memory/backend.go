package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fako1024/btobd/pkg/device"
)

// Backend denotes a durable key / value storage for the (serialized) record
type Backend interface {

	// Load returns the raw record, or nil if none has been stored yet
	Load() ([]byte, error)

	// Save replaces the raw record
	Save(data []byte) error
}

// FileBackend stores the record as a JSON file named after the namespace
type FileBackend struct {
	path string
}

// NewFileBackend instantiates a new file based backend in the given directory (the
// user config directory if empty)
func NewFileBackend(dir, namespace string) (*FileBackend, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if dir == "" {
		dir = defaultDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory `%s`: %w", dir, err)
	}

	return &FileBackend{
		path: filepath.Join(dir, namespace+".json"),
	}, nil
}

// Path returns the path of the backing file
func (f *FileBackend) Path() string {
	return f.path
}

// Load returns the raw record, or nil if none has been stored yet
func (f *FileBackend) Load() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	return data, err
}

// Save atomically replaces the raw record
func (f *FileBackend) Save(data []byte) error {
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmp, f.path)
}

// MemoryBackend keeps the record in memory (e.g. for testing)
type MemoryBackend struct {
	data []byte

	sync.Mutex
}

// Load returns the raw record, or nil if none has been stored yet
func (m *MemoryBackend) Load() ([]byte, error) {
	m.Lock()
	defer m.Unlock()

	if m.data == nil {
		return nil, nil
	}
	res := make([]byte, len(m.data))
	copy(res, m.data)

	return res, nil
}

// Save replaces the raw record
func (m *MemoryBackend) Save(data []byte) error {
	m.Lock()
	defer m.Unlock()

	m.data = make([]byte, len(data))
	copy(m.data, data)

	return nil
}

func defaultDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "btobd")
}

func decode(data []byte) (Record, error) {
	rec := DefaultRecord()
	if len(data) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return DefaultRecord(), fmt.Errorf("failed to parse device memory: %w", err)
	}
	if rec.Devices == nil {
		rec.Devices = []device.SavedDevice{}
	}
	if rec.Blacklisted == nil {
		rec.Blacklisted = []string{}
	}

	return rec, nil
}

func encode(rec Record) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}
