package registrar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Phase is the lifecycle phase of the client registration.
type Phase string

// Registration phases.
const (
	PhaseUnregistered    Phase = "unregistered"
	PhaseRegistering     Phase = "registering"
	PhaseRegistered      Phase = "registered"
	PhaseUnregistering   Phase = "unregistering"
	PhaseRefreshingToken Phase = "refreshing_token"
)

// State is the locally persisted registration state.
//
// ServerRegistrationID is non-empty exactly when the server acknowledged a
// registration; it is cleared atomically with BoundAccount on unregistration.
type State struct {
	// LocalDeviceToken is the platform push token most recently observed.
	LocalDeviceToken string `json:"localDeviceToken,omitempty"`

	// ServerRegistrationID is the token the server last acknowledged.
	ServerRegistrationID string `json:"serverRegistrationId,omitempty"`

	// BoundAccount is the account the registration belongs to.
	BoundAccount string `json:"boundAccount,omitempty"`
}

// Registered reports whether the server acknowledged a registration.
func (s State) Registered() bool {
	return s.ServerRegistrationID != ""
}

// StateStore persists registration state across process restarts.
type StateStore interface {
	Load() (State, error)
	Save(state State) error
}

// MemoryStateStore keeps state in memory, for tests and throwaway clients.
type MemoryStateStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

// Load returns the stored state.
func (m *MemoryStateStore) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// Save stores the state.
func (m *MemoryStateStore) Save(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

// FileStateStore persists state as a small JSON file, the desktop analog of
// a mobile preferences store.
type FileStateStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStateStore creates a store backed by the given file path. The file
// is created on first Save.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Load reads the state file. A missing file is an empty state, not an error.
func (f *FileStateStore) Load() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("reading state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing state file: %w", err)
	}
	return state, nil
}

// Save writes the state file atomically via a temp file rename.
func (f *FileStateStore) Save(state State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing state file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// Interface checks.
var (
	_ StateStore = (*MemoryStateStore)(nil)
	_ StateStore = (*FileStateStore)(nil)
)
