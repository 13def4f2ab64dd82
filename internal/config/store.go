package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// StateFile is the name of the state file inside the data directory.
const StateFile = "state.yaml"

type state struct {
	// Ports maps a device UUID to its listening port.
	Ports map[string]int `yaml:"ports"`
}

// Store persists runtime state such as device ports.
type Store struct {
	mu    sync.RWMutex
	state state
	path  string
}

// NewStore creates a Store backed by dataDir/state.yaml.
// If the file does not exist or is invalid, an empty state is used.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		path:  filepath.Join(dataDir, StateFile),
		state: state{Ports: make(map[string]int)},
	}
	s.load()
	return s, nil
}

// NewMemoryStore creates a Store that is never written to disk.
func NewMemoryStore() *Store {
	return &Store{state: state{Ports: make(map[string]int)}}
}

// Port returns the port stored for id.
func (s *Store) Port(id string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Ports[id]
	return p, ok
}

// SetPort records port for id and persists the state.
func (s *Store) SetPort(id string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.state.Ports[id]; ok && p == port {
		return nil
	}
	s.state.Ports[id] = port
	return s.save()
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return // missing file means fresh state
	}
	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		slog.Warn("invalid state file, starting fresh", "path", s.path, "err", err)
		return
	}
	if st.Ports == nil {
		st.Ports = make(map[string]int)
	}
	s.state = st
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(&s.state)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
