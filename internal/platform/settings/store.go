// Package settings serves the validation settings as a versioned value and
// publishes a change whenever the effective settings hash moves.
package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/validation/internal/domain/validation"
)

// Store is the settings collaborator of the validation service.
type Store interface {
	Current() *validation.Settings
	Update(ctx context.Context, s *validation.Settings) (*validation.Settings, error)
	Changes() <-chan validation.SettingsChange
}

// Parse decodes YAML (or JSON) settings, normalizes and validates them.
// Unknown fields are rejected.
func Parse(data []byte) (*validation.Settings, error) {
	s := &validation.Settings{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile reads settings from path.
func LoadFile(path string) (*validation.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

// state holds the current settings and the change feed shared by the
// store implementations. The feed keeps only the newest undelivered change:
// consumers align with the latest hash, intermediate ones are irrelevant.
type state struct {
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	current *validation.Settings
	hash    string
	changes chan validation.SettingsChange
}

func newState(initial *validation.Settings, logger zerolog.Logger) *state {
	if initial == nil {
		initial = validation.DefaultSettings()
	}
	initial = initial.Clone()
	initial.Normalize()
	return &state{
		logger:  logger,
		now:     time.Now,
		current: initial,
		hash:    initial.Hash(),
		changes: make(chan validation.SettingsChange, 1),
	}
}

func (st *state) Current() *validation.Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current.Clone()
}

func (st *state) Changes() <-chan validation.SettingsChange {
	return st.changes
}

// apply installs s as the current settings, bumping the version and
// publishing a change. Settings with the current hash are a no-op.
func (st *state) apply(s *validation.Settings) *validation.Settings {
	s = s.Clone()
	s.Normalize()
	hash := s.Hash()

	st.mu.Lock()
	prev := st.hash
	if hash == prev {
		cur := st.current.Clone()
		st.mu.Unlock()
		return cur
	}
	s.Version = st.current.Version + 1
	s.UpdatedAt = st.now().UTC()
	st.current = s
	st.hash = hash
	st.publish(validation.SettingsChange{PreviousHash: prev, Hash: hash, Settings: s.Clone()})
	st.mu.Unlock()

	st.logger.Info().
		Int("version", s.Version).
		Str("hash", hash).
		Str("previous_hash", prev).
		Msg("validation settings changed")
	return s.Clone()
}

// publish replaces any undelivered change. Callers hold st.mu.
func (st *state) publish(ch validation.SettingsChange) {
	for {
		select {
		case st.changes <- ch:
			return
		default:
		}
		select {
		case <-st.changes:
		default:
		}
	}
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	*state
}

func NewMemoryStore(initial *validation.Settings, logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{state: newState(initial, logger.With().Str("component", "settings").Logger())}
}

func (m *MemoryStore) Update(_ context.Context, s *validation.Settings) (*validation.Settings, error) {
	s = s.Clone()
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return m.apply(s), nil
}
