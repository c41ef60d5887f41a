// Package session persists the authenticated browser state (cookies plus
// per-origin storage) so later runs can skip the interactive login.
package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"lineprov/internal/logging"

	"go.uber.org/zap"
)

// Cookie is a browser cookie in a driver-neutral form.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Artifact is the persisted login state for one target site.
type Artifact struct {
	Cookies []Cookie `json:"cookies"`
	// Storage maps an origin to its localStorage entries.
	Storage map[string]map[string]string `json:"storage_state"`
	SavedAt time.Time                    `json:"saved_at"`
}

// Store reads and writes one artifact file.
type Store struct {
	path string
	log  *zap.Logger
}

// NewStore creates a store backed by path. A nil logger uses the session category.
func NewStore(path string, log *zap.Logger) *Store {
	return &Store{path: path, log: logging.Or(log, logging.CategorySession)}
}

// Path returns the artifact file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes the artifact atomically. Failures are logged and reported as false.
func (s *Store) Save(a Artifact) bool {
	if a.SavedAt.IsZero() {
		a.SavedAt = time.Now()
	}
	if a.Storage == nil {
		a.Storage = map[string]map[string]string{}
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		s.log.Error("marshal session artifact", zap.Error(err))
		return false
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Error("create session directory", zap.String("path", s.path), zap.Error(err))
		return false
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.json")
	if err != nil {
		s.log.Error("create temp session file", zap.Error(err))
		return false
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		s.log.Error("write session artifact", zap.Error(err))
		return false
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		s.log.Error("close session artifact", zap.Error(err))
		return false
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		s.log.Error("replace session artifact", zap.String("path", s.path), zap.Error(err))
		return false
	}

	s.log.Info("session saved", zap.String("path", s.path), zap.Int("cookies", len(a.Cookies)))
	return true
}

// Load reads the artifact. A missing or unreadable file yields false.
func (s *Store) Load() (*Artifact, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("read session artifact", zap.String("path", s.path), zap.Error(err))
		}
		return nil, false
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		s.log.Warn("decode session artifact", zap.String("path", s.path), zap.Error(err))
		return nil, false
	}
	return &a, true
}

// Exists reports whether an artifact file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Clear deletes the artifact. Clearing an absent artifact succeeds.
func (s *Store) Clear() bool {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Error("remove session artifact", zap.String("path", s.path), zap.Error(err))
		return false
	}
	s.log.Info("session cleared", zap.String("path", s.path))
	return true
}
