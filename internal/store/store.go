// Package store persists configuration entries in a YAML file.
package store

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaberg/hass-weight/internal/domain"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrEntryNotFound is returned for operations on an unknown entry id.
var ErrEntryNotFound = errors.New("config entry not found")

// ErrPersonConflict is returned when a person's entity id is already used by
// another entry.
var ErrPersonConflict = errors.New("person already configured")

type fileFormat struct {
	Version int            `yaml:"version"`
	Entries []domain.Entry `yaml:"entries"`
}

const fileVersion = 1

// EntryStore keeps entries in memory and writes the whole file on every
// change.
type EntryStore struct {
	mu      sync.Mutex
	path    string
	entries []domain.Entry
	now     func() time.Time
	logger  *logrus.Logger
}

// Open loads path, or starts empty if the file does not exist yet.
func Open(path string, logger *logrus.Logger) (*EntryStore, error) {
	s := &EntryStore{path: path, now: time.Now, logger: logger}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.WithField("path", path).Debug("No entry file yet, starting empty")
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read entries %s: %w", path, err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse entries %s: %w", path, err)
	}
	if f.Version > fileVersion {
		return nil, fmt.Errorf("entries %s: unsupported file version %d", path, f.Version)
	}
	s.entries = f.Entries
	logger.WithFields(logrus.Fields{"path": path, "entries": len(s.entries)}).Debug("Loaded config entries")
	return s, nil
}

// CreateEntry validates data and appends a new entry.
func (s *EntryStore) CreateEntry(title string, data domain.EntryData) (domain.Entry, error) {
	if err := data.Validate(); err != nil {
		return domain.Entry{}, fmt.Errorf("invalid entry data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := CheckConflicts(s.entries, data); err != nil {
		return domain.Entry{}, err
	}

	e := domain.Entry{
		EntryID:   uuid.NewString(),
		Domain:    domain.Domain,
		Title:     title,
		Version:   domain.EntryVersion,
		Data:      data,
		CreatedAt: s.now().UTC(),
	}
	next := append(append([]domain.Entry(nil), s.entries...), e)
	if err := s.save(next); err != nil {
		return domain.Entry{}, err
	}
	s.entries = next

	s.logger.WithFields(logrus.Fields{
		"entry_id": e.EntryID,
		"persons":  len(data.Persons),
	}).Info("Config entry created")
	return e, nil
}

// UpdateOptions replaces the options of an entry with opts as given.
func (s *EntryStore) UpdateOptions(entryID string, opts map[string]any) (domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(entryID)
	if idx < 0 {
		return domain.Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	next := append([]domain.Entry(nil), s.entries...)
	next[idx].Options = maps.Clone(opts)
	if err := s.save(next); err != nil {
		return domain.Entry{}, err
	}
	s.entries = next
	return next[idx], nil
}

// RemoveEntry deletes an entry.
func (s *EntryStore) RemoveEntry(entryID string) (domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(entryID)
	if idx < 0 {
		return domain.Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	removed := s.entries[idx]
	next := append(append([]domain.Entry(nil), s.entries[:idx]...), s.entries[idx+1:]...)
	if err := s.save(next); err != nil {
		return domain.Entry{}, err
	}
	s.entries = next
	return removed, nil
}

// Entry returns the entry with the given id.
func (s *EntryStore) Entry(entryID string) (domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(entryID)
	if idx < 0 {
		return domain.Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	return s.entries[idx], nil
}

// Entries returns all entries in creation order.
func (s *EntryStore) Entries() []domain.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Entry(nil), s.entries...)
}

// CheckConflicts reports ErrPersonConflict when a person of data maps to an
// entity id already owned by one of entries.
func CheckConflicts(entries []domain.Entry, data domain.EntryData) error {
	owners := make(map[string]string)
	for _, e := range entries {
		for _, p := range e.Data.Persons {
			owners[p.ObjectID()] = e.EntryID
		}
	}
	for _, p := range data.Persons {
		if owner, ok := owners[p.ObjectID()]; ok {
			return fmt.Errorf("%w: %s (%s) belongs to entry %s", ErrPersonConflict, p.Name, domain.EntityID(p.Name), owner)
		}
	}
	return nil
}

func (s *EntryStore) indexOf(entryID string) int {
	for i, e := range s.entries {
		if e.EntryID == entryID {
			return i
		}
	}
	return -1
}

// save writes entries to a temp file and renames it over the target.
func (s *EntryStore) save(entries []domain.Entry) error {
	raw, err := yaml.Marshal(fileFormat{Version: fileVersion, Entries: entries})
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".entries-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write entries: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync entries: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close entries: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
