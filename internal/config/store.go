package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// Store owns the settings record and persists it after every change.
// It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	path string
	s    Settings
}

// Load reads the settings at path. A missing file is created with Defaults.
// Empty credential paths default to files next to the settings file.
func Load(path string) (*Store, error) {
	st := &Store{path: path}

	s, err := read(path)
	if errors.Is(err, ErrLoadConfig) {
		if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
			return nil, err
		}
		s = Defaults()
	} else if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if s.CredentialsFile == "" {
		s.CredentialsFile = filepath.Join(dir, "credentials.json")
	}
	if s.TokenDir == "" {
		s.TokenDir = filepath.Join(dir, "tokens")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := write(path, s); err != nil {
		return nil, err
	}
	st.s = s
	return st, nil
}

// Path returns the settings file location.
func (st *Store) Path() string { return st.path }

// Settings returns a copy of the current record.
func (st *Store) Settings() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.clone()
}

// Update applies fn to a copy of the record, validates and persists it.
// On any error the previous record is kept.
func (st *Store) Update(fn func(*Settings) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.s.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := write(st.path, next); err != nil {
		return err
	}
	st.s = next
	return nil
}

// SetAuthenticated records whether an authorization code was exchanged.
func (st *Store) SetAuthenticated(ok bool) error {
	return st.Update(func(s *Settings) error {
		s.Authenticated = ok
		return nil
	})
}

// SetInterval changes the recurring backup interval.
func (st *Store) SetInterval(d time.Duration) error {
	if d < MinBackupInterval {
		return fmt.Errorf("%w: interval %s is below %s", ErrValidateConfig, d, MinBackupInterval)
	}
	return st.Update(func(s *Settings) error {
		s.BackupInterval = d.Milliseconds()
		return nil
	})
}

// AddWorld appends name to the backup list. Adding a listed world is a no-op.
func (st *Store) AddWorld(name string) (added bool, err error) {
	err = st.Update(func(s *Settings) error {
		if slices.Contains(s.WorldsToBackup, name) {
			return nil
		}
		s.WorldsToBackup = append(s.WorldsToBackup, name)
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// RemoveWorld drops name from the backup list.
func (st *Store) RemoveWorld(name string) (removed bool, err error) {
	err = st.Update(func(s *Settings) error {
		i := slices.Index(s.WorldsToBackup, name)
		if i < 0 {
			return nil
		}
		s.WorldsToBackup = slices.Delete(s.WorldsToBackup, i, i+1)
		removed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// ToggleMods flips BackupMods and returns the new value.
func (st *Store) ToggleMods() (enabled bool, err error) {
	err = st.Update(func(s *Settings) error {
		s.BackupMods = !s.BackupMods
		enabled = s.BackupMods
		return nil
	})
	return enabled, err
}

// SetLastBackupTime records the completion time of a successful run.
func (st *Store) SetLastBackupTime(t time.Time) error {
	return st.Update(func(s *Settings) error {
		s.LastBackupTime = t.Local().Format(LastBackupLayout)
		return nil
	})
}
