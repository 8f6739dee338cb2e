// Package localstore owns the engine's data directory: the device id, the
// persisted local snapshot and the update journal.
package localstore

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"

	"readsync/changelog"
	"readsync/document"
)

// ============================================================================
// Local Store
//
// Layout of the data directory:
//   .lock              held for the life of the Store; one engine per dir
//   device.id          installation identity, created once
//   state.msgpack      last saved State, replaced by write-temp-then-rename
//   journal.log        framed updates applied since state.msgpack was saved
//   checkpoints.duckdb checkpoint database (owned by the checkpoint package)
//
// A mutation is appended to the journal before the caller sees it applied.
// Saving the state folds the journal in and truncates it. On startup the
// journal is replayed over the saved state; replay is safe because
// applying an update twice is a no-op.
// ============================================================================

const (
	lockFile       = ".lock"
	deviceFile     = "device.id"
	stateFile      = "state.msgpack"
	journalFile    = "journal.log"
	checkpointFile = "checkpoints.duckdb"
)

// ErrLocked means another engine already owns the data directory.
var ErrLocked = errors.New("data directory is in use by another engine")

// ErrCorrupt means the saved state exists but cannot be read.
var ErrCorrupt = errors.New("saved local state is unreadable")

// State is everything the engine persists between runs.
// LocalVersion counts local updates applied; PushedVersion is the
// LocalVersion included in the last successful push. The engine is dirty
// while LocalVersion > PushedVersion.
type State struct {
	DeviceID      string             `msgpack:"deviceId"`
	Document      *document.Document `msgpack:"document"`
	LocalVersion  uint64             `msgpack:"localVersion"`
	PushedVersion uint64             `msgpack:"pushedVersion"`
	Remote        *document.Snapshot `msgpack:"remote"`
	LastSyncedAt  time.Time          `msgpack:"lastSyncedAt"`
}

// Dirty reports whether local updates have not been pushed.
func (s *State) Dirty() bool {
	return s.LocalVersion > s.PushedVersion
}

// Store is an open data directory.
type Store struct {
	dir     string
	lock    *flock.Flock
	mu      sync.Mutex
	journal *os.File
}

// Open creates dir if needed and takes its lock.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, serr.Wrap(err, "failed to create data directory")
	}
	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, serr.Wrap(err, "failed to lock data directory")
	}
	if !locked {
		return nil, ErrLocked
	}
	return &Store{dir: dir, lock: lock}, nil
}

// Dir returns the data directory path.
func (s *Store) Dir() string {
	return s.dir
}

// CheckpointPath is where the checkpoint database lives.
func (s *Store) CheckpointPath() string {
	return filepath.Join(s.dir, checkpointFile)
}

// Close releases the journal and the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		s.journal.Close()
		s.journal = nil
	}
	return s.lock.Unlock()
}

// DeviceID returns the installation's device id, creating it on first use.
func (s *Store) DeviceID() (string, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, deviceFile))
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", serr.Wrap(err, "failed to read device id")
	}
	return s.RotateDeviceID()
}

// RotateDeviceID replaces the device id with a new random one.
func (s *Store) RotateDeviceID() (string, error) {
	id := uuid.New().String()
	if err := writeAtomic(filepath.Join(s.dir, deviceFile), []byte(id+"\n")); err != nil {
		return "", serr.Wrap(err, "failed to write device id")
	}
	logger.Info("Device identity created", "device_id", id)
	return id, nil
}

// Load reads the saved state. It returns nil, nil when nothing was saved
// yet and ErrCorrupt when the file cannot be decoded.
func (s *Store) Load() (*State, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to read local state")
	}
	var st State
	if err := msgpack.Unmarshal(raw, &st); err != nil {
		logger.LogErr(err, "local state is unreadable")
		return nil, ErrCorrupt
	}
	if st.Document == nil {
		return nil, ErrCorrupt
	}
	st.Document = st.Document.Clone()
	return &st, nil
}

// Save replaces the saved state atomically and truncates the journal,
// whose updates st now contains.
func (s *Store) Save(st *State) error {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(st); err != nil {
		return serr.Wrap(err, "failed to encode local state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(filepath.Join(s.dir, stateFile), buf.Bytes()); err != nil {
		return serr.Wrap(err, "failed to save local state")
	}
	return s.truncateJournalLocked()
}

// Append journals one update. The write is synced before returning.
func (s *Store) Append(u document.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.journalLocked()
	if err != nil {
		return err
	}
	if err := changelog.WriteRecord(f, u); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return serr.Wrap(err, "failed to sync journal")
	}
	return nil
}

// Replay returns the journaled updates. A torn tail left by a crash is
// cut off so later appends start on a clean record boundary.
func (s *Store) Replay() ([]document.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, journalFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to open journal")
	}
	updates, good, err := changelog.ReadRecords(f)
	size, _ := f.Seek(0, io.SeekEnd)
	f.Close()
	if err != nil {
		return nil, err
	}
	if good < size {
		logger.Info("Journal had a damaged tail, truncating", "good_bytes", good, "size", size)
		if err := os.Truncate(path, good); err != nil {
			return nil, serr.Wrap(err, "failed to truncate journal")
		}
	}
	return updates, nil
}

// Wipe deletes the saved state and journal. Checkpoints and the device id
// are left to the caller.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		s.journal.Close()
		s.journal = nil
	}
	for _, name := range []string{stateFile, journalFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return serr.Wrap(err, "failed to remove "+name)
		}
	}
	return nil
}

func (s *Store) journalLocked() (*os.File, error) {
	if s.journal != nil {
		return s.journal, nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, journalFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, serr.Wrap(err, "failed to open journal")
	}
	s.journal = f
	return f, nil
}

func (s *Store) truncateJournalLocked() error {
	if s.journal != nil {
		s.journal.Close()
		s.journal = nil
	}
	err := os.Truncate(filepath.Join(s.dir, journalFile), 0)
	if err != nil && !os.IsNotExist(err) {
		return serr.Wrap(err, "failed to truncate journal")
	}
	return nil
}

// writeAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
