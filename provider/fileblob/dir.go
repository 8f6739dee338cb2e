package fileblob

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// DefaultObject is the blob name used when credentials do not name one.
const DefaultObject = "readsync.snapshot"

// DirStore keeps the blob as a file in a directory that several devices
// share, such as a synced folder or a network mount. Writers serialize on
// a lock file next to the blob; the generation is the content digest.
type DirStore struct {
	dir  string
	name string
	lock *flock.Flock

	watchOnce sync.Once
	watcher   *fsnotify.Watcher
	changes   chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewDirStore returns a store for dir/name, creating dir if needed.
func NewDirStore(dir, name string) (*DirStore, error) {
	if dir == "" {
		return nil, serr.New("directory store needs a dir")
	}
	if name == "" {
		name = DefaultObject
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, serr.Wrap(err, "failed to create blob directory")
	}
	return &DirStore{
		dir:     dir,
		name:    name,
		lock:    flock.New(filepath.Join(dir, "."+name+".lock")),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

func (d *DirStore) path() string {
	return filepath.Join(d.dir, d.name)
}

func (d *DirStore) Get(ctx context.Context) ([]byte, string, error) {
	b, err := os.ReadFile(d.path())
	if os.IsNotExist(err) {
		return nil, "", ErrNotExist
	}
	if os.IsPermission(err) {
		return nil, "", ErrDenied
	}
	if err != nil {
		return nil, "", serr.Wrap(err, "failed to read blob")
	}
	return b, digest(b), nil
}

func (d *DirStore) Put(ctx context.Context, data []byte, ifGen string) (string, error) {
	locked, err := d.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return "", serr.Wrap(err, "failed to lock blob")
	}
	if !locked {
		return "", serr.New("blob lock not acquired")
	}
	defer d.lock.Unlock()

	_, current, err := d.Get(ctx)
	if err != nil && err != ErrNotExist {
		return "", err
	}
	if current != ifGen {
		return "", ErrPrecondition
	}

	tmp, err := os.CreateTemp(d.dir, "."+d.name+".*.tmp")
	if err != nil {
		if os.IsPermission(err) {
			return "", ErrDenied
		}
		return "", serr.Wrap(err, "failed to create temp blob")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", serr.Wrap(err, "failed to write blob")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", serr.Wrap(err, "failed to sync blob")
	}
	if err := tmp.Close(); err != nil {
		return "", serr.Wrap(err, "failed to close blob")
	}
	if err := os.Rename(tmpPath, d.path()); err != nil {
		return "", serr.Wrap(err, "failed to replace blob")
	}
	return digest(data), nil
}

func (d *DirStore) Delete(ctx context.Context) error {
	err := os.Remove(d.path())
	if err != nil && !os.IsNotExist(err) {
		return serr.Wrap(err, "failed to delete blob")
	}
	return nil
}

// Changes signals writes to the blob file by any process. The watcher
// starts on first call; if it cannot start, the channel never fires and
// the scheduler falls back to polling.
func (d *DirStore) Changes() <-chan struct{} {
	d.watchOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			logger.LogErr(err, "failed to create blob watcher")
			return
		}
		// Watch the directory; the blob file is replaced by rename.
		if err := w.Add(d.dir); err != nil {
			logger.LogErr(err, "failed to watch blob directory", "dir", d.dir)
			w.Close()
			return
		}
		d.watcher = w
		d.wg.Add(1)
		go d.watch()
	})
	return d.changes
}

func (d *DirStore) watch() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != d.name {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			select {
			case d.changes <- struct{}{}:
			default:
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			logger.LogErr(err, "blob watcher error")
		}
	}
}

func (d *DirStore) Close() error {
	select {
	case <-d.done:
		return nil
	default:
	}
	d.watchOnce.Do(func() {}) // no watcher may start after close
	close(d.done)
	if d.watcher != nil {
		d.watcher.Close()
		d.wg.Wait()
	}
	return nil
}
