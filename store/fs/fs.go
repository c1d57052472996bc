package fs

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/knadh/qrshare/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const tmpPrefix = ".upload-"

// Config represents the file store config structure.
type Config struct {
	Path string `koanf:"path"`
}

// File represents the directory backed implementation of the Store interface.
// Every blob is a regular file directly under cfg.Path.
type File struct {
	cfg *Config
	mu  sync.RWMutex
	log zerolog.Logger
}

// New returns a new file store, creating the upload directory if needed.
func New(cfg Config, log zerolog.Logger) (*File, error) {
	if cfg.Path == "" {
		cfg.Path = "uploads"
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, errors.Wrapf(err, "error creating upload directory %q", cfg.Path)
	}
	return &File{
		cfg: &cfg,
		log: log.With().Str("store", "fs").Logger(),
	}, nil
}

// Put writes data to a temporary file and renames it in place so that
// readers never see a partial blob.
func (m *File) Put(name string, data []byte) error {
	if err := store.ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tmp, err := ioutil.TempFile(m.cfg.Path, tmpPrefix)
	if err != nil {
		return errors.Wrap(err, "error creating temporary file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "error writing %q", name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "error closing %q", name)
	}
	if err := os.Rename(tmp.Name(), m.path(name)); err != nil {
		return errors.Wrapf(err, "error moving %q into place", name)
	}
	m.log.Debug().Str("name", name).Int("bytes", len(data)).Msg("stored file")
	return nil
}

// Get reads a blob.
func (m *File) Get(name string) ([]byte, error) {
	if err := store.ValidateName(name); err != nil {
		return nil, errors.Wrapf(store.ErrNotFound, "%q", name)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := ioutil.ReadFile(m.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(store.ErrNotFound, "%q", name)
		}
		return nil, errors.Wrapf(err, "error reading %q", name)
	}
	return b, nil
}

// List returns the sorted names of the files in the upload directory.
func (m *File) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, err := ioutil.ReadDir(m.cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "error listing upload directory")
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Mode().IsRegular() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a blob. It reports whether the blob existed.
func (m *File) Delete(name string) (bool, error) {
	if err := store.ValidateName(name); err != nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path(name)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "error deleting %q", name)
	}
	m.log.Debug().Str("name", name).Msg("deleted file")
	return true, nil
}

func (m *File) path(name string) string {
	return filepath.Join(m.cfg.Path, name)
}
