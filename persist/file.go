package persist

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// FileFactory roots every Backend at a local directory, matching the
// teacher's storage/persistence-files.go FileFactory.
type FileFactory struct {
	Basepath string
}

func (f *FileFactory) Open(path string) (Backend, error) {
	dir := filepath.Join(f.Basepath, path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	return &FileBackend{dir: dir}, nil
}

// FileBackend is the default on-disk Backend. Every region is a plain file
// under dir; os.File already implements ReadAt/WriteAt/Sync/Close, so
// fileHandle only adds Size via Stat.
type FileBackend struct {
	dir string
}

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.dir, name)
}

func (b *FileBackend) ReadParameter(name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	return data, nil
}

func (b *FileBackend) WriteParameter(name string, data []byte) error {
	target := b.path(name)
	if stat, err := os.Stat(target); err == nil && stat.Size() > 0 {
		// rescue a copy in case the write is interrupted, matching
		// storage/database.go's schema.json.old behavior
		os.Rename(target, target+".old")
	}
	if err := os.WriteFile(target, data, 0640); err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}
	return nil
}

func (b *FileBackend) OpenFile(name string) (Handle, error) {
	f, err := os.OpenFile(b.path(name), os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", name)
	}
	return &fileHandle{f}, nil
}

func (b *FileBackend) ListFiles(prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing %s", b.dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *FileBackend) RemoveFile(name string) error {
	if err := os.Remove(b.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", name)
	}
	return nil
}

func (b *FileBackend) Remove() error {
	return errors.Wrap(os.RemoveAll(b.dir), "removing backend directory")
}

type fileHandle struct {
	f *os.File
}

func (h *fileHandle) ReadAt(p []byte, off int64) (int, error)  { return h.f.ReadAt(p, off) }
func (h *fileHandle) WriteAt(p []byte, off int64) (int, error) { return h.f.WriteAt(p, off) }
func (h *fileHandle) Close() error                             { return h.f.Close() }
func (h *fileHandle) Truncate(size int64) error                { return h.f.Truncate(size) }
func (h *fileHandle) Sync() error                               { return h.f.Sync() }

func (h *fileHandle) Size() (int64, error) {
	stat, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
