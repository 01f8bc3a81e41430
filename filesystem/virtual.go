package filesystem

import (
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"
)

// VirtualFS serves images staged in memory by another subsystem, so a
// load can skip the transport read step entirely.
type VirtualFS interface {
	FS
	Stage(name string, data []byte) error
	Remove(name string) error
}

type virtualFS struct {
	mu    sync.RWMutex
	files map[string]*staged
}

type staged struct {
	name    string
	modTime time.Time
	data    []byte
}

type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

type file struct {
	fs  *staged
	off int
}

func NewVirtualFS() VirtualFS {
	return &virtualFS{files: make(map[string]*staged)}
}

func (v *virtualFS) Open(name string) (fs.File, error) {
	return v.OpenFile(name)
}

func (v *virtualFS) OpenFile(name string) (File, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	f, ok := v.files[clean(name)]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return &file{fs: f}, nil
}

func (v *virtualFS) Stat(name string) (fs.FileInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	f, ok := v.files[clean(name)]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return f.info(), nil
}

func (v *virtualFS) Stage(name string, data []byte) error {
	name = clean(name)
	if name == "" || name == "." {
		return fs.ErrInvalid
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.files[name]; ok {
		return fs.ErrExist
	}
	v.files[name] = &staged{name: path.Base(name), modTime: time.Now(), data: data}
	return nil
}

func (v *virtualFS) Remove(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	name = clean(name)
	if _, ok := v.files[name]; !ok {
		return fs.ErrNotExist
	}
	delete(v.files, name)
	return nil
}

func clean(name string) string {
	name = path.Clean(strings.ReplaceAll(name, "\\", "/"))
	return strings.TrimPrefix(name, "/")
}

func (f *staged) info() fs.FileInfo {
	return &fileInfo{name: f.name, size: int64(len(f.data)), modTime: f.modTime}
}

func (fi *fileInfo) Name() string {
	return fi.name
}

func (fi *fileInfo) Size() int64 {
	return fi.size
}

func (fi *fileInfo) Mode() fs.FileMode {
	return fi.mode
}

func (fi *fileInfo) ModTime() time.Time {
	return fi.modTime
}

func (fi *fileInfo) IsDir() bool {
	return fi.mode.IsDir()
}

func (fi *fileInfo) Sys() any {
	return nil
}

func (f *file) Close() error {
	return nil
}

func (f *file) Stat() (fs.FileInfo, error) {
	return f.fs.info(), nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	var off int
	switch whence {
	case io.SeekStart:
		off = int(offset)
	case io.SeekCurrent:
		off = f.off + int(offset)
	case io.SeekEnd:
		off = len(f.fs.data) + int(offset)
	default:
		return 0, fs.ErrInvalid
	}
	if off < 0 {
		return 0, fs.ErrInvalid
	}
	f.off = off
	return int64(off), nil
}

func (f *file) Read(b []byte) (int, error) {
	if f.off >= len(f.fs.data) {
		return 0, io.EOF
	}
	n := copy(b, f.fs.data[f.off:])
	f.off += n
	return n, nil
}
