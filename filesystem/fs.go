// Package filesystem is the transport the loader reads module images
// through. Backends expose read-only, seekable files; which backend
// serves a path is decided by its device prefix ("host0:", "cdrom0:").
package filesystem

import (
	"io/fs"
	"strings"
)

type File interface {
	Close() error
	Stat() (fs.FileInfo, error)
	Read(b []byte) (n int, err error)
	Seek(offset int64, whence int) (int64, error)
}

type FS interface {
	fs.FS
	OpenFile(name string) (File, error)
	Stat(name string) (fs.FileInfo, error)
}

func Open(f FS, name string) (File, error) {
	return f.OpenFile(name)
}

// SplitDevice splits "host0:modules/a.bin" into "host0" and
// "modules/a.bin". A path without a device prefix returns an empty
// device. A path separator before the colon defeats the prefix, so
// relative paths with colons deeper in them stay intact.
func SplitDevice(path string) (device, rest string) {
	i := strings.IndexByte(path, ':')
	if i <= 0 || strings.ContainsAny(path[:i], "/\\") {
		return "", path
	}
	return path[:i], path[i+1:]
}
