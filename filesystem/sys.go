package filesystem

import (
	"io/fs"

	"github.com/spf13/afero"
)

type sysFS struct {
	afs afero.Fs
}

// SysFS wraps an afero filesystem as a read-only transport.
func SysFS(afs afero.Fs) FS {
	return &sysFS{afs: afs}
}

// SysDirFS serves files below dir on the host filesystem.
func SysDirFS(dir string) FS {
	return &sysFS{afs: afero.NewBasePathFs(afero.NewOsFs(), dir)}
}

func (f *sysFS) Open(name string) (fs.File, error) {
	return f.OpenFile(name)
}

func (f *sysFS) OpenFile(name string) (File, error) {
	return f.afs.Open(name)
}

func (f *sysFS) Stat(name string) (fs.FileInfo, error) {
	return f.afs.Stat(name)
}
