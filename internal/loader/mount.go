package loader

import (
	"strings"
	"sync"

	"github.com/go-kit/log/level"

	"github.com/wnxd/microloader/filesystem"
	"github.com/wnxd/microloader/loader"
)

// mountManager maps device prefixes to filesystem backends. Device
// names are case-insensitive.
type mountManager struct {
	mu      sync.RWMutex
	devices map[string]filesystem.FS
}

func (mm *mountManager) ctor() {
	mm.devices = make(map[string]filesystem.FS)
}

func (mm *mountManager) dtor() {
	mm.mu.Lock()
	clear(mm.devices)
	mm.mu.Unlock()
}

func (ldr *Ldr) Mount(device string, fsys filesystem.FS) error {
	if device == "" || fsys == nil {
		return loader.ErrArgumentInvalid
	}
	device = strings.ToLower(device)
	mm := &ldr.mountManager
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.devices[device]; ok {
		return loader.ErrDeviceExists
	}
	mm.devices[device] = fsys
	level.Debug(ldr.logger).Log("msg", "mount", "device", device)
	return nil
}

func (ldr *Ldr) Unmount(device string) error {
	device = strings.ToLower(device)
	mm := &ldr.mountManager
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.devices[device]; !ok {
		return loader.ErrDeviceNotFound
	}
	delete(mm.devices, device)
	level.Debug(ldr.logger).Log("msg", "unmount", "device", device)
	return nil
}

// Resolve splits path into its backing filesystem and the path within
// it. Backslash separators are accepted and normalized.
func (ldr *Ldr) Resolve(path string) (filesystem.FS, string, error) {
	device, rest := filesystem.SplitDevice(path)
	if device == "" {
		return nil, "", loader.ErrDeviceNotFound
	}
	mm := &ldr.mountManager
	mm.mu.RLock()
	fsys, ok := mm.devices[strings.ToLower(device)]
	mm.mu.RUnlock()
	if !ok {
		return nil, "", loader.ErrDeviceNotFound
	}
	rest = strings.TrimPrefix(strings.ReplaceAll(rest, "\\", "/"), "/")
	return fsys, rest, nil
}
