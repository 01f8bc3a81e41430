// Package microloader loads relocatable module images into kernel
// memory, starts them on kernel threads and tracks every handle they
// create, so modules can be unloaded cleanly or the whole subsystem
// rolled back to a recover point.
package microloader

import (
	impl "github.com/wnxd/microloader/internal/loader"
	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

// New builds the loader subsystem on k, reserving the module heap from
// the kernel's system memory up front.
func New(k kernel.Kernel, cfg loader.Config) (loader.Loader, error) {
	ldr, err := impl.New(k, cfg)
	if err != nil {
		return nil, err
	}
	return ldr, nil
}
