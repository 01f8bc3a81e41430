package loader

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

// registryManager holds the subsystem's fixed handle tables, one per
// resource class.
type registryManager struct {
	threads  *loader.Registry[kernel.ThreadID]
	semas    *loader.Registry[kernel.SemaID]
	handlers *loader.Registry[kernel.HandlerID]
	blocks   *loader.Registry[kernel.BlockID]
}

func (rm *registryManager) ctor() {
	rm.threads = loader.NewRegistry[kernel.ThreadID]()
	rm.semas = loader.NewRegistry[kernel.SemaID]()
	rm.handlers = loader.NewRegistry[kernel.HandlerID]()
	rm.blocks = loader.NewRegistry[kernel.BlockID]()
}

func (rm *registryManager) dtor() {
	rm.threads = nil
	rm.semas = nil
	rm.handlers = nil
	rm.blocks = nil
}

func (ldr *Ldr) Threads() *loader.Registry[kernel.ThreadID] {
	return ldr.registryManager.threads
}

func (ldr *Ldr) Semas() *loader.Registry[kernel.SemaID] {
	return ldr.registryManager.semas
}

func (ldr *Ldr) Handlers() *loader.Registry[kernel.HandlerID] {
	return ldr.registryManager.handlers
}

func (ldr *Ldr) Blocks() *loader.Registry[kernel.BlockID] {
	return ldr.registryManager.blocks
}

// ChangeThreadPriorityExcept moves every registered thread except the
// caller's own to priority. Failures are collected, not fatal, so one
// dead thread cannot stop the sweep.
func (ldr *Ldr) ChangeThreadPriorityExcept(ctx context.Context, priority int) error {
	self := kernel.CurrentThread(ctx)
	var errs *multierror.Error
	ldr.registryManager.threads.ForEachExcept(self, func(id kernel.ThreadID) bool {
		if err := ldr.k.ChangeThreadPriority(id, priority); err != nil {
			errs = multierror.Append(errs, &loader.OsError{Op: "change priority", Err: err})
		}
		return true
	})
	return errs.ErrorOrNil()
}
