package loader

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

// Ldr is the loader subsystem. The embedded managers each own one
// concern; everything they need from each other goes through Ldr.
type Ldr struct {
	k       kernel.Kernel
	logger  log.Logger
	tracked *trackedKernel
	heapManager
	mountManager
	moduleManager
	registryManager
	recoveryManager
	resetMu sync.Mutex
	resetFn func()
}

func New(k kernel.Kernel, cfg loader.Config) (*Ldr, error) {
	if cfg.HeapSize == 0 {
		cfg.HeapSize = loader.DefaultHeapSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	ldr := &Ldr{k: k, logger: cfg.Logger}
	ldr.tracked = &trackedKernel{ldr}
	if err := ldr.heapManager.ctor(k, cfg.HeapSize); err != nil {
		return nil, err
	}
	ldr.mountManager.ctor()
	ldr.moduleManager.ctor()
	ldr.registryManager.ctor()
	ldr.recoveryManager.ctor()
	level.Debug(ldr.logger).Log("msg", "loader up",
		"heap", ldr.heapManager.size, "base", ldr.heapManager.base)
	return ldr, nil
}

func (ldr *Ldr) Close() error {
	ctx := context.Background()
	var errs *multierror.Error
	ldr.recoveryManager.dtor()
	errs = multierror.Append(errs, ldr.unloadAll(ctx))
	errs = multierror.Append(errs, ldr.releaseRegistered(ctx, nil))
	ldr.registryManager.dtor()
	ldr.moduleManager.dtor()
	ldr.mountManager.dtor()
	errs = multierror.Append(errs, ldr.heapManager.dtor(ldr.k))
	return errs.ErrorOrNil()
}

func (ldr *Ldr) Kernel() kernel.Kernel {
	return ldr.tracked
}

func (ldr *Ldr) SetResetCallback(fn func()) {
	ldr.resetMu.Lock()
	ldr.resetFn = fn
	ldr.resetMu.Unlock()
}

// Reboot returns the subsystem to its boot state: the reset callback
// runs first, then every module is unloaded newest first, leftover
// handles are released and the heap starts over. Mounts survive.
func (ldr *Ldr) Reboot(ctx context.Context) error {
	ldr.resetMu.Lock()
	fn := ldr.resetFn
	ldr.resetMu.Unlock()
	if fn != nil {
		fn()
	}
	ldr.recoveryManager.dtor()
	var errs *multierror.Error
	errs = multierror.Append(errs, ldr.unloadAll(ctx))
	errs = multierror.Append(errs, ldr.releaseRegistered(ctx, nil))
	ldr.heapManager.reset()
	level.Info(ldr.logger).Log("msg", "reboot")
	return errs.ErrorOrNil()
}
