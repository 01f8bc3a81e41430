package loader

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

// recoverPoint is a snapshot of every registry plus the module set at
// capture time. Teardown releases whatever is not in it.
type recoverPoint struct {
	resume   func()
	threads  []kernel.ThreadID
	semas    []kernel.SemaID
	handlers []kernel.HandlerID
	blocks   []kernel.BlockID
	modules  map[*module]struct{}
}

type recoveryManager struct {
	mu    sync.Mutex
	point *recoverPoint
}

func (rm *recoveryManager) ctor() {
}

func (rm *recoveryManager) dtor() {
	rm.mu.Lock()
	rm.point = nil
	rm.mu.Unlock()
}

func (ldr *Ldr) SetRecoverPoint(ctx context.Context, resume func()) error {
	if resume == nil {
		return loader.ErrArgumentInvalid
	}
	point := &recoverPoint{
		resume:   resume,
		threads:  ldr.registryManager.threads.Snapshot(),
		semas:    ldr.registryManager.semas.Snapshot(),
		handlers: ldr.registryManager.handlers.Snapshot(),
		blocks:   ldr.registryManager.blocks.Snapshot(),
		modules:  make(map[*module]struct{}),
	}
	for _, m := range ldr.moduleManager.list() {
		point.modules[m] = struct{}{}
	}
	rm := &ldr.recoveryManager
	rm.mu.Lock()
	rm.point = point
	rm.mu.Unlock()
	level.Debug(ldr.logger).Log("msg", "recover point set",
		"threads", len(point.threads), "modules", len(point.modules))
	return nil
}

func (ldr *Ldr) HasRecoverPoint() bool {
	rm := &ldr.recoveryManager
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.point != nil
}

// takePoint consumes the live recover point, so a jump resumes it at
// most once.
func (ldr *Ldr) takePoint() *recoverPoint {
	rm := &ldr.recoveryManager
	rm.mu.Lock()
	defer rm.mu.Unlock()
	point := rm.point
	rm.point = nil
	return point
}

// JumpRecover rolls the subsystem back to the captured snapshot and
// restarts execution there. The calling thread exits through the
// kernel and the continuation runs on a fresh thread exactly once.
func (ldr *Ldr) JumpRecover(ctx context.Context) {
	point := ldr.takePoint()
	if point == nil {
		level.Error(ldr.logger).Log("msg", "jump recover", "err", loader.ErrNoRecoverPoint)
		ldr.k.ExitThread(ctx)
		return
	}
	if err := ldr.releaseRegistered(ctx, point); err != nil {
		level.Warn(ldr.logger).Log("msg", "recover teardown", "err", err)
	}
	for _, m := range ldr.moduleManager.list() {
		if _, ok := point.modules[m]; ok {
			continue
		}
		ldr.moduleManager.remove(m)
		for _, addr := range takeOwned(&m.mu, &m.allocs) {
			ldr.heapManager.memRelease(addr)
		}
		ldr.heapManager.memRelease(m.base)
	}
	level.Info(ldr.logger).Log("msg", "recovered", "modules", ldr.moduleManager.count())
	ldr.resumeAt(ctx, point)
}

// JumpRecoverNoTeardown restarts execution at the recover point while
// leaving every handle alive. The point stays armed, since nothing it
// captured has changed.
func (ldr *Ldr) JumpRecoverNoTeardown(ctx context.Context) {
	rm := &ldr.recoveryManager
	rm.mu.Lock()
	point := rm.point
	rm.mu.Unlock()
	if point == nil {
		level.Error(ldr.logger).Log("msg", "jump recover", "err", loader.ErrNoRecoverPoint)
		ldr.k.ExitThread(ctx)
		return
	}
	ldr.resumeAt(ctx, point)
}

// releaseRegistered releases every registered handle the snapshot does
// not keep: handlers first so none can fire against a dying resource,
// then threads but never the caller's own, then semaphores and
// reserved memory. Surviving modules get their resource lists pruned
// to match. A nil keep releases everything.
func (ldr *Ldr) releaseRegistered(ctx context.Context, keep *recoverPoint) error {
	var errs *multierror.Error
	fail := func(op string, err error) {
		if err != nil {
			errs = multierror.Append(errs, &loader.OsError{Op: op, Err: err})
		}
	}
	var point recoverPoint
	if keep != nil {
		point = *keep
	}
	ldr.registryManager.handlers.ForEach(func(id kernel.HandlerID) bool {
		if slices.Contains(point.handlers, id) {
			return true
		}
		ldr.registryManager.handlers.Unregister(id)
		fail("release handler", ldr.k.ReleaseHandler(id))
		return true
	})
	self := kernel.CurrentThread(ctx)
	ldr.registryManager.threads.ForEachExcept(self, func(id kernel.ThreadID) bool {
		if slices.Contains(point.threads, id) {
			return true
		}
		ldr.registryManager.threads.Unregister(id)
		ldr.moduleManager.detach(id)
		if err := ldr.k.TerminateThread(id); err != nil && !errors.Is(err, kernel.ErrThreadDormant) {
			fail("terminate thread", err)
		}
		fail("delete thread", ldr.k.DeleteThread(id))
		return true
	})
	ldr.registryManager.semas.ForEach(func(id kernel.SemaID) bool {
		if slices.Contains(point.semas, id) {
			return true
		}
		ldr.registryManager.semas.Unregister(id)
		fail("delete sema", ldr.k.DeleteSema(id))
		return true
	})
	ldr.registryManager.blocks.ForEach(func(id kernel.BlockID) bool {
		if slices.Contains(point.blocks, id) {
			return true
		}
		ldr.registryManager.blocks.Unregister(id)
		fail("free sysmem", ldr.k.FreeSysMemory(id))
		return true
	})
	for _, m := range ldr.moduleManager.list() {
		m.prune(&ldr.registryManager)
	}
	return errs.ErrorOrNil()
}

// resumeAt hands the continuation to a fresh kernel thread and exits
// the calling one. The jumping thread is reaped once it is gone,
// unless the snapshot still claims it.
func (ldr *Ldr) resumeAt(ctx context.Context, point *recoverPoint) {
	self := kernel.CurrentThread(ctx)
	reap := self != kernel.NoThread && !slices.Contains(point.threads, self)
	resume := point.resume
	tid, err := ldr.k.CreateThread(ctx, kernel.ThreadParam{
		Name: "recover",
		Routine: func(rctx context.Context, arg uint32) {
			if reap {
				ldr.registryManager.threads.Unregister(self)
				ldr.moduleManager.detach(self)
				ldr.k.TerminateThread(self)
				ldr.k.DeleteThread(self)
			}
			resume()
		},
	})
	if err != nil {
		level.Error(ldr.logger).Log("msg", "recover thread", "err", err)
		ldr.k.ExitThread(ctx)
		return
	}
	if err := ldr.k.StartThread(ctx, tid, 0); err != nil {
		level.Error(ldr.logger).Log("msg", "recover thread", "err", err)
	}
	ldr.k.ExitThread(ctx)
}
