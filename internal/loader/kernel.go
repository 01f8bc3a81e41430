package loader

import (
	"context"

	"github.com/wnxd/microloader/kernel"
)

// trackedKernel is the kernel as loaded modules see it. Every handle a
// creation call returns is registered with the subsystem registries
// and charged to the calling thread's module; a handle that cannot be
// registered is released again so nothing runs untracked.
type trackedKernel struct {
	ldr *Ldr
}

// Close is a no-op: the loader owns the real kernel's lifecycle.
func (tk *trackedKernel) Close() error {
	return nil
}

func (tk *trackedKernel) MemSize() uint32 {
	return tk.ldr.k.MemSize()
}

func (tk *trackedKernel) MemRead(addr, size uint32) ([]byte, error) {
	return tk.ldr.k.MemRead(addr, size)
}

func (tk *trackedKernel) MemWrite(addr uint32, data []byte) error {
	return tk.ldr.k.MemWrite(addr, data)
}

func (tk *trackedKernel) AllocSysMemory(ctx context.Context, size uint32) (kernel.BlockID, error) {
	id, err := tk.ldr.k.AllocSysMemory(ctx, size)
	if err != nil {
		return id, err
	}
	if _, err := tk.ldr.registryManager.blocks.Register(id); err != nil {
		tk.ldr.k.FreeSysMemory(id)
		return -1, err
	}
	if mod := tk.ldr.ownerModule(ctx); mod != nil {
		addOwned(&mod.mu, &mod.blocks, id)
	}
	return id, nil
}

func (tk *trackedKernel) FreeSysMemory(id kernel.BlockID) error {
	if err := tk.ldr.k.FreeSysMemory(id); err != nil {
		return err
	}
	tk.ldr.registryManager.blocks.Unregister(id)
	for _, m := range tk.ldr.moduleManager.list() {
		dropOwned(&m.mu, &m.blocks, id)
	}
	return nil
}

func (tk *trackedKernel) CreateThread(ctx context.Context, param kernel.ThreadParam) (kernel.ThreadID, error) {
	id, err := tk.ldr.k.CreateThread(ctx, param)
	if err != nil {
		return id, err
	}
	if _, err := tk.ldr.registryManager.threads.Register(id); err != nil {
		tk.ldr.k.DeleteThread(id)
		return kernel.NoThread, err
	}
	if mod := tk.ldr.ownerModule(ctx); mod != nil {
		tk.ldr.moduleManager.attach(id, mod)
		addOwned(&mod.mu, &mod.threads, id)
	}
	return id, nil
}

func (tk *trackedKernel) StartThread(ctx context.Context, id kernel.ThreadID, arg uint32) error {
	return tk.ldr.k.StartThread(ctx, id, arg)
}

func (tk *trackedKernel) TerminateThread(id kernel.ThreadID) error {
	return tk.ldr.k.TerminateThread(id)
}

func (tk *trackedKernel) DeleteThread(id kernel.ThreadID) error {
	if err := tk.ldr.k.DeleteThread(id); err != nil {
		return err
	}
	tk.ldr.registryManager.threads.Unregister(id)
	tk.ldr.moduleManager.detach(id)
	for _, m := range tk.ldr.moduleManager.list() {
		dropOwned(&m.mu, &m.threads, id)
	}
	return nil
}

func (tk *trackedKernel) ChangeThreadPriority(id kernel.ThreadID, priority int) error {
	return tk.ldr.k.ChangeThreadPriority(id, priority)
}

func (tk *trackedKernel) ThreadInfo(id kernel.ThreadID) (kernel.ThreadInfo, error) {
	return tk.ldr.k.ThreadInfo(id)
}

func (tk *trackedKernel) ExitThread(ctx context.Context) {
	tk.ldr.k.ExitThread(ctx)
}

func (tk *trackedKernel) CreateSema(ctx context.Context, param kernel.SemaParam) (kernel.SemaID, error) {
	id, err := tk.ldr.k.CreateSema(ctx, param)
	if err != nil {
		return id, err
	}
	if _, err := tk.ldr.registryManager.semas.Register(id); err != nil {
		tk.ldr.k.DeleteSema(id)
		return -1, err
	}
	if mod := tk.ldr.ownerModule(ctx); mod != nil {
		addOwned(&mod.mu, &mod.semas, id)
	}
	return id, nil
}

func (tk *trackedKernel) DeleteSema(id kernel.SemaID) error {
	if err := tk.ldr.k.DeleteSema(id); err != nil {
		return err
	}
	tk.ldr.registryManager.semas.Unregister(id)
	for _, m := range tk.ldr.moduleManager.list() {
		dropOwned(&m.mu, &m.semas, id)
	}
	return nil
}

func (tk *trackedKernel) SignalSema(id kernel.SemaID) error {
	return tk.ldr.k.SignalSema(id)
}

func (tk *trackedKernel) WaitSema(ctx context.Context, id kernel.SemaID) error {
	return tk.ldr.k.WaitSema(ctx, id)
}

func (tk *trackedKernel) RegisterHandler(ctx context.Context, cause int, fn kernel.HandlerFunc) (kernel.HandlerID, error) {
	id, err := tk.ldr.k.RegisterHandler(ctx, cause, fn)
	if err != nil {
		return id, err
	}
	if _, err := tk.ldr.registryManager.handlers.Register(id); err != nil {
		tk.ldr.k.ReleaseHandler(id)
		return -1, err
	}
	if mod := tk.ldr.ownerModule(ctx); mod != nil {
		addOwned(&mod.mu, &mod.handlers, id)
	}
	return id, nil
}

func (tk *trackedKernel) ReleaseHandler(id kernel.HandlerID) error {
	if err := tk.ldr.k.ReleaseHandler(id); err != nil {
		return err
	}
	tk.ldr.registryManager.handlers.Unregister(id)
	for _, m := range tk.ldr.moduleManager.list() {
		dropOwned(&m.mu, &m.handlers, id)
	}
	return nil
}

func (tk *trackedKernel) RaiseInterrupt(ctx context.Context, cause int) error {
	return tk.ldr.k.RaiseInterrupt(ctx, cause)
}

// ownerModule resolves the module charged for work done on the calling
// thread.
func (ldr *Ldr) ownerModule(ctx context.Context) *module {
	return ldr.moduleManager.owner(kernel.CurrentThread(ctx))
}
