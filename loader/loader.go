package loader

import (
	"context"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"

	"github.com/wnxd/microloader/boot"
	"github.com/wnxd/microloader/filesystem"
	"github.com/wnxd/microloader/kernel"
)

// Loader loads relocatable module images into kernel memory, starts
// them as kernel threads and tracks every handle they create, so a
// module can be unloaded or the whole subsystem rolled back to a
// recover point.
type Loader interface {
	io.Closer
	// Kernel is the kernel as loaded modules see it: every handle it
	// hands out is registered with the loader's registries.
	Kernel() kernel.Kernel
	// SetResetCallback arms fn to run at the start of the next Reboot.
	SetResetCallback(fn func())
	// Reboot runs the reset callback, unloads every module newest
	// first, clears the registries and reinitialises the heap.
	Reboot(ctx context.Context) error
	MemoryManager
	ModuleManager
	RegistryManager
	RecoveryManager
	MountManager
}

type Config struct {
	// HeapSize is the size of the module heap the loader reserves from
	// kernel system memory. DefaultHeapSize when zero.
	HeapSize uint32
	Logger   log.Logger
}

const DefaultHeapSize = 0x100000

type MemoryManager interface {
	Alloc(size, align uint32) (uint32, error)
	Free(addr uint32) error
	MemSize(addr uint32) uint32
	MemoryInfo() MemoryInfo
	ToPointer(addr uint32) kernel.Pointer
	MemImport(val any) ([]uint32, error)
	MemWrite(addr uint32, val any) ([]uint32, error)
	MemExtract(addr uint32, val any) error
}

type MemoryInfo struct {
	HeapSize    uint32
	FreeBytes   uint32
	LargestFree uint32
	Modules     int
}

type ModuleManager interface {
	Load(ctx context.Context, path string, args ...string) (Module, error)
	LoadFromBuffer(ctx context.Context, name string, data []byte, args ...string) (Module, error)
	// LoadManifest loads the manifest's module set for the given boot
	// mode, in manifest order. It stops at the first failing entry.
	LoadManifest(ctx context.Context, m *boot.Manifest, mode boot.Mode) ([]Module, error)
	Unload(ctx context.Context, mod Module) error
	UnloadByName(ctx context.Context, name string) error
	FindModule(name string) (Module, error)
	FindModuleByAddr(addr uint32) (Module, error)
	FindSymbol(name string) (Module, uint32, error)
	Modules() []Module
	DumpModules(w io.Writer) error
}

type RegistryManager interface {
	Threads() *Registry[kernel.ThreadID]
	Semas() *Registry[kernel.SemaID]
	Handlers() *Registry[kernel.HandlerID]
	Blocks() *Registry[kernel.BlockID]
	// ChangeThreadPriorityExcept moves every registered thread except
	// the caller's own to the given priority.
	ChangeThreadPriorityExcept(ctx context.Context, priority int) error
}

type RecoveryManager interface {
	// SetRecoverPoint captures the current registry state and arms
	// resume. At most one recover point is live; capturing again
	// replaces the previous one.
	SetRecoverPoint(ctx context.Context, resume func()) error
	// JumpRecover tears down everything registered after the capture,
	// then runs the resume continuation on a fresh kernel thread. It
	// never returns to the caller.
	JumpRecover(ctx context.Context)
	// JumpRecoverNoTeardown resumes without releasing anything.
	JumpRecoverNoTeardown(ctx context.Context)
	HasRecoverPoint() bool
}

type MountManager interface {
	Mount(device string, fsys filesystem.FS) error
	Unmount(device string) error
	Resolve(path string) (filesystem.FS, string, error)
}

// SymbolResolver resolves a symbol name against whatever code is
// already in memory.
type SymbolResolver interface {
	ResolveSymbol(name string) (uint32, error)
}

func (info MemoryInfo) String() string {
	return "heap " + humanize.IBytes(uint64(info.HeapSize)) +
		", free " + humanize.IBytes(uint64(info.FreeBytes)) +
		" (largest " + humanize.IBytes(uint64(info.LargestFree)) + ")"
}
