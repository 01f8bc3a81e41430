package kernel

import (
	"context"
	"io"
)

// Kernel is the set of operating system primitives the loader drives:
// flat physical memory, system memory reservations, threads, semaphores
// and interrupt handlers. Handles returned by a Kernel are positive;
// negative values never identify a live resource. Creation calls take
// the caller's context so a wrapping layer can charge the new handle to
// the thread that issued the call.
type Kernel interface {
	io.Closer
	MemSize() uint32
	MemRead(addr, size uint32) ([]byte, error)
	MemWrite(addr uint32, data []byte) error
	AllocSysMemory(ctx context.Context, size uint32) (BlockID, error)
	FreeSysMemory(id BlockID) error
	CreateThread(ctx context.Context, param ThreadParam) (ThreadID, error)
	StartThread(ctx context.Context, id ThreadID, arg uint32) error
	TerminateThread(id ThreadID) error
	DeleteThread(id ThreadID) error
	ChangeThreadPriority(id ThreadID, priority int) error
	ThreadInfo(id ThreadID) (ThreadInfo, error)
	ExitThread(ctx context.Context)
	CreateSema(ctx context.Context, param SemaParam) (SemaID, error)
	DeleteSema(id SemaID) error
	SignalSema(id SemaID) error
	WaitSema(ctx context.Context, id SemaID) error
	RegisterHandler(ctx context.Context, cause int, fn HandlerFunc) (HandlerID, error)
	ReleaseHandler(id HandlerID) error
	RaiseInterrupt(ctx context.Context, cause int) error
}

type SemaID int32

type SemaParam struct {
	Init int
	Max  int
}

type HandlerID int32

// HandlerFunc runs on the goroutine that raised the interrupt.
type HandlerFunc func(ctx context.Context, cause int)

// BlockID identifies a system memory reservation. Its value is the base
// address of the reserved block.
type BlockID int32
