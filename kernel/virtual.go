package kernel

import (
	"context"
	"math"
	"runtime"
	"slices"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// VirtualKernel is an in-process Kernel. Module code is plain data to
// it; behavior is attached by binding Go routines to entry addresses.
type VirtualKernel interface {
	Kernel
	BindRoutine(addr uint32, fn Routine)
}

type VirtualConfig struct {
	// MemSize is the extent of physical memory, DefaultMemSize when zero.
	MemSize uint32
	Logger  log.Logger
}

const (
	DefaultMemSize = 0x200000

	sysMemBase  = 0x800
	sysMemAlign = 0x100
)

type vthread struct {
	name     string
	entry    uint32
	priority int
	status   ThreadStatus
	routine  Routine
	gen      uint64
	cancel   context.CancelFunc
}

type vsema struct {
	count  int
	max    int
	change chan struct{}
}

type vhandler struct {
	cause int
	fn    HandlerFunc
}

type virtualKernel struct {
	logger   log.Logger
	memMu    sync.RWMutex
	mem      []byte
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	next     int32
	routines map[uint32]Routine
	threads  map[ThreadID]*vthread
	semas    map[SemaID]*vsema
	handlers map[HandlerID]*vhandler
	causes   map[int]*vhandler
	blocks   map[BlockID]uint32
}

func NewVirtual(cfg VirtualConfig) VirtualKernel {
	size := cfg.MemSize
	if size == 0 {
		size = DefaultMemSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &virtualKernel{
		logger:   logger,
		mem:      make([]byte, size),
		routines: make(map[uint32]Routine),
		threads:  make(map[ThreadID]*vthread),
		semas:    make(map[SemaID]*vsema),
		handlers: make(map[HandlerID]*vhandler),
		causes:   make(map[int]*vhandler),
		blocks:   make(map[BlockID]uint32),
	}
}

func (k *virtualKernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	for _, t := range k.threads {
		if t.status == ThreadStatus_Run {
			t.cancel()
			t.cancel = nil
			t.status = ThreadStatus_Dormant
			t.gen++
		}
	}
	for _, s := range k.semas {
		close(s.change)
	}
	k.mu.Unlock()
	k.wg.Wait()
	k.mu.Lock()
	clear(k.routines)
	clear(k.threads)
	clear(k.semas)
	clear(k.handlers)
	clear(k.causes)
	clear(k.blocks)
	k.mu.Unlock()
	return nil
}

func (k *virtualKernel) MemSize() uint32 {
	return uint32(len(k.mem))
}

func (k *virtualKernel) MemRead(addr, size uint32) ([]byte, error) {
	if size > k.MemSize() || addr > k.MemSize()-size {
		return nil, ErrInvalidAddress
	}
	data := make([]byte, size)
	k.memMu.RLock()
	copy(data, k.mem[addr:])
	k.memMu.RUnlock()
	return data, nil
}

func (k *virtualKernel) MemWrite(addr uint32, data []byte) error {
	size := uint32(len(data))
	if size > k.MemSize() || addr > k.MemSize()-size {
		return ErrInvalidAddress
	}
	k.memMu.Lock()
	copy(k.mem[addr:], data)
	k.memMu.Unlock()
	return nil
}

func (k *virtualKernel) AllocSysMemory(ctx context.Context, size uint32) (BlockID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, ErrClosed
	}
	size = Align(max(size, 1), sysMemAlign)
	addrs := make([]BlockID, 0, len(k.blocks))
	for a := range k.blocks {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	base := uint32(sysMemBase)
	for _, a := range addrs {
		if size <= uint32(a)-base {
			break
		}
		base = uint32(a) + k.blocks[a]
	}
	if base >= k.MemSize() || size > k.MemSize()-base {
		return 0, ErrMemoryExhausted
	}
	id := BlockID(base)
	k.blocks[id] = size
	return id, nil
}

func (k *virtualKernel) FreeSysMemory(id BlockID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.blocks[id]; !ok {
		return ErrInvalidHandle
	}
	delete(k.blocks, id)
	return nil
}

func (k *virtualKernel) handle() int32 {
	k.next++
	return k.next
}

func (k *virtualKernel) CreateThread(ctx context.Context, param ThreadParam) (ThreadID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return NoThread, ErrClosed
	}
	id := ThreadID(k.handle())
	k.threads[id] = &vthread{
		name:     param.Name,
		entry:    param.Entry,
		priority: param.Priority,
		routine:  param.Routine,
	}
	return id, nil
}

func (k *virtualKernel) StartThread(ctx context.Context, id ThreadID, arg uint32) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	t, ok := k.threads[id]
	if !ok {
		k.mu.Unlock()
		return ErrInvalidHandle
	}
	if t.status != ThreadStatus_Dormant {
		k.mu.Unlock()
		return ErrThreadNotDormant
	}
	fn := t.routine
	if fn == nil {
		fn = k.routines[t.entry]
	}
	tctx, cancel := context.WithCancel(WithThread(context.WithoutCancel(ctx), id))
	t.status = ThreadStatus_Run
	t.cancel = cancel
	t.gen++
	gen := t.gen
	k.wg.Add(1)
	k.mu.Unlock()
	level.Debug(k.logger).Log("msg", "thread start", "thread", id, "name", t.name)
	go k.runThread(tctx, id, t, gen, fn, arg)
	return nil
}

// runThread hosts one activation of a thread. A thread with nothing
// bound at its entry stays running until terminated.
func (k *virtualKernel) runThread(ctx context.Context, id ThreadID, t *vthread, gen uint64, fn Routine, arg uint32) {
	defer k.wg.Done()
	defer k.finishThread(id, t, gen)
	if fn == nil {
		<-ctx.Done()
		return
	}
	fn(ctx, arg)
}

func (k *virtualKernel) finishThread(id ThreadID, t *vthread, gen uint64) {
	k.mu.Lock()
	if t.gen == gen && t.status == ThreadStatus_Run {
		t.status = ThreadStatus_Dormant
		t.cancel()
		t.cancel = nil
	}
	k.mu.Unlock()
	level.Debug(k.logger).Log("msg", "thread exit", "thread", id)
}

func (k *virtualKernel) TerminateThread(id ThreadID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.threads[id]
	if !ok {
		return ErrInvalidHandle
	}
	if t.status != ThreadStatus_Run {
		return ErrThreadDormant
	}
	t.cancel()
	t.cancel = nil
	t.status = ThreadStatus_Dormant
	t.gen++
	return nil
}

func (k *virtualKernel) DeleteThread(id ThreadID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.threads[id]
	if !ok {
		return ErrInvalidHandle
	}
	if t.status != ThreadStatus_Dormant {
		return ErrThreadNotDormant
	}
	delete(k.threads, id)
	return nil
}

func (k *virtualKernel) ChangeThreadPriority(id ThreadID, priority int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.threads[id]
	if !ok {
		return ErrInvalidHandle
	}
	t.priority = priority
	return nil
}

func (k *virtualKernel) ThreadInfo(id ThreadID) (ThreadInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.threads[id]
	if !ok {
		return ThreadInfo{}, ErrInvalidHandle
	}
	return ThreadInfo{
		Name:     t.name,
		Entry:    t.entry,
		Status:   t.status,
		Priority: t.priority,
	}, nil
}

func (k *virtualKernel) ExitThread(ctx context.Context) {
	id := CurrentThread(ctx)
	k.mu.Lock()
	if t, ok := k.threads[id]; ok && t.status == ThreadStatus_Run {
		t.status = ThreadStatus_Dormant
		t.gen++
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
	}
	k.mu.Unlock()
	runtime.Goexit()
}

func (k *virtualKernel) CreateSema(ctx context.Context, param SemaParam) (SemaID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, ErrClosed
	}
	if param.Max <= 0 {
		param.Max = math.MaxInt32
	}
	id := SemaID(k.handle())
	k.semas[id] = &vsema{
		count:  param.Init,
		max:    param.Max,
		change: make(chan struct{}),
	}
	return id, nil
}

func (k *virtualKernel) DeleteSema(id SemaID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	// Close has already closed every change channel; touching one
	// again would panic.
	if k.closed {
		return ErrClosed
	}
	s, ok := k.semas[id]
	if !ok {
		return ErrInvalidHandle
	}
	close(s.change)
	delete(k.semas, id)
	return nil
}

func (k *virtualKernel) SignalSema(id SemaID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	s, ok := k.semas[id]
	if !ok {
		return ErrInvalidHandle
	}
	if s.count >= s.max {
		return ErrSemaOverflow
	}
	s.count++
	close(s.change)
	s.change = make(chan struct{})
	return nil
}

func (k *virtualKernel) WaitSema(ctx context.Context, id SemaID) error {
	for {
		k.mu.Lock()
		if k.closed {
			k.mu.Unlock()
			return ErrClosed
		}
		s, ok := k.semas[id]
		if !ok {
			k.mu.Unlock()
			return ErrInvalidHandle
		}
		if s.count > 0 {
			s.count--
			k.mu.Unlock()
			return nil
		}
		change := s.change
		k.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-change:
		}
	}
}

func (k *virtualKernel) RegisterHandler(ctx context.Context, cause int, fn HandlerFunc) (HandlerID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, ErrClosed
	}
	if _, busy := k.causes[cause]; busy {
		return 0, ErrInterruptBusy
	}
	id := HandlerID(k.handle())
	h := &vhandler{cause: cause, fn: fn}
	k.handlers[id] = h
	k.causes[cause] = h
	return id, nil
}

func (k *virtualKernel) ReleaseHandler(id HandlerID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	h, ok := k.handlers[id]
	if !ok {
		return ErrInvalidHandle
	}
	delete(k.handlers, id)
	delete(k.causes, h.cause)
	return nil
}

func (k *virtualKernel) RaiseInterrupt(ctx context.Context, cause int) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	h := k.causes[cause]
	k.mu.Unlock()
	if h == nil || h.fn == nil {
		return nil
	}
	level.Debug(k.logger).Log("msg", "interrupt", "cause", cause)
	h.fn(ctx, cause)
	return nil
}

func (k *virtualKernel) BindRoutine(addr uint32, fn Routine) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if fn == nil {
		delete(k.routines, addr)
	} else {
		k.routines[addr] = fn
	}
}
