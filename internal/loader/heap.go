package loader

import (
	"context"
	"sync"

	"github.com/wnxd/microloader/encoding"
	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

type heapBlock struct {
	addr uint32
	size uint32
	prev *heapBlock
	next *heapBlock
}

var blockPool = sync.Pool{
	New: func() any {
		return new(heapBlock)
	},
}

func newBlock(addr, size uint32) *heapBlock {
	b := blockPool.Get().(*heapBlock)
	b.addr = addr
	b.size = size
	b.prev = nil
	b.next = nil
	return b
}

func (hb *heapBlock) end() uint32 {
	return hb.addr + hb.size
}

// InsertAfter links a new free block directly behind hb.
func (hb *heapBlock) InsertAfter(addr, size uint32) *heapBlock {
	b := newBlock(addr, size)
	b.prev = hb
	b.next = hb.next
	if hb.next != nil {
		hb.next.prev = b
	}
	hb.next = b
	return b
}

// InsertBefore links a new free block directly ahead of hb.
func (hb *heapBlock) InsertBefore(addr, size uint32) *heapBlock {
	b := newBlock(addr, size)
	b.next = hb
	b.prev = hb.prev
	if hb.prev != nil {
		hb.prev.next = b
	}
	hb.prev = b
	return b
}

func (hb *heapBlock) Remove() {
	if hb.prev != nil {
		hb.prev.next = hb.next
	}
	if hb.next != nil {
		hb.next.prev = hb.prev
	}
	hb.prev = nil
	hb.next = nil
	blockPool.Put(hb)
}

func (hb *heapBlock) Range(yield func(*heapBlock) bool) {
	for b := hb; b != nil; b = b.next {
		if !yield(b) {
			break
		}
	}
}

// heapManager carves module memory out of a single system memory
// reservation. The free list is kept in ascending address order and
// neighbours coalesce on release, so a full load/unload cycle restores
// the exact free byte count.
type heapManager struct {
	block kernel.BlockID
	base  uint32
	size  uint32
	mu    sync.Mutex
	used  map[uint32]uint32
	free  *heapBlock
}

func (hm *heapManager) ctor(k kernel.Kernel, size uint32) error {
	size = kernel.Align(size, uint32(kernel.WordSize))
	id, err := k.AllocSysMemory(context.Background(), size)
	if err != nil {
		return &loader.OsError{Op: "alloc sysmem", Err: err}
	}
	hm.block = id
	hm.base = uint32(id)
	hm.size = size
	hm.used = make(map[uint32]uint32)
	hm.reset()
	return nil
}

func (hm *heapManager) dtor(k kernel.Kernel) error {
	hm.mu.Lock()
	hm.drop()
	clear(hm.used)
	hm.mu.Unlock()
	return k.FreeSysMemory(hm.block)
}

// reset returns the heap to one free block spanning the whole arena.
func (hm *heapManager) reset() {
	hm.mu.Lock()
	hm.drop()
	clear(hm.used)
	hm.free = newBlock(hm.base, hm.size)
	hm.mu.Unlock()
}

// drop releases the free list nodes. Caller holds mu.
func (hm *heapManager) drop() {
	for b := hm.free; b != nil; {
		next := b.next
		b.prev = nil
		b.next = nil
		blockPool.Put(b)
		b = next
	}
	hm.free = nil
}

func (hm *heapManager) memAlloc(size, align uint32) (uint32, error) {
	if size == 0 {
		return 0, loader.ErrArgumentInvalid
	}
	if align == 0 {
		align = kernel.WordSize
	}
	if align&(align-1) != 0 {
		return 0, loader.ErrArgumentInvalid
	}
	size = kernel.Align(size, uint32(kernel.WordSize))
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for b := range hm.free.Range {
		addr := kernel.Align(b.addr, align)
		pad := addr - b.addr
		if pad+size < pad || pad+size > b.size {
			continue
		}
		tail := b.size - pad - size
		switch {
		case pad == 0 && tail == 0:
			if hm.free == b {
				hm.free = b.next
			}
			b.Remove()
		case pad == 0:
			b.addr = addr + size
			b.size = tail
		default:
			// Alignment padding stays on the free list, so releasing
			// [addr, addr+size) later coalesces it back untouched.
			b.size = pad
			if tail != 0 {
				b.InsertAfter(addr+size, tail)
			}
		}
		hm.used[addr] = size
		return addr, nil
	}
	return 0, loader.ErrOutOfMemory
}

func (hm *heapManager) memFree(addr uint32) error {
	if !hm.memRelease(addr) {
		return loader.ErrAddressInvalid
	}
	return nil
}

// memRelease returns an allocation to the free list. Unknown addresses
// are a no-op, so teardown paths may release without tracking double
// frees.
func (hm *heapManager) memRelease(addr uint32) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	size, ok := hm.used[addr]
	if !ok {
		return false
	}
	delete(hm.used, addr)
	hm.insert(addr, size)
	return true
}

// insert merges [addr, addr+size) into the ascending free list.
// Caller holds mu.
func (hm *heapManager) insert(addr, size uint32) {
	var prev *heapBlock
	next := hm.free
	for next != nil && next.addr < addr {
		prev = next
		next = next.next
	}
	if prev != nil && prev.end() == addr {
		prev.size += size
		if next != nil && next.addr == prev.end() {
			prev.size += next.size
			next.Remove()
		}
		return
	}
	if next != nil && next.addr == addr+size {
		next.addr = addr
		next.size += size
		return
	}
	switch {
	case prev != nil:
		prev.InsertAfter(addr, size)
	case next != nil:
		hm.free = next.InsertBefore(addr, size)
	default:
		hm.free = newBlock(addr, size)
	}
}

func (hm *heapManager) memSize(addr uint32) uint32 {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.used[addr]
}

func (hm *heapManager) stats() (free, largest uint32) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for b := range hm.free.Range {
		free += b.size
		largest = max(largest, b.size)
	}
	return
}

func (ldr *Ldr) Alloc(size, align uint32) (uint32, error) {
	return ldr.heapManager.memAlloc(size, align)
}

func (ldr *Ldr) Free(addr uint32) error {
	return ldr.heapManager.memFree(addr)
}

func (ldr *Ldr) MemSize(addr uint32) uint32 {
	return ldr.heapManager.memSize(addr)
}

func (ldr *Ldr) MemoryInfo() loader.MemoryInfo {
	free, largest := ldr.heapManager.stats()
	return loader.MemoryInfo{
		HeapSize:    ldr.heapManager.size,
		FreeBytes:   free,
		LargestFree: largest,
		Modules:     ldr.moduleManager.count(),
	}
}

func (ldr *Ldr) ToPointer(addr uint32) kernel.Pointer {
	return kernel.ToPointer(ldr.k, addr)
}

// MemImport stages val on the heap and returns every block address it
// allocated, the root block first.
func (ldr *Ldr) MemImport(val any) ([]uint32, error) {
	addr, err := ldr.heapManager.memAlloc(uint32(encoding.EncodeSize(kernel.WordSize, val)), kernel.WordSize)
	if err != nil {
		return nil, err
	}
	addrs, err := ldr.MemWrite(addr, val)
	if err != nil {
		ldr.heapManager.memRelease(addr)
		return nil, err
	}
	return append([]uint32{addr}, addrs...), nil
}

// MemWrite encodes val at addr, allocating heap blocks for whatever it
// references. On failure every allocation is rolled back.
func (ldr *Ldr) MemWrite(addr uint32, val any) ([]uint32, error) {
	var addrs []uint32
	stream := pointerStream(ldr.ToPointer(addr), func(size uint32) (kernel.Pointer, error) {
		sub, err := ldr.heapManager.memAlloc(size, kernel.WordSize)
		if err != nil {
			return kernel.Pointer{}, err
		}
		addrs = append(addrs, sub)
		return ldr.ToPointer(sub), nil
	})
	if err := encoding.Encode(stream, val); err != nil {
		for _, sub := range addrs {
			ldr.heapManager.memRelease(sub)
		}
		return nil, err
	}
	return addrs, nil
}

func (ldr *Ldr) MemExtract(addr uint32, val any) error {
	return encoding.Decode(pointerStream(ldr.ToPointer(addr), nil), val)
}
