package loader

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/constraints"

	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

// module is a loaded image plus everything it owns: the kernel handles
// its code created through the tracked kernel and the heap blocks the
// loader staged for it. Unloading drains the lists.
type module struct {
	name    string
	base    uint32
	size    uint32
	entry   uint32
	symbols map[string]uint32

	mu       sync.Mutex
	thread   kernel.ThreadID
	threads  []kernel.ThreadID
	semas    []kernel.SemaID
	handlers []kernel.HandlerID
	blocks   []kernel.BlockID
	allocs   []uint32
}

func (m *module) Name() string {
	return m.name
}

func (m *module) BaseAddr() uint32 {
	return m.base
}

func (m *module) Size() uint32 {
	return m.size
}

func (m *module) EntryAddr() uint32 {
	return m.entry
}

func (m *module) MainThread() kernel.ThreadID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thread
}

func (m *module) setMainThread(id kernel.ThreadID) {
	m.mu.Lock()
	m.thread = id
	m.mu.Unlock()
}

func (m *module) FindSymbol(name string) (uint32, error) {
	if addr, ok := m.symbols[name]; ok {
		return addr, nil
	}
	return 0, loader.ErrSymbolNotFound
}

// prune drops owned handles that are no longer registered anywhere.
func (m *module) prune(rm *registryManager) {
	m.mu.Lock()
	m.threads = slices.DeleteFunc(m.threads, func(id kernel.ThreadID) bool { return !rm.threads.Contains(id) })
	m.semas = slices.DeleteFunc(m.semas, func(id kernel.SemaID) bool { return !rm.semas.Contains(id) })
	m.handlers = slices.DeleteFunc(m.handlers, func(id kernel.HandlerID) bool { return !rm.handlers.Contains(id) })
	m.blocks = slices.DeleteFunc(m.blocks, func(id kernel.BlockID) bool { return !rm.blocks.Contains(id) })
	m.mu.Unlock()
}

func addOwned[H constraints.Integer](mu *sync.Mutex, list *[]H, h H) {
	mu.Lock()
	*list = append(*list, h)
	mu.Unlock()
}

func dropOwned[H constraints.Integer](mu *sync.Mutex, list *[]H, h H) {
	mu.Lock()
	if i := slices.Index(*list, h); i >= 0 {
		*list = slices.Delete(*list, i, i+1)
	}
	mu.Unlock()
}

func takeOwned[H constraints.Integer](mu *sync.Mutex, list *[]H) []H {
	mu.Lock()
	hs := *list
	*list = nil
	mu.Unlock()
	return hs
}

// moduleManager tracks loaded modules in load order and maps kernel
// threads back to the module that owns them.
type moduleManager struct {
	mu     sync.Mutex
	loaded []*module
	owners map[kernel.ThreadID]*module
}

func (mm *moduleManager) ctor() {
	mm.owners = make(map[kernel.ThreadID]*module)
}

func (mm *moduleManager) dtor() {
	mm.mu.Lock()
	mm.loaded = nil
	clear(mm.owners)
	mm.mu.Unlock()
}

func (mm *moduleManager) add(mod *module) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, m := range mm.loaded {
		if m.name == mod.name {
			return loader.ErrModuleExists
		}
	}
	mm.loaded = append(mm.loaded, mod)
	return nil
}

func (mm *moduleManager) remove(mod *module) {
	mm.mu.Lock()
	mm.loaded = slices.DeleteFunc(mm.loaded, func(m *module) bool { return m == mod })
	for id, m := range mm.owners {
		if m == mod {
			delete(mm.owners, id)
		}
	}
	mm.mu.Unlock()
}

func (mm *moduleManager) attach(id kernel.ThreadID, mod *module) {
	mm.mu.Lock()
	mm.owners[id] = mod
	mm.mu.Unlock()
}

func (mm *moduleManager) detach(id kernel.ThreadID) {
	mm.mu.Lock()
	delete(mm.owners, id)
	mm.mu.Unlock()
}

func (mm *moduleManager) owner(id kernel.ThreadID) *module {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.owners[id]
}

func (mm *moduleManager) count() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return len(mm.loaded)
}

func (mm *moduleManager) list() []*module {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return slices.Clone(mm.loaded)
}

func (mm *moduleManager) find(name string) (*module, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, m := range mm.loaded {
		if m.name == name {
			return m, nil
		}
	}
	return nil, loader.ErrModuleNotFound
}

func (mm *moduleManager) findByAddr(addr uint32) (*module, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, m := range mm.loaded {
		if addr >= m.base && addr < m.base+m.size {
			return m, nil
		}
	}
	return nil, loader.ErrModuleNotFound
}

// findSymbol resolves name in load order, so the oldest module wins on
// duplicate exports.
func (mm *moduleManager) findSymbol(name string) (*module, uint32, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, m := range mm.loaded {
		if addr, err := m.FindSymbol(name); err == nil {
			return m, addr, nil
		}
	}
	return nil, 0, loader.ErrSymbolNotFound
}

func (ldr *Ldr) FindModule(name string) (loader.Module, error) {
	mod, err := ldr.moduleManager.find(name)
	if err != nil {
		return nil, err
	}
	return mod, nil
}

func (ldr *Ldr) FindModuleByAddr(addr uint32) (loader.Module, error) {
	mod, err := ldr.moduleManager.findByAddr(addr)
	if err != nil {
		return nil, err
	}
	return mod, nil
}

func (ldr *Ldr) FindSymbol(name string) (loader.Module, uint32, error) {
	mod, addr, err := ldr.moduleManager.findSymbol(name)
	if err != nil {
		return nil, 0, err
	}
	return mod, addr, nil
}

// ResolveSymbol makes the loader its own relocation resolver.
func (ldr *Ldr) ResolveSymbol(name string) (uint32, error) {
	_, addr, err := ldr.moduleManager.findSymbol(name)
	return addr, err
}

func (ldr *Ldr) Modules() []loader.Module {
	loaded := ldr.moduleManager.list()
	mods := make([]loader.Module, len(loaded))
	for i, m := range loaded {
		mods[i] = m
	}
	return mods
}

func (ldr *Ldr) DumpModules(w io.Writer) error {
	for i, m := range ldr.moduleManager.list() {
		_, err := fmt.Fprintf(w, "%2d %-16s base %#08x size %8s entry %#08x thread %d\n",
			i, m.name, m.base, humanize.IBytes(uint64(m.size)), m.entry, m.MainThread())
		if err != nil {
			return err
		}
	}
	return nil
}
