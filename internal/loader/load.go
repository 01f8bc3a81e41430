package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"github.com/wnxd/microloader/boot"
	"github.com/wnxd/microloader/image"
	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

const (
	DefaultStackSize = 0x800
	DefaultPriority  = 8
)

// argBlock is the start argument a module entry receives: a count
// followed by a vector of NUL-terminated string pointers.
type argBlock struct {
	Argc int32
	Argv []string
}

func (ldr *Ldr) Load(ctx context.Context, file string, args ...string) (loader.Module, error) {
	fsys, rest, err := ldr.Resolve(file)
	if err != nil {
		return nil, err
	}
	f, err := fsys.OpenFile(rest)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return ldr.load(ctx, moduleName(rest), data, args)
}

func (ldr *Ldr) LoadFromBuffer(ctx context.Context, name string, data []byte, args ...string) (loader.Module, error) {
	return ldr.load(ctx, name, data, args)
}

func (ldr *Ldr) LoadManifest(ctx context.Context, m *boot.Manifest, mode boot.Mode) ([]loader.Module, error) {
	var mods []loader.Module
	for _, entry := range m.Select(mode) {
		mod, err := ldr.Load(ctx, entry.Path, entry.Args...)
		if err != nil {
			return mods, fmt.Errorf("manifest %s: %w", entry.Path, err)
		}
		mods = append(mods, mod)
	}
	return mods, nil
}

// moduleName derives a fallback module name from the image path.
func moduleName(file string) string {
	base := path.Base(strings.ReplaceAll(file, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

func (ldr *Ldr) load(ctx context.Context, name string, data []byte, args []string) (loader.Module, error) {
	img, err := image.Parse(data)
	if err != nil {
		return nil, err
	}
	if !img.Relocatable() {
		return nil, loader.ErrNotRelocatable
	}
	if img.Name != "" {
		name = img.Name
	}
	if name == "" || len(img.Sections) == 0 {
		return nil, loader.ErrArgumentInvalid
	}
	_, total := sectionLayout(img, 0)
	base, err := ldr.heapManager.memAlloc(total, maxAlign(img))
	if err != nil {
		return nil, err
	}
	addrs, _ := sectionLayout(img, base)
	if err := ldr.place(img, addrs); err != nil {
		ldr.heapManager.memRelease(base)
		return nil, err
	}
	if err := ldr.relocate(img, name, base, total, addrs, ldr); err != nil {
		ldr.heapManager.memRelease(base)
		return nil, err
	}
	mod := &module{
		name:    name,
		base:    base,
		size:    total,
		symbols: exportTable(img, addrs),
		thread:  kernel.NoThread,
	}
	if img.Executable() {
		mod.entry = addrs[img.EntrySection] + img.EntryOffset
	}
	// Registered before the handoff: the module's own startup code may
	// already look itself up.
	if err := ldr.moduleManager.add(mod); err != nil {
		ldr.heapManager.memRelease(base)
		return nil, err
	}
	if img.Executable() {
		if err := ldr.transferControl(ctx, mod, append([]string{name}, args...)); err != nil {
			ldr.moduleManager.remove(mod)
			ldr.releaseModule(mod)
			return nil, err
		}
	}
	level.Debug(ldr.logger).Log("msg", "module loaded", "module", name, "base", base, "size", total)
	return mod, nil
}

// place copies each section's data to its laid-out address and
// zero-fills the tail up to the section's memory size.
func (ldr *Ldr) place(img *image.Image, addrs []uint32) error {
	for i, sec := range img.Sections {
		p := kernel.ToPointer(ldr.k, addrs[i])
		if len(sec.Data) > 0 {
			if err := p.MemWrite(sec.Data); err != nil {
				return err
			}
		}
		if tail := sec.MemSize - uint32(len(sec.Data)); tail > 0 {
			if err := p.Add(uint32(len(sec.Data))).MemWrite(make([]byte, tail)); err != nil {
				return err
			}
		}
	}
	return nil
}

// transferControl stages the argument block and hands the entry to a
// fresh kernel thread. The loader never waits on the module.
func (ldr *Ldr) transferControl(ctx context.Context, mod *module, argv []string) error {
	addrs, err := ldr.MemImport(argBlock{Argc: int32(len(argv)), Argv: argv})
	if err != nil {
		return err
	}
	mod.mu.Lock()
	mod.allocs = append(mod.allocs, addrs...)
	mod.mu.Unlock()
	tk := ldr.Kernel()
	tid, err := tk.CreateThread(ctx, kernel.ThreadParam{
		Name:      mod.name,
		Entry:     mod.entry,
		StackSize: DefaultStackSize,
		Priority:  DefaultPriority,
	})
	if err != nil {
		return err
	}
	mod.setMainThread(tid)
	ldr.moduleManager.attach(tid, mod)
	addOwned(&mod.mu, &mod.threads, tid)
	return tk.StartThread(ctx, tid, addrs[0])
}

func (ldr *Ldr) Unload(ctx context.Context, mod loader.Module) error {
	m, ok := mod.(*module)
	if !ok {
		return loader.ErrModuleNotFound
	}
	ldr.moduleManager.remove(m)
	if err := ldr.releaseModule(m); err != nil {
		return err
	}
	level.Debug(ldr.logger).Log("msg", "module unloaded", "module", m.name)
	return nil
}

func (ldr *Ldr) UnloadByName(ctx context.Context, name string) error {
	mod, err := ldr.moduleManager.find(name)
	if err != nil {
		return err
	}
	return ldr.Unload(ctx, mod)
}

// releaseModule releases everything the module still owns: handlers
// first so none can fire mid-teardown, then threads, semaphores,
// reserved memory, staged arguments and finally the image itself.
// Every list drains on first use, so a second call is a no-op.
func (ldr *Ldr) releaseModule(m *module) error {
	var errs *multierror.Error
	fail := func(op string, err error) {
		if err != nil {
			errs = multierror.Append(errs, &loader.OsError{Op: op, Err: err})
		}
	}
	for _, id := range takeOwned(&m.mu, &m.handlers) {
		ldr.registryManager.handlers.Unregister(id)
		fail("release handler", ldr.k.ReleaseHandler(id))
	}
	for _, id := range takeOwned(&m.mu, &m.threads) {
		ldr.registryManager.threads.Unregister(id)
		ldr.moduleManager.detach(id)
		if err := ldr.k.TerminateThread(id); err != nil && !errors.Is(err, kernel.ErrThreadDormant) {
			fail("terminate thread", err)
		}
		fail("delete thread", ldr.k.DeleteThread(id))
	}
	for _, id := range takeOwned(&m.mu, &m.semas) {
		ldr.registryManager.semas.Unregister(id)
		fail("delete sema", ldr.k.DeleteSema(id))
	}
	for _, id := range takeOwned(&m.mu, &m.blocks) {
		ldr.registryManager.blocks.Unregister(id)
		fail("free sysmem", ldr.k.FreeSysMemory(id))
	}
	for _, addr := range takeOwned(&m.mu, &m.allocs) {
		ldr.heapManager.memRelease(addr)
	}
	ldr.heapManager.memRelease(m.base)
	return errs.ErrorOrNil()
}

func (ldr *Ldr) unloadAll(ctx context.Context) error {
	mods := ldr.moduleManager.list()
	var errs *multierror.Error
	for i := len(mods) - 1; i >= 0; i-- {
		errs = multierror.Append(errs, ldr.Unload(ctx, mods[i]))
	}
	return errs.ErrorOrNil()
}
