package loader

import (
	"math"

	"github.com/wnxd/microloader/image"
	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

// sectionLayout packs the sections upward from base in declaration
// order and returns each section's address plus the packed extent.
// When base satisfies maxAlign the layout is a pure translation of the
// base-zero layout, so the extent is the same for every such base.
func sectionLayout(img *image.Image, base uint32) ([]uint32, uint32) {
	addrs := make([]uint32, len(img.Sections))
	cursor := base
	for i, sec := range img.Sections {
		cursor = kernel.Align(cursor, sec.Align)
		addrs[i] = cursor
		cursor += sec.MemSize
	}
	return addrs, cursor - base
}

// maxAlign is the strictest section alignment, never below a word.
func maxAlign(img *image.Image) uint32 {
	align := uint32(kernel.WordSize)
	for _, sec := range img.Sections {
		align = max(align, sec.Align)
	}
	return align
}

// exportTable maps the image's defined symbols to their loaded
// addresses. The first definition of a name wins.
func exportTable(img *image.Image, addrs []uint32) map[string]uint32 {
	var exports map[string]uint32
	for _, sym := range img.Symbols {
		if sym.Section == image.ImportSection || sym.Name == "" {
			continue
		}
		if exports == nil {
			exports = make(map[string]uint32)
		}
		if _, ok := exports[sym.Name]; !ok {
			exports[sym.Name] = addrs[sym.Section] + sym.Value
		}
	}
	return exports
}

// relocate patches every relocation target in staged memory. Each
// entry rewrites its own word exactly once, so table order cannot
// change the result. The in-place word supplies the addend for
// symbol-based entries and the unbased address for the rest.
func (ldr *Ldr) relocate(img *image.Image, name string, base, total uint32, addrs []uint32, resolver loader.SymbolResolver) error {
	for _, rel := range img.Relocations {
		target := addrs[rel.Section] + rel.Offset
		p := kernel.ToPointer(ldr.k, target)
		word, err := p.ReadWord()
		if err != nil {
			return err
		}
		var resolved, addend uint32
		if rel.Symbol == image.NoSymbol {
			if word > total {
				return &loader.RelocationRangeError{Module: name, Section: rel.Section, Offset: rel.Offset, Value: word}
			}
			resolved = base + word
		} else {
			sym := img.Symbols[rel.Symbol]
			if sym.Section == image.ImportSection {
				addr, err := resolver.ResolveSymbol(sym.Name)
				if err != nil {
					return &loader.UnresolvedSymbolError{Module: name, Symbol: sym.Name}
				}
				resolved = addr
			} else {
				resolved = addrs[sym.Section] + sym.Value
			}
			addend = word
		}
		var value uint32
		switch rel.Kind {
		case image.RELOC_ABSOLUTE:
			if uint64(resolved)+uint64(addend) > math.MaxUint32 {
				return &loader.RelocationRangeError{Module: name, Section: rel.Section, Offset: rel.Offset, Value: resolved + addend}
			}
			value = resolved + addend
		case image.RELOC_RELATIVE:
			value = resolved + addend - target
		case image.RELOC_SELF:
			value = resolved + addend - base
		}
		if err := p.WriteWord(value); err != nil {
			return err
		}
	}
	return nil
}
