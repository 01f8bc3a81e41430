// Package image decodes and encodes relocatable module images. An
// image carries a section table, a relocation table, a symbol table
// and a name table, all little-endian, followed by raw section data.
package image

import (
	"errors"
	"fmt"
)

const (
	Magic   = "MLX1"
	Version = 1
)

const headerSize = 40

const (
	sectionDescSize = 20
	relocSize       = 12
	symbolSize      = 12
)

type Flag uint16

const (
	FLAG_EXECUTABLE Flag = 1 << iota
	FLAG_RELOCATABLE
)

type Prot uint32

const (
	PROT_READ Prot = 1 << iota
	PROT_WRITE
	PROT_EXEC

	PROT_ALL = PROT_READ | PROT_WRITE | PROT_EXEC
)

type RelocKind uint16

const (
	// RELOC_ABSOLUTE writes the resolved address plus addend.
	RELOC_ABSOLUTE RelocKind = iota
	// RELOC_RELATIVE writes the displacement from the patch site.
	RELOC_RELATIVE
	// RELOC_SELF writes the resolved address relative to the load base.
	RELOC_SELF
)

// NoSymbol marks a relocation that resolves against the in-place word
// instead of a symbol table entry.
const NoSymbol uint32 = 0xFFFFFFFF

// ImportSection marks a symbol imported from another module.
const ImportSection uint16 = 0xFFFF

type Section struct {
	// Data is the initialized prefix of the section. The remainder up
	// to MemSize is zero-filled at load time.
	Data    []byte
	MemSize uint32
	Align   uint32
	Prot    Prot
}

type Relocation struct {
	Section uint16
	Kind    RelocKind
	// Offset of the patched word within the section. Word-aligned.
	Offset uint32
	// Symbol index, or NoSymbol.
	Symbol uint32
}

type Symbol struct {
	Name string
	// Section the symbol lives in, or ImportSection.
	Section uint16
	// Value is the symbol's offset within its section. Zero for imports.
	Value uint32
}

type Image struct {
	// Name identifies the module. Empty when the image carries none;
	// the loader then falls back to the source path.
	Name         string
	Flags        Flag
	EntrySection uint16
	EntryOffset  uint32
	Sections     []Section
	Relocations  []Relocation
	Symbols      []Symbol
}

func (img *Image) Executable() bool {
	return img.Flags&FLAG_EXECUTABLE != 0
}

func (img *Image) Relocatable() bool {
	return img.Flags&FLAG_RELOCATABLE != 0
}

// Lookup finds a defined symbol by name. Imports never match.
func (img *Image) Lookup(name string) (Symbol, bool) {
	for _, sym := range img.Symbols {
		if sym.Section != ImportSection && sym.Name == name {
			return sym, true
		}
	}
	return Symbol{}, false
}

var ErrMalformed = errors.New("malformed image")

// FormatError reports where and why an image failed to decode. It
// unwraps to ErrMalformed.
type FormatError struct {
	Off    int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed image at %#x: %s", e.Off, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return ErrMalformed
}
