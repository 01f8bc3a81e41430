package image

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Parse decodes a module image. Every offset and length is checked
// against the buffer before use; a failure never reads out of bounds.
// Section data in the result aliases data rather than copying it.
func Parse(data []byte) (*Image, error) {
	if len(data) < headerSize {
		return nil, &FormatError{0, "truncated header"}
	}
	if string(data[:4]) != Magic {
		return nil, &FormatError{0, "bad magic"}
	}
	le := binary.LittleEndian
	if v := le.Uint16(data[4:]); v != Version {
		return nil, &FormatError{4, "unsupported version"}
	}
	img := &Image{
		Flags:        Flag(le.Uint16(data[6:])),
		EntrySection: le.Uint16(data[10:]),
		EntryOffset:  le.Uint32(data[12:]),
	}
	nsec := int(le.Uint16(data[8:]))
	nrel := int64(le.Uint32(data[16:]))
	nsym := int64(le.Uint32(data[20:]))
	names := int64(le.Uint32(data[24:]))
	// A zero checksum marks an unhashed image.
	if sum := le.Uint64(data[32:]); sum != 0 && xxhash.Sum64(data[headerSize:]) != sum {
		return nil, &FormatError{32, "checksum mismatch"}
	}
	need := int64(nsec)*sectionDescSize + nrel*relocSize + nsym*symbolSize + names
	if need > int64(len(data))-headerSize {
		return nil, &FormatError{headerSize, "tables out of bounds"}
	}
	tabEnd := headerSize + nsec*sectionDescSize + int(nrel)*relocSize + int(nsym)*symbolSize
	nameTab := data[tabEnd : tabEnd+int(names)]

	// Name table offset zero is the conventional empty string.
	if nameOff := le.Uint32(data[28:]); nameOff != 0 {
		if int64(nameOff) >= names {
			return nil, &FormatError{28, "module name out of bounds"}
		}
		end := bytes.IndexByte(nameTab[nameOff:], 0)
		if end == -1 {
			return nil, &FormatError{28, "unterminated module name"}
		}
		img.Name = string(nameTab[nameOff : int(nameOff)+end])
	}

	off := headerSize
	var total uint64
	img.Sections = make([]Section, nsec)
	for i := range img.Sections {
		d := data[off:]
		dataOff := le.Uint32(d)
		dataSize := le.Uint32(d[4:])
		memSize := le.Uint32(d[8:])
		align := le.Uint32(d[12:])
		prot := Prot(le.Uint32(d[16:]))
		if align == 0 || align&(align-1) != 0 {
			return nil, &FormatError{off + 12, "alignment not a power of two"}
		}
		if dataSize > memSize {
			return nil, &FormatError{off + 4, "section data exceeds memory size"}
		}
		end := int64(dataOff) + int64(dataSize)
		if end > int64(len(data)) {
			return nil, &FormatError{off, "section data out of bounds"}
		}
		if prot&^PROT_ALL != 0 {
			return nil, &FormatError{off + 16, "invalid protection flags"}
		}
		total += uint64(align) + uint64(memSize)
		if total > 0xFFFFFFFF {
			return nil, &FormatError{off + 8, "image too large"}
		}
		img.Sections[i] = Section{
			Data:    data[dataOff:end],
			MemSize: memSize,
			Align:   align,
			Prot:    prot,
		}
		off += sectionDescSize
	}

	img.Relocations = make([]Relocation, nrel)
	seen := make(map[uint64]struct{}, nrel)
	for i := range img.Relocations {
		d := data[off:]
		rel := Relocation{
			Section: le.Uint16(d),
			Kind:    RelocKind(le.Uint16(d[2:])),
			Offset:  le.Uint32(d[4:]),
			Symbol:  le.Uint32(d[8:]),
		}
		if int(rel.Section) >= nsec {
			return nil, &FormatError{off, "relocation section out of range"}
		}
		if rel.Kind > RELOC_SELF {
			return nil, &FormatError{off + 2, "unknown relocation kind"}
		}
		if rel.Offset%4 != 0 {
			return nil, &FormatError{off + 4, "misaligned relocation target"}
		}
		if sec := &img.Sections[rel.Section]; rel.Offset+4 > sec.MemSize || rel.Offset+4 < rel.Offset {
			return nil, &FormatError{off + 4, "relocation target out of bounds"}
		}
		if rel.Symbol != NoSymbol && int64(rel.Symbol) >= nsym {
			return nil, &FormatError{off + 8, "relocation symbol out of range"}
		}
		key := uint64(rel.Section)<<32 | uint64(rel.Offset)
		if _, dup := seen[key]; dup {
			return nil, &FormatError{off, "duplicate relocation target"}
		}
		seen[key] = struct{}{}
		img.Relocations[i] = rel
		off += relocSize
	}

	img.Symbols = make([]Symbol, nsym)
	for i := range img.Symbols {
		d := data[off:]
		name := le.Uint32(d)
		section := le.Uint16(d[4:])
		value := le.Uint32(d[8:])
		if int64(name) >= names {
			return nil, &FormatError{off, "symbol name out of bounds"}
		}
		end := bytes.IndexByte(nameTab[name:], 0)
		if end == -1 {
			return nil, &FormatError{off, "unterminated symbol name"}
		}
		if section != ImportSection {
			if int(section) >= nsec {
				return nil, &FormatError{off + 4, "symbol section out of range"}
			}
			if value > img.Sections[section].MemSize {
				return nil, &FormatError{off + 8, "symbol value out of bounds"}
			}
		}
		img.Symbols[i] = Symbol{
			Name:    string(nameTab[name : int(name)+end]),
			Section: section,
			Value:   value,
		}
		off += symbolSize
	}

	if img.Executable() {
		if int(img.EntrySection) >= nsec {
			return nil, &FormatError{10, "entry section out of range"}
		}
		if img.Sections[img.EntrySection].Prot&PROT_EXEC == 0 {
			return nil, &FormatError{10, "entry section not executable"}
		}
		if img.EntryOffset >= img.Sections[img.EntrySection].MemSize {
			return nil, &FormatError{12, "entry offset out of bounds"}
		}
	}
	return img, nil
}
