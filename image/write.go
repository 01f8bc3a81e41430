package image

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Encode serializes img into the binary module format. The section
// data blobs are packed word-aligned after the tables.
func (img *Image) Encode() ([]byte, error) {
	if len(img.Sections) > 0xFFFF {
		return nil, fmt.Errorf("too many sections: %d", len(img.Sections))
	}
	for i, sec := range img.Sections {
		if sec.Align == 0 || sec.Align&(sec.Align-1) != 0 {
			return nil, fmt.Errorf("section %d: alignment %#x not a power of two", i, sec.Align)
		}
		if uint32(len(sec.Data)) > sec.MemSize {
			return nil, fmt.Errorf("section %d: data exceeds memory size", i)
		}
	}

	// The name table opens with a NUL so that offset zero reads as the
	// empty string, for unnamed images and unnamed symbols alike.
	offsets := make(map[string]uint32, len(img.Symbols)+1)
	var names []byte
	if img.Name != "" || len(img.Symbols) > 0 {
		names = append(names, 0)
		offsets[""] = 0
	}
	intern := func(s string) uint32 {
		if off, ok := offsets[s]; ok {
			return off
		}
		off := uint32(len(names))
		offsets[s] = off
		names = append(names, s...)
		names = append(names, 0)
		return off
	}
	var nameOff uint32
	if img.Name != "" {
		nameOff = intern(img.Name)
	}
	for _, sym := range img.Symbols {
		intern(sym.Name)
	}

	tables := len(img.Sections)*sectionDescSize +
		len(img.Relocations)*relocSize +
		len(img.Symbols)*symbolSize +
		len(names)
	dataOff := uint32(headerSize + tables)
	total := dataOff
	for _, sec := range img.Sections {
		total = (total + 3) &^ 3
		total += uint32(len(sec.Data))
	}

	buf := make([]byte, total)
	le := binary.LittleEndian
	copy(buf, Magic)
	le.PutUint16(buf[4:], Version)
	le.PutUint16(buf[6:], uint16(img.Flags))
	le.PutUint16(buf[8:], uint16(len(img.Sections)))
	le.PutUint16(buf[10:], img.EntrySection)
	le.PutUint32(buf[12:], img.EntryOffset)
	le.PutUint32(buf[16:], uint32(len(img.Relocations)))
	le.PutUint32(buf[20:], uint32(len(img.Symbols)))
	le.PutUint32(buf[24:], uint32(len(names)))
	le.PutUint32(buf[28:], nameOff)

	off := headerSize
	pos := dataOff
	for _, sec := range img.Sections {
		pos = (pos + 3) &^ 3
		d := buf[off:]
		le.PutUint32(d, pos)
		le.PutUint32(d[4:], uint32(len(sec.Data)))
		le.PutUint32(d[8:], sec.MemSize)
		le.PutUint32(d[12:], sec.Align)
		le.PutUint32(d[16:], uint32(sec.Prot))
		copy(buf[pos:], sec.Data)
		pos += uint32(len(sec.Data))
		off += sectionDescSize
	}
	for _, rel := range img.Relocations {
		d := buf[off:]
		le.PutUint16(d, rel.Section)
		le.PutUint16(d[2:], uint16(rel.Kind))
		le.PutUint32(d[4:], rel.Offset)
		le.PutUint32(d[8:], rel.Symbol)
		off += relocSize
	}
	for _, sym := range img.Symbols {
		d := buf[off:]
		le.PutUint32(d, offsets[sym.Name])
		le.PutUint16(d[4:], sym.Section)
		le.PutUint32(d[8:], sym.Value)
		off += symbolSize
	}
	copy(buf[off:], names)

	le.PutUint64(buf[32:], xxhash.Sum64(buf[headerSize:]))
	return buf, nil
}

// WriteTo writes the encoded image to w.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	data, err := img.Encode()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}
