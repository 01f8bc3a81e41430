package kernel

import (
	"bytes"
	"encoding/binary"
)

// WordSize is the width of a machine word. All multi-byte values in
// kernel memory are little-endian.
const WordSize = 4

type Pointer struct {
	k    Kernel
	addr uint32
}

func ToPointer(k Kernel, addr uint32) Pointer {
	return Pointer{k, addr}
}

func (p Pointer) IsNil() bool {
	return p.addr == 0
}

func (p Pointer) Address() uint32 {
	return p.addr
}

func (p Pointer) Add(offset uint32) Pointer {
	return Pointer{p.k, p.addr + offset}
}

func (p Pointer) Sub(offset uint32) Pointer {
	return Pointer{p.k, p.addr - offset}
}

func (p Pointer) MemRead(size uint32) ([]byte, error) {
	return p.k.MemRead(p.addr, size)
}

func (p Pointer) MemWrite(data []byte) error {
	return p.k.MemWrite(p.addr, data)
}

func (p Pointer) ReadWord() (uint32, error) {
	data, err := p.k.MemRead(p.addr, WordSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (p Pointer) WriteWord(v uint32) error {
	var data [WordSize]byte
	binary.LittleEndian.PutUint32(data[:], v)
	return p.k.MemWrite(p.addr, data[:])
}

func (p Pointer) ReadString() (string, error) {
	var data []byte
	const chunk = 0x10
	for begin := p.addr; ; begin += chunk {
		size := uint32(chunk)
		if end := p.k.MemSize(); begin+size > end {
			size = end - begin
		}
		if size == 0 {
			return "", ErrInvalidAddress
		}
		buf, err := p.k.MemRead(begin, size)
		if err != nil {
			return "", err
		}
		i := bytes.IndexByte(buf, 0)
		if i == -1 {
			data = append(data, buf...)
		} else {
			data = append(data, buf[:i]...)
			break
		}
	}
	return string(data), nil
}

func (p Pointer) ReadPointer() (Pointer, error) {
	addr, err := p.ReadWord()
	if err != nil {
		return Pointer{}, err
	}
	return Pointer{p.k, addr}, nil
}

func (p Pointer) ReadAt(b []byte, off int64) (n int, err error) {
	data, err := p.k.MemRead(p.addr+uint32(off), uint32(len(b)))
	if err != nil {
		return 0, err
	}
	return copy(b, data), nil
}

func (p Pointer) WriteAt(b []byte, off int64) (n int, err error) {
	err = p.k.MemWrite(p.addr+uint32(off), b)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
