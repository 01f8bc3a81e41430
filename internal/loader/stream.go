package loader

import (
	"encoding/binary"

	"github.com/wnxd/microloader/encoding"
	"github.com/wnxd/microloader/kernel"
)

type ptrStream struct {
	ptr   kernel.Pointer
	alloc func(size uint32) (kernel.Pointer, error)
}

// pointerStream adapts kernel memory behind ptr into an encoding
// stream. alloc provides the blocks backing pointer indirections; a
// nil alloc makes WriteStream fail, which is fine for read-only use.
func pointerStream(ptr kernel.Pointer, alloc func(size uint32) (kernel.Pointer, error)) encoding.Stream {
	return &ptrStream{ptr, alloc}
}

func (ps *ptrStream) BlockSize() int {
	return kernel.WordSize
}

func (ps *ptrStream) Offset() uint32 {
	return ps.ptr.Address()
}

func (ps *ptrStream) Skip(n int) error {
	ps.ptr = ps.ptr.Add(uint32(n))
	return nil
}

func (ps *ptrStream) Read(b []byte) (int, error) {
	n, err := ps.ptr.ReadAt(b, 0)
	if err != nil {
		return n, err
	}
	ps.ptr = ps.ptr.Add(uint32(n))
	return n, nil
}

func (ps *ptrStream) ReadString() (string, error) {
	str, err := ps.ptr.ReadString()
	if err != nil {
		return "", err
	}
	ps.ptr = ps.ptr.Add(uint32(len(str) + 1))
	return str, nil
}

func (ps *ptrStream) ReadStream() (encoding.Stream, error) {
	ptr, err := ps.ptr.ReadPointer()
	if err != nil {
		return nil, err
	}
	ps.ptr = ps.ptr.Add(kernel.WordSize)
	return pointerStream(ptr, ps.alloc), nil
}

func (ps *ptrStream) Write(b []byte) (int, error) {
	n, err := ps.ptr.WriteAt(b, 0)
	if err != nil {
		return n, err
	}
	ps.ptr = ps.ptr.Add(uint32(n))
	return n, nil
}

func (ps *ptrStream) WriteString(str string) error {
	if _, err := ps.Write([]byte(str)); err != nil {
		return err
	}
	_, err := ps.Write([]byte{0})
	return err
}

func (ps *ptrStream) WriteStream(size int) (encoding.Stream, error) {
	if ps.alloc == nil {
		return nil, kernel.ErrInvalidAddress
	}
	ptr, err := ps.alloc(uint32(size))
	if err != nil {
		return nil, err
	}
	var word [kernel.WordSize]byte
	binary.LittleEndian.PutUint32(word[:], ptr.Address())
	if _, err := ps.Write(word[:]); err != nil {
		return nil, err
	}
	return pointerStream(ptr, ps.alloc), nil
}
