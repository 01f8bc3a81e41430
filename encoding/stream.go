// Package encoding marshals Go values into target memory through a
// Stream cursor. Word-sized kinds are clamped or padded to the
// stream's block size; pointers, slices and strings become separately
// allocated blocks linked by target addresses.
package encoding

// Stream is a cursor over target memory. Offset reports the absolute
// target address of the cursor; a sub-stream at offset zero stands for
// a nil pointer.
type Stream interface {
	BlockSize() int
	Offset() uint32
	Skip(int) error
	Read([]byte) (int, error)
	ReadString() (string, error)
	ReadStream() (Stream, error)
	Write([]byte) (int, error)
	WriteString(string) error
	WriteStream(int) (Stream, error)
}

type fakeStream struct {
	Stream
}

func (s fakeStream) ReadStream() (Stream, error) {
	return s.Stream, nil
}
