package encoding

import (
	"iter"
	"reflect"
	"unsafe"
)

type structData struct {
	handler handler
	offset  int
}

// Fields tagged `encoding:"ignore"` are skipped. A struct whose fields
// all match their target width is copied raw; anything else marshals
// field by field with target alignment padding.
func encodeStruct(typ reflect.Type, bs int) (handler, structSize) {
	if size, ok := rawStructSize(typ, bs); ok {
		totalSize := size.Size()
		return func(stream Stream, ptr unsafe.Pointer) error {
			_, err := stream.Write(unsafe.Slice((*byte)(ptr), totalSize))
			return err
		}, size
	}
	fields, size, pad := structFields(typ, bs, encode)
	return func(stream Stream, ptr unsafe.Pointer) error {
		for _, data := range fields {
			err := data.handler(stream, unsafe.Add(ptr, data.offset))
			if err != nil {
				return err
			}
		}
		if pad > 0 {
			return stream.Skip(pad)
		}
		return nil
	}, size
}

func decodeStruct(typ reflect.Type, bs int) (handler, structSize) {
	if size, ok := rawStructSize(typ, bs); ok {
		totalSize := size.Size()
		return func(stream Stream, ptr unsafe.Pointer) error {
			_, err := stream.Read(unsafe.Slice((*byte)(ptr), totalSize))
			return err
		}, size
	}
	fields, size, pad := structFields(typ, bs, decode)
	return func(stream Stream, ptr unsafe.Pointer) error {
		for _, data := range fields {
			err := data.handler(stream, unsafe.Add(ptr, data.offset))
			if err != nil {
				return err
			}
		}
		if pad > 0 {
			return stream.Skip(pad)
		}
		return nil
	}, size
}

// rawStructSize reports the copyable layout of a struct none of whose
// fields need custom marshaling.
func rawStructSize(typ reflect.Type, bs int) (structSize, bool) {
	var size structSize
	var offset uintptr
	for field := range rangeField(typ) {
		if field.Tag.Get("encoding") == "ignore" {
			return nil, false
		}
		if checkCustom(field.Type, bs) {
			return nil, false
		}
		if s := field.Offset - offset; s != 0 {
			size = append(size, int(s))
		}
		offset = field.Offset
	}
	size = append(size, int(typ.Size()-offset))
	return size, true
}

func structFields(typ reflect.Type, bs int, codec func(reflect.Type, int) (handler, structSize)) ([]*structData, structSize, int) {
	var size structSize
	fields := make([]*structData, 0, typ.NumField())
	for field := range rangeField(typ) {
		if field.Tag.Get("encoding") == "ignore" {
			continue
		}
		h, fieldSize := fieldAlign(field.Type, bs, size.Size(), codec)
		size = size.Add(fieldSize)
		fields = append(fields, &structData{h, int(field.Offset)})
	}
	var maxSize int
	for _, s := range size {
		maxSize = max(maxSize, s)
	}
	totalSize := size.Size()
	pad := 0
	if maxSize > 0 {
		pad = align(totalSize, maxSize) - totalSize
	}
	if pad > 0 {
		size = append(size, pad)
	}
	return fields, size, pad
}

func fieldAlign(typ reflect.Type, bs, offset int, codec func(reflect.Type, int) (handler, structSize)) (handler, structSize) {
	h, size := codec(typ, bs)
	addr := align(offset, size[0])
	if addr == offset {
		return h, size
	}
	pad := addr - offset
	return func(stream Stream, ptr unsafe.Pointer) error {
		err := stream.Skip(pad)
		if err != nil {
			return err
		}
		return h(stream, ptr)
	}, append(structSize{pad}, size...)
}

func rangeField(typ reflect.Type) iter.Seq[reflect.StructField] {
	return func(yield func(reflect.StructField) bool) {
		count := typ.NumField()
		for i := 0; i < count; i++ {
			if !yield(typ.Field(i)) {
				break
			}
		}
	}
}

func align(a, b int) int {
	return (a + b - 1) &^ (b - 1)
}
