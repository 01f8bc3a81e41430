package encoding

import (
	"reflect"
	"unsafe"
)

type sliceData struct {
	Data unsafe.Pointer
	Len  int
}

// checkCustom reports whether a type needs per-element marshaling
// instead of a raw memory copy.
func checkCustom(typ reflect.Type, bs int) bool {
	switch typ.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return false
	case reflect.Int, reflect.Uint, reflect.Uintptr, reflect.UnsafePointer:
		return int(typ.Size()) != bs
	default:
		return true
	}
}

func encodeArray(typ reflect.Type, bs int) (handler, structSize) {
	count := typ.Len()
	elemType := typ.Elem()
	if !checkCustom(elemType, bs) {
		size := make(structSize, count)
		elemSize := int(elemType.Size())
		for i := range size {
			size[i] = elemSize
		}
		totalSize := size.Size()
		return func(stream Stream, ptr unsafe.Pointer) error {
			_, err := stream.Write(unsafe.Slice((*byte)(ptr), totalSize))
			return err
		}, size
	}
	marshal, elemSize := encode(elemType, bs)
	size := make(structSize, 0, count*len(elemSize))
	for i := 0; i < count; i++ {
		size = size.Add(elemSize)
	}
	// Go stride, not target size: string and pointer elements are wider
	// in host memory than in the target image.
	stride := int(elemType.Size())
	return func(stream Stream, ptr unsafe.Pointer) error {
		for i := 0; i < count; i++ {
			err := marshal(stream, ptr)
			if err != nil {
				return err
			}
			ptr = unsafe.Add(ptr, stride)
		}
		return nil
	}, size
}

func decodeArray(typ reflect.Type, bs int) (handler, structSize) {
	count := typ.Len()
	elemType := typ.Elem()
	if !checkCustom(elemType, bs) {
		size := make(structSize, count)
		elemSize := int(elemType.Size())
		for i := range size {
			size[i] = elemSize
		}
		totalSize := size.Size()
		return func(stream Stream, ptr unsafe.Pointer) error {
			_, err := stream.Read(unsafe.Slice((*byte)(ptr), totalSize))
			return err
		}, size
	}
	unmarshal, elemSize := decode(elemType, bs)
	size := make(structSize, 0, count*len(elemSize))
	for i := 0; i < count; i++ {
		size = size.Add(elemSize)
	}
	stride := int(elemType.Size())
	return func(stream Stream, ptr unsafe.Pointer) error {
		for i := 0; i < count; i++ {
			err := unmarshal(stream, ptr)
			if err != nil {
				return err
			}
			ptr = unsafe.Add(ptr, stride)
		}
		return nil
	}, size
}

func encodeSlice(typ reflect.Type, bs int) (handler, structSize) {
	elemType := typ.Elem()
	if !checkCustom(elemType, bs) {
		elemSize := int(elemType.Size())
		return func(stream Stream, ptr unsafe.Pointer) error {
			slice := (*sliceData)(ptr)
			totalSize := elemSize * slice.Len
			subStream, err := stream.WriteStream(totalSize)
			if err != nil {
				return err
			}
			_, err = subStream.Write(unsafe.Slice((*byte)(slice.Data), totalSize))
			return err
		}, structSize{bs}
	}
	marshal, elemSize := encode(elemType, bs)
	elemTotalSize := elemSize.Size()
	stride := int(elemType.Size())
	return func(stream Stream, ptr unsafe.Pointer) error {
		slice := (*sliceData)(ptr)
		subStream, err := stream.WriteStream(elemTotalSize * slice.Len)
		if err != nil {
			return err
		}
		ptr = slice.Data
		for i := 0; i < slice.Len; i++ {
			err = marshal(subStream, ptr)
			if err != nil {
				return err
			}
			ptr = unsafe.Add(ptr, stride)
		}
		return nil
	}, structSize{bs}
}

func decodeSlice(typ reflect.Type, bs int) (handler, structSize) {
	elemType := typ.Elem()
	if !checkCustom(elemType, bs) {
		elemSize := int(elemType.Size())
		return func(stream Stream, ptr unsafe.Pointer) error {
			subStream, err := stream.ReadStream()
			if err != nil {
				return err
			} else if subStream.Offset() == 0 {
				return nil
			}
			slice := (*sliceData)(ptr)
			_, err = subStream.Read(unsafe.Slice((*byte)(slice.Data), elemSize*slice.Len))
			return err
		}, structSize{bs}
	}
	unmarshal, _ := decode(elemType, bs)
	stride := int(elemType.Size())
	return func(stream Stream, ptr unsafe.Pointer) error {
		subStream, err := stream.ReadStream()
		if err != nil {
			return err
		} else if subStream.Offset() == 0 {
			return nil
		}
		slice := (*sliceData)(ptr)
		ptr = slice.Data
		for i := 0; i < slice.Len; i++ {
			err = unmarshal(subStream, ptr)
			if err != nil {
				return err
			}
			ptr = unsafe.Add(ptr, stride)
		}
		return nil
	}, structSize{bs}
}

func encodeString(bs int) (handler, structSize) {
	return func(stream Stream, ptr unsafe.Pointer) error {
		slice := (*sliceData)(ptr)
		subStream, err := stream.WriteStream(slice.Len + 1)
		if err != nil {
			return err
		}
		return subStream.WriteString(unsafe.String((*byte)(slice.Data), slice.Len))
	}, structSize{bs}
}

func decodeString(bs int) (handler, structSize) {
	return func(stream Stream, ptr unsafe.Pointer) error {
		subStream, err := stream.ReadStream()
		if err != nil {
			return err
		} else if subStream.Offset() == 0 {
			return nil
		}
		str, err := subStream.ReadString()
		if err != nil {
			return err
		}
		*(*string)(ptr) = str
		return nil
	}, structSize{bs}
}
