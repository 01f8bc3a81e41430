package encoding

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/modern-go/reflect2"
)

type handler = func(Stream, unsafe.Pointer) error

type handlerData struct {
	handler handler
	size    int
}

type structSize []int

func (ss structSize) Add(size structSize) structSize {
	return append(ss, size...)
}

func (ss structSize) Size() (total int) {
	for _, size := range ss {
		total += size
	}
	return
}

var (
	encodeProcess sync.Map
	padNull       [8]byte
)

// EncodeSize reports how many target bytes Encode writes for val
// itself, not counting blocks reached through pointer indirection.
func EncodeSize(blockSize int, val any) int {
	if reflect2.PtrOf(val) == nil {
		return blockSize
	}
	return getMarshalData(reflect.TypeOf(val), blockSize).size
}

func Encode(stream Stream, val any) error {
	bs := stream.BlockSize()
	ptr := reflect2.PtrOf(val)
	if ptr == nil {
		_, err := stream.Write(padNull[:bs])
		return err
	}
	typ := reflect.TypeOf(val)
	marshal := getMarshalData(typ, bs).handler
	switch typ.Kind() {
	case reflect.Pointer:
		return marshal(stream, unsafe.Pointer(&ptr))
	case reflect.Struct:
		if typ.NumField() == 1 && typ.Field(0).Type.Kind() == reflect.Pointer {
			return marshal(stream, unsafe.Pointer(&ptr))
		}
	}
	return marshal(stream, ptr)
}

func getMarshalData(typ reflect.Type, bs int) *handlerData {
	key := [2]uintptr{uintptr(bs), reflect2.Type2(typ).RType()}
	var data *handlerData
	if v, ok := encodeProcess.Load(key); ok {
		data = v.(*handlerData)
	} else {
		marshal, size := encode(typ, bs)
		data = &handlerData{marshal, size.Size()}
		encodeProcess.Store(key, data)
	}
	return data
}

func encode(typ reflect.Type, bs int) (handler, structSize) {
	switch typ.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		size := int(typ.Size())
		return func(stream Stream, ptr unsafe.Pointer) error {
			_, err := stream.Write(unsafe.Slice((*byte)(ptr), size))
			return err
		}, structSize{size}
	case reflect.Int, reflect.Uint, reflect.Uintptr, reflect.UnsafePointer:
		size := int(typ.Size())
		var pad int
		if size > bs {
			size = bs
		} else if size < bs {
			pad = bs - size
		}
		return func(stream Stream, ptr unsafe.Pointer) error {
			_, err := stream.Write(unsafe.Slice((*byte)(ptr), size))
			if err != nil {
				return err
			} else if pad > 0 {
				_, err = stream.Write(padNull[:pad])
				return err
			}
			return nil
		}, structSize{bs}
	case reflect.Array:
		return encodeArray(typ, bs)
	case reflect.Pointer:
		return encodePointer(typ.Elem(), bs)
	case reflect.Slice:
		return encodeSlice(typ, bs)
	case reflect.String:
		return encodeString(bs)
	case reflect.Struct:
		return encodeStruct(typ, bs)
	}
	panic("unsupported type: " + typ.String())
}

func encodePointer(typ reflect.Type, bs int) (handler, structSize) {
	marshal, elemSize := encode(typ, bs)
	totalSize := elemSize.Size()
	return func(stream Stream, ptr unsafe.Pointer) error {
		if ptr == nil {
			return stream.Skip(bs)
		}
		subStream, err := stream.WriteStream(totalSize)
		if err != nil {
			return err
		}
		return marshal(subStream, *(*unsafe.Pointer)(ptr))
	}, structSize{bs}
}
