package loader

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfMemory     = errors.New("out of memory")
	ErrArgumentInvalid = errors.New("argument invalid")
	ErrAddressInvalid  = errors.New("address invalid")
	ErrRegistryFull    = errors.New("registry full")
	ErrNotFound        = errors.New("not found")
	ErrModuleNotFound  = errors.New("module not found")
	ErrModuleExists    = errors.New("module exists")
	ErrSymbolNotFound  = errors.New("symbol not found")
	ErrNotRelocatable  = errors.New("image not relocatable")
	ErrNoRecoverPoint  = errors.New("no recover point")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDeviceExists    = errors.New("device exists")
)

// UnresolvedSymbolError reports an import a module needs that no
// loaded module exports.
type UnresolvedSymbolError struct {
	Module string
	Symbol string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("module %s: unresolved symbol %q", e.Module, e.Symbol)
}

func (e *UnresolvedSymbolError) Unwrap() error {
	return ErrSymbolNotFound
}

// RelocationRangeError reports a relocation whose resolved value falls
// outside the loaded image.
type RelocationRangeError struct {
	Module  string
	Section uint16
	Offset  uint32
	Value   uint32
}

func (e *RelocationRangeError) Error() string {
	return fmt.Sprintf("module %s: relocation out of range at section %d+%#x, value %#x",
		e.Module, e.Section, e.Offset, e.Value)
}

// OsError wraps a failed kernel primitive call.
type OsError struct {
	Op  string
	Err error
}

func (e *OsError) Error() string {
	return fmt.Sprintf("os primitive %s: %v", e.Op, e.Err)
}

func (e *OsError) Unwrap() error {
	return e.Err
}
