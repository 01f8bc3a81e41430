package loader

import "github.com/wnxd/microloader/kernel"

// Module is a loaded, relocated image. Executable modules own a main
// thread; library modules only contribute symbols.
type Module interface {
	Name() string
	BaseAddr() uint32
	Size() uint32
	EntryAddr() uint32
	MainThread() kernel.ThreadID
	FindSymbol(name string) (uint32, error)
}
