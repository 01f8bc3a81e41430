package kernel

import "context"

type ThreadID int32

// NoThread is reported by CurrentThread for goroutines that do not run
// on a kernel thread.
const NoThread ThreadID = -1

type ThreadStatus int

const (
	ThreadStatus_Dormant ThreadStatus = iota
	ThreadStatus_Ready
	ThreadStatus_Run
)

// Routine is the body of a kernel thread. It must return, or call
// ExitThread, when ctx is done.
type Routine func(ctx context.Context, arg uint32)

type ThreadParam struct {
	Name      string
	Entry     uint32
	StackSize uint32
	Priority  int
	// Routine, when non-nil, runs in place of whatever is bound at Entry.
	Routine Routine
}

type ThreadInfo struct {
	Name     string
	Entry    uint32
	Status   ThreadStatus
	Priority int
}

type threadKey struct{}

// WithThread tags ctx with the identity of a kernel thread. The kernel
// tags thread contexts itself; callers only need this to act on behalf
// of a specific thread.
func WithThread(ctx context.Context, id ThreadID) context.Context {
	return context.WithValue(ctx, threadKey{}, id)
}

// CurrentThread reports the kernel thread ctx belongs to, or NoThread.
func CurrentThread(ctx context.Context) ThreadID {
	if id, ok := ctx.Value(threadKey{}).(ThreadID); ok {
		return id
	}
	return NoThread
}

func (s ThreadStatus) String() string {
	switch s {
	case ThreadStatus_Dormant:
		return "dormant"
	case ThreadStatus_Ready:
		return "ready"
	case ThreadStatus_Run:
		return "run"
	}
	return "unknown"
}
