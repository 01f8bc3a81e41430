package microloader_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wnxd/microloader/filesystem"
	"github.com/wnxd/microloader/image"
	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

func TestJumpRecoverTearsDownToCapture(t *testing.T) {
	ldr, k := newLoader(t)
	ctx := context.Background()
	tk := ldr.Kernel()

	keepSema, err := tk.CreateSema(ctx, kernel.SemaParam{Max: 1})
	require.NoError(t, err)
	info0 := ldr.MemoryInfo()

	var resumed atomic.Int32
	done := make(chan struct{}, 1)
	require.NoError(t, ldr.SetRecoverPoint(ctx, func() {
		resumed.Add(1)
		done <- struct{}{}
	}))
	require.True(t, ldr.HasRecoverPoint())

	// litter created after the capture
	s1, err := tk.CreateSema(ctx, kernel.SemaParam{Max: 1})
	require.NoError(t, err)
	s2, err := tk.CreateSema(ctx, kernel.SemaParam{Max: 2})
	require.NoError(t, err)
	blk, err := tk.AllocSysMemory(ctx, 0x100)
	require.NoError(t, err)
	var fired atomic.Bool
	h, err := tk.RegisterHandler(ctx, 3, func(context.Context, int) { fired.Store(true) })
	require.NoError(t, err)
	worker1, err := tk.CreateThread(ctx, kernel.ThreadParam{Name: "worker1", Entry: 0x9000})
	require.NoError(t, err)
	worker2, err := tk.CreateThread(ctx, kernel.ThreadParam{Name: "worker2", Entry: 0x9400})
	require.NoError(t, err)
	img := &image.Image{
		Flags:    image.FLAG_RELOCATABLE,
		Sections: []image.Section{{MemSize: 0x20, Align: 4}},
	}
	_, err = ldr.LoadFromBuffer(ctx, "straggler", buildImage(t, img))
	require.NoError(t, err)

	jumper, err := tk.CreateThread(ctx, kernel.ThreadParam{
		Name: "crash",
		Routine: func(rctx context.Context, arg uint32) {
			ldr.JumpRecover(rctx)
			t.Error("JumpRecover returned")
		},
	})
	require.NoError(t, err)
	require.NoError(t, tk.StartThread(ctx, jumper, 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recover point never resumed")
	}
	require.EqualValues(t, 1, resumed.Load())
	require.False(t, ldr.HasRecoverPoint(), "the jump consumes the point")

	require.ErrorIs(t, k.DeleteSema(s1), kernel.ErrInvalidHandle)
	require.ErrorIs(t, k.DeleteSema(s2), kernel.ErrInvalidHandle)
	require.ErrorIs(t, k.FreeSysMemory(blk), kernel.ErrInvalidHandle)
	require.ErrorIs(t, k.ReleaseHandler(h), kernel.ErrInvalidHandle)
	require.ErrorIs(t, k.DeleteThread(worker1), kernel.ErrInvalidHandle)
	require.ErrorIs(t, k.DeleteThread(worker2), kernel.ErrInvalidHandle)
	_, err = ldr.FindModule("straggler")
	require.ErrorIs(t, err, loader.ErrModuleNotFound)

	require.NoError(t, k.RaiseInterrupt(ctx, 3))
	require.False(t, fired.Load(), "released handlers stay silent")

	require.Equal(t, 1, ldr.Semas().Len())
	require.True(t, ldr.Semas().Contains(keepSema))
	require.Zero(t, ldr.Handlers().Len())
	require.Zero(t, ldr.Blocks().Len())
	require.Zero(t, ldr.Threads().Len(), "the jumping thread is reaped")
	require.Equal(t, info0.FreeBytes, ldr.MemoryInfo().FreeBytes)

	// with the point consumed, a second jump only parks the caller
	again, err := tk.CreateThread(ctx, kernel.ThreadParam{
		Name: "again",
		Routine: func(rctx context.Context, arg uint32) {
			ldr.JumpRecover(rctx)
		},
	})
	require.NoError(t, err)
	require.NoError(t, tk.StartThread(ctx, again, 0))
	require.Eventually(t, func() bool {
		info, err := k.ThreadInfo(again)
		return err == nil && info.Status == kernel.ThreadStatus_Dormant
	}, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, resumed.Load(), "no point, no resume")
}

func TestJumpRecoverNoTeardown(t *testing.T) {
	ldr, k := newLoader(t)
	ctx := context.Background()
	tk := ldr.Kernel()

	done := make(chan struct{}, 1)
	require.NoError(t, ldr.SetRecoverPoint(ctx, func() { done <- struct{}{} }))
	s, err := tk.CreateSema(ctx, kernel.SemaParam{Max: 1})
	require.NoError(t, err)

	soft, err := tk.CreateThread(ctx, kernel.ThreadParam{
		Name: "soft",
		Routine: func(rctx context.Context, arg uint32) {
			ldr.JumpRecoverNoTeardown(rctx)
		},
	})
	require.NoError(t, err)
	require.NoError(t, tk.StartThread(ctx, soft, 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recover point never resumed")
	}
	require.True(t, ldr.HasRecoverPoint(), "the point stays armed")
	require.True(t, ldr.Semas().Contains(s), "nothing is torn down")
	require.NoError(t, k.RaiseInterrupt(ctx, 0))

	// the armed point still fires a full recovery later
	jumper, err := tk.CreateThread(ctx, kernel.ThreadParam{
		Name: "crash",
		Routine: func(rctx context.Context, arg uint32) {
			ldr.JumpRecover(rctx)
		},
	})
	require.NoError(t, err)
	require.NoError(t, tk.StartThread(ctx, jumper, 0))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second resume never came")
	}
	require.False(t, ldr.HasRecoverPoint())
}

func TestRecaptureReplacesPoint(t *testing.T) {
	ldr, _ := newLoader(t)
	ctx := context.Background()
	tk := ldr.Kernel()

	require.ErrorIs(t, ldr.SetRecoverPoint(ctx, nil), loader.ErrArgumentInvalid)

	var which atomic.Int32
	done := make(chan struct{}, 1)
	require.NoError(t, ldr.SetRecoverPoint(ctx, func() {
		which.Store(1)
		done <- struct{}{}
	}))
	require.NoError(t, ldr.SetRecoverPoint(ctx, func() {
		which.Store(2)
		done <- struct{}{}
	}))

	jumper, err := tk.CreateThread(ctx, kernel.ThreadParam{
		Name: "crash",
		Routine: func(rctx context.Context, arg uint32) {
			ldr.JumpRecover(rctx)
		},
	})
	require.NoError(t, err)
	require.NoError(t, tk.StartThread(ctx, jumper, 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recover point never resumed")
	}
	require.EqualValues(t, 2, which.Load(), "recapture replaces the continuation")
}

func TestJumpWithoutPointExitsThread(t *testing.T) {
	ldr, k := newLoader(t)
	ctx := context.Background()
	tk := ldr.Kernel()

	require.False(t, ldr.HasRecoverPoint())
	lost, err := tk.CreateThread(ctx, kernel.ThreadParam{
		Name: "lost",
		Routine: func(rctx context.Context, arg uint32) {
			ldr.JumpRecover(rctx)
			t.Error("JumpRecover returned")
		},
	})
	require.NoError(t, err)
	require.NoError(t, tk.StartThread(ctx, lost, 0))

	require.Eventually(t, func() bool {
		info, err := k.ThreadInfo(lost)
		return err == nil && info.Status == kernel.ThreadStatus_Dormant
	}, time.Second, 5*time.Millisecond)
}

func TestRebootRestoresBootState(t *testing.T) {
	ldr, _ := newLoader(t)
	ctx := context.Background()
	tk := ldr.Kernel()
	boot0 := ldr.MemoryInfo()

	vfs := filesystem.NewVirtualFS()
	require.NoError(t, ldr.Mount("host0", vfs))

	img := &image.Image{
		Flags:    image.FLAG_EXECUTABLE | image.FLAG_RELOCATABLE,
		Sections: []image.Section{{MemSize: 0x80, Align: 4, Prot: image.PROT_READ | image.PROT_EXEC}},
	}
	_, err := ldr.LoadFromBuffer(ctx, "resident", buildImage(t, img), "x")
	require.NoError(t, err)
	_, err = tk.CreateSema(ctx, kernel.SemaParam{Max: 1})
	require.NoError(t, err)
	require.NoError(t, ldr.SetRecoverPoint(ctx, func() {}))

	var resetRan atomic.Bool
	ldr.SetResetCallback(func() { resetRan.Store(true) })
	require.NoError(t, ldr.Reboot(ctx))

	require.True(t, resetRan.Load())
	require.Empty(t, ldr.Modules())
	require.Zero(t, ldr.Threads().Len())
	require.Zero(t, ldr.Semas().Len())
	require.False(t, ldr.HasRecoverPoint())
	after := ldr.MemoryInfo()
	require.Equal(t, boot0.FreeBytes, after.FreeBytes)
	require.Equal(t, boot0.LargestFree, after.LargestFree)

	// mounts survive a reboot
	_, rest, err := ldr.Resolve("host0:boot.cnf")
	require.NoError(t, err)
	require.Equal(t, "boot.cnf", rest)

	// and the loader is immediately usable again
	mod, err := ldr.LoadFromBuffer(ctx, "fresh", buildImage(t, &image.Image{
		Flags:    image.FLAG_RELOCATABLE,
		Sections: []image.Section{{MemSize: 0x10, Align: 4}},
	}))
	require.NoError(t, err)
	require.Equal(t, "fresh", mod.Name())
}
