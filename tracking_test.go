package microloader_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wnxd/microloader/image"
	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

func TestModuleResourcesReleasedOnUnload(t *testing.T) {
	ldr, k := newLoader(t)
	ctx := context.Background()
	tk := ldr.Kernel()
	base := heapBase(t, ldr)

	created := make(chan kernel.SemaID, 1)
	k.BindRoutine(base, func(rctx context.Context, arg uint32) {
		id, err := tk.CreateSema(rctx, kernel.SemaParam{Max: 1})
		if err != nil {
			created <- -1
			return
		}
		created <- id
		tk.WaitSema(rctx, id) // parks until the module is unloaded
	})

	img := &image.Image{
		Flags:    image.FLAG_EXECUTABLE | image.FLAG_RELOCATABLE,
		Sections: []image.Section{{MemSize: 0x10, Align: 4, Prot: image.PROT_READ | image.PROT_EXEC}},
	}
	mod, err := ldr.LoadFromBuffer(ctx, "svc", buildImage(t, img))
	require.NoError(t, err)
	require.Equal(t, base, mod.BaseAddr())
	require.True(t, ldr.Threads().Contains(mod.MainThread()))

	var sid kernel.SemaID
	select {
	case sid = <-created:
	case <-time.After(time.Second):
		t.Fatal("module entry never ran")
	}
	require.GreaterOrEqual(t, sid, kernel.SemaID(0))
	require.True(t, ldr.Semas().Contains(sid), "the module's sema lands in the registry")

	require.NoError(t, ldr.Unload(ctx, mod))
	require.False(t, ldr.Semas().Contains(sid))
	require.ErrorIs(t, k.DeleteSema(sid), kernel.ErrInvalidHandle)
	require.Zero(t, ldr.Threads().Len())
}

func TestChangeThreadPriorityExcept(t *testing.T) {
	ldr, k := newLoader(t)
	ctx := context.Background()
	tk := ldr.Kernel()

	a, err := tk.CreateThread(ctx, kernel.ThreadParam{Name: "a", Priority: 8})
	require.NoError(t, err)
	b, err := tk.CreateThread(ctx, kernel.ThreadParam{Name: "b", Priority: 8})
	require.NoError(t, err)

	require.NoError(t, ldr.ChangeThreadPriorityExcept(kernel.WithThread(ctx, a), 1))

	ai, err := k.ThreadInfo(a)
	require.NoError(t, err)
	bi, err := k.ThreadInfo(b)
	require.NoError(t, err)
	require.Equal(t, 8, ai.Priority, "the caller keeps its priority")
	require.Equal(t, 1, bi.Priority)
}

func TestRegistryFull(t *testing.T) {
	ldr, _ := newLoader(t)
	ctx := context.Background()
	tk := ldr.Kernel()

	ids := make([]kernel.SemaID, 0, loader.RegistryCap)
	for i := 0; i < loader.RegistryCap; i++ {
		id, err := tk.CreateSema(ctx, kernel.SemaParam{Max: 1})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, loader.RegistryCap, ldr.Semas().Len())

	_, err := tk.CreateSema(ctx, kernel.SemaParam{Max: 1})
	require.ErrorIs(t, err, loader.ErrRegistryFull)

	require.NoError(t, tk.DeleteSema(ids[100]))
	id, err := tk.CreateSema(ctx, kernel.SemaParam{Max: 1})
	require.NoError(t, err)
	require.True(t, ldr.Semas().Contains(id))
}

func TestTrackedKernelSharesMemory(t *testing.T) {
	ldr, k := newLoader(t)
	tk := ldr.Kernel()

	addr, err := ldr.Alloc(16, 4)
	require.NoError(t, err)
	require.NoError(t, tk.MemWrite(addr, []byte{1, 2, 3, 4}))
	data, err := k.MemRead(addr, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)

	got, err := tk.MemRead(addr, 4)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, ldr.Free(addr))
}
