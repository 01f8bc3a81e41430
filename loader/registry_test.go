package loader_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wnxd/microloader/kernel"
	"github.com/wnxd/microloader/loader"
)

func TestRegistryRegister(t *testing.T) {
	r := loader.NewRegistry[kernel.ThreadID]()
	slot, err := r.Register(5)
	require.NoError(t, err)
	require.Equal(t, 0, slot)
	slot, err = r.Register(9)
	require.NoError(t, err)
	require.Equal(t, 1, slot)
	require.True(t, r.Contains(5))
	require.True(t, r.Contains(9))
	require.Equal(t, 2, r.Len())

	_, err = r.Register(-3)
	require.ErrorIs(t, err, kernel.ErrInvalidHandle)
}

// Deleting a handle clears only the slot holding it; a duplicate in a
// later slot survives untouched.
func TestRegistryUnregisterDuplicate(t *testing.T) {
	r := loader.NewRegistry[kernel.ThreadID]()
	for _, h := range []kernel.ThreadID{5, 9, 5} {
		_, err := r.Register(h)
		require.NoError(t, err)
	}
	got, err := r.Unregister(9)
	require.NoError(t, err)
	require.EqualValues(t, 9, got)
	require.Equal(t, []kernel.ThreadID{5, 5}, r.Snapshot())

	_, err = r.Unregister(9)
	require.ErrorIs(t, err, loader.ErrNotFound)
	require.Equal(t, []kernel.ThreadID{5, 5}, r.Snapshot(), "failed delete leaves table unchanged")

	got, err = r.Unregister(5)
	require.NoError(t, err)
	require.EqualValues(t, 5, got)
	require.Equal(t, []kernel.ThreadID{5}, r.Snapshot(), "only the first matching slot clears")
}

func TestRegistryUnregisterSentinel(t *testing.T) {
	r := loader.NewRegistry[kernel.SemaID]()
	_, err := r.Unregister(-1)
	require.ErrorIs(t, err, loader.ErrNotFound, "the empty sentinel never matches")
}

func TestRegistryFull(t *testing.T) {
	r := loader.NewRegistry[kernel.HandlerID]()
	for i := 0; i < loader.RegistryCap; i++ {
		_, err := r.Register(kernel.HandlerID(i + 1))
		require.NoError(t, err)
	}
	_, err := r.Register(1000)
	require.ErrorIs(t, err, loader.ErrRegistryFull)
	require.Equal(t, loader.RegistryCap, r.Len())
	require.True(t, r.Contains(1))
	require.True(t, r.Contains(loader.RegistryCap))
	require.False(t, r.Contains(1000))
}

// A cleared slot is reused by the next registration, and enumeration
// keeps slot order.
func TestRegistrySlotReuse(t *testing.T) {
	r := loader.NewRegistry[kernel.ThreadID]()
	for _, h := range []kernel.ThreadID{10, 20, 30} {
		_, err := r.Register(h)
		require.NoError(t, err)
	}
	_, err := r.Unregister(20)
	require.NoError(t, err)
	slot, err := r.Register(40)
	require.NoError(t, err)
	require.Equal(t, 1, slot)
	require.Equal(t, []kernel.ThreadID{10, 40, 30}, r.Snapshot())
}

func TestRegistryForEachExcept(t *testing.T) {
	r := loader.NewRegistry[kernel.ThreadID]()
	for _, h := range []kernel.ThreadID{3, 7, 11} {
		_, err := r.Register(h)
		require.NoError(t, err)
	}
	var seen []kernel.ThreadID
	r.ForEachExcept(7, func(h kernel.ThreadID) bool {
		seen = append(seen, h)
		return true
	})
	require.Equal(t, []kernel.ThreadID{3, 11}, seen)

	seen = nil
	r.ForEach(func(h kernel.ThreadID) bool {
		seen = append(seen, h)
		return len(seen) < 2
	})
	require.Equal(t, []kernel.ThreadID{3, 7}, seen, "visitor stops enumeration by returning false")
}

// The visitor may mutate the registry it is walking.
func TestRegistryForEachReentrant(t *testing.T) {
	r := loader.NewRegistry[kernel.SemaID]()
	for _, h := range []kernel.SemaID{1, 2, 3} {
		_, err := r.Register(h)
		require.NoError(t, err)
	}
	r.ForEach(func(h kernel.SemaID) bool {
		_, err := r.Unregister(h)
		require.NoError(t, err)
		return true
	})
	require.Equal(t, 0, r.Len())
}
