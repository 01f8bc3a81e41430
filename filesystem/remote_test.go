package filesystem_test

import (
	"io"
	"io/fs"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wnxd/microloader/filesystem"
)

func TestRemoteRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	vfs := filesystem.NewVirtualFS()
	require.NoError(t, vfs.Stage("modules/init.bin", []byte("remote payload")))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := filesystem.ServeRemote(l, vfs)
	defer srv.Close()

	fsys := filesystem.DialRemote("tcp", srv.Addr().String())
	f, err := fsys.OpenFile("modules/init.bin")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "remote payload", string(data))

	// fetched files seek like local ones
	_, err = f.Seek(7, io.SeekStart)
	require.NoError(t, err)
	tail, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "payload", string(tail))
	require.NoError(t, f.Close())

	info, err := fsys.Stat("modules/init.bin")
	require.NoError(t, err)
	require.EqualValues(t, 14, info.Size())

	_, err = fsys.OpenFile("missing.bin")
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = fsys.OpenFile("")
	require.ErrorIs(t, err, fs.ErrInvalid)
}

func TestRemoteAfterServerClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := filesystem.ServeRemote(l, filesystem.NewVirtualFS())
	addr := srv.Addr().String()
	require.NoError(t, srv.Close())

	_, err = filesystem.DialRemote("tcp", addr).OpenFile("x.bin")
	require.Error(t, err)
}
