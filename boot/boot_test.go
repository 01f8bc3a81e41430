package boot_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wnxd/microloader/boot"
	"github.com/wnxd/microloader/filesystem"
)

func TestParseArgs(t *testing.T) {
	args := boot.ParseArgs([]string{"cdrom0:\\SYS.BIN", "-v", "nodaemon"})
	require.Equal(t, "cdrom0:\\SYS.BIN", args.Path)
	require.Equal(t, []string{"-v", "nodaemon"}, args.Extra)
	require.Equal(t, "cdrom0", args.Device())
	require.Equal(t, boot.Mode_CD, args.Mode())
	require.True(t, args.CDBoot())

	args = boot.ParseArgs(nil)
	require.Equal(t, boot.Args{}, args)
	require.Equal(t, boot.Mode_Unknown, args.Mode())
	require.False(t, args.CDBoot())
}

func TestDeviceMode(t *testing.T) {
	require.Equal(t, boot.Mode_CD, boot.DeviceMode("cdrom0"))
	require.Equal(t, boot.Mode_CD, boot.DeviceMode("CDROM1"))
	require.Equal(t, boot.Mode_Host, boot.DeviceMode("host"))
	require.Equal(t, boot.Mode_Host, boot.DeviceMode("host0"))
	require.Equal(t, boot.Mode_Unknown, boot.DeviceMode("mc0"))
	require.Equal(t, boot.Mode_Unknown, boot.DeviceMode(""))
}

const manifest = `
modules:
  - path: host0:modules/sysmem.mlx
  - path: host0:modules/cdvd.mlx
    modes: [cd]
  - path: host0:modules/devtool.mlx
    args: ["-trace"]
    modes: [host]
`

func TestManifestSelect(t *testing.T) {
	m, err := boot.ParseManifest([]byte(manifest))
	require.NoError(t, err)
	require.Len(t, m.Modules, 3)

	cd := m.Select(boot.Mode_CD)
	require.Len(t, cd, 2)
	require.Equal(t, "host0:modules/sysmem.mlx", cd[0].Path)
	require.Equal(t, "host0:modules/cdvd.mlx", cd[1].Path)

	host := m.Select(boot.Mode_Host)
	require.Len(t, host, 2)
	require.Equal(t, "host0:modules/devtool.mlx", host[1].Path)
	require.Equal(t, []string{"-trace"}, host[1].Args)

	all := m.Select(boot.Mode_Unknown)
	require.Len(t, all, 1)
}

func TestManifestRejects(t *testing.T) {
	_, err := boot.ParseManifest([]byte("modules:\n  - args: [x]\n"))
	require.ErrorContains(t, err, "missing path")
	_, err = boot.ParseManifest([]byte("modules:\n  - path: a\n    modes: [floppy]\n"))
	require.ErrorContains(t, err, "unknown mode")
	_, err = boot.ParseManifest([]byte("{"))
	require.Error(t, err)
}

func TestReadManifest(t *testing.T) {
	fsys := filesystem.NewVirtualFS()
	require.NoError(t, fsys.Stage("boot.yaml", []byte(manifest)))
	m, err := boot.ReadManifest(fsys, "boot.yaml")
	require.NoError(t, err)
	require.Len(t, m.Modules, 3)

	_, err = boot.ReadManifest(fsys, "missing.yaml")
	require.Error(t, err)
}
