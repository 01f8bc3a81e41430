// Package boot answers where the subsystem was started from and which
// start-up module set applies. The first boot argument is the
// device-prefixed path of the boot program; its device prefix decides
// the boot mode.
package boot

import (
	"strings"

	"github.com/wnxd/microloader/filesystem"
)

type Mode int

const (
	Mode_Unknown Mode = iota
	Mode_Host
	Mode_CD
)

// Args is the parsed boot argument vector: the boot program path
// followed by the arguments handed to it.
type Args struct {
	Path  string
	Extra []string
}

func ParseArgs(argv []string) Args {
	if len(argv) == 0 {
		return Args{}
	}
	return Args{Path: argv[0], Extra: argv[1:]}
}

// Device reports the device prefix of the boot path, "" when the path
// carries none.
func (a Args) Device() string {
	device, _ := filesystem.SplitDevice(a.Path)
	return device
}

func (a Args) Mode() Mode {
	return DeviceMode(a.Device())
}

// CDBoot reports whether the subsystem was started from CD media.
func (a Args) CDBoot() bool {
	return a.Mode() == Mode_CD
}

// DeviceMode maps a device prefix to its boot mode. Trailing unit
// digits are ignored, so "cdrom0" and "cdrom1" match alike.
func DeviceMode(device string) Mode {
	device = strings.TrimRight(strings.ToLower(device), "0123456789")
	switch device {
	case "cdrom", "cdfs":
		return Mode_CD
	case "host", "hostfs":
		return Mode_Host
	}
	return Mode_Unknown
}

func ParseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "cd":
		return Mode_CD
	case "host":
		return Mode_Host
	}
	return Mode_Unknown
}

func (m Mode) String() string {
	switch m {
	case Mode_CD:
		return "cd"
	case Mode_Host:
		return "host"
	}
	return "unknown"
}
