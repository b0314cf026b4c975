//go:build linux

package ebpf

import (
	"errors"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// processAlive reports whether pid can still make syscalls. Zombies are
// treated as exited.
func processAlive(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return false
	}

	proc, err := procfs.NewProc(pid)
	if err != nil {
		return true
	}
	stat, err := proc.Stat()
	if err != nil {
		return true
	}
	return stat.State != "Z" && stat.State != "X"
}
