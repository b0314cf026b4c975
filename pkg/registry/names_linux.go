//go:build linux

package registry

import "golang.org/x/sys/unix"

// platformLimit is one past the newest syscall number this build knows.
const platformLimit = unix.SYS_OPEN_TREE_ATTR + 1

// Only syscalls present on both amd64 and arm64 are listed.
var table = map[ID]entry{
	unix.SYS_READ:        {"read", ClassRead},
	unix.SYS_PREAD64:     {"pread64", ClassRead},
	unix.SYS_READV:       {"readv", ClassRead},
	unix.SYS_PREADV:      {"preadv", ClassRead},
	unix.SYS_RECVFROM:    {"recvfrom", ClassRead},
	unix.SYS_RECVMSG:     {"recvmsg", ClassRead},
	unix.SYS_WRITE:       {"write", ClassWrite},
	unix.SYS_PWRITE64:    {"pwrite64", ClassWrite},
	unix.SYS_WRITEV:      {"writev", ClassWrite},
	unix.SYS_PWRITEV:     {"pwritev", ClassWrite},
	unix.SYS_SENDTO:      {"sendto", ClassWrite},
	unix.SYS_SENDMSG:     {"sendmsg", ClassWrite},
	unix.SYS_FSYNC:       {"fsync", ClassNone},
	unix.SYS_FDATASYNC:   {"fdatasync", ClassNone},
	unix.SYS_OPENAT:      {"openat", ClassNone},
	unix.SYS_CLOSE:       {"close", ClassNone},
	unix.SYS_UNLINKAT:    {"unlinkat", ClassNone},
	unix.SYS_LSEEK:       {"lseek", ClassNone},
	unix.SYS_GETDENTS64:  {"getdents64", ClassNone},
	unix.SYS_NANOSLEEP:   {"nanosleep", ClassNone},
	unix.SYS_FUTEX:       {"futex", ClassNone},
	unix.SYS_EPOLL_PWAIT: {"epoll_pwait", ClassNone},
	unix.SYS_MMAP:        {"mmap", ClassNone},
	unix.SYS_IOCTL:       {"ioctl", ClassNone},
}
