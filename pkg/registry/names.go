package registry

import (
	"sort"
	"strconv"
)

// Class groups syscalls by the kind of byte transfer they perform.
type Class uint8

const (
	ClassNone Class = iota
	ClassRead
	ClassWrite
)

func (c Class) String() string {
	switch c {
	case ClassRead:
		return "read"
	case ClassWrite:
		return "write"
	default:
		return "-"
	}
}

type entry struct {
	name  string
	class Class
}

// Lookup resolves a syscall name on the current platform
func Lookup(name string) (ID, bool) {
	for id, e := range table {
		if e.name == name {
			return id, true
		}
	}
	return 0, false
}

// Supported reports whether id is a syscall number on the running platform.
// Registries accept any number up to MaxID; kernel observers additionally
// require Supported.
func Supported(id ID) bool {
	return id >= 0 && id <= MaxID && id < platformLimit
}

// Name returns the syscall name for id, or its number when unknown.
func Name(id ID) string {
	if e, ok := table[id]; ok {
		return e.name
	}
	return strconv.Itoa(int(id))
}

// ClassOf reports whether id transfers bytes into or out of the caller.
// A positive return value of such a syscall is the byte count actually moved.
func ClassOf(id ID) Class {
	return table[id].class
}

// IOSyscalls lists every known read or write class syscall
func IOSyscalls() []ID {
	var ids []ID
	for id, e := range table {
		if e.class != ClassNone {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Known lists the names in the platform table ordered by number
func Known() []ID {
	ids := make([]ID, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
