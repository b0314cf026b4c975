//go:build !linux

package registry

// Syscall numbers are only tabulated for Linux; elsewhere callers pass raw
// numbers and no I/O classification is available.
var table = map[ID]entry{}

const platformLimit = MaxID + 1
