package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// MaxID bounds syscall numbers accepted by the registry. Linux tops out well
// below this on every supported architecture.
const MaxID = 1023

var (
	// ErrEmpty is returned when no syscalls are requested
	ErrEmpty = errors.New("tracked syscall set is empty")

	// ErrInvalidID is returned for syscall numbers outside [0, MaxID]
	ErrInvalidID = errors.New("invalid syscall number")
)

// ID is a platform syscall number
type ID = int32

// Registry is the fixed, ordered set of tracked syscalls. Position in the set
// defines the slot used for per-syscall statistics.
type Registry struct {
	ids   []ID
	slots []int16 // syscall number -> slot, -1 when untracked
}

// New builds a registry from ids. Duplicates collapse onto their first
// occurrence so slot order follows the caller's order.
func New(ids []ID) (*Registry, error) {
	if len(ids) == 0 {
		return nil, ErrEmpty
	}

	unique := lo.Uniq(ids)
	highest := ID(0)
	for _, id := range unique {
		if id < 0 || id > MaxID {
			return nil, fmt.Errorf("%w: %d (must be within 0..%d)", ErrInvalidID, id, MaxID)
		}
		if id > highest {
			highest = id
		}
	}

	slots := make([]int16, int(highest)+1)
	for i := range slots {
		slots[i] = -1
	}
	for slot, id := range unique {
		slots[id] = int16(slot)
	}

	return &Registry{ids: unique, slots: slots}, nil
}

// Len returns the number of tracked syscalls
func (r *Registry) Len() int {
	return len(r.ids)
}

// IDs returns a copy of the tracked syscalls in slot order
func (r *Registry) IDs() []ID {
	out := make([]ID, len(r.ids))
	copy(out, r.ids)
	return out
}

// At returns the syscall tracked at slot i.
func (r *Registry) At(i int) ID {
	return r.ids[i]
}

// Slot returns the slot for id, or false when id is not tracked.
func (r *Registry) Slot(id ID) (int, bool) {
	if id < 0 || int(id) >= len(r.slots) {
		return 0, false
	}
	slot := r.slots[id]
	if slot < 0 {
		return 0, false
	}
	return int(slot), true
}

// Contains reports whether id is tracked
func (r *Registry) Contains(id ID) bool {
	_, ok := r.Slot(id)
	return ok
}

// Names renders the tracked syscalls using the platform name table where
// possible and the raw number otherwise.
func (r *Registry) Names() []string {
	return lo.Map(r.ids, func(id ID, _ int) string {
		return Name(id)
	})
}

// Parse resolves a comma separated list of syscall names or numbers, e.g.
// "read,write,74".
func Parse(list string) ([]ID, error) {
	var ids []ID
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if n, err := strconv.ParseInt(field, 10, 32); err == nil {
			ids = append(ids, ID(n))
			continue
		}
		id, ok := Lookup(field)
		if !ok {
			return nil, fmt.Errorf("%w: unknown syscall name %q", ErrInvalidID, field)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, ErrEmpty
	}
	return ids, nil
}
