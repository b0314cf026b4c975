//go:build linux

package ebpf

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

const (
	mapWatch    = "watch"
	mapSettings = "settings"
	mapTargets  = "targets"
	mapStart    = "start"
	mapEvents   = "events"
	mapDropped  = "dropped"

	progEnter = "sys_enter"
	progExit  = "sys_exit"

	maxTargets = 4096

	// settings[settingFilter] != 0 restricts observation to the targets map
	settingFilter = 0
)

// ctxLayout holds field offsets inside the raw_syscalls tracepoint records.
type ctxLayout struct {
	ID  int16
	Ret int16
}

var defaultLayout = ctxLayout{ID: 8, Ret: 16}

// bpfObjects are the maps and programs of one attachment.
type bpfObjects struct {
	Watch    *ebpf.Map     `ebpf:"watch"`
	Settings *ebpf.Map     `ebpf:"settings"`
	Targets  *ebpf.Map     `ebpf:"targets"`
	Start    *ebpf.Map     `ebpf:"start"`
	Events   *ebpf.Map     `ebpf:"events"`
	Dropped  *ebpf.Map     `ebpf:"dropped"`
	SysEnter *ebpf.Program `ebpf:"sys_enter"`
	SysExit  *ebpf.Program `ebpf:"sys_exit"`
}

func (o *bpfObjects) Close() error {
	if o == nil {
		return nil
	}
	for _, c := range []interface{ Close() error }{
		o.SysEnter, o.SysExit, o.Watch, o.Settings, o.Targets, o.Start, o.Events, o.Dropped,
	} {
		if c != nil {
			_ = c.Close()
		}
	}
	return nil
}

func collectionSpec(ringSize, inFlight int, layout ctxLayout) *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			mapWatch: {
				Name: mapWatch, Type: ebpf.Hash,
				KeySize: 4, ValueSize: 4, MaxEntries: 1024,
			},
			mapSettings: {
				Name: mapSettings, Type: ebpf.Array,
				KeySize: 4, ValueSize: 4, MaxEntries: 1,
			},
			mapTargets: {
				Name: mapTargets, Type: ebpf.Hash,
				KeySize: 4, ValueSize: 1, MaxEntries: maxTargets,
			},
			mapStart: {
				Name: mapStart, Type: ebpf.LRUHash,
				KeySize: 8, ValueSize: 8, MaxEntries: uint32(inFlight),
			},
			mapEvents: {
				Name: mapEvents, Type: ebpf.RingBuf,
				MaxEntries: uint32(ringSize),
			},
			mapDropped: {
				Name: mapDropped, Type: ebpf.PerCPUArray,
				KeySize: 4, ValueSize: 8, MaxEntries: 1,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			progEnter: {
				Name:         progEnter,
				Type:         ebpf.TracePoint,
				License:      "GPL",
				Instructions: enterInstructions(layout),
			},
			progExit: {
				Name:         progExit,
				Type:         ebpf.TracePoint,
				License:      "GPL",
				Instructions: exitInstructions(layout),
			},
		},
	}
}

// enterInstructions stamps the entry time of watched syscalls made by
// observed processes, keyed by pid_tgid.
//
// Stack: fp-4 id, fp-16 pid_tgid, fp-20 settings key, fp-24 tgid, fp-32 ktime.
func enterInstructions(layout ctxLayout) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R7, asm.R6, layout.ID, asm.DWord),
		asm.StoreMem(asm.RFP, -4, asm.R7, asm.Word),

		asm.LoadMapPtr(asm.R1, 0).WithReference(mapWatch),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),

		asm.FnGetCurrentPidTgid.Call(),
		asm.Mov.Reg(asm.R8, asm.R0),
		asm.StoreMem(asm.RFP, -16, asm.R8, asm.DWord),

		asm.StoreImm(asm.RFP, -20, settingFilter, asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapSettings),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -20),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "record"),
		asm.LoadMem(asm.R1, asm.R0, 0, asm.Word),
		asm.JEq.Imm(asm.R1, 0, "record"),

		asm.Mov.Reg(asm.R1, asm.R8),
		asm.RSh.Imm(asm.R1, 32),
		asm.StoreMem(asm.RFP, -24, asm.R1, asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapTargets),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -24),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),

		asm.FnKtimeGetNs.Call().WithSymbol("record"),
		asm.StoreMem(asm.RFP, -32, asm.R0, asm.DWord),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapStart),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -16),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, -32),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnMapUpdateElem.Call(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}

// exitInstructions emits an event for every syscall stamped on entry and
// counts events the ring buffer refused.
//
// Stack: fp-8 pid_tgid, fp-40..fp-17 event, fp-44 dropped key.
func exitInstructions(layout ctxLayout) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.FnGetCurrentPidTgid.Call(),
		asm.Mov.Reg(asm.R7, asm.R0),
		asm.StoreMem(asm.RFP, -8, asm.R7, asm.DWord),

		asm.LoadMapPtr(asm.R1, 0).WithReference(mapStart),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
		asm.LoadMem(asm.R8, asm.R0, 0, asm.DWord),

		asm.LoadMapPtr(asm.R1, 0).WithReference(mapStart),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.FnMapDeleteElem.Call(),

		asm.FnKtimeGetNs.Call(),
		asm.Sub.Reg(asm.R0, asm.R8),
		asm.StoreMem(asm.RFP, -32, asm.R0, asm.DWord),
		asm.LoadMem(asm.R1, asm.R6, layout.ID, asm.DWord),
		asm.StoreMem(asm.RFP, -40, asm.R1, asm.Word),
		asm.Mov.Reg(asm.R1, asm.R7),
		asm.RSh.Imm(asm.R1, 32),
		asm.StoreMem(asm.RFP, -36, asm.R1, asm.Word),
		asm.LoadMem(asm.R1, asm.R6, layout.Ret, asm.DWord),
		asm.StoreMem(asm.RFP, -24, asm.R1, asm.DWord),

		asm.LoadMapPtr(asm.R1, 0).WithReference(mapEvents),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -40),
		asm.Mov.Imm(asm.R3, eventSize),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnRingbufOutput.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),

		asm.StoreImm(asm.RFP, -44, 0, asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapDropped),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -44),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}
