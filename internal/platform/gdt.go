// Package platform covers early boot and CPU bring-up: GDT/IDT/TSS
// construction, FPU/SSE enablement, CPUID feature capture, and the
// panic path. The A20 gate is not modelled. It does not execute real
// privileged instructions (there is no ring 0 to drop into under a
// hosted Go runtime); it models the exact state those instructions
// would establish so the rest of the kernel can be written against a
// faithful, inspectable representation of CPU state.
package platform

import "fmt"

// SegmentSelector indexes one GDT entry. The layout mirrors the
// classic flat model: null, kernel code, kernel data, user code, user
// data, and a TSS descriptor.
type SegmentSelector uint16

const (
	SelectorNull SegmentSelector = iota * 8
	SelectorKernelCode
	SelectorKernelData
	SelectorUserCode
	SelectorUserData
	SelectorTSS
)

// GDTEntry is one 8-byte Global Descriptor Table entry, expanded to
// the fields that matter to the kernel rather than the packed byte
// layout a real GDTR would require.
type GDTEntry struct {
	Base     uint32
	Limit    uint32
	Executable bool
	Writable bool
	DPL      uint8 // descriptor privilege level, 0 or 3
	Present  bool
	Granularity4K bool
	Size32   bool
}

// GDT is the kernel's flat-model descriptor table: one null entry,
// kernel code/data spanning all 4 GiB at DPL 0, user code/data at
// DPL 3, and a sixth slot for the TSS descriptor. NewGDT leaves that
// slot (Entries[5]) zero; the TSS contents live in the TSS field.
type GDT struct {
	Entries [6]GDTEntry
	TSS     TaskStateSegment
}

// TaskStateSegment carries the ring-0 stack pointer loaded on a
// privilege-level transition; the kernel does not use hardware task
// switching, only the SS0:ESP0 fields.
type TaskStateSegment struct {
	ESP0 uint32
	SS0  uint16
}

// NewGDT builds the flat descriptor table described above.
func NewGDT() *GDT {
	g := &GDT{}
	g.Entries[0] = GDTEntry{} // null
	g.Entries[1] = GDTEntry{Base: 0, Limit: 0xFFFFFFFF, Executable: true, Writable: true, DPL: 0, Present: true, Granularity4K: true, Size32: true}
	g.Entries[2] = GDTEntry{Base: 0, Limit: 0xFFFFFFFF, Executable: false, Writable: true, DPL: 0, Present: true, Granularity4K: true, Size32: true}
	g.Entries[3] = GDTEntry{Base: 0, Limit: 0xFFFFFFFF, Executable: true, Writable: true, DPL: 3, Present: true, Granularity4K: true, Size32: true}
	g.Entries[4] = GDTEntry{Base: 0, Limit: 0xFFFFFFFF, Executable: false, Writable: true, DPL: 3, Present: true, Granularity4K: true, Size32: true}
	return g
}

// SetKernelStack updates TSS.ESP0, the stack used whenever a ring-3
// task traps into ring 0.
func (g *GDT) SetKernelStack(esp0 uint32) {
	g.TSS.ESP0 = esp0
	g.TSS.SS0 = uint16(SelectorKernelData)
}

func (e GDTEntry) String() string {
	return fmt.Sprintf("base=%#x limit=%#x dpl=%d exec=%v write=%v present=%v",
		e.Base, e.Limit, e.DPL, e.Executable, e.Writable, e.Present)
}
