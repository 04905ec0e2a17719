package platform

import "fmt"

// VectorCount is the fixed size of the interrupt vector table:
// exceptions occupy 0-31, legacy IRQs are remapped to 32-47, and the
// syscall gate sits at 0x80.
const VectorCount = 256

const (
	VectorSyscall = 0x80
	IRQBase       = 32
	IRQCount      = 16
)

// GateKind distinguishes interrupt gates (IF cleared on entry) from
// trap gates (IF preserved), matching the x86 IDT entry type field.
type GateKind uint8

const (
	GateInterrupt GateKind = iota
	GateTrap
)

// IDTEntry is one expanded IDT gate descriptor.
type IDTEntry struct {
	Present  bool
	DPL      uint8
	Kind     GateKind
	Selector SegmentSelector
	// Handler is the generic "handler i" thunk: every vector is
	// populated at boot, pushing the vector number and error code (when
	// the CPU doesn't push one itself) before jumping to the common
	// dispatcher.
	Handler func(vector uint8, errorCode uint32)
}

// IDT is the 256-entry interrupt descriptor table. Invariant: no two
// logical uses overlap the same vector.
type IDT struct {
	entries [VectorCount]IDTEntry
}

// vectorsWithHardwareErrorCode lists the CPU exceptions that push an
// error code automatically; all others get a synthesized zero so the
// common dispatcher's stack shape never varies.
var vectorsWithHardwareErrorCode = map[uint8]bool{
	8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true, 21: true, 29: true, 30: true,
}

// NewIDT populates every vector with a generic thunk that calls
// dispatch, so all 256 vectors are populated up front. Individual
// vectors (exceptions, the syscall gate) are then overridden by
// SetHandler.
func NewIDT(dispatch func(vector uint8, errorCode uint32)) *IDT {
	idt := &IDT{}
	for i := 0; i < VectorCount; i++ {
		idt.entries[i] = IDTEntry{
			Present:  true,
			DPL:      0,
			Kind:     GateInterrupt,
			Selector: SelectorKernelCode,
			Handler:  dispatch,
		}
	}
	idt.entries[VectorSyscall].DPL = 3 // callable from ring 3 via int 0x80
	return idt
}

// SetHandler overrides one vector's thunk, e.g. to plug a kprobe or a
// dedicated exception routine ahead of the common dispatcher.
func (idt *IDT) SetHandler(vector uint8, dpl uint8, handler func(vector uint8, errorCode uint32)) {
	idt.entries[vector].DPL = dpl
	idt.entries[vector].Handler = handler
}

// HasErrorCode reports whether the CPU pushes an error code for this
// exception vector without kernel assistance.
func HasErrorCode(vector uint8) bool { return vectorsWithHardwareErrorCode[vector] }

// Dispatch invokes the thunk installed for vector, synthesizing a
// zero error code when the CPU doesn't supply one.
func (idt *IDT) Dispatch(vector uint8, errorCode uint32) {
	e := idt.entries[vector]
	if e.Handler == nil {
		panic(fmt.Sprintf("platform: unhandled vector %#x", vector))
	}
	if !HasErrorCode(vector) {
		errorCode = 0
	}
	e.Handler(vector, errorCode)
}

func (idt *IDT) Entry(vector uint8) IDTEntry { return idt.entries[vector] }
