package platform

import (
	"fmt"
	"io"
	"time"
)

// RegisterSnapshot is the register dump a panic serializes to the
// serial port.
type RegisterSnapshot struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP, EFLAGS        uint32
	CR2                uint32 // faulting address, when applicable
}

func (r RegisterSnapshot) String() string {
	return fmt.Sprintf(
		"eax=%08x ebx=%08x ecx=%08x edx=%08x\nesi=%08x edi=%08x ebp=%08x esp=%08x\neip=%08x eflags=%08x cr2=%08x",
		r.EAX, r.EBX, r.ECX, r.EDX, r.ESI, r.EDI, r.EBP, r.ESP, r.EIP, r.EFLAGS, r.CR2)
}

// Banner is the minimal surface Panic needs from the VGA console, so
// this package doesn't import internal/console directly.
type Banner interface {
	Banner(msg string)
}

// Panic serializes reason and a register snapshot to serial, attempts
// a VGA banner, and halts. In this hosted reimplementation "halts"
// means: the caller's goroutine never returns — Panic itself always
// panics with a PanicError value after writing output, which the
// recover at the top of cmd/jsos's run handles.
func Panic(serial io.Writer, vga Banner, reason string, regs RegisterSnapshot) {
	fmt.Fprintf(serial, "\n*** KERNEL PANIC: %s ***\n", reason)
	fmt.Fprintf(serial, "%s\n", regs)
	fmt.Fprintf(serial, "time: %s\n", time.Now().UTC().Format(time.RFC3339Nano))
	if vga != nil {
		vga.Banner("PANIC: " + reason)
	}
	panic(PanicError{Reason: reason, Regs: regs})
}

// PanicError is recovered exactly once, at the top of the boot
// goroutine: panics are fatal and never return to any caller beneath
// that recovery point.
type PanicError struct {
	Reason string
	Regs   RegisterSnapshot
}

func (p PanicError) Error() string { return "kernel panic: " + p.Reason }
