// Package interrupt implements interrupt and exception dispatch:
// the legacy PIC path, the modern LAPIC/IOAPIC path, MSI, and the
// kprobe registry over INT3/#DB.
package interrupt

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/jsos/internal/platform"
)

// Exception vector numbers the dispatcher treats specially.
const (
	VectorDivideError       = 0
	VectorDebug             = 1
	VectorBreakpoint        = 3
	VectorInvalidOpcode     = 6
	VectorDeviceNotAvail    = 7
	VectorDoubleFault       = 8
	VectorGPFault           = 13
	VectorPageFault         = 14
	VectorSIMDException     = 19
)

// Probe is a kprobe callback invoked before the default handler for
// INT3 (#BP) and #DB; returning true suppresses the default action.
type Probe func(vector uint8, regs platform.RegisterSnapshot) (handled bool)

// Handler services one exception or IRQ, given the full register
// snapshot and, when present, the CPU-pushed error code and CR2.
type Handler struct {
	log  *slog.Logger
	idt  *platform.IDT
	pic  *DualPIC
	ioapic *IOAPIC

	mu      sync.Mutex
	probes  map[uint8][]Probe
	irqHooks map[uint8][]func()

	// OnFatal is invoked for non-recoverable exceptions taken in
	// kernel context; it must not return.
	OnFatal func(reason string, regs platform.RegisterSnapshot)
	// OnUserFault translates an exception taken while executing hosted
	// code into the caller's error channel rather than panicking.
	OnUserFault func(vector uint8, regs platform.RegisterSnapshot) error

	usePIC bool
}

func NewHandler(log *slog.Logger, pic *DualPIC, ioapic *IOAPIC) *Handler {
	h := &Handler{
		log:      log,
		pic:      pic,
		ioapic:   ioapic,
		probes:   make(map[uint8][]Probe),
		irqHooks: make(map[uint8][]func()),
		usePIC:   true,
	}
	h.idt = platform.NewIDT(h.dispatch)
	return h
}

func (h *Handler) IDT() *platform.IDT { return h.idt }

// UseModernPath switches the dispatcher from legacy PIC EOI handling
// to IOAPIC-routed delivery, the modern IRQ path preferred when
// available: the PIC is disabled (both lines masked) once this is
// called.
func (h *Handler) UseModernPath() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usePIC = false
	if h.pic != nil {
		_ = h.pic.WriteIOPort(primaryPicDataPort, 0xFF)
		_ = h.pic.WriteIOPort(secondaryPicDataPort, 0xFF)
	}
}

// RegisterProbe installs a kprobe fired before the default action for
// INT3/#DB.
func (h *Handler) RegisterProbe(vector uint8, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[vector] = append(h.probes[vector], p)
}

// RegisterIRQHandler installs a per-IRQ callback invoked before EOI:
// each IRQ handler invokes registered per-IRQ callbacks, then issues
// EOI.
func (h *Handler) RegisterIRQHandler(irq uint8, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.irqHooks[irq] = append(h.irqHooks[irq], fn)
}

// dispatch is the common entry point every IDT thunk jumps to: it
// reads the vector, inspects auxiliary state, and routes to the
// exception or IRQ path.
func (h *Handler) dispatch(vector uint8, errorCode uint32) {
	regs := platform.RegisterSnapshot{} // populated by the real trap frame on bare metal
	if vector < 32 {
		h.handleException(vector, errorCode, regs)
		return
	}
	if vector == platform.VectorSyscall {
		return // the syscall gate is serviced by internal/syscall, not here
	}
	h.handleIRQ(vector)
}

func (h *Handler) handleException(vector uint8, errorCode uint32, regs platform.RegisterSnapshot) {
	if vector == VectorBreakpoint || vector == VectorDebug {
		h.mu.Lock()
		probes := append([]Probe(nil), h.probes[vector]...)
		h.mu.Unlock()
		for _, p := range probes {
			if p(vector, regs) {
				return
			}
		}
	}

	if h.log != nil {
		h.log.Error("cpu exception", "vector", vector, "errorCode", errorCode)
	}

	if h.OnUserFault != nil {
		// Exceptions triggered during hosted-code execution are
		// translated into the caller's error channel; the kernel never
		// terminates on hosted-code faults.
		if err := h.OnUserFault(vector, regs); err == errContinueAsKernelFault {
			// fall through to the fatal path below
		} else {
			return
		}
	}

	reason := fmt.Sprintf("unhandled exception vector %#x (error %#x)", vector, errorCode)
	if h.OnFatal != nil {
		h.OnFatal(reason, regs)
	}
}

// errContinueAsKernelFault lets OnUserFault signal "this wasn't
// actually hosted-code context, treat it as fatal" without a second
// callback parameter.
var errContinueAsKernelFault = fmt.Errorf("not hosted-code context")

func (h *Handler) handleIRQ(vector uint8) {
	irq := vector - platform.IRQBase
	if irq >= 16 {
		return
	}

	if h.usePIC && h.pic != nil {
		if irq == 7 || irq == 15 {
			if h.pic.IsSpurious(irq) {
				// Spurious: skip EOI to the master-only.
				return
			}
		}
	}

	h.mu.Lock()
	hooks := append([]func(){}, h.irqHooks[irq]...)
	h.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	if h.usePIC && h.pic != nil {
		h.pic.EOI(irq)
	}
	// Under the modern path, EOI is written to the LAPIC's own EOI
	// register by the caller that owns the LAPIC instance; this
	// package only routes through the IOAPIC on the way in.
}
