package platform

// FeatureBits records the subset of CPUID feature flags the kernel
// cares about, captured once at boot.
type FeatureBits struct {
	FPU     bool
	SSE     bool
	SSE2    bool
	APIC    bool
	MSR     bool
	PAE     bool
	X2APIC  bool
	NX      bool // IA32_EFER.NXE available (EDX bit 20 of extended leaf)
	TSC     bool
	TSCInvariant bool
	HPET    bool // reported via ACPI, not CPUID, but tracked alongside
}

// CPUIDReader abstracts the CPUID instruction so FeatureBits can be
// constructed from either real CPUID output (when cross-compiled to
// run on bare metal) or a fixture (hosted/dev and test builds).
type CPUIDReader interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
}

// DetectFeatures decodes CPUID leaves 1, 0x80000001 and 0x80000007 into
// FeatureBits, per the standard Intel/AMD bit assignments.
func DetectFeatures(r CPUIDReader) FeatureBits {
	var f FeatureBits
	_, _, ecx1, edx1 := r.CPUID(1, 0)
	f.FPU = edx1&(1<<0) != 0
	f.TSC = edx1&(1<<4) != 0
	f.MSR = edx1&(1<<5) != 0
	f.PAE = edx1&(1<<6) != 0
	f.APIC = edx1&(1<<9) != 0
	f.SSE = edx1&(1<<25) != 0
	f.SSE2 = edx1&(1<<26) != 0
	f.X2APIC = ecx1&(1<<21) != 0

	_, _, _, edxExt := r.CPUID(0x80000001, 0)
	f.NX = edxExt&(1<<20) != 0

	_, _, _, edxInv := r.CPUID(0x80000007, 0)
	f.TSCInvariant = edxInv&(1<<8) != 0
	return f
}

// ControlRegisters models the subset of CR0/CR4/EFER bits the boot
// sequence sets explicitly: fninit followed by CR0.NE, CR4.OSFXSR,
// and CR4.OSXMMEXCPT.
type ControlRegisters struct {
	CR0 uint32
	CR4 uint32
	EFER uint64
}

const (
	cr0NumericError = 1 << 5
	cr4OSFXSR       = 1 << 9
	cr4OSXMMEXCPT   = 1 << 10
	cr4PAE          = 1 << 5
	efexNXE         = 1 << 11
)

// EnableFPU sets CR0.NE and the CR4 bits that let the CPU deliver
// SSE exceptions through the normal interrupt path instead of #MF.
func (c *ControlRegisters) EnableFPU() {
	c.CR0 |= cr0NumericError
	c.CR4 |= cr4OSFXSR | cr4OSXMMEXCPT
}

// EnablePAE sets CR4.PAE, required before NX can be honored.
func (c *ControlRegisters) EnablePAE() { c.CR4 |= cr4PAE }

// EnableNX sets IA32_EFER.NXE; callers must check FeatureBits.NX and
// have already called EnablePAE.
func (c *ControlRegisters) EnableNX() { c.EFER |= efexNXE }

func (c ControlRegisters) PAEEnabled() bool { return c.CR4&cr4PAE != 0 }
func (c ControlRegisters) NXEnabled() bool  { return c.EFER&efexNXE != 0 }
