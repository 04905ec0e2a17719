package interrupt

// MSICapability holds the two fields a PCI MSI capability (id 0x05)
// exposes: a 64-bit message address and a 32-bit message data value.
// Programming them to target a chosen LAPIC and vector is the whole
// of the MSI contract.
type MSICapability struct {
	Address uint64
	Data    uint32
	Enabled bool
}

// msiAddressBase is the fixed high-order pattern Intel/AMD chipsets
// use for MSI message addresses: 0xFEE with the destination APIC id
// in bits 12-19.
const msiAddressBase uint64 = 0xFEE00000

// ProgramMSI computes the address/data pair that delivers vector to
// destAPICID, and marks the capability enabled.
func ProgramMSI(cap *MSICapability, destAPICID uint8, vector uint8) {
	cap.Address = msiAddressBase | uint64(destAPICID)<<12
	cap.Data = uint32(vector)
	cap.Enabled = true
}

// DeliverMSI decodes an MSI write (as a device would issue it) back
// into a destination/vector pair and invokes deliver, letting the
// interrupt subsystem treat MSI exactly like an IOAPIC-routed IRQ.
func DeliverMSI(cap MSICapability, deliver func(destAPICID, vector uint8)) {
	if !cap.Enabled || deliver == nil {
		return
	}
	destAPICID := uint8((cap.Address >> 12) & 0xFF)
	vector := uint8(cap.Data & 0xFF)
	deliver(destAPICID, vector)
}
