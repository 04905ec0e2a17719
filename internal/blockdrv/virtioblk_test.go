package blockdrv

import (
	"encoding/binary"
	"testing"
)

// fakeMemory is an in-process byte-addressed store standing in for
// the kernel-owned DMA region shared with the device.
type fakeMemory struct {
	bytes map[uint64]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{bytes: make(map[uint64]byte)}
}

func (m *fakeMemory) ReadAt(p []byte, addr uint64) error {
	for i := range p {
		p[i] = m.bytes[addr+uint64(i)]
	}
	return nil
}

func (m *fakeMemory) WriteAt(p []byte, addr uint64) error {
	for i, b := range p {
		m.bytes[addr+uint64(i)] = b
	}
	return nil
}

// fakeTransport records feature negotiation and, on NotifyQueue,
// immediately plays device: it walks the avail ring, completes the
// request found in the descriptor chain against a backing disk, and
// writes the used-ring entry. This stands in for the virtio device
// side that would otherwise run as a separate component.
type fakeTransport struct {
	mem      *fakeMemory
	disk     []byte
	features uint64
	acked    uint64

	descTable, availRing, usedRing uint64
	queueSize                      uint16
}

func (f *fakeTransport) DeviceFeatures() uint64       { return f.features }
func (f *fakeTransport) SetDriverFeatures(v uint64)   { f.acked = v }
func (f *fakeTransport) SetQueueSize(size uint16)     { f.queueSize = size }
func (f *fakeTransport) SetQueueReady(ready bool)     {}
func (f *fakeTransport) SetQueueAddresses(desc, avail, used uint64) {
	f.descTable, f.availRing, f.usedRing = desc, avail, used
}

func (f *fakeTransport) readDesc(idx uint16) (addr uint64, length uint32, flags, next uint16) {
	var buf [16]byte
	f.mem.ReadAt(buf[:], f.descTable+uint64(idx)*16)
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint32(buf[8:12]),
		binary.LittleEndian.Uint16(buf[12:14]), binary.LittleEndian.Uint16(buf[14:16])
}

// NotifyQueue plays the device side of exactly one queued request:
// read the descriptor chain (header, optional data, status), execute
// the virtio-blk request type against the backing disk, and publish
// the used-ring entry.
func (f *fakeTransport) NotifyQueue() {
	var avail [4]byte
	f.mem.ReadAt(avail[:], f.availRing)
	availIdx := binary.LittleEndian.Uint16(avail[2:4])
	if availIdx == 0 {
		return
	}
	ringIdx := availIdx - 1
	var headBuf [2]byte
	f.mem.ReadAt(headBuf[:], f.availRing+4+uint64(ringIdx)*2)
	head := binary.LittleEndian.Uint16(headBuf[:])

	type seg struct {
		addr  uint64
		n     uint32
		write bool
	}
	var segs []seg
	idx := head
	for {
		addr, length, flags, next := f.readDesc(idx)
		segs = append(segs, seg{addr, length, flags&descFlagWrite != 0})
		if flags&descFlagNext == 0 {
			break
		}
		idx = next
	}

	var hdr [16]byte
	f.mem.ReadAt(hdr[:], segs[0].addr)
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	status := byte(VirtioBlkSOK)
	if len(segs) == 3 {
		dataSeg := segs[1]
		off := int(sector) * sectorSize
		switch reqType {
		case VirtioBlkTIn:
			buf := make([]byte, dataSeg.n)
			copy(buf, f.disk[off:off+int(dataSeg.n)])
			f.mem.WriteAt(buf, dataSeg.addr)
		case VirtioBlkTOut:
			buf := make([]byte, dataSeg.n)
			f.mem.ReadAt(buf, dataSeg.addr)
			copy(f.disk[off:off+int(dataSeg.n)], buf)
		}
	}
	statusAddr := segs[len(segs)-1].addr
	f.mem.WriteAt([]byte{status}, statusAddr)

	var usedIdxBuf [2]byte
	f.mem.ReadAt(usedIdxBuf[:], f.usedRing+2)
	usedIdx := binary.LittleEndian.Uint16(usedIdxBuf[:])
	base := f.usedRing + 4 + uint64(usedIdx)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], 1)
	f.mem.WriteAt(elem[:], base)
	f.mem.WriteAt(u16le(usedIdx+1), f.usedRing+2)
}

func newTestVirtioBlk(sectors int) (*VirtioBlk, *fakeTransport) {
	mem := newFakeMemory()
	transport := &fakeTransport{
		mem:      mem,
		disk:     make([]byte, sectors*sectorSize),
		features: VirtioBlkFFlush | VirtioBlkFBlkSize,
	}
	cfg := VirtioBlkConfig{
		QueueSize: 16,
		DescTable: 0x1000, AvailRing: 0x2000, UsedRing: 0x3000,
		Header: 0x4000, Status: 0x4100, Data: 0x5000,
		DataCapacity: 4096,
		Sectors:      uint64(sectors),
	}
	return NewVirtioBlk(transport, mem, cfg), transport
}

func TestVirtioBlkWriteThenRead(t *testing.T) {
	dev, _ := newTestVirtioBlk(8)

	want := make([]byte, sectorSize*2)
	for i := range want {
		want[i] = byte(i * 3)
	}
	if err := dev.Write(1, 2, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, sectorSize*2)
	if err := dev.Read(1, 2, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestVirtioBlkReadOnlyRejectsWrite(t *testing.T) {
	dev, _ := newTestVirtioBlk(4)
	dev.readOnly = true
	if err := dev.Write(0, 1, make([]byte, sectorSize)); err == nil {
		t.Fatalf("expected write to a read-only device to fail")
	}
}

func TestVirtioBlkFlush(t *testing.T) {
	dev, _ := newTestVirtioBlk(4)
	if err := dev.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestVirtioBlkNegotiatesOnlyKnownFeatures(t *testing.T) {
	_, transport := newTestVirtioBlk(1)
	if transport.acked&VirtioBlkFFlush == 0 {
		t.Fatalf("expected FLUSH feature to be acked")
	}
	if transport.acked&^(VirtioBlkFBlkSize|VirtioBlkFFlush|VirtioBlkFRO|VirtioBlkFSizeMax|VirtioBlkFSegMax) != 0 {
		t.Fatalf("acked unexpected feature bits: %#x", transport.acked)
	}
}
