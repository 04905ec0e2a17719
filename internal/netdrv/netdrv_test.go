package netdrv

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

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

// fakeTransport plays the device side on NotifyQueue: for TX, it
// copies the frame straight into a loopback inbox and completes the
// descriptor; for RX, completion is driven manually by tests via
// deliver().
type fakeTransport struct {
	mem  *fakeMemory
	mac  net.HardwareAddr
	up   bool
	acked uint64

	rxDesc, rxAvail, rxUsed uint64
	txDesc, txAvail, txUsed uint64

	sentFrames [][]byte
}

func (f *fakeTransport) DeviceFeatures() uint64 { return FeatureMAC | FeatureStatus }
func (f *fakeTransport) SetDriverFeatures(v uint64) { f.acked = v }
func (f *fakeTransport) MAC() net.HardwareAddr { return f.mac }
func (f *fakeTransport) LinkUp() bool { return f.up }
func (f *fakeTransport) SetQueueReady(queue int, ready bool) {}
func (f *fakeTransport) SetQueueSize(queue int, size uint16) {}

func (f *fakeTransport) SetQueueAddresses(queue int, desc, avail, used uint64) {
	if queue == queueReceive {
		f.rxDesc, f.rxAvail, f.rxUsed = desc, avail, used
	} else {
		f.txDesc, f.txAvail, f.txUsed = desc, avail, used
	}
}

func (f *fakeTransport) readDesc(descTable uint64, idx uint16) (addr uint64, length uint32) {
	var buf [16]byte
	f.mem.ReadAt(buf[:], descTable+uint64(idx)*16)
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint32(buf[8:12])
}

func (f *fakeTransport) lastAvailHead(availRing uint64) (uint16, uint16) {
	var hdr [4]byte
	f.mem.ReadAt(hdr[:], availRing)
	idx := binary.LittleEndian.Uint16(hdr[2:4])
	var headBuf [2]byte
	f.mem.ReadAt(headBuf[:], availRing+4+uint64(idx-1)*2)
	return binary.LittleEndian.Uint16(headBuf[:]), idx
}

func (f *fakeTransport) completeUsed(usedRing uint64, head uint16, length uint32) {
	var idxBuf [2]byte
	f.mem.ReadAt(idxBuf[:], usedRing+2)
	usedIdx := binary.LittleEndian.Uint16(idxBuf[:])
	base := usedRing + 4 + uint64(usedIdx)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	f.mem.WriteAt(elem[:], base)
	var next [2]byte
	binary.LittleEndian.PutUint16(next[:], usedIdx+1)
	f.mem.WriteAt(next[:], usedRing+2)
}

func (f *fakeTransport) NotifyQueue(queue int) {
	if queue != queueTransmit {
		return
	}
	head, _ := f.lastAvailHead(f.txAvail)
	addr, length := f.readDesc(f.txDesc, head)
	frame := make([]byte, length)
	f.mem.ReadAt(frame, addr)
	f.sentFrames = append(f.sentFrames, append([]byte(nil), frame[headerSize:]...))
	f.completeUsed(f.txUsed, head, length)
}

// deliver simulates an inbound frame: write header+payload into the
// most recently posted RX descriptor's buffer and complete it.
func (f *fakeTransport) deliver(n *VirtioNet, payload []byte) {
	head, _ := f.lastAvailHead(f.rxAvail)
	addr, _ := f.readDesc(f.rxDesc, head)
	hdr := make([]byte, headerSize)
	f.mem.WriteAt(hdr, addr)
	f.mem.WriteAt(payload, addr+headerSize)
	f.completeUsed(f.rxUsed, head, uint32(headerSize+len(payload)))
}

func newTestDevice() (*VirtioNet, *fakeTransport) {
	mem := newFakeMemory()
	transport := &fakeTransport{
		mem: mem,
		mac: net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		up:  true,
	}
	cfg := Config{
		RXQueueSize: 8, TXQueueSize: 8,
		RXDescTable: 0x1000, RXAvailRing: 0x2000, RXUsedRing: 0x3000, RXBufBase: 0x10000,
		TXDescTable: 0x4000, TXAvailRing: 0x5000, TXUsedRing: 0x6000, TXBufBase: 0x20000,
	}
	return New(transport, mem, cfg), transport
}

func TestVirtioNetSendPrependsHeaderAndStripsOnDeliver(t *testing.T) {
	dev, transport := newTestDevice()

	frame := []byte("hello ethernet frame")
	if err := dev.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(transport.sentFrames) != 1 {
		t.Fatalf("expected 1 sent frame, got %d", len(transport.sentFrames))
	}
	if !bytes.Equal(transport.sentFrames[0], frame) {
		t.Fatalf("sent frame mismatch: got %q, want %q", transport.sentFrames[0], frame)
	}
}

func TestVirtioNetRecvDrainsDeliveredFrame(t *testing.T) {
	dev, transport := newTestDevice()

	payload := []byte("inbound packet")
	transport.deliver(dev, payload)
	dev.PollRX()

	got, ok := dev.Recv()
	if !ok {
		t.Fatalf("expected a buffered frame")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame mismatch: got %q, want %q", got, payload)
	}
	if _, ok := dev.Recv(); ok {
		t.Fatalf("expected no further buffered frames")
	}
}

func TestVirtioNetRejectsOversizeFrame(t *testing.T) {
	dev, _ := newTestDevice()
	if err := dev.Send(make([]byte, maxFrameSize+1)); err == nil {
		t.Fatalf("expected oversized frame to be rejected")
	}
}

func TestVirtioNetExposesMACAndLinkState(t *testing.T) {
	dev, transport := newTestDevice()
	if dev.MAC().String() != transport.mac.String() {
		t.Fatalf("MAC mismatch: got %s, want %s", dev.MAC(), transport.mac)
	}
	if !dev.LinkUp() {
		t.Fatalf("expected link up")
	}
}
