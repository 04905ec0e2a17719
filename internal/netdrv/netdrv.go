// Package netdrv implements the virtio-net driver that hands frames
// to and from internal/netstack. It mirrors the split-virtqueue
// request/response shape
// internal/blockdrv uses for virtio-blk, adapted to virtio-net's two
// fixed queues (receive queue 0, transmit queue 1) and its per-packet
// header instead of a request header plus status byte.
package netdrv

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinyrange/jsos/internal/kerr"
)

// sendTimeout bounds how long Send waits for the device to retire a
// transmit descriptor before giving up.
var sendTimeout = 2 * time.Second

// virtio-net feature bits and header flags, reframed driver-side.
const (
	FeatureMAC    = 1 << 5
	FeatureStatus = 1 << 16

	StatusLinkUp = 1

	headerFlagNeedsCsum = 1 << 0
	headerFlagDataValid = 1 << 1
	headerGSONone       = 0

	EtherTypeIPv4 = 0x0800
	EtherTypeIPv6 = 0x86DD

	headerSize = 12 // virtio-net header, no mergeable-rx-bufs numBuffers tail used here

	descFlagNext  = 0x1
	descFlagWrite = 0x2

	queueReceive  = 0
	queueTransmit = 1

	maxFrameSize = 1514
)

// DeviceMemory is the kernel-owned region shared with the device for
// descriptor tables, rings, and packet buffers.
type DeviceMemory interface {
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// Transport negotiates features and each queue's ring addresses, and
// rings the device's doorbell for a given queue index.
type Transport interface {
	DeviceFeatures() uint64
	SetDriverFeatures(uint64)
	MAC() net.HardwareAddr
	SetQueueAddresses(queue int, descTable, availRing, usedRing uint64)
	SetQueueSize(queue int, size uint16)
	SetQueueReady(queue int, ready bool)
	NotifyQueue(queue int)
	LinkUp() bool
}

// queueBuffers are the fixed DMA addresses this driver uses for one
// queue's ring structures and packet buffer pool.
type queueBuffers struct {
	descTable, availRing, usedRing uint64
	bufBase                        uint64
	bufStride                      uint32
	size                           uint16
}

type driverQueue struct {
	mu sync.Mutex

	mem  DeviceMemory
	bufs queueBuffers

	freeDesc    []uint16
	nextAvail   uint16
	lastUsedIdx uint16
}

func newDriverQueue(mem DeviceMemory, bufs queueBuffers) *driverQueue {
	free := make([]uint16, bufs.size)
	for i := range free {
		free[i] = uint16(i)
	}
	return &driverQueue{mem: mem, bufs: bufs, freeDesc: free}
}

func (q *driverQueue) writeDescriptor(idx uint16, addr uint64, length uint32, flags, next uint16) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	return q.mem.WriteAt(buf[:], q.bufs.descTable+uint64(idx)*16)
}

func u16le(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

// submitSingle queues one descriptor covering the packet buffer
// belonging to slot, marked writable when the device fills it (RX) or
// readable when the driver filled it (TX).
func (q *driverQueue) submitSingle(slotAddr uint64, length uint32, deviceWrites bool) (head uint16, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.freeDesc) == 0 {
		return 0, kerr.New(kerr.ResourceExhausted, "netdrv.submit", fmt.Errorf("no free descriptors"))
	}
	head = q.freeDesc[len(q.freeDesc)-1]
	q.freeDesc = q.freeDesc[:len(q.freeDesc)-1]

	flags := uint16(0)
	if deviceWrites {
		flags |= descFlagWrite
	}
	if err := q.writeDescriptor(head, slotAddr, length, flags, 0); err != nil {
		return 0, err
	}

	ringIndex := q.nextAvail % q.bufs.size
	if err := q.mem.WriteAt(u16le(head), q.bufs.availRing+4+uint64(ringIndex)*2); err != nil {
		return 0, err
	}
	q.nextAvail++
	if err := q.mem.WriteAt(u16le(q.nextAvail), q.bufs.availRing+2); err != nil {
		return 0, err
	}
	return head, nil
}

// pollUsed reports the next completed descriptor and the byte length
// the device wrote (RX) or consumed (TX), if one is ready.
func (q *driverQueue) pollUsed() (head uint16, length uint32, found bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var idxBuf [2]byte
	if err := q.mem.ReadAt(idxBuf[:], q.bufs.usedRing+2); err != nil {
		return 0, 0, false, err
	}
	usedIdx := binary.LittleEndian.Uint16(idxBuf[:])
	if usedIdx == q.lastUsedIdx {
		return 0, 0, false, nil
	}

	ringIndex := q.lastUsedIdx % q.bufs.size
	var elem [8]byte
	if err := q.mem.ReadAt(elem[:], q.bufs.usedRing+4+uint64(ringIndex)*8); err != nil {
		return 0, 0, false, err
	}
	usedHead := binary.LittleEndian.Uint32(elem[0:4])
	usedLen := binary.LittleEndian.Uint32(elem[4:8])
	q.lastUsedIdx++
	q.freeDesc = append(q.freeDesc, uint16(usedHead))

	return uint16(usedHead), usedLen, true, nil
}

func (q *driverQueue) slotAddr(head uint16) uint64 {
	return q.bufs.bufBase + uint64(head)*uint64(q.bufs.bufStride)
}

// Config carries the fixed DMA layout for both queues; a real boot
// sequence would carve these out of the PMM, but the driver only
// needs to know where they live once wired up.
type Config struct {
	RXQueueSize, TXQueueSize uint16
	RXDescTable, RXAvailRing, RXUsedRing, RXBufBase uint64
	TXDescTable, TXAvailRing, TXUsedRing, TXBufBase uint64
}

// VirtioNet is the driver for a virtio-net device with one receive
// and one transmit queue.
type VirtioNet struct {
	transport Transport
	mem       DeviceMemory

	rx *driverQueue
	tx *driverQueue

	mac net.HardwareAddr

	mu      sync.Mutex
	pending [][]byte // frames drained from the RX used ring, awaiting Recv
}

func New(transport Transport, mem DeviceMemory, cfg Config) *VirtioNet {
	features := transport.DeviceFeatures()
	transport.SetDriverFeatures(features & (FeatureMAC | FeatureStatus))

	rxBufs := queueBuffers{cfg.RXDescTable, cfg.RXAvailRing, cfg.RXUsedRing, cfg.RXBufBase, maxFrameSize + headerSize, cfg.RXQueueSize}
	txBufs := queueBuffers{cfg.TXDescTable, cfg.TXAvailRing, cfg.TXUsedRing, cfg.TXBufBase, maxFrameSize + headerSize, cfg.TXQueueSize}

	transport.SetQueueSize(queueReceive, cfg.RXQueueSize)
	transport.SetQueueAddresses(queueReceive, cfg.RXDescTable, cfg.RXAvailRing, cfg.RXUsedRing)
	transport.SetQueueReady(queueReceive, true)

	transport.SetQueueSize(queueTransmit, cfg.TXQueueSize)
	transport.SetQueueAddresses(queueTransmit, cfg.TXDescTable, cfg.TXAvailRing, cfg.TXUsedRing)
	transport.SetQueueReady(queueTransmit, true)

	n := &VirtioNet{
		transport: transport,
		mem:       mem,
		rx:        newDriverQueue(mem, rxBufs),
		tx:        newDriverQueue(mem, txBufs),
		mac:       transport.MAC(),
	}
	n.refillRX()
	return n
}

// refillRX posts every free RX descriptor back to the device so it
// always has buffers available to fill with incoming frames.
func (n *VirtioNet) refillRX() {
	for len(n.rx.freeDesc) > 0 {
		head := n.rx.freeDesc[len(n.rx.freeDesc)-1]
		addr := n.rx.slotAddr(head)
		if _, err := n.rx.submitSingle(addr, n.rx.bufs.bufStride, true); err != nil {
			return
		}
	}
}

func (n *VirtioNet) MAC() net.HardwareAddr { return n.mac }
func (n *VirtioNet) LinkUp() bool          { return n.transport.LinkUp() }

// Send transmits one Ethernet frame, prefixing it with the
// fixed virtio-net header (checksum offload left unset: the stack
// computes its own checksums rather than rely on device offload, so
// headerFlagNeedsCsum is always clear here).
func (n *VirtioNet) Send(frame []byte) error {
	if len(frame) > maxFrameSize {
		return kerr.New(kerr.InvalidArgument, "netdrv.Send", fmt.Errorf("frame exceeds MTU"))
	}

	slotAddr := n.tx.bufs.bufBase // a single in-flight TX buffer; callers serialize sends
	hdr := make([]byte, headerSize)
	hdr[0] = 0 // flags: no checksum offload requested
	hdr[1] = headerGSONone
	if err := n.mem.WriteAt(hdr, slotAddr); err != nil {
		return kerr.New(kerr.DeviceError, "netdrv.Send", err)
	}
	if err := n.mem.WriteAt(frame, slotAddr+headerSize); err != nil {
		return kerr.New(kerr.DeviceError, "netdrv.Send", err)
	}

	head, err := n.tx.submitSingle(slotAddr, uint32(headerSize+len(frame)), false)
	if err != nil {
		return err
	}
	n.transport.NotifyQueue(queueTransmit)

	deadline := time.Now().Add(sendTimeout)
	for {
		usedHead, _, found, perr := n.tx.pollUsed()
		if perr != nil {
			return kerr.New(kerr.DeviceError, "netdrv.Send", perr)
		}
		if found && usedHead == head {
			return nil
		}
		if found {
			continue // some other chain retired first; keep draining
		}
		if time.Now().After(deadline) {
			return kerr.New(kerr.Timeout, "netdrv.Send", nil)
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// PollRX drains any frames the device has completed into the RX
// ring, stripping the virtio-net header and buffering them for Recv,
// then reposts descriptors so the ring never starves.
func (n *VirtioNet) PollRX() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		head, length, found, err := n.rx.pollUsed()
		if err != nil || !found {
			break
		}
		if length <= headerSize {
			continue
		}
		addr := n.rx.slotAddr(head)
		frame := make([]byte, length-headerSize)
		if err := n.mem.ReadAt(frame, addr+headerSize); err == nil {
			n.pending = append(n.pending, frame)
		}
	}
	n.refillRX()
}

// Recv returns the oldest buffered frame, if any.
func (n *VirtioNet) Recv() ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) == 0 {
		return nil, false
	}
	frame := n.pending[0]
	n.pending = n.pending[1:]
	return frame, true
}
