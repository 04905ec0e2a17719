package blockdrv

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/jsos/internal/kerr"
)

// virtio-blk request types, status codes, and feature bits for a
// device reached over a split virtqueue.
const (
	VirtioBlkTIn          = 0
	VirtioBlkTOut         = 1
	VirtioBlkTFlush       = 4
	VirtioBlkTGetID       = 8
	VirtioBlkTDiscard     = 11
	VirtioBlkTWriteZeroes = 13

	VirtioBlkSOK     = 0
	VirtioBlkSIOErr  = 1
	VirtioBlkSUnsupp = 2

	VirtioBlkFSizeMax   = 1 << 1
	VirtioBlkFSegMax    = 1 << 2
	VirtioBlkFGeometry  = 1 << 4
	VirtioBlkFRO        = 1 << 5
	VirtioBlkFBlkSize   = 1 << 6
	VirtioBlkFFlush     = 1 << 9
	VirtioBlkFTopology  = 1 << 10
	VirtioBlkFConfigWCE = 1 << 11

	descFlagNext  = 0x1
	descFlagWrite = 0x2

	sectorSize = 512
)

// VirtQueuePayload is one buffer in a descriptor chain being
// submitted to the device.
type VirtQueuePayload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// DeviceMemory is the slice of kernel-owned memory backing the
// descriptor table, available ring, used ring, and request buffers
// shared with the device over DMA.
type DeviceMemory interface {
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// Transport notifies the device that new descriptors were queued and
// reports its feature bits; the kernel reads
// feature bits once at setup and acks the subset it uses.
type Transport interface {
	DeviceFeatures() uint64
	SetDriverFeatures(uint64)
	SetQueueAddresses(descTable, availRing, usedRing uint64)
	SetQueueSize(size uint16)
	SetQueueReady(ready bool)
	NotifyQueue()
}

// driverVirtQueue is the driver-side split virtqueue: the kernel owns
// the descriptor table and both rings, writes descriptors and pushes
// indices into the avail ring, and polls the used ring for
// completions. This mirrors the ring layout the hosted device-side
// queue implementation uses, with the producer/consumer roles
// reversed: here the kernel produces avail entries and consumes used
// entries.
type driverVirtQueue struct {
	mu sync.Mutex

	mem  DeviceMemory
	size uint16

	descTableAddr uint64
	availRingAddr uint64
	usedRingAddr  uint64

	freeDesc    []uint16
	nextAvail   uint16
	lastUsedIdx uint16
}

func newDriverVirtQueue(mem DeviceMemory, size uint16, descAddr, availAddr, usedAddr uint64) *driverVirtQueue {
	free := make([]uint16, size)
	for i := range free {
		free[i] = uint16(i)
	}
	return &driverVirtQueue{
		mem: mem, size: size,
		descTableAddr: descAddr, availRingAddr: availAddr, usedRingAddr: usedAddr,
		freeDesc: free,
	}
}

func (q *driverVirtQueue) writeDescriptor(idx uint16, addr uint64, length uint32, flags uint16, next uint16) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	return q.mem.WriteAt(buf[:], q.descTableAddr+uint64(idx)*16)
}

// submit allocates a descriptor chain covering bufs in order and
// pushes its head into the avail ring.
func (q *driverVirtQueue) submit(bufs []VirtQueuePayload) (head uint16, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(bufs) == 0 || len(bufs) > len(q.freeDesc) {
		return 0, kerr.New(kerr.InvalidArgument, "virtioblk.submit", fmt.Errorf("no free descriptors"))
	}

	indices := make([]uint16, len(bufs))
	for i := range bufs {
		indices[i] = q.freeDesc[len(q.freeDesc)-1]
		q.freeDesc = q.freeDesc[:len(q.freeDesc)-1]
	}

	for i, b := range bufs {
		flags := uint16(0)
		next := uint16(0)
		if b.IsWrite {
			flags |= descFlagWrite
		}
		if i+1 < len(bufs) {
			flags |= descFlagNext
			next = indices[i+1]
		}
		if err := q.writeDescriptor(indices[i], b.Addr, b.Length, flags, next); err != nil {
			return 0, err
		}
	}

	head = indices[0]
	ringIndex := q.nextAvail % q.size
	if err := q.mem.WriteAt(u16le(head), q.availRingAddr+4+uint64(ringIndex)*2); err != nil {
		return 0, err
	}
	q.nextAvail++
	if err := q.mem.WriteAt(u16le(q.nextAvail), q.availRingAddr+2); err != nil {
		return 0, err
	}
	return head, nil
}

// pollUsed reports whether a new used-ring entry appeared for head,
// returning its write length once found. The descriptor chain is
// freed back to the pool regardless of the payload's head match.
func (q *driverVirtQueue) pollUsed(head uint16) (length uint32, found bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var idxBuf [2]byte
	if err := q.mem.ReadAt(idxBuf[:], q.usedRingAddr+2); err != nil {
		return 0, false, err
	}
	usedIdx := binary.LittleEndian.Uint16(idxBuf[:])
	if usedIdx == q.lastUsedIdx {
		return 0, false, nil
	}

	ringIndex := q.lastUsedIdx % q.size
	var elem [8]byte
	if err := q.mem.ReadAt(elem[:], q.usedRingAddr+4+uint64(ringIndex)*8); err != nil {
		return 0, false, err
	}
	usedHead := binary.LittleEndian.Uint32(elem[0:4])
	usedLen := binary.LittleEndian.Uint32(elem[4:8])
	q.lastUsedIdx++
	q.freeChain(uint16(usedHead))

	return usedLen, uint16(usedHead) == head, nil
}

// freeChain returns every descriptor of the chain starting at head to
// the free pool, following Next until the F_NEXT bit clears.
func (q *driverVirtQueue) freeChain(head uint16) {
	idx := head
	for i := uint16(0); i < q.size; i++ {
		q.freeDesc = append(q.freeDesc, idx)
		var d [16]byte
		if err := q.mem.ReadAt(d[:], q.descTableAddr+uint64(idx)*16); err != nil {
			return
		}
		if binary.LittleEndian.Uint16(d[12:14])&descFlagNext == 0 {
			return
		}
		idx = binary.LittleEndian.Uint16(d[14:16])
	}
}

func u16le(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

// virtioBlkHeader is the fixed-size request header preceding the data
// buffer in every virtio-blk request.
type virtioBlkHeader struct {
	Type   uint32
	Reserved uint32
	Sector uint64
}

func (h virtioBlkHeader) bytes() []byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], h.Type)
	binary.LittleEndian.PutUint32(b[4:8], h.Reserved)
	binary.LittleEndian.PutUint64(b[8:16], h.Sector)
	return b[:]
}

// VirtioBlk is the driver for a virtio-blk device reached over a
// single request queue.
type VirtioBlk struct {
	reinitRequired

	transport Transport
	queue     *driverVirtQueue
	mem       DeviceMemory

	headerAddr uint64
	statusAddr uint64
	dataAddr   uint64
	dataCap    uint32

	sectors  uint64
	readOnly bool
}

// VirtioBlkConfig carries the fixed DMA addresses this driver uses
// for its request header, status byte, and data buffer; a real
// allocator would hand these out from the PMM, but the driver only
// needs to know where they are once wired up.
type VirtioBlkConfig struct {
	QueueSize  uint16
	DescTable, AvailRing, UsedRing uint64
	Header, Status, Data uint64
	DataCapacity uint32
	Sectors      uint64
	ReadOnly     bool
}

func NewVirtioBlk(transport Transport, mem DeviceMemory, cfg VirtioBlkConfig) *VirtioBlk {
	features := transport.DeviceFeatures()
	transport.SetDriverFeatures(features & (VirtioBlkFBlkSize | VirtioBlkFFlush | VirtioBlkFRO | VirtioBlkFSizeMax | VirtioBlkFSegMax))
	transport.SetQueueSize(cfg.QueueSize)
	transport.SetQueueAddresses(cfg.DescTable, cfg.AvailRing, cfg.UsedRing)
	transport.SetQueueReady(true)

	return &VirtioBlk{
		transport:  transport,
		queue:      newDriverVirtQueue(mem, cfg.QueueSize, cfg.DescTable, cfg.AvailRing, cfg.UsedRing),
		mem:        mem,
		headerAddr: cfg.Header,
		statusAddr: cfg.Status,
		dataAddr:   cfg.Data,
		dataCap:    cfg.DataCapacity,
		sectors:    cfg.Sectors,
		readOnly:   cfg.ReadOnly,
	}
}

func (v *VirtioBlk) SectorCount() uint64 { return v.sectors }

func (v *VirtioBlk) doRequest(reqType uint32, sector uint64, data []byte, dataIsWrite bool) error {
	if err := v.checkReady(); err != nil {
		return err
	}
	if uint32(len(data)) > v.dataCap {
		return kerr.New(kerr.InvalidArgument, "virtioblk", fmt.Errorf("request exceeds data buffer capacity"))
	}

	hdr := virtioBlkHeader{Type: reqType, Sector: sector}
	if err := v.mem.WriteAt(hdr.bytes(), v.headerAddr); err != nil {
		return v.fail()
	}
	if dataIsWrite && len(data) > 0 {
		if err := v.mem.WriteAt(data, v.dataAddr); err != nil {
			return v.fail()
		}
	}
	if err := v.mem.WriteAt([]byte{0xFF}, v.statusAddr); err != nil {
		return v.fail()
	}

	payloads := []VirtQueuePayload{{Addr: v.headerAddr, Length: 16, IsWrite: false}}
	if len(data) > 0 {
		payloads = append(payloads, VirtQueuePayload{Addr: v.dataAddr, Length: uint32(len(data)), IsWrite: !dataIsWrite})
	}
	payloads = append(payloads, VirtQueuePayload{Addr: v.statusAddr, Length: 1, IsWrite: true})

	head, err := v.queue.submit(payloads)
	if err != nil {
		return v.fail()
	}
	v.transport.NotifyQueue()

	if err := SpinUntil(func() bool {
		_, found, perr := v.queue.pollUsed(head)
		return perr == nil && found
	}, spinPollStep); err != nil {
		return v.fail()
	}

	var status [1]byte
	if err := v.mem.ReadAt(status[:], v.statusAddr); err != nil {
		return v.fail()
	}
	switch status[0] {
	case VirtioBlkSOK:
		if !dataIsWrite && len(data) > 0 {
			if err := v.mem.ReadAt(data, v.dataAddr); err != nil {
				return v.fail()
			}
		}
		return nil
	case VirtioBlkSUnsupp:
		return kerr.New(kerr.ProtocolError, "virtioblk", nil)
	default:
		return kerr.New(kerr.DeviceError, "virtioblk", nil)
	}
}

func (v *VirtioBlk) Read(lba uint64, n uint32, buf []byte) error {
	need := int(n) * sectorSize
	if len(buf) < need {
		return kerr.New(kerr.InvalidArgument, "virtioblk.Read", fmt.Errorf("buffer too small"))
	}
	return v.doRequest(VirtioBlkTIn, lba, buf[:need], false)
}

func (v *VirtioBlk) Write(lba uint64, n uint32, buf []byte) error {
	if v.readOnly {
		return kerr.New(kerr.PermissionDenied, "virtioblk.Write", nil)
	}
	need := int(n) * sectorSize
	if len(buf) < need {
		return kerr.New(kerr.InvalidArgument, "virtioblk.Write", fmt.Errorf("buffer too small"))
	}
	return v.doRequest(VirtioBlkTOut, lba, buf[:need], true)
}

// Flush issues VIRTIO_BLK_T_FLUSH, used the same way the ATA driver's
// cache flush is used after PIO writes.
func (v *VirtioBlk) Flush() error {
	return v.doRequest(VirtioBlkTFlush, 0, nil, true)
}

const spinPollStep = 50 * time.Microsecond
