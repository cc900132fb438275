// Package ring implements the fixed-capacity single-producer/
// single-consumer byte-packet ring shared between host and guest
// memory (spec §3 SharedQueue, §4.B). Two independent instances sit
// at well-known guest-physical offsets: RX (host produces, guest
// consumes) and TX (guest produces, host consumes).
package ring

import (
	"sync/atomic"
	"unsafe"
)

const (
	// QueueSize is the number of packet slots per ring; compile-time
	// constant shared bit-exactly with the guest.
	QueueSize = 8
	// MTU is the maximum payload length of one packet slot.
	MTU = 1514

	// entrySize is the size in bytes of one Entry: a u16 length plus
	// the MTU-sized payload, which the guest ABI expects unpadded.
	entrySize = 2 + MTU
)

// Entry is one packet slot: { len: u16, data: [u8; MTU] }.
type Entry struct {
	Len  uint16
	Data [MTU]byte
}

// Queue is the on-wire layout of one direction of the shared ring:
// two monotonic indices plus the slot array. All cross-thread field
// accesses use atomic load/store as Go's substitute for the guest
// ABI's volatile semantics (spec §3, §5; DESIGN.md internal/ring).
type Queue struct {
	read    uint64
	written uint64
	inner   [QueueSize]Entry
}

// AlignedSize is sizeof(Queue) rounded up to the 64-byte alignment
// the TX queue's offset past RX uses (spec §3).
var AlignedSize = alignUp(uint64(unsafe.Sizeof(Queue{})), 64)

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// View overlays a Queue pointer at a byte offset within guest memory.
func View(guestMem []byte, offset uint64) *Queue {
	return (*Queue)(unsafe.Pointer(&guestMem[offset]))
}

// Init zeroes both indices; called once before either side touches
// the queue.
func (q *Queue) Init() {
	atomic.StoreUint64(&q.read, 0)
	atomic.StoreUint64(&q.written, 0)
}

// Depth returns written-read, the number of unconsumed packets.
func (q *Queue) Depth() uint64 {
	written := atomic.LoadUint64(&q.written)
	read := atomic.LoadUint64(&q.read)
	return written - read
}

// Push is the host-producer path (RX side): if the ring is not full,
// it copies packet into the next slot, publishes the length, and
// bumps written. Returns false if the ring is full (caller busy-spins
// per spec §4.B; no packet is dropped without a spin).
func (q *Queue) Push(packet []byte) bool {
	written := atomic.LoadUint64(&q.written)
	read := atomic.LoadUint64(&q.read)
	if written-read >= QueueSize {
		return false
	}

	slot := &q.inner[written%QueueSize]
	n := copy(slot.Data[:], packet)
	// len and the payload are plain writes; the atomic release-store
	// to written below is what publishes both to the consumer.
	slot.Len = uint16(n)
	atomic.StoreUint64(&q.written, written+1)
	return true
}

// Pop is the host-consumer path (TX side): if a packet is available,
// returns its bytes and bumps read. Returns ok=false when the ring is
// empty.
func (q *Queue) Pop() (packet []byte, ok bool) {
	written := atomic.LoadUint64(&q.written)
	read := atomic.LoadUint64(&q.read)
	if written-read == 0 {
		return nil, false
	}

	slot := &q.inner[read%QueueSize]
	length := slot.Len
	out := make([]byte, length)
	copy(out, slot.Data[:length])
	atomic.StoreUint64(&q.read, read+1)
	return out, true
}
