// Package virtionet implements the minimal legacy virtio-net PCI
// config/IO register file the guest driver probes at boot (spec
// §4.D). Actual packet transfer happens over the fixed SharedQueue
// pair (internal/ring); this shim only needs to look enough like a
// virtio-net device for the guest to recognize it, negotiate
// features, and learn when to check the TX ring.
package virtionet

import (
	"sync"
)

// Legacy virtio-net config-space field offsets, relative to the IO
// base port the vCPU loop routes to this shim (spec §6 "IO port in
// range [virtio base, +len)"). Field layout/feature bits cross
// checked against tinyrange-cc/internal/devices/virtio/net.go, the
// pack's real virtio-net implementation, trimmed to what a
// SharedQueue-backed NIC needs.
const (
	RegHostFeatures  = 0x00 // 4 bytes, RO
	RegGuestFeatures = 0x04 // 4 bytes, RW
	RegQueueAddress  = 0x08 // 4 bytes, RW (unused: no real virtqueue, kept for probe compat)
	RegQueueSize     = 0x0C // 2 bytes, RO
	RegQueueSelect   = 0x0E // 2 bytes, RW
	RegQueueNotify   = 0x10 // 2 bytes, WO — write wakes the TAP bridge writer
	RegStatus        = 0x12 // 1 byte, RW
	RegISR           = 0x13 // 1 byte, RO, read clears
	RegMAC           = 0x14 // 6 bytes, RO
	RegLinkStatus    = 0x1A // 2 bytes, RO

	// Size is the IO-port window length this shim occupies.
	Size = 0x1C
)

// Feature bits this shim advertises.
const (
	FeatureMAC    = 1 << 5
	FeatureStatus = 1 << 16
)

// Guest status bits (virtio spec: ACKNOWLEDGE, DRIVER, DRIVER_OK...).
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFailed      = 0x80
)

const (
	linkStatusUp = 1
)

// Notifier is implemented by internal/taparp.Bridge; kept as an
// interface so this package does not import taparp (avoids a cycle
// and keeps the shim testable without a real TAP device).
type Notifier interface {
	Notify()
}

// Shim is the register file. The mutex is held only for the duration
// of one IO exit (spec §5: "no locks span a vCPU run call").
type Shim struct {
	mu sync.Mutex

	hostFeatures  uint32
	guestFeatures uint32
	queueAddress  uint32
	queueSelect   uint16
	status        byte
	isr           byte
	mac           [6]byte

	bridge Notifier // nil when no --nic was configured
}

// New builds the register file with the given MAC, wired to bridge
// (nil if no NIC was attached — register reads/writes still succeed,
// QueueNotify writes are simply inert).
func New(mac [6]byte, bridge Notifier) *Shim {
	return &Shim{
		hostFeatures: FeatureMAC | FeatureStatus,
		mac:          mac,
		bridge:       bridge,
	}
}

// HandleIO services one IO exit at offset (relative to the shim's
// base port) for direction/size (spec §4.F "IO port in range [virtio
// base, +len) -> route to 4.D").
func (s *Shim) HandleIO(offset uint16, in bool, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in {
		s.read(offset, data)
		return
	}
	s.write(offset, data)
}

func (s *Shim) read(offset uint16, data []byte) {
	switch {
	case offset == RegHostFeatures:
		putLE32(data, s.hostFeatures)
	case offset == RegGuestFeatures:
		putLE32(data, s.guestFeatures)
	case offset == RegQueueAddress:
		putLE32(data, s.queueAddress)
	case offset == RegQueueSize:
		putLE16(data, ring_QueueSize)
	case offset == RegQueueSelect:
		putLE16(data, s.queueSelect)
	case offset == RegStatus:
		data[0] = s.status
	case offset == RegISR:
		data[0] = s.isr
		s.isr = 0 // reading ISR acknowledges the interrupt
	case offset >= RegMAC && offset < RegMAC+6:
		data[0] = s.mac[offset-RegMAC]
	case offset == RegLinkStatus:
		putLE16(data, linkStatusUp)
	default:
		for i := range data {
			data[i] = 0
		}
	}
}

func (s *Shim) write(offset uint16, data []byte) {
	switch {
	case offset == RegGuestFeatures:
		s.guestFeatures = getLE32(data)
	case offset == RegQueueAddress:
		s.queueAddress = getLE32(data)
	case offset == RegQueueSelect:
		s.queueSelect = getLE16(data)
	case offset == RegQueueNotify:
		if s.bridge != nil {
			s.bridge.Notify()
		}
	case offset == RegStatus:
		s.status = data[0]
		if s.status&StatusFailed != 0 {
			s.status = 0
		}
	}
}

// RaiseISR marks the interrupt-status register pending; called when
// the bridge delivers an RX packet so the guest's ISR read (and the
// IRQ line itself, driven separately via IRQFD) agree.
func (s *Shim) RaiseISR() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isr |= 1
}

const ring_QueueSize = 8 // mirrors internal/ring.QueueSize without importing it

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4 && i < len(b); i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE16(b []byte, v uint16) {
	for i := 0; i < 2 && i < len(b); i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getLE32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4 && i < len(b); i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}

func getLE16(b []byte) uint16 {
	var v uint16
	for i := 0; i < 2 && i < len(b); i++ {
		v |= uint16(b[i]) << (8 * i)
	}
	return v
}
