// Package taparp implements the TAP bridge (spec §4.C): two host
// threads pumping packets between a host TAP device and the shared
// ring pair, raising the guest IRQ line through an eventfd.
package taparp

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/hermit-os/uhyve-go/internal/ring"
)

// Device is a Linux TUN/TAP device opened in tap-without-packet-info
// mode, generalized from the teacher's core_engine/network/tap_device.go
// (TUNSETIFF via golang.org/x/sys/unix) and brought up with netlink
// instead of the teacher's commented-out `ip link set up` placeholder.
type Device struct {
	fd   int
	Name string
}

func openTAP(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("taparp: open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [22]byte
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("taparp: TUNSETIFF(%s): %w", name, errno)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("taparp: lookup link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("taparp: bring up link %s: %w", name, err)
	}

	return &Device{fd: fd, Name: name}, nil
}

func (d *Device) recv(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("taparp: read %s: %w", d.Name, err)
	}
	return n, nil
}

func (d *Device) send(buf []byte) error {
	if _, err := unix.Write(d.fd, buf); err != nil {
		return fmt.Errorf("taparp: write %s: %w", d.Name, err)
	}
	return nil
}

func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// ISRRaiser is implemented by internal/virtionet.Shim; kept as an
// interface so this package does not import virtionet (avoids a
// cycle, same reasoning as virtionet.Notifier).
type ISRRaiser interface {
	RaiseISR()
}

// Bridge owns the reader/writer thread pair and the wake channel used
// to coalesce TX notifications (spec §4.C, §5).
type Bridge struct {
	tap    *Device
	irqfd  int
	rx, tx *ring.Queue
	wake   chan struct{}
	log    *logrus.Entry

	isrMu sync.Mutex
	isr   ISRRaiser

	done chan struct{}
}

// New opens the TAP device named nic, binds irqfd as the eventfd that
// asserts the guest's UHYVE_IRQ_NET line, and starts the reader and
// writer threads against the RX/TX queues at hostBase (spec §4.C).
// TAP errors here are fatal only to networking (§7 kind 5); the VM
// continues without it if the caller chooses to ignore the error and
// skip attaching a Bridge.
func New(nic string, irqfd int, hostBase []byte, log *logrus.Entry) (*Bridge, error) {
	tap, err := openTAP(nic)
	if err != nil {
		return nil, err
	}

	rx := ring.View(hostBase, 0)
	tx := ring.View(hostBase, ring.AlignedSize)
	rx.Init()
	tx.Init()

	b := &Bridge{
		tap:   tap,
		irqfd: irqfd,
		rx:    rx,
		tx:    tx,
		wake:  make(chan struct{}, 1),
		log:   log.WithField("component", "tap-bridge"),
		done:  make(chan struct{}),
	}

	go b.readLoop()
	go b.writeLoop()

	return b, nil
}

// Notify wakes the writer thread; called by the virtio-net shim after
// the guest signals new TX descriptors. Capacity-1 channel coalesces
// bursts into a single wake (spec §4.B, §5, property 4).
func (b *Bridge) Notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// SetISRRaiser attaches the virtio-net shim whose ISR register the
// reader thread marks pending on every delivered RX packet. Set after
// both the bridge and shim exist, breaking the constructor cycle
// between them.
func (b *Bridge) SetISRRaiser(r ISRRaiser) {
	b.isrMu.Lock()
	b.isr = r
	b.isrMu.Unlock()
}

func (b *Bridge) raiseISR() {
	b.isrMu.Lock()
	r := b.isr
	b.isrMu.Unlock()
	if r != nil {
		r.RaiseISR()
	}
}

// readLoop is the host producer (RX) thread: blocks in TAP recv, then
// pushes into the RX ring and asserts the IRQ.
func (b *Bridge) readLoop() {
	buf := make([]byte, ring.MTU)
	for {
		select {
		case <-b.done:
			return
		default:
		}

		n, err := b.tap.recv(buf)
		if err != nil {
			b.log.WithError(err).Error("tap read failed, networking disabled")
			return
		}

		for !b.rx.Push(buf[:n]) {
			// ring full: spin per spec §4.B, the packet path is rare.
		}
		b.raiseISR()
		if err := assertIRQ(b.irqfd); err != nil {
			b.log.WithError(err).Error("failed to assert net irq")
		}
	}
}

// writeLoop is the host consumer (TX) thread: blocks on the wake
// channel, then drains the TX ring to the TAP device.
func (b *Bridge) writeLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}

		for {
			pkt, ok := b.tx.Pop()
			if !ok {
				break
			}
			if err := b.tap.send(pkt); err != nil {
				b.log.WithError(err).Error("tap write failed, networking disabled")
				return
			}
		}
	}
}

// Close stops both threads and closes the TAP fd.
func (b *Bridge) Close() error {
	close(b.done)
	return b.tap.Close()
}

func assertIRQ(fd int) error {
	var val uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&val))
	_, err := unix.Write(fd, buf[:])
	return err
}
