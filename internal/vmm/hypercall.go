package vmm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hermit-os/uhyve-go/internal/guestmem"
)

// Fixed IO port numbers, shared with the guest (spec §6 Hypercall
// ABI). The virtio-net shim occupies VirtioNetBase..+virtionet.Size;
// everything else is a well-known single port.
const (
	VirtioNetBase = 0x700

	PortWrite   = 0x800
	PortOpen    = 0x801
	PortClose   = 0x802
	PortRead    = 0x803
	PortLseek   = 0x804
	PortUnlink  = 0x805
	PortExit    = 0x806
	PortCmdsize = 0x807
	PortCmdval  = 0x808
	PortNetinfo = 0x809
)

// maxHypercallArgs bounds the fixed-size argc/envc arrays in the
// CMDSIZE/CMDVAL packets: the flat argument-packet ABI (§6) has no
// room for a dynamically sized array, so both sides agree on a cap
// generous enough for any real unikernel invocation.
const maxHypercallArgs = 128

type writePacket struct {
	FD  int32
	_   [4]byte
	Buf uint64
	Len uint64
}

type openPacket struct {
	Name  uint64
	Flags int32
	Mode  int32
	Ret   int32
	_     [4]byte
}

type closePacket struct {
	FD  int32
	Ret int32
}

type readPacket struct {
	FD  int32
	_   [4]byte
	Buf uint64
	Len uint64
	Ret int64
}

type lseekPacket struct {
	FD     int32
	_      [4]byte
	Offset int64
	Whence int32
	_      [4]byte
}

type unlinkPacket struct {
	Name uint64
	Ret  int32
	_    [4]byte
}

type exitPacket struct {
	Code int32
	_    [4]byte
}

type cmdsizePacket struct {
	Argc  int32
	_     [4]byte
	Argsz [maxHypercallArgs]uint64
	Envc  int32
	_     [4]byte
	Envsz [maxHypercallArgs]uint64
}

type cmdvalPacket struct {
	Argv [maxHypercallArgs]uint64
	Envp [maxHypercallArgs]uint64
}

type netinfoPacket struct {
	IP      [4]byte
	Gateway [4]byte
	Mask    [4]byte
	_       [4]byte
}

// packetView overlays a hypercall argument packet at gpa within the
// guest mapping (§6 "the host translates it through 4.A and reads/
// writes a fixed-layout argument packet in place").
func packetView[T any](mem *guestmem.GuestSpace, gpa uint64) (*T, error) {
	var zero T
	raw, err := mem.Bytes(gpa, uint64(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(&raw[0])), nil
}

// handleWrite services UHYVE_PORT_WRITE: read the buffer descriptor
// from guest memory, write it to the matching host fd, and store the
// byte count back into the packet's len field, which this ABI reuses
// as the return value (§6 "returns bytes written in place").
func (v *VCpu) handleWrite(gpa uint64) error {
	pkt, err := packetView[writePacket](v.vm.mem, gpa)
	if err != nil {
		return err
	}
	buf, err := v.vm.mem.Bytes(pkt.Buf, pkt.Len)
	if err != nil {
		return err
	}

	var n int
	switch pkt.FD {
	case 1:
		n, _ = os.Stdout.Write(buf)
	case 2:
		n, _ = os.Stderr.Write(buf)
	default:
		if f, ok := v.vm.openFiles[int(pkt.FD)]; ok {
			n, _ = f.Write(buf)
		}
	}
	pkt.Len = uint64(n)
	return nil
}

func (v *VCpu) handleOpen(gpa uint64) error {
	pkt, err := packetView[openPacket](v.vm.mem, gpa)
	if err != nil {
		return err
	}
	name, err := v.vm.mem.CString(pkt.Name)
	if err != nil {
		pkt.Ret = -1
		return nil
	}
	fd, err := unix.Open(name, int(pkt.Flags), uint32(pkt.Mode))
	if err != nil {
		pkt.Ret = -int32(errnoOf(err))
		return nil
	}
	id := v.vm.nextFD()
	v.vm.openFiles[id] = os.NewFile(uintptr(fd), name)
	pkt.Ret = int32(id)
	return nil
}

func (v *VCpu) handleClose(gpa uint64) error {
	pkt, err := packetView[closePacket](v.vm.mem, gpa)
	if err != nil {
		return err
	}
	if f, ok := v.vm.openFiles[int(pkt.FD)]; ok {
		_ = f.Close()
		delete(v.vm.openFiles, int(pkt.FD))
		pkt.Ret = 0
		return nil
	}
	pkt.Ret = -int32(unix.EBADF)
	return nil
}

func (v *VCpu) handleRead(gpa uint64) error {
	pkt, err := packetView[readPacket](v.vm.mem, gpa)
	if err != nil {
		return err
	}
	buf, err := v.vm.mem.Bytes(pkt.Buf, pkt.Len)
	if err != nil {
		pkt.Ret = -1
		return nil
	}
	f, ok := v.vm.openFiles[int(pkt.FD)]
	if !ok {
		pkt.Ret = -int32(unix.EBADF)
		return nil
	}
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		pkt.Ret = 0
		return nil
	}
	pkt.Ret = int64(n)
	return nil
}

func (v *VCpu) handleLseek(gpa uint64) error {
	pkt, err := packetView[lseekPacket](v.vm.mem, gpa)
	if err != nil {
		return err
	}
	f, ok := v.vm.openFiles[int(pkt.FD)]
	if !ok {
		return nil
	}
	_, _ = f.Seek(pkt.Offset, int(pkt.Whence))
	return nil
}

func (v *VCpu) handleUnlink(gpa uint64) error {
	pkt, err := packetView[unlinkPacket](v.vm.mem, gpa)
	if err != nil {
		return err
	}
	name, err := v.vm.mem.CString(pkt.Name)
	if err != nil {
		pkt.Ret = -1
		return nil
	}
	if err := unix.Unlink(name); err != nil {
		pkt.Ret = -int32(errnoOf(err))
		return nil
	}
	pkt.Ret = 0
	return nil
}

func (v *VCpu) handleExit(gpa uint64) (code int, err error) {
	pkt, err := packetView[exitPacket](v.vm.mem, gpa)
	if err != nil {
		return 0, err
	}
	return int(pkt.Code), nil
}

func (v *VCpu) handleCmdsize(gpa uint64) error {
	pkt, err := packetView[cmdsizePacket](v.vm.mem, gpa)
	if err != nil {
		return err
	}
	argv := v.vm.argv
	if len(argv) > maxHypercallArgs {
		argv = argv[:maxHypercallArgs]
	}
	pkt.Argc = int32(len(argv))
	for i, a := range argv {
		pkt.Argsz[i] = uint64(len(a) + 1)
	}
	pkt.Envc = 0
	return nil
}

func (v *VCpu) handleCmdval(gpa uint64) error {
	pkt, err := packetView[cmdvalPacket](v.vm.mem, gpa)
	if err != nil {
		return err
	}
	argv := v.vm.argv
	if len(argv) > maxHypercallArgs {
		argv = argv[:maxHypercallArgs]
	}
	for i, a := range argv {
		dst, err := v.vm.mem.Bytes(pkt.Argv[i], uint64(len(a)+1))
		if err != nil {
			continue
		}
		copy(dst, a)
		dst[len(a)] = 0
	}
	return nil
}

func (v *VCpu) handleNetinfo(gpa uint64) error {
	pkt, err := packetView[netinfoPacket](v.vm.mem, gpa)
	if err != nil {
		return err
	}
	copy(pkt.IP[:], v.vm.netinfoIP[:])
	copy(pkt.Gateway[:], v.vm.netinfoGW[:])
	copy(pkt.Mask[:], v.vm.netinfoMask[:])
	return nil
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}
