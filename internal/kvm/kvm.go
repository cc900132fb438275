// Package kvm wraps the Linux /dev/kvm ioctl surface this hypervisor
// depends on: VM/vCPU creation, memory-region installation, register
// access, the IRQ chip, IRQFD, and the KVM_RUN exit loop.
package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers, as defined by linux/kvm.h. The teacher's
// hypervisor/kvm.go built these from a simplified (and incorrect)
// _IO/_IOW encoding; these carry the real documented values.
const (
	kvmCreateVM            = 0xAE01
	kvmCheckExtension      = 0xAE03
	kvmGetVCPUMMapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmCreateIRQChip       = 0xAE60
	kvmIRQFD               = 0x4020AE76
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetGuestDebug       = 0x4048AE9B
)

// KVM_GUESTDBG_* control bits for kvm_guest_debug.control.
const (
	GuestDebugEnable     = 0x00000001
	GuestDebugSingleStep = 0x00000002
)

// GuestDebug mirrors struct kvm_guest_debug, trimmed to the fields this
// hypervisor sets: control bits and the x86 debug-register snapshot
// the kernel ABI still expects even when none are armed.
type GuestDebug struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

// Capabilities this hypervisor requires or probes for.
const (
	CapIRQFD            = 32
	CapTSCDeadlineTimer = 72
	CapIRQChip          = 0
	CapUserMemory       = 3
)

// Exit reasons surfaced by KVM_RUN.
const (
	ExitUnknown      = 0
	ExitException    = 1
	ExitIO           = 2
	ExitHypercall    = 3
	ExitDebug        = 4
	ExitHLT          = 5
	ExitMMIO         = 6
	ExitIRQWinOpen   = 7
	ExitShutdown     = 8
	ExitFailEntry    = 9
	ExitIntr         = 10
	ExitInternalErr  = 17
)

// IO exit directions.
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

// MemRegion mirrors struct kvm_userspace_memory_region.
type MemRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Regs mirrors struct kvm_regs (the subset this hypervisor touches).
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDTR/IDTR).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs (the subset this hypervisor touches).
type Sregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                       DTable
	CR0, CR2, CR3, CR4, CR8        uint64
	EFER                           uint64
	ApicBase                       uint64
	InterruptBitmap                [4]uint64
}

// RunData mirrors the fixed prefix of struct kvm_run shared across all
// exit reasons, followed by the per-exit union starting at Data.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO fields packed into RunData.Data[0] and
// the data offset in RunData.Data[1], matching the kvm_run union
// layout for port I/O exits.
func (r *RunData) IO() (direction, size, port, count, dataOffset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	dataOffset = r.Data[1]
	return
}

// MMIO decodes the KVM_EXIT_MMIO union: struct { phys_addr u64; data
// [8]u8; len u32; is_write u8 }, so the raw data bytes sit in Data[1]
// and len/is_write share Data[2] (len in the low 32 bits, is_write in
// the byte right above it).
func (r *RunData) MMIO() (physAddr uint64, data []byte, length uint32, isWrite bool) {
	physAddr = r.Data[0]
	length = uint32(r.Data[2])
	if length > 8 {
		length = 8
	}
	isWrite = (r.Data[2]>>32)&0xFF != 0
	buf := (*[8]byte)(unsafe.Pointer(&r.Data[1]))
	return physAddr, buf[:length], length, isWrite
}

// FD wraps the /dev/kvm file descriptor (the process-wide singleton;
// §9 design note: no teardown needed before process exit).
type FD struct {
	fd int
}

// Open opens /dev/kvm. Callers should hold a single process-wide
// instance; see vmm.globalKVM.
func Open() (*FD, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}
	return &FD{fd: fd}, nil
}

// CheckExtension reports whether the host supports the given
// capability. A return of 0 means unsupported.
func (k *FD) CheckExtension(cap uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(k.fd), kvmCheckExtension, cap)
	if errno != 0 {
		return 0, fmt.Errorf("kvm: KVM_CHECK_EXTENSION(%d): %w", cap, errno)
	}
	return int(r), nil
}

// CreateVM creates a new VM and returns its fd.
func (k *FD) CreateVM() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(k.fd), kvmCreateVM, 0)
	if errno != 0 {
		return 0, fmt.Errorf("kvm: KVM_CREATE_VM: %w", errno)
	}
	return int(fd), nil
}

// VCPUMMapSize returns the size of the mmap'd kvm_run region.
func (k *FD) VCPUMMapSize() (int, error) {
	sz, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(k.fd), kvmGetVCPUMMapSize, 0)
	if errno != 0 {
		return 0, fmt.Errorf("kvm: KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}
	return int(sz), nil
}

// VM wraps a single VM fd.
type VM struct {
	fd int
}

// NewVM wraps an already-created VM fd (see FD.CreateVM).
func NewVM(fd int) *VM { return &VM{fd: fd} }

func (v *VM) Fd() int { return v.fd }

// SetUserMemoryRegion installs a guest-physical memory region backed
// by a host userspace address.
func (v *VM) SetUserMemoryRegion(r MemRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_SET_USER_MEMORY_REGION(slot=%d): %w", r.Slot, errno)
	}
	return nil
}

// CreateIRQChip installs an in-kernel interrupt controller.
func (v *VM) CreateIRQChip() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), kvmCreateIRQChip, 0)
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_CREATE_IRQCHIP: %w", errno)
	}
	return nil
}

// IRQFD registers an eventfd as the trigger for a guest IRQ line.
func (v *VM) IRQFD(fd int, gsi uint32) error {
	irqfd := struct {
		FD    uint32
		GSI   uint32
		Flags uint32
		_     uint32
		_     [16]byte
	}{FD: uint32(fd), GSI: gsi}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), kvmIRQFD, uintptr(unsafe.Pointer(&irqfd)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_IRQFD(gsi=%d): %w", gsi, errno)
	}
	return nil
}

// CreateVCPU creates a new vCPU with the given id and returns its fd.
func (v *VM) CreateVCPU(id int) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), kvmCreateVCPU, uintptr(id))
	if errno != 0 {
		return 0, fmt.Errorf("kvm: KVM_CREATE_VCPU(%d): %w", id, errno)
	}
	return int(fd), nil
}

// Close closes the VM fd.
func (v *VM) Close() error {
	if v.fd == 0 {
		return nil
	}
	err := unix.Close(v.fd)
	v.fd = 0
	return err
}

// VCPU wraps a single vCPU fd and its mmap'd kvm_run page.
type VCPU struct {
	fd  int
	run []byte
}

// NewVCPU mmaps the kvm_run page for an already-created vCPU fd.
func NewVCPU(fd int, mmapSize int) (*VCPU, error) {
	run, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("kvm: mmap kvm_run: %w", err)
	}
	return &VCPU{fd: fd, run: run}, nil
}

// RunData returns the typed view over the mmap'd kvm_run page.
func (c *VCPU) RunData() *RunData {
	return (*RunData)(unsafe.Pointer(&c.run[0]))
}

// Bytes returns a raw byte window into the mmap'd kvm_run page at
// offset, for the KVM_EXIT_IO data buffer: its data_offset is measured
// from the start of the page, not from RunData's truncated union.
func (c *VCPU) Bytes(offset uint64, length int) []byte {
	return c.run[offset : offset+uint64(length)]
}

// Run executes the vCPU until the next exit.
func (c *VCPU) Run() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), kvmRun, 0)
	if errno != 0 && errno != unix.EINTR {
		return fmt.Errorf("kvm: KVM_RUN: %w", errno)
	}
	return nil
}

// GetRegs reads the vCPU's general-purpose registers.
func (c *VCPU) GetRegs() (*Regs, error) {
	var regs Regs
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	if errno != 0 {
		return nil, fmt.Errorf("kvm: KVM_GET_REGS: %w", errno)
	}
	return &regs, nil
}

// SetRegs writes the vCPU's general-purpose registers.
func (c *VCPU) SetRegs(regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_SET_REGS: %w", errno)
	}
	return nil
}

// GetSregs reads the vCPU's special/segment registers.
func (c *VCPU) GetSregs() (*Sregs, error) {
	var sregs Sregs
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))
	if errno != 0 {
		return nil, fmt.Errorf("kvm: KVM_GET_SREGS: %w", errno)
	}
	return &sregs, nil
}

// SetSregs writes the vCPU's special/segment registers.
func (c *VCPU) SetSregs(sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_SET_SREGS: %w", errno)
	}
	return nil
}

// SetGuestDebug arms or disarms single-step trapping for the vCPU
// (spec §4.G "runs with single-step trap enabled when the stub
// requests stepping"). Software breakpoints need no kernel-side
// arming: they are plain INT3 bytes and trap through the guest's own
// IDT into KVM_EXIT_DEBUG without KVM_GUESTDBG_ENABLE.
func (c *VCPU) SetGuestDebug(singleStep bool) error {
	dbg := GuestDebug{}
	if singleStep {
		dbg.Control = GuestDebugEnable | GuestDebugSingleStep
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), kvmSetGuestDebug, uintptr(unsafe.Pointer(&dbg)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_SET_GUEST_DEBUG: %w", errno)
	}
	return nil
}

// Close unmaps the kvm_run page and closes the vCPU fd.
func (c *VCPU) Close() error {
	var err error
	if c.run != nil {
		err = unix.Munmap(c.run)
		c.run = nil
	}
	if c.fd != 0 {
		if cerr := unix.Close(c.fd); err == nil {
			err = cerr
		}
		c.fd = 0
	}
	return err
}
