// Package guestmem manages the single host-anonymous mapping backing
// guest physical memory, including the 32-bit MMIO hole KVM never
// backs with memory (spec §3 GuestSpace, §4.A).
package guestmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hermit-os/uhyve-go/internal/kvm"
)

const (
	// MinSize is the minimum guest memory size (property 2).
	MinSize = 16 << 20
	// DefaultSize is the default guest memory size; New does not apply
	// it, callers pass an explicit size (cmd/uhyve uses
	// config.DefaultMemSize).
	DefaultSize = 64 << 20

	// GapStart is the start of the 32-bit MMIO hole: 2^32 - 768MiB.
	GapStart = (uint64(1) << 32) - GapSize
	// GapSize is the size of the MMIO hole.
	GapSize = 768 << 20
)

// Region describes one KVM memory slot this GuestSpace installs.
type Region struct {
	Slot          uint32
	GuestPhysAddr uint64
	Size          uint64
	HostOffset    uint64 // offset into the single mmap backing this GuestSpace
}

// Regions computes the memory-region split for a given guest memory
// size: a single region below GapStart, or two regions straddling the
// hole when memSize exceeds GapStart (spec §3, property 1).
func Regions(memSize uint64) []Region {
	if memSize <= GapStart {
		return []Region{{Slot: 0, GuestPhysAddr: 0, Size: memSize, HostOffset: 0}}
	}
	// The hole sits at the fixed address [GapStart, GapStart+GapSize)
	// regardless of memSize, so any guest memory logically past GapStart
	// is relocated to start right after the hole, at GapStart+GapSize,
	// spanning the remaining memSize-GapStart bytes (spec §3: "a second
	// region covers [2^32, mem_size + 768 MiB)").
	highSize := memSize - GapStart
	regions := []Region{
		{Slot: 0, GuestPhysAddr: 0, Size: GapStart, HostOffset: 0},
		{Slot: 1, GuestPhysAddr: GapStart + GapSize, Size: highSize, HostOffset: GapStart + GapSize},
	}
	return regions
}

// Clamp enforces the minimum guest memory size, reporting whether it
// had to raise the requested size (property 2).
func Clamp(memSize uint64) (actual uint64, clamped bool) {
	if memSize < MinSize {
		return MinSize, true
	}
	return memSize, false
}

// Span returns the number of host bytes that must be mapped to give
// guest-physical addresses in [0, memSize) (plus the hole, when
// present) a direct host_base+gpa translation: memSize itself when it
// fits below the hole, or memSize+GapSize when the hole is straddled,
// so the bytes "inside" the hole are reserved host address space that
// no KVM memory slot ever points at.
func Span(memSize uint64) uint64 {
	if memSize <= GapStart {
		return memSize
	}
	return memSize + GapSize
}

// GuestSpace is a contiguous host anonymous mapping addressed by
// guest-physical offsets in [0, Size), with the [GapStart, 2^32) MMIO
// hole carved out of the KVM memory-slot installation (not the host
// mapping itself, which stays one contiguous mmap so translate()
// reduces to host_base+gpa).
type GuestSpace struct {
	Size uint64 // requested guest RAM, excluding the hole
	mem  []byte // host mapping, Span(Size) bytes long
}

// New allocates the host mapping, advising huge pages and/or mergeable
// pages as requested. The mapping is released at Close.
func New(memSize uint64, hugepage, mergeable bool) (*GuestSpace, error) {
	span := Span(memSize)
	mem, err := unix.Mmap(-1, 0, int(span),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %d bytes: %w", span, err)
	}

	if mergeable {
		if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
			unix.Munmap(mem)
			return nil, fmt.Errorf("guestmem: madvise(MADV_MERGEABLE): %w", err)
		}
	}
	if hugepage {
		if err := unix.Madvise(mem, unix.MADV_HUGEPAGE); err != nil {
			unix.Munmap(mem)
			return nil, fmt.Errorf("guestmem: madvise(MADV_HUGEPAGE): %w", err)
		}
	}

	return &GuestSpace{Size: memSize, mem: mem}, nil
}

// Install programs the KVM memory-slot regions computed by Regions
// into vm. A KVM_SET_USER_MEMORY_REGION failure is returned as an
// error; the caller wraps it in a HypervisorError (§4.A, §7 kind 1).
func (g *GuestSpace) Install(vm *kvm.VM) error {
	for _, r := range Regions(g.Size) {
		region := kvm.MemRegion{
			Slot:          r.Slot,
			GuestPhysAddr: r.GuestPhysAddr,
			MemorySize:    r.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&g.mem[r.HostOffset]))),
		}
		if err := vm.SetUserMemoryRegion(region); err != nil {
			return fmt.Errorf("guestmem: install region slot %d: %w", r.Slot, err)
		}
	}
	return nil
}

// Slice returns the full host-backed mapping.
func (g *GuestSpace) Slice() []byte {
	return g.mem
}

// Translate maps a guest physical address to a host pointer:
// host_base + gpa, per spec §4.A's property law. It rejects addresses
// inside the MMIO hole and addresses beyond the installed span; KVM
// itself never routes guest accesses to the hole through a memory
// slot, so in practice this path is only reached for hypercall/ring
// addresses the host already knows are backed.
func (g *GuestSpace) Translate(gpa uint64) (unsafe.Pointer, error) {
	if gpa >= GapStart && gpa < GapStart+GapSize {
		return nil, fmt.Errorf("guestmem: gpa 0x%x is in the MMIO hole", gpa)
	}
	span := Span(g.Size)
	if gpa >= span {
		return nil, fmt.Errorf("guestmem: gpa 0x%x out of bounds (span 0x%x)", gpa, span)
	}
	return unsafe.Pointer(&g.mem[gpa]), nil
}

// Bytes returns a slice view of length bytes at gpa, for hypercall
// argument packets and buffer descriptors (§6 Hypercall ABI). The
// returned slice aliases the guest mapping directly.
func (g *GuestSpace) Bytes(gpa, length uint64) ([]byte, error) {
	if gpa >= GapStart && gpa < GapStart+GapSize {
		return nil, fmt.Errorf("guestmem: gpa 0x%x is in the MMIO hole", gpa)
	}
	span := Span(g.Size)
	if gpa+length > span {
		return nil, fmt.Errorf("guestmem: range [0x%x, 0x%x) out of bounds (span 0x%x)", gpa, gpa+length, span)
	}
	return g.mem[gpa : gpa+length], nil
}

// CString reads a NUL-terminated string starting at gpa.
func (g *GuestSpace) CString(gpa uint64) (string, error) {
	span := Span(g.Size)
	if gpa >= span {
		return "", fmt.Errorf("guestmem: gpa 0x%x out of bounds (span 0x%x)", gpa, span)
	}
	end := gpa
	for end < span && g.mem[end] != 0 {
		end++
	}
	if end >= span {
		return "", fmt.Errorf("guestmem: unterminated string at gpa 0x%x", gpa)
	}
	return string(g.mem[gpa:end]), nil
}

// Close releases the host mapping. Idempotent.
func (g *GuestSpace) Close() error {
	if g.mem == nil {
		return nil
	}
	err := unix.Munmap(g.mem)
	g.mem = nil
	return err
}
