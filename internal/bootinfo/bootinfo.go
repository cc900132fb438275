// Package bootinfo describes the guest/host handshake structure the
// ELF loader (an external collaborator, spec §9) writes at a
// well-known guest physical offset, and the minimal ELF entry-point
// loader this core depends on.
package bootinfo

import (
	"debug/elf"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Offset is the well-known guest physical address BootInfo is placed
// at. After Load, vmm.New writes EntryPoint, NumCPUs and Limit into it.
const Offset = 0x9000

// Info mirrors the fixed-layout structure the loader populates.
// CPUOnline reads its counter with volatile/atomic semantics (spec §3,
// §5); the fields vmm.New does not write are opaque to the core and
// kept only so the struct's size matches the guest ABI.
type Info struct {
	Magic        uint64
	Version      uint64
	BaseAddr     uint64
	Limit        uint64
	ImageSize    uint64
	EntryPoint   uint64
	CPUOnlineRaw uint32
	_            uint32
	NumCPUs      uint32
	_            uint32
	CmdlineLen   uint64
	Cmdline      uint64
	_            [64]byte // reserved for loader-owned fields the core never reads
}

// View overlays an Info pointer at Offset within the guest mapping.
func View(guestMem []byte) *Info {
	return (*Info)(unsafe.Pointer(&guestMem[Offset]))
}

// CPUOnline performs a volatile/atomic read of the loader-maintained
// online-CPU counter (monotonically non-decreasing, spec §3, §5).
func (b *Info) CPUOnline() uint32 {
	return atomic.LoadUint32(&b.CPUOnlineRaw)
}

// Image is the result of loading a unikernel ELF image: the entry
// point the first vCPU's instruction pointer is initialized to, and
// the highest guest-physical address byte the image occupies.
type Image struct {
	EntryPoint uint64
	HighAddr   uint64
}

// Load reads the ELF image at path and copies its loadable segments
// into guestMem at their program-header-specified physical addresses,
// returning the entry point the first vCPU starts at. This is the
// only part of the "ELF loader" external collaborator the core
// depends on (spec §1, §9): everything else about symbol resolution,
// relocations, or the kernel command line is the loader's concern,
// not this hypervisor's.
func Load(path string, guestMem []byte) (Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("bootinfo: open %s: %w", path, err)
	}
	defer f.Close()

	var high uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Paddr+prog.Memsz > uint64(len(guestMem)) {
			return Image{}, fmt.Errorf("bootinfo: segment at 0x%x (size 0x%x) exceeds guest memory (0x%x)",
				prog.Paddr, prog.Memsz, len(guestMem))
		}

		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return Image{}, fmt.Errorf("bootinfo: read segment at 0x%x: %w", prog.Paddr, err)
		}
		copy(guestMem[prog.Paddr:], data)
		if end := prog.Paddr + prog.Memsz; end > high {
			high = end
		}
	}

	return Image{EntryPoint: f.Entry, HighAddr: high}, nil
}

// Exists reports whether path names a readable file, used by callers
// to fail fast with a user-facing message before touching KVM.
func Exists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("bootinfo: kernel image %s: %w", path, err)
	}
	return nil
}
