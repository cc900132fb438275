package vmm

import (
	"encoding/binary"

	"github.com/hermit-os/uhyve-go/internal/kvm"
)

// Fixed guest-physical addresses for the page tables and GDT the VM
// Builder writes before the first vCPU runs. HermitCore unikernels are
// entered directly in 64-bit long mode (spec §9 "ELF loader ... core
// depends only on entry_point"), so unlike the teacher's 32-bit
// real-mode bootloader these sit below any guest image and are never
// touched again after boot.
const (
	pml4Addr = 0x1000
	pdptAddr = 0x2000
	pdAddr   = 0x3000
	gdtAddr  = 0x4000

	// pageSize2M is the large-page size used to identity-map guest RAM;
	// one PD entry maps this much.
	pageSize2M = 2 << 20
	// identityMapCovers bounds how much of guest RAM the single PDPT
	// entry built here maps: 1 GiB, matching the default/common guest
	// sizes this hypervisor targets without extra page-table levels.
	identityMapCovers = 1 << 30
)

const (
	pteP  = 1 << 0 // present
	pteRW = 1 << 1 // read/write
	ptePS = 1 << 7 // page size (2MiB at PD level)
)

// setupPageTables builds a minimal identity-mapped 2MiB-page table
// tree (PML4 -> PDPT -> PD) covering up to identityMapCovers bytes of
// guest RAM, generalized from the teacher's 32-bit single-PDE
// approach (hypervisor/paging.go's NewPDE4MB) to three 64-bit levels.
func setupPageTables(mem []byte, memSize uint64) {
	putPTE(mem, pml4Addr, 0, pdptAddr, pteP|pteRW)
	putPTE(mem, pdptAddr, 0, pdAddr, pteP|pteRW)

	mapSize := memSize
	if mapSize > identityMapCovers {
		mapSize = identityMapCovers
	}
	entries := uint64(mapSize+pageSize2M-1) / pageSize2M
	for i := uint64(0); i < entries; i++ {
		phys := i * pageSize2M
		binary.LittleEndian.PutUint64(mem[pdAddr+i*8:], phys|pteP|pteRW|ptePS)
	}
}

// putPTE writes one page-table entry of size 8 bytes at table+index*8
// pointing at the next-level table physical address target, with flags.
func putPTE(mem []byte, table uint64, index uint64, target uint64, flags uint64) {
	binary.LittleEndian.PutUint64(mem[table+index*8:], target|flags)
}

// gdtEntry is a single 64-bit GDT descriptor, generalized from the
// teacher's hypervisor/gdt.go GDTEntry/NewGDTEntry for a 64-bit code
// segment (L bit set, D/B clear per the x86-64 long-mode requirement
// that a 64-bit code segment have D=0).
type gdtEntry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	AccessByte uint8
	LimitHigh  uint8
	BaseHigh   uint8
}

func newGDTEntry(base uint32, limit uint32, access uint8, flags uint8) gdtEntry {
	return gdtEntry{
		LimitLow:   uint16(limit),
		BaseLow:    uint16(base),
		BaseMid:    uint8(base >> 16),
		AccessByte: access,
		LimitHigh:  uint8((limit>>16)&0x0F) | (flags & 0xF0),
		BaseHigh:   uint8(base >> 24),
	}
}

const (
	accessCode64 = 0x9A // present, DPL0, execute/read
	accessData   = 0x92 // present, DPL0, read/write
	flagsCode64  = 0x20 // L=1 (long mode), D=0, G=0
	flagsData    = 0xC0 // G=1, D/B=1
)

// setupGDT writes a 3-entry flat GDT (null, 64-bit code, data) at
// gdtAddr and returns the selectors for CS and the data segments.
func setupGDT(mem []byte) (csSel, dsSel uint16) {
	entries := [3]gdtEntry{
		{}, // null descriptor
		newGDTEntry(0, 0xFFFFF, accessCode64, flagsCode64),
		newGDTEntry(0, 0xFFFFF, accessData, flagsData),
	}
	for i, e := range entries {
		buf := make([]byte, 8)
		buf[0] = byte(e.LimitLow)
		buf[1] = byte(e.LimitLow >> 8)
		buf[2] = byte(e.BaseLow)
		buf[3] = byte(e.BaseLow >> 8)
		buf[4] = e.BaseMid
		buf[5] = e.AccessByte
		buf[6] = e.LimitHigh
		buf[7] = e.BaseHigh
		copy(mem[gdtAddr+i*8:], buf)
	}
	return 0x08, 0x10
}

// CR0/CR4/EFER bits needed for long mode.
const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31
	cr4PAE = 1 << 5
	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// initSregs programs segment and control registers for direct 64-bit
// long-mode entry at entryPoint: identity-mapped paging via CR3,
// PAE+paging enabled, EFER.LME/LMA set, flat code/data segments from
// the GDT built by setupGDT.
func initSregs(sregs *kvm.Sregs, mem []byte) {
	csSel, dsSel := setupGDT(mem)

	sregs.GDT = kvm.DTable{Base: gdtAddr, Limit: 23}

	sregs.CS = kvm.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: csSel, Type: 11, Present: 1, DPL: 0, S: 1, L: 1, G: 1}
	data := kvm.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: dsSel, Type: 3, Present: 1, DPL: 0, S: 1, DB: 1, G: 1}
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	sregs.CR3 = pml4Addr
	sregs.CR4 = cr4PAE
	sregs.CR0 = cr0PE | cr0PG | 0x10 // PE, PG, ET
	sregs.EFER = eferLME | eferLMA
}
