package bootinfo

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMinimalELF builds a tiny real ELF64 x86-64 executable with one
// PT_LOAD segment containing payload, entered at paddr+entryOff.
func writeMinimalELF(t *testing.T, paddr uint64, payload []byte, entryOff uint64) string {
	t.Helper()
	const ehsize, phentsize = 64, 56
	offset := uint64(ehsize + phentsize)

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))              // e_type: ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(62))             // e_machine: EM_X86_64
	binary.Write(&buf, binary.LittleEndian, uint32(1))               // e_version
	binary.Write(&buf, binary.LittleEndian, paddr+entryOff)          // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize))          // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))               // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))               // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))          // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phentsize))       // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))               // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))               // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))               // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))               // e_shstrndx
	require.Equal(t, ehsize, buf.Len())

	binary.Write(&buf, binary.LittleEndian, uint32(1))      // p_type: PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(7))      // p_flags: RWX
	binary.Write(&buf, binary.LittleEndian, offset)         // p_offset
	binary.Write(&buf, binary.LittleEndian, paddr)          // p_vaddr
	binary.Write(&buf, binary.LittleEndian, paddr)          // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload))) // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload))) // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000)) // p_align
	require.Equal(t, int(offset), buf.Len())

	buf.Write(payload)

	path := filepath.Join(t.TempDir(), "kernel.elf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestLoadCopiesSegmentAndReturnsEntry(t *testing.T) {
	const paddr = 0x100000
	payload := []byte{0x90, 0x90, 0xf4} // nop, nop, hlt
	path := writeMinimalELF(t, paddr, payload, 1)

	guestMem := make([]byte, 4<<20)
	image, err := Load(path, guestMem)
	require.NoError(t, err)

	assert.Equal(t, uint64(paddr+1), image.EntryPoint)
	assert.Equal(t, uint64(paddr+len(payload)), image.HighAddr)
	assert.Equal(t, payload, guestMem[paddr:paddr+len(payload)])
}

func TestLoadRejectsSegmentBeyondGuestMemory(t *testing.T) {
	const paddr = 0x100000
	path := writeMinimalELF(t, paddr, []byte{0x90}, 0)

	guestMem := make([]byte, 1<<10)
	_, err := Load(path, guestMem)
	assert.Error(t, err)
}

func TestExists(t *testing.T) {
	path := writeMinimalELF(t, 0x1000, []byte{0x90}, 0)
	assert.NoError(t, Exists(path))
	assert.Error(t, Exists(path+".missing"))
}

func TestViewOverlaysAtOffset(t *testing.T) {
	guestMem := make([]byte, Offset+4096)
	info := View(guestMem)
	info.EntryPoint = 0xdeadbeef
	assert.Equal(t, uint64(0xdeadbeef), binary.LittleEndian.Uint64(guestMem[Offset+40:]))
}
