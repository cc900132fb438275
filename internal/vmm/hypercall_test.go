package vmm

import (
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermit-os/uhyve-go/internal/guestmem"
)

// TestExitPacketRoundTrip exercises property 5's host-side half: an
// EXIT packet written by a "guest" at a known gpa is decoded back to
// the same code.
func TestExitPacketRoundTrip(t *testing.T) {
	mem, err := guestmem.New(guestmem.MinSize, false, false)
	require.NoError(t, err)
	defer mem.Close()

	const gpa = 0x20000
	buf, err := mem.Bytes(gpa, 8)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(buf, 42)

	v := &VCpu{vm: &VM{mem: mem}}
	code, err := v.handleExit(gpa)
	require.NoError(t, err)
	assert.Equal(t, 42, code)
}

// TestWriteThenExitRoundTrip exercises property 5: a guest that
// issues WRITE(fd, "hello") followed by EXIT(42) causes the host to
// emit "hello" on that fd, decode exit code 42, and, once recordExit
// runs, stop the VM.
func TestWriteThenExitRoundTrip(t *testing.T) {
	mem, err := guestmem.New(guestmem.MinSize, false, false)
	require.NoError(t, err)
	defer mem.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	const fakeFD = 1001
	vm := &VM{mem: mem, openFiles: map[int]*os.File{fakeFD: w}, stopCh: make(chan struct{})}
	v := &VCpu{vm: vm}

	const writeGPA, bufGPA, exitGPA = 0x20000, 0x21000, 0x22000
	buf, err := mem.Bytes(bufGPA, 5)
	require.NoError(t, err)
	copy(buf, "hello")

	wpkt, err := packetView[writePacket](mem, writeGPA)
	require.NoError(t, err)
	wpkt.FD = fakeFD
	wpkt.Buf = bufGPA
	wpkt.Len = 5
	require.NoError(t, v.handleWrite(writeGPA))
	w.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	epkt, err := packetView[exitPacket](mem, exitGPA)
	require.NoError(t, err)
	epkt.Code = 42
	code, err := v.handleExit(exitGPA)
	require.NoError(t, err)
	vm.recordExit(code)
	assert.Equal(t, 42, code)
	assert.True(t, vm.stopping())
}

func TestCmdsizeReportsArgvLengths(t *testing.T) {
	mem, err := guestmem.New(guestmem.MinSize, false, false)
	require.NoError(t, err)
	defer mem.Close()

	v := &VCpu{vm: &VM{mem: mem, argv: []string{"kernel", "a", "b", "c"}}}

	const gpa = 0x20000
	require.NoError(t, v.handleCmdsize(gpa))

	pkt, err := packetView[cmdsizePacket](mem, gpa)
	require.NoError(t, err)
	assert.EqualValues(t, 4, pkt.Argc)
	assert.EqualValues(t, len("kernel")+1, pkt.Argsz[0])
	assert.EqualValues(t, 2, pkt.Argsz[1])
	assert.EqualValues(t, 2, pkt.Argsz[2])
	assert.EqualValues(t, 2, pkt.Argsz[3])
}

func TestCmdvalCopiesArgvBytes(t *testing.T) {
	mem, err := guestmem.New(guestmem.MinSize, false, false)
	require.NoError(t, err)
	defer mem.Close()

	v := &VCpu{vm: &VM{mem: mem, argv: []string{"kernel", "a"}}}

	const pktGPA = 0x20000
	pkt, err := packetView[cmdvalPacket](mem, pktGPA)
	require.NoError(t, err)
	pkt.Argv[0] = 0x30000
	pkt.Argv[1] = 0x30100

	require.NoError(t, v.handleCmdval(pktGPA))

	got0, err := mem.CString(0x30000)
	require.NoError(t, err)
	assert.Equal(t, "kernel", got0)

	got1, err := mem.CString(0x30100)
	require.NoError(t, err)
	assert.Equal(t, "a", got1)
}

func TestNetinfoPacket(t *testing.T) {
	mem, err := guestmem.New(guestmem.MinSize, false, false)
	require.NoError(t, err)
	defer mem.Close()

	v := &VCpu{vm: &VM{mem: mem, netinfoIP: [4]byte{10, 0, 0, 1}}}

	const gpa = 0x20000
	require.NoError(t, v.handleNetinfo(gpa))

	pkt, err := packetView[netinfoPacket](mem, gpa)
	require.NoError(t, err)
	assert.Equal(t, [4]byte{10, 0, 0, 1}, pkt.IP)
}
