package gdbstub

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermit-os/uhyve-go/internal/guestmem"
	"github.com/hermit-os/uhyve-go/internal/kvm"
)

type fakeCtrl struct{ regs kvm.Regs }

func (f *fakeCtrl) GetRegs() (*kvm.Regs, error) { r := f.regs; return &r, nil }
func (f *fakeCtrl) SetRegs(r *kvm.Regs) error    { f.regs = *r; return nil }

func newTestStub(t *testing.T) (*Stub, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	mem, err := guestmem.New(guestmem.MinSize, false, false)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	s := &Stub{
		conn:        server,
		r:           bufio.NewReader(server),
		ctrl:        &fakeCtrl{regs: kvm.Regs{RIP: 0x1000}},
		mem:         mem,
		state:       Waiting,
		breakpoints: make(map[uint64]byte),
	}
	return s, client
}

func sendPacket(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	_, err := conn.Write([]byte(fmt.Sprintf("$%s#%02x", payload, sum)))
	require.NoError(t, err)

	ack := make([]byte, 1)
	_, err = conn.Read(ack)
	require.NoError(t, err)
	assert.Equal(t, byte('+'), ack[0])
}

func readReply(t *testing.T, conn net.Conn) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	line := string(buf[:n])
	require.True(t, len(line) >= 2 && line[0] == '$')
	hashIdx := len(line) - 3
	return line[1:hashIdx]
}

func TestContinueResumesFreeRun(t *testing.T) {
	s, client := newTestStub(t)
	go func() {
		sendPacket(t, client, "c")
	}()

	step, err := s.WaitForResume()
	require.NoError(t, err)
	assert.False(t, step)
	assert.Equal(t, Running, s.State())
}

func TestStepRequestsSingleStep(t *testing.T) {
	s, client := newTestStub(t)
	go func() {
		sendPacket(t, client, "s")
	}()

	step, err := s.WaitForResume()
	require.NoError(t, err)
	assert.True(t, step)
	assert.Equal(t, Stepping, s.State())
}

func TestReadWriteRegs(t *testing.T) {
	s, client := newTestStub(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sendPacket(t, client, "g")
		reply := readReply(t, client)
		assert.NotEmpty(t, reply)
		sendPacket(t, client, "c")
	}()

	_, err := s.WaitForResume()
	require.NoError(t, err)
	<-done
}

func TestMemoryReadWrite(t *testing.T) {
	s, client := newTestStub(t)

	buf, err := s.mem.Bytes(0x20000, 4)
	require.NoError(t, err)
	copy(buf, []byte{0xde, 0xad, 0xbe, 0xef})

	done := make(chan struct{})
	go func() {
		defer close(done)
		sendPacket(t, client, "m20000,4")
		reply := readReply(t, client)
		assert.Equal(t, hex.EncodeToString([]byte{0xde, 0xad, 0xbe, 0xef}), reply)

		sendPacket(t, client, "M20000,4:cafebabe")
		reply = readReply(t, client)
		assert.Equal(t, "OK", reply)

		sendPacket(t, client, "c")
	}()

	_, err = s.WaitForResume()
	require.NoError(t, err)
	<-done

	got, err := s.mem.Bytes(0x20000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xca, 0xfe, 0xba, 0xbe}, got)
}

func TestBreakpointInsertAndReportStopRewindsPC(t *testing.T) {
	s, client := newTestStub(t)
	buf, err := s.mem.Bytes(0x1000, 1)
	require.NoError(t, err)
	buf[0] = 0x90 // NOP

	go func() {
		sendPacket(t, client, "Z0,1000,1")
		reply := readReply(t, client)
		assert.Equal(t, "OK", reply)
		sendPacket(t, client, "c")
	}()

	_, err = s.WaitForResume()
	require.NoError(t, err)

	assert.Equal(t, byte(int3), buf[0])

	ctrl := s.ctrl.(*fakeCtrl)
	ctrl.regs.RIP = 0x1001 // trapped one past the breakpoint, x86 style

	// ReportStop's reply only has a reader once ctrl.regs is set, so
	// start it concurrently with the stub's write rather than after.
	replyCh := make(chan string, 1)
	go func() { replyCh <- readReply(t, client) }()

	require.NoError(t, s.ReportStop(StopBreakpoint))
	assert.Equal(t, "S05", <-replyCh)
	assert.Equal(t, uint64(0x1000), ctrl.regs.RIP)
	assert.Equal(t, Stopped, s.State())
}

func TestCloseTransitionsToDead(t *testing.T) {
	s, _ := newTestStub(t)
	require.NoError(t, s.Close())
	assert.Equal(t, Dead, s.State())
}
