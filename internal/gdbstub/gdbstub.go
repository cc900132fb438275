// Package gdbstub implements the line-oriented remote-debug server
// (spec §4.G Debug Stub): the GDB remote serial protocol's packet
// framing, register/memory read-write, software breakpoints stored as
// instruction-byte swaps, and the stub's state machine.
package gdbstub

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hermit-os/uhyve-go/internal/guestmem"
	"github.com/hermit-os/uhyve-go/internal/kvm"
)

// State is the stub's connection/run state (spec §4.G).
type State int

const (
	Disconnected State = iota
	Waiting
	Running
	Stopped
	Stepping
	Dead
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Stepping:
		return "stepping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// int3 is the x86 software-breakpoint opcode.
const int3 = 0xCC

// Controller is the single vCPU a Stub drives, gated on num_cpus==1
// (spec §4.G "Active only when gdb_port is set and num_cpus == 1").
type Controller interface {
	GetRegs() (*kvm.Regs, error)
	SetRegs(*kvm.Regs) error
}

// Stub serves one GDB remote-debug connection against one vCPU.
type Stub struct {
	conn  net.Conn
	r     *bufio.Reader
	ctrl  Controller
	mem   *guestmem.GuestSpace
	log   *logrus.Entry

	mu          sync.Mutex
	state       State
	breakpoints map[uint64]byte
}

// Accept blocks until one TCP connection arrives on listener, per
// spec §4.G "On vCPU start, accepts a single TCP connection on the
// configured port before the guest is resumed."
func Accept(listener net.Listener, ctrl Controller, mem *guestmem.GuestSpace, log *logrus.Entry) (*Stub, error) {
	conn, err := listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("gdbstub: accept: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stub{
		conn:        conn,
		r:           bufio.NewReader(conn),
		ctrl:        ctrl,
		mem:         mem,
		log:         log.WithField("component", "gdbstub"),
		state:       Waiting,
		breakpoints: make(map[uint64]byte),
	}, nil
}

func (s *Stub) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stub) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// WaitForResume processes packets (register/memory access, breakpoint
// insert/remove) until the client requests 'c' (continue) or 's'
// (step), returning whether to single-step. A protocol/IO error
// transitions to Dead and is returned so the vCPU loop can let the
// guest run on unimpeded (spec §7 kind 6, §4.G Dead is terminal).
func (s *Stub) WaitForResume() (step bool, err error) {
	s.setState(Waiting)
	for {
		pkt, err := s.readPacket()
		if err != nil {
			s.setState(Dead)
			return false, err
		}

		switch {
		case pkt == "c":
			s.setState(Running)
			return false, nil
		case pkt == "s":
			s.setState(Stepping)
			return true, nil
		case pkt == "?":
			s.reply("S05")
		case pkt == "g":
			s.handleReadRegs()
		case strings.HasPrefix(pkt, "G"):
			s.handleWriteRegs(pkt[1:])
		case strings.HasPrefix(pkt, "m"):
			s.handleReadMem(pkt[1:])
		case strings.HasPrefix(pkt, "M"):
			s.handleWriteMem(pkt[1:])
		case strings.HasPrefix(pkt, "Z0"):
			s.handleSetBreakpoint(strings.TrimPrefix(pkt[2:], ","))
		case strings.HasPrefix(pkt, "z0"):
			s.handleClearBreakpoint(strings.TrimPrefix(pkt[2:], ","))
		default:
			s.reply("")
		}
	}
}

// StopReason describes why the vCPU stopped, for ReportStop.
type StopReason int

const (
	StopBreakpoint StopReason = iota
	StopStep
	StopHalt
)

// ReportStop resynchronizes PC after a breakpoint trap (x86 leaves RIP
// one past the INT3) and sends a stop reply (spec §4.G "On breakpoint
// or step trap the stub resynchronizes PC ... and sends a stop reply").
func (s *Stub) ReportStop(reason StopReason) error {
	s.setState(Stopped)

	if reason == StopBreakpoint {
		regs, err := s.ctrl.GetRegs()
		if err != nil {
			return err
		}
		if _, ok := s.breakpoints[regs.RIP-1]; ok {
			regs.RIP--
			if err := s.ctrl.SetRegs(regs); err != nil {
				return err
			}
		}
	}

	return s.reply("S05")
}

// Close transitions to Dead and closes the connection (idempotent).
func (s *Stub) Close() error {
	s.setState(Dead)
	return s.conn.Close()
}

func (s *Stub) handleReadRegs() {
	regs, err := s.ctrl.GetRegs()
	if err != nil {
		s.reply("E01")
		return
	}
	s.reply(encodeRegs(regs))
}

func (s *Stub) handleWriteRegs(hexRegs string) {
	regs, err := decodeRegs(hexRegs)
	if err != nil {
		s.reply("E01")
		return
	}
	if err := s.ctrl.SetRegs(regs); err != nil {
		s.reply("E01")
		return
	}
	s.reply("OK")
}

func (s *Stub) handleReadMem(args string) {
	addr, length, err := parseAddrLen(args, ",")
	if err != nil {
		s.reply("E01")
		return
	}
	buf, err := s.mem.Bytes(addr, length)
	if err != nil {
		s.reply("E01")
		return
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	// A breakpoint byte swap is a host-side debugging artifact (spec
	// §4.G): transmitted reads must show the original instruction, not
	// the INT3 this stub planted.
	for bpAddr, orig := range s.breakpoints {
		if bpAddr >= addr && bpAddr < addr+length {
			out[bpAddr-addr] = orig
		}
	}
	s.reply(hex.EncodeToString(out))
}

func (s *Stub) handleWriteMem(args string) {
	parts := strings.SplitN(args, ":", 2)
	if len(parts) != 2 {
		s.reply("E01")
		return
	}
	addr, length, err := parseAddrLen(parts[0], ",")
	if err != nil {
		s.reply("E01")
		return
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil || uint64(len(data)) != length {
		s.reply("E01")
		return
	}
	buf, err := s.mem.Bytes(addr, length)
	if err != nil {
		s.reply("E01")
		return
	}
	copy(buf, data)
	s.reply("OK")
}

func (s *Stub) handleSetBreakpoint(args string) {
	addr, _, err := parseAddrLen(args, ",")
	if err != nil {
		s.reply("E01")
		return
	}
	buf, err := s.mem.Bytes(addr, 1)
	if err != nil {
		s.reply("E01")
		return
	}
	if _, exists := s.breakpoints[addr]; !exists {
		s.breakpoints[addr] = buf[0]
		buf[0] = int3
	}
	s.reply("OK")
}

func (s *Stub) handleClearBreakpoint(args string) {
	addr, _, err := parseAddrLen(args, ",")
	if err != nil {
		s.reply("E01")
		return
	}
	if orig, ok := s.breakpoints[addr]; ok {
		if buf, err := s.mem.Bytes(addr, 1); err == nil {
			buf[0] = orig
		}
		delete(s.breakpoints, addr)
	}
	s.reply("OK")
}

func parseAddrLen(s, sep string) (addr, length uint64, err error) {
	parts := strings.SplitN(s, sep, 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("gdbstub: malformed address/length %q", s)
	}
	addr, err = strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return 0, 0, err
	}
	length, err = strconv.ParseUint(strings.TrimSuffix(parts[1], ","), 16, 64)
	return addr, length, err
}

// readPacket blocks for one RSP packet "$payload#cc", acking with '+'.
func (s *Stub) readPacket() (string, error) {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return "", err
		}
		if b != '$' {
			continue // ignore stray acks/naks and interrupt bytes
		}
		payload, err := s.r.ReadString('#')
		if err != nil {
			return "", err
		}
		payload = strings.TrimSuffix(payload, "#")
		checksum := make([]byte, 2)
		if _, err := readFullBytes(s.r, checksum); err != nil {
			return "", err
		}
		if _, err := s.conn.Write([]byte{'+'}); err != nil {
			return "", err
		}
		return payload, nil
	}
}

func readFullBytes(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		b, err := r.ReadByte()
		if err != nil {
			return n, err
		}
		buf[n] = b
		n++
	}
	return n, nil
}

func (s *Stub) reply(payload string) error {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	framed := fmt.Sprintf("$%s#%02x", payload, sum)
	_, err := s.conn.Write([]byte(framed))
	return err
}

// gdbRegOrder is the x86-64 GDB register order the 'g'/'G' packets use.
var gdbRegOrder = []string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip",
}

func encodeRegs(regs *kvm.Regs) string {
	vals := map[string]uint64{
		"rax": regs.RAX, "rbx": regs.RBX, "rcx": regs.RCX, "rdx": regs.RDX,
		"rsi": regs.RSI, "rdi": regs.RDI, "rbp": regs.RBP, "rsp": regs.RSP,
		"r8": regs.R8, "r9": regs.R9, "r10": regs.R10, "r11": regs.R11,
		"r12": regs.R12, "r13": regs.R13, "r14": regs.R14, "r15": regs.R15,
		"rip": regs.RIP,
	}
	var b strings.Builder
	for _, name := range gdbRegOrder {
		var le [8]byte
		putLE64(le[:], vals[name])
		b.WriteString(hex.EncodeToString(le[:]))
	}
	return b.String()
}

func decodeRegs(hexRegs string) (*kvm.Regs, error) {
	raw, err := hex.DecodeString(hexRegs)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8*len(gdbRegOrder) {
		return nil, fmt.Errorf("gdbstub: short register payload")
	}
	get := func(i int) uint64 { return getLE64(raw[i*8:]) }

	regs := &kvm.Regs{
		RAX: get(0), RBX: get(1), RCX: get(2), RDX: get(3),
		RSI: get(4), RDI: get(5), RBP: get(6), RSP: get(7),
		R8: get(8), R9: get(9), R10: get(10), R11: get(11),
		R12: get(12), R13: get(13), R14: get(14), R15: get(15),
		RIP: get(16),
	}
	return regs, nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getLE64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
