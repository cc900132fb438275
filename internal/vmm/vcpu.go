package vmm

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hermit-os/uhyve-go/internal/bootinfo"
	"github.com/hermit-os/uhyve-go/internal/gdbstub"
	"github.com/hermit-os/uhyve-go/internal/guestmem"
	"github.com/hermit-os/uhyve-go/internal/kvm"
	"github.com/hermit-os/uhyve-go/internal/virtionet"
)

// VCpu is one guest processor: a host vCPU handle, its id, and shared
// handles to the owning VM's memory and devices (spec §3 VCpu). Its
// run loop is the sole writer of its own registers and the sole
// caller into the virtio-net shim for its own IO exits; cross-vCPU
// coordination is limited to vm.stopCh and vm.exitCode (spec §5).
type VCpu struct {
	id          int
	vm          *VM
	cpu         *kvm.VCPU
	log         *logrus.Entry
	affinity    int
	hasAffinity bool
}

// GetRegs and SetRegs satisfy gdbstub.Controller, letting the debug
// stub read and write this vCPU's registers directly.
func (v *VCpu) GetRegs() (*kvm.Regs, error) { return v.cpu.GetRegs() }
func (v *VCpu) SetRegs(r *kvm.Regs) error   { return v.cpu.SetRegs(r) }

func (v *VCpu) initRegisters() error {
	sregs, err := v.cpu.GetSregs()
	if err != nil {
		return fmt.Errorf("vmm: get sregs for vcpu %d: %w", v.id, err)
	}
	initSregs(sregs, v.vm.mem.Slice())
	if err := v.cpu.SetSregs(sregs); err != nil {
		return fmt.Errorf("vmm: set sregs for vcpu %d: %w", v.id, err)
	}

	regs := &kvm.Regs{
		RIP:    v.vm.image.EntryPoint,
		RFLAGS: 0x2,
		RSP:    guestmem.GapStart - 0x1000,
		RDI:    bootinfo.Offset,
	}
	if err := v.cpu.SetRegs(regs); err != nil {
		return fmt.Errorf("vmm: set regs for vcpu %d: %w", v.id, err)
	}
	return nil
}

// runLoop is the per-vCPU operation of spec §4.F: pin to the assigned
// host core if affinity is set, then loop KVM_RUN until EXIT or a
// fatal/unknown exit. Returns a non-nil error only for the latter (§7
// kind 3); a clean EXIT always returns nil, with the code recorded on
// the VM via recordExit.
func (v *VCpu) runLoop() error {
	// One dedicated OS thread per vCPU, so the affinity pin below and
	// every KVM_RUN apply to the same host thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if v.hasAffinity {
		if err := pinToCore(v.affinity); err != nil {
			v.log.WithError(err).Warn("failed to set cpu affinity")
		}
	}

	stub := v.vm.debugStub
	stepping := false
	if stub != nil {
		// Accept() already blocked for the client; the guest stays
		// parked until the first 'c' or 's' arrives (spec §4.G).
		var err error
		stepping, err = stub.WaitForResume()
		if err != nil {
			v.log.WithError(err).Debug("gdb stub closed before resume")
			stub = nil
		} else if err := v.cpu.SetGuestDebug(stepping); err != nil {
			return fmt.Errorf("vmm: vcpu %d: arm guest debug: %w", v.id, err)
		}
	}

	for !v.vm.stopping() {
		if err := v.cpu.Run(); err != nil {
			return fmt.Errorf("vmm: vcpu %d: %w", v.id, err)
		}

		rd := v.cpu.RunData()
		switch rd.ExitReason {
		case kvm.ExitIO:
			if done, err := v.handleIOExit(rd); err != nil {
				return err
			} else if done {
				return nil
			}

		case kvm.ExitMMIO:
			v.handleMMIOExit(rd)

		case kvm.ExitDebug:
			if stub == nil {
				// The stub died mid-session; a breakpoint byte it left
				// behind just trapped. Let the guest carry on (§7 kind 6).
				v.log.Warn("debug exit with no stub attached")
				continue
			}
			reason := gdbstub.StopBreakpoint
			if stepping {
				reason = gdbstub.StopStep
			}
			if err := stub.ReportStop(reason); err != nil {
				v.log.WithError(err).Debug("gdb stub closed reporting stop")
				stub, stepping = nil, false
				v.cpu.SetGuestDebug(false)
				continue
			}
			next, err := stub.WaitForResume()
			if err != nil {
				v.log.WithError(err).Debug("gdb stub closed awaiting resume")
				stub, stepping = nil, false
				v.cpu.SetGuestDebug(false)
				continue
			}
			stepping = next
			if err := v.cpu.SetGuestDebug(stepping); err != nil {
				return fmt.Errorf("vmm: vcpu %d: arm guest debug: %w", v.id, err)
			}

		case kvm.ExitHLT, kvm.ExitShutdown:
			return nil

		case kvm.ExitIntr:
			// interrupted by a host signal (e.g. EINTR on KVM_RUN); loop again.

		default:
			v.vm.recordExit(1)
			return fmt.Errorf("vmm: vcpu %d: unexpected exit reason %d", v.id, rd.ExitReason)
		}
	}
	return nil
}

// handleIOExit dispatches one KVM_EXIT_IO, routing virtio-net ports to
// the shim and well-known UHYVE_PORT_* ports to the hypercall handlers
// (spec §4.F's exit table). done is true once EXIT has been observed.
func (v *VCpu) handleIOExit(rd *kvm.RunData) (done bool, err error) {
	direction, size, port, _, dataOffset := rd.IO()
	data := v.cpu.Bytes(dataOffset, int(size))

	if port >= VirtioNetBase && port < VirtioNetBase+virtionet.Size {
		v.vm.shim.HandleIO(uint16(port-VirtioNetBase), direction == kvm.ExitIOIn, data)
		return false, nil
	}

	if direction == kvm.ExitIOIn {
		// Every hypercall port is guest-write-only (the guest writes a
		// gpa, the host mutates the packet in place); an IN here is a
		// guest bug, answer with zero rather than crash the VM.
		for i := range data {
			data[i] = 0
		}
		return false, nil
	}

	gpa := readPortGPA(data)

	switch port {
	case PortWrite:
		err = v.handleWrite(gpa)
	case PortOpen:
		err = v.handleOpen(gpa)
	case PortClose:
		err = v.handleClose(gpa)
	case PortRead:
		err = v.handleRead(gpa)
	case PortLseek:
		err = v.handleLseek(gpa)
	case PortUnlink:
		err = v.handleUnlink(gpa)
	case PortCmdsize:
		err = v.handleCmdsize(gpa)
	case PortCmdval:
		err = v.handleCmdval(gpa)
	case PortNetinfo:
		err = v.handleNetinfo(gpa)
	case PortExit:
		code, ferr := v.handleExit(gpa)
		if ferr != nil {
			return false, ferr
		}
		v.vm.recordExit(code)
		return true, nil
	default:
		v.log.Warnf("unhandled hypercall port 0x%x", port)
	}

	if err != nil {
		// Hypercall errors are recorded in-packet and never fatal (§7 kind 4).
		v.log.WithError(err).Debug("hypercall error")
	}
	return false, nil
}

// handleMMIOExit forwards an access inside the MMIO hole to the
// virtio-net shim (spec §4.F "MMIO in MMIO hole -> forward to virtio
// shim"). Accesses below the hole never reach here: KVM only raises
// KVM_EXIT_MMIO for guest-physical addresses no memory slot backs.
func (v *VCpu) handleMMIOExit(rd *kvm.RunData) {
	physAddr, data, _, isWrite := rd.MMIO()
	if physAddr < VirtioNetBase || physAddr >= VirtioNetBase+virtionet.Size {
		v.log.Warnf("unhandled mmio access at 0x%x", physAddr)
		return
	}
	v.vm.shim.HandleIO(uint16(physAddr-VirtioNetBase), !isWrite, data)
}

// readPortGPA decodes the guest physical address the guest wrote to a
// hypercall port, zero-extending a narrower OUT to 64 bits.
func readPortGPA(data []byte) uint64 {
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:])
}

func pinToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
