// Package vmm implements the VM Builder and vCPU Loop (spec §4.E,
// §4.F): constructs a KVM virtual machine from a Parameter record and
// a kernel image, wires guest memory, the virtio-net shim, and the
// TAP bridge, then runs one native thread per vCPU until a guest
// EXIT hypercall or a fatal exit terminates the VM.
package vmm

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hermit-os/uhyve-go/internal/bootinfo"
	"github.com/hermit-os/uhyve-go/internal/config"
	"github.com/hermit-os/uhyve-go/internal/gdbstub"
	"github.com/hermit-os/uhyve-go/internal/guestmem"
	"github.com/hermit-os/uhyve-go/internal/kvm"
	"github.com/hermit-os/uhyve-go/internal/taparp"
	"github.com/hermit-os/uhyve-go/internal/virtionet"
)

// SharedQueueStart is the well-known guest-physical offset of the RX
// SharedQueue; TX follows at +align_up(sizeof(SharedQueue), 64) (§6
// Guest memory layout contract). It sits comfortably past BootInfo's
// reserved region and the long-mode page tables/GDT (§ longmode.go).
const SharedQueueStart = 0x10000

// gsiNet is the IRQ line number the virtio-net shim's IRQFD asserts.
const gsiNet = 11

var (
	globalKVM     *kvm.FD
	globalKVMOnce sync.Once
	globalKVMErr  error
)

func openGlobalKVM() (*kvm.FD, error) {
	globalKVMOnce.Do(func() {
		globalKVM, globalKVMErr = kvm.Open()
	})
	return globalKVM, globalKVMErr
}

// VM owns the whole guest: its KVM handle, memory, devices, and vCPUs
// (spec §4.E). Lifetime ends at Close, which is idempotent (property 9).
type VM struct {
	log *logrus.Entry

	kvmVM *kvm.VM
	mem   *guestmem.GuestSpace
	image bootinfo.Image

	shim   *virtionet.Shim
	bridge *taparp.Bridge
	irqFD  int

	vcpus  []*VCpu
	params config.Parameter
	argv   []string

	netinfoIP, netinfoGW, netinfoMask [4]byte

	mu        sync.Mutex
	openFiles map[int]*os.File
	nextFDNum int

	debugStub *gdbstub.Stub
	gdbLn     net.Listener

	exitCode  int32
	exitOnce  sync.Once
	stopCh    chan struct{}
	closeOnce sync.Once
}

// New builds a VM for the unikernel image at kernelPath per params
// (spec §4.E's build sequence). Any host-capability failure here is
// fatal and returned as a *HypervisorError (§7 kind 1).
func New(kernelPath string, params config.Parameter, argv []string, log *logrus.Entry) (*VM, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "vmm")

	if err := bootinfo.Exists(kernelPath); err != nil {
		return nil, err
	}

	kfd, err := openGlobalKVM()
	if err != nil {
		return nil, wrapFatal("open /dev/kvm", err)
	}

	if ok, _ := kfd.CheckExtension(kvm.CapUserMemory); ok <= 0 {
		return nil, wrapFatal("check extension", fmt.Errorf("KVM_CAP_USER_MEMORY unsupported"))
	}

	vmFD, err := kfd.CreateVM()
	if err != nil {
		return nil, wrapFatal("create vm", err)
	}
	kvmVM := kvm.NewVM(vmFD)

	actualMem, clamped := guestmem.Clamp(params.MemSize)
	if clamped {
		log.Warnf("resizing guest memory to %d bytes", actualMem)
	}

	mem, err := guestmem.New(actualMem, params.Hugepage, params.Mergeable)
	if err != nil {
		kvmVM.Close()
		return nil, wrapFatal("allocate guest memory", err)
	}

	vm := &VM{
		log:       log,
		kvmVM:     kvmVM,
		mem:       mem,
		params:    params,
		argv:      argv,
		openFiles: make(map[int]*os.File),
		stopCh:    make(chan struct{}),
	}

	for _, f := range []struct {
		s   string
		dst *[4]byte
	}{{params.IP, &vm.netinfoIP}, {params.Gateway, &vm.netinfoGW}, {params.Mask, &vm.netinfoMask}} {
		if ip := net.ParseIP(f.s).To4(); ip != nil {
			copy(f.dst[:], ip)
		}
	}

	if err := mem.Install(kvmVM); err != nil {
		vm.Close()
		return nil, wrapFatal("install memory region", err)
	}

	image, err := bootinfo.Load(kernelPath, mem.Slice())
	if err != nil {
		vm.Close()
		return nil, wrapFatal("load kernel image", err)
	}
	vm.image = image

	if err := kvmVM.CreateIRQChip(); err != nil {
		vm.Close()
		return nil, wrapFatal("create irqchip", err)
	}

	// §9 open question (resolved, see DESIGN.md): probe, then require,
	// rather than rely on KVM_ENABLE_CAP failing.
	for _, cap := range []int{kvm.CapIRQFD, kvm.CapTSCDeadlineTimer} {
		if ok, _ := kfd.CheckExtension(uintptr(cap)); ok <= 0 {
			vm.Close()
			return nil, wrapFatal("check extension", fmt.Errorf("capability %d unsupported", cap))
		}
	}

	setupPageTables(mem.Slice(), mem.Size)

	info := bootinfo.View(mem.Slice())
	info.EntryPoint = image.EntryPoint
	info.NumCPUs = uint32(params.NumCPUs)
	info.Limit = mem.Size

	if params.NIC != "" {
		if err := vm.attachNIC(); err != nil {
			log.WithError(err).Error("failed to attach nic, continuing without networking")
		}
	}
	if vm.shim == nil {
		// No --nic configured, or attachNIC failed above (§7 kind 5: TAP
		// errors are fatal only to networking): the guest still probes a
		// virtio-net shim, it just never sees link traffic.
		vm.shim = virtionet.New([6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, nil)
	}

	for i := 0; i < params.NumCPUs; i++ {
		vc, err := vm.newVCpu(i)
		if err != nil {
			vm.Close()
			return nil, wrapFatal(fmt.Sprintf("create vcpu %d", i), err)
		}
		vm.vcpus = append(vm.vcpus, vc)
	}

	if params.GDBPort != 0 {
		if err := vm.attachDebugStub(); err != nil {
			vm.Close()
			return nil, wrapFatal("attach debug stub", err)
		}
	}

	return vm, nil
}

// attachDebugStub listens on GDBPort and blocks for one connection
// before the guest is resumed (spec §4.G). Gated by config.Validate's
// num_cpus==1 check (property 8), enforced by the caller before New.
func (vm *VM) attachDebugStub() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", vm.params.GDBPort))
	if err != nil {
		return err
	}
	vm.gdbLn = ln

	vm.log.Infof("waiting for gdb connection on port %d", vm.params.GDBPort)
	stub, err := gdbstub.Accept(ln, vm.vcpus[0], vm.mem, vm.log)
	if err != nil {
		return err
	}
	vm.debugStub = stub
	return nil
}

func (vm *VM) attachNIC() error {
	irqFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("vmm: eventfd: %w", err)
	}
	if err := vm.kvmVM.IRQFD(irqFD, gsiNet); err != nil {
		unix.Close(irqFD)
		return err
	}
	vm.irqFD = irqFD

	hostBase := vm.mem.Slice()[SharedQueueStart:]
	bridge, err := taparp.New(vm.params.NIC, irqFD, hostBase, vm.log)
	if err != nil {
		return err
	}
	vm.bridge = bridge
	vm.shim = virtionet.New([6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, bridge)
	bridge.SetISRRaiser(vm.shim)
	return nil
}

func (vm *VM) newVCpu(id int) (*VCpu, error) {
	fd, err := vm.kvmVM.CreateVCPU(id)
	if err != nil {
		return nil, err
	}
	mmapSize, err := globalKVM.VCPUMMapSize()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	cpu, err := kvm.NewVCPU(fd, mmapSize)
	if err != nil {
		return nil, err
	}

	vc := &VCpu{
		id:  id,
		vm:  vm,
		cpu: cpu,
		log: vm.log.WithField("vcpu", id),
	}
	if id < len(vm.params.CPUAffinity) {
		vc.affinity = vm.params.CPUAffinity[id]
		vc.hasAffinity = true
	}
	if err := vc.initRegisters(); err != nil {
		cpu.Close()
		return nil, err
	}
	return vc, nil
}

func (vm *VM) nextFD() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.nextFDNum++
	return 1000 + vm.nextFDNum
}

// Run spawns one goroutine per vCPU, joins them all, and returns the
// recorded guest exit code (spec §4.F Termination). The first vCPU to
// observe EXIT (or a fatal exit) publishes the code; others stop at
// their next exit.
func (vm *VM) Run() (int, error) {
	var wg sync.WaitGroup
	errs := make(chan error, len(vm.vcpus))

	for _, vc := range vm.vcpus {
		wg.Add(1)
		go func(vc *VCpu) {
			defer wg.Done()
			if err := vc.runLoop(); err != nil {
				errs <- err
			}
		}(vc)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return 0, err
		}
	}

	return int(atomic.LoadInt32(&vm.exitCode)), nil
}

// recordExit publishes the guest exit code exactly once and signals
// all other vCPUs to stop at their next exit.
func (vm *VM) recordExit(code int) {
	vm.exitOnce.Do(func() {
		atomic.StoreInt32(&vm.exitCode, int32(code))
		close(vm.stopCh)
	})
}

func (vm *VM) stopping() bool {
	select {
	case <-vm.stopCh:
		return true
	default:
		return false
	}
}

// Close releases every resource the VM owns. Idempotent (property 9).
func (vm *VM) Close() error {
	var err error
	vm.closeOnce.Do(func() {
		if vm.debugStub != nil {
			vm.debugStub.Close()
		}
		if vm.gdbLn != nil {
			vm.gdbLn.Close()
		}
		for _, vc := range vm.vcpus {
			if cerr := vc.cpu.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if vm.bridge != nil {
			if cerr := vm.bridge.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if vm.irqFD != 0 {
			unix.Close(vm.irqFD)
		}
		for _, f := range vm.openFiles {
			f.Close()
		}
		if vm.mem != nil {
			if cerr := vm.mem.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if vm.kvmVM != nil {
			if cerr := vm.kvmVM.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
