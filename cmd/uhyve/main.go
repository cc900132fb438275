// Command uhyve boots a HermitCore unikernel image under KVM. It
// parses the CLI surface (spec §6), builds the VM, runs it to
// completion, and exits with the guest's exit code or a non-zero code
// on a host-side fatal error.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/hermit-os/uhyve-go/internal/config"
	"github.com/hermit-os/uhyve-go/internal/vmm"
)

var (
	name    = "uhyve"
	version = ""
)

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "run a HermitCore unikernel under KVM"
	app.Version = version
	app.ArgsUsage = "KERNEL [ARGS...]"

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "verbose",
			Usage:  "enable debug logging",
			EnvVar: "HERMIT_VERBOSE",
		},
		cli.BoolFlag{
			Name:   "disable-hugepages",
			Usage:  "do not advise MADV_HUGEPAGE on guest memory",
			EnvVar: "HERMIT_HUGEPAGE",
		},
		cli.BoolFlag{
			Name:   "mergeable",
			Usage:  "advise MADV_MERGEABLE on guest memory",
			EnvVar: "HERMIT_MERGEABLE",
		},
		cli.StringFlag{
			Name:   "memsize",
			Usage:  "guest memory size, SI suffix allowed (e.g. 256M, 2G)",
			EnvVar: "HERMIT_MEM",
		},
		cli.IntFlag{
			Name:   "cpus",
			Usage:  "number of vCPUs",
			Value:  1,
			EnvVar: "HERMIT_CPUS",
		},
		cli.StringFlag{
			Name:   "affinity",
			Usage:  "CSV range list of host cores to pin vCPUs to (e.g. 0,2-4)",
			EnvVar: "HERMIT_AFFINITY",
		},
		cli.IntFlag{
			Name:   "gdb_port",
			Usage:  "TCP port for the gdb remote-debug stub; requires --cpus 1",
			EnvVar: "HERMIT_GDB_PORT",
		},
		cli.StringFlag{
			Name:   "nic",
			Usage:  "host TAP device name to bridge the guest's virtio-net interface to",
			EnvVar: "HERMIT_NETIF",
		},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	if c.Bool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if c.NArg() < 1 {
		return cli.NewExitError("uhyve: a kernel path is required", 1)
	}
	kernelPath := c.Args().Get(0)
	argv := []string(c.Args())

	memSize, err := config.ParseMemSize(c.String("memsize"), log)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	var affinity []int
	if s := c.String("affinity"); s != "" {
		affinity, err = config.ParseRanges(s)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
	}

	params := config.Parameter{
		MemSize:     memSize,
		NumCPUs:     c.Int("cpus"),
		Verbose:     c.Bool("verbose"),
		Hugepage:    !c.Bool("disable-hugepages"),
		Mergeable:   c.Bool("mergeable"),
		NIC:         c.String("nic"),
		GDBPort:     uint16(c.Int("gdb_port")),
		CPUAffinity: affinity,
	}

	if err := params.Validate(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	vm, err := vmm.New(kernelPath, params, argv, log)
	if err != nil {
		return cli.NewExitError(err.Error(), exitCodeFor(err))
	}
	defer vm.Close()

	code, err := vm.Run()
	if err != nil {
		return cli.NewExitError(err.Error(), exitCodeFor(err))
	}

	os.Exit(code)
	return nil
}

// exitCodeFor maps a fatal host-side error to a non-zero exit code
// distinct from a guest-supplied one; the specific value beyond
// "non-zero" carries no meaning (spec §6 "non-zero on host-side fatal
// error").
func exitCodeFor(err error) int {
	var herr *vmm.HypervisorError
	if errors.As(err, &herr) {
		return 128
	}
	return 1
}
