package vmm

import "fmt"

// HypervisorError marks a fatal-at-construction host failure (spec §7
// kind 1): VM/vCPU creation, memory installation, capability
// enablement. cmd/uhyve distinguishes this from a guest-supplied exit
// code by type.
type HypervisorError struct {
	Op  string
	Err error
}

func (e *HypervisorError) Error() string {
	return fmt.Sprintf("hypervisor: %s: %v", e.Op, e.Err)
}

func (e *HypervisorError) Unwrap() error { return e.Err }

func wrapFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &HypervisorError{Op: op, Err: err}
}
