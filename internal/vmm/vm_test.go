package vmm

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hermit-os/uhyve-go/internal/guestmem"
)

// TestCloseIsIdempotent backs property 9: a VM's teardown must be
// safe to invoke more than once (e.g. a builder error path calling
// Close followed by a caller's deferred Close).
func TestCloseIsIdempotent(t *testing.T) {
	mem, err := guestmem.New(guestmem.MinSize, false, false)
	require.NoError(t, err)

	vm := &VM{
		mem:       mem,
		openFiles: make(map[int]*os.File),
		stopCh:    make(chan struct{}),
	}

	require.NoError(t, vm.Close())
	require.NoError(t, vm.Close())
}

func TestRecordExitIsOnceOnly(t *testing.T) {
	vm := &VM{stopCh: make(chan struct{})}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(code int) {
			defer wg.Done()
			vm.recordExit(code)
		}(i)
	}
	wg.Wait()

	require.True(t, vm.stopping())
}
