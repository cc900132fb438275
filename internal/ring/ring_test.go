package ring

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSPSCFifo drives property 3/the §8 FIFO property law: a single
// producer and single consumer racing over one Queue must preserve
// order, losslessness, and the written-read<=QueueSize invariant.
func TestSPSCFifo(t *testing.T) {
	const packets = 100000
	q := &Queue{}
	q.Init()

	lengths := make([]int, packets)
	rng := rand.New(rand.NewSource(1))
	for i := range lengths {
		lengths[i] = 1 + rng.Intn(MTU)
	}

	done := make(chan struct{})
	var received []int

	go func() {
		defer close(done)
		for len(received) < packets {
			pkt, ok := q.Pop()
			if !ok {
				continue
			}
			received = append(received, len(pkt))
		}
	}()

	for _, l := range lengths {
		pkt := make([]byte, l)
		for !q.Push(pkt) {
			require.LessOrEqual(t, q.Depth(), uint64(QueueSize))
		}
	}
	<-done

	require.Equal(t, len(lengths), len(received))
	for i := range lengths {
		assert.Equal(t, lengths[i], received[i], "packet %d length mismatch (order or loss)", i)
	}
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	q := &Queue{}
	q.Init()
	for i := 0; i < QueueSize; i++ {
		require.True(t, q.Push([]byte{byte(i)}))
	}
	assert.False(t, q.Push([]byte{0xff}), "ring should be full at QueueSize")
	assert.Equal(t, uint64(QueueSize), q.Depth())

	_, ok := q.Pop()
	require.True(t, ok)
	assert.True(t, q.Push([]byte{0xaa}), "one slot freed after a pop")
}

func TestAlignedSizeIs64ByteMultiple(t *testing.T) {
	assert.Equal(t, uint64(0), AlignedSize%64)
	assert.GreaterOrEqual(t, AlignedSize, uint64(unsafe.Sizeof(Queue{})))
}
