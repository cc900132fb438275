package virtionet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct{ count int }

func (f *fakeNotifier) Notify() { f.count++ }

func TestFeaturesAndMACReadback(t *testing.T) {
	mac := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	s := New(mac, nil)

	var buf [4]byte
	s.HandleIO(RegHostFeatures, true, buf[:])
	assert.Equal(t, uint32(FeatureMAC|FeatureStatus), getLE32(buf[:]))

	for i := 0; i < 6; i++ {
		var b [1]byte
		s.HandleIO(RegMAC+uint16(i), true, b[:])
		assert.Equal(t, mac[i], b[0])
	}
}

func TestGuestFeaturesRoundTrip(t *testing.T) {
	s := New([6]byte{}, nil)

	var in [4]byte
	putLE32(in[:], FeatureMAC)
	s.HandleIO(RegGuestFeatures, false, in[:])

	var out [4]byte
	s.HandleIO(RegGuestFeatures, true, out[:])
	assert.Equal(t, uint32(FeatureMAC), getLE32(out[:]))
}

func TestQueueNotifyWakesBridge(t *testing.T) {
	n := &fakeNotifier{}
	s := New([6]byte{}, n)

	var buf [2]byte
	s.HandleIO(RegQueueNotify, false, buf[:])
	s.HandleIO(RegQueueNotify, false, buf[:])

	assert.Equal(t, 2, n.count)
}

func TestQueueNotifyWithoutBridgeIsInert(t *testing.T) {
	s := New([6]byte{}, nil)
	var buf [2]byte
	require.NotPanics(t, func() {
		s.HandleIO(RegQueueNotify, false, buf[:])
	})
}

func TestISRReadClears(t *testing.T) {
	s := New([6]byte{}, nil)
	s.RaiseISR()

	var b [1]byte
	s.HandleIO(RegISR, true, b[:])
	assert.Equal(t, byte(1), b[0])

	s.HandleIO(RegISR, true, b[:])
	assert.Equal(t, byte(0), b[0])
}

func TestStatusFailedResetsRegister(t *testing.T) {
	s := New([6]byte{}, nil)

	ok := []byte{StatusAcknowledge | StatusDriver}
	s.HandleIO(RegStatus, false, ok)

	var readBack [1]byte
	s.HandleIO(RegStatus, true, readBack[:])
	assert.Equal(t, byte(StatusAcknowledge|StatusDriver), readBack[0])

	failed := []byte{StatusFailed}
	s.HandleIO(RegStatus, false, failed)
	s.HandleIO(RegStatus, true, readBack[:])
	assert.Equal(t, byte(0), readBack[0])
}
