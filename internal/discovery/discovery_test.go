package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viproma/coral-sub001/internal/reactor"
)

func TestDatagramRoundTrip(t *testing.T) {
	d := Datagram{PartitionID: 42, ServiceType: "slave_provider", ServiceID: "prov-1", Payload: []byte{0x1f, 0x90}}
	encoded, err := Encode(d)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte("XXXX\x00\x00\x00\x00\x00"))
	assert.Error(t, err)
}

func newRunningReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	return r
}

func TestTrackerFiresAppearedAndDisappeared(t *testing.T) {
	r := newRunningReactor(t)

	tracker, err := NewTracker(r, "127.0.0.1:0", 7, 20*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracker.Close() })

	appeared := make(chan []byte, 4)
	disappeared := make(chan struct{}, 4)
	require.NoError(t, r.Post(func() {
		tracker.Register(Registration{
			ServiceType: "slave_provider",
			Timeout:     60 * time.Millisecond,
			OnAppeared:  func(id string, payload []byte) { appeared <- payload },
			OnDisappeared: func(id string) {
				disappeared <- struct{}{}
			},
		})
	}))

	beacon, err := NewBeacon(r, tracker.conn.LocalAddr().String(), 7, "slave_provider", "prov-1", []byte{1, 2, 3}, 15*time.Millisecond)
	require.NoError(t, err)

	select {
	case payload := <-appeared:
		assert.Equal(t, []byte{1, 2, 3}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("appeared event never fired")
	}

	require.NoError(t, beacon.Close())

	select {
	case <-disappeared:
	case <-time.After(2 * time.Second):
		t.Fatal("disappeared event never fired after beacon stopped")
	}
}
