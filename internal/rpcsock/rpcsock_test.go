package rpcsock

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viproma/coral-sub001/internal/reactor"
)

func TestClientServerRoundTrip(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(r, ln, 1, func(id ConnID, negotiatedVersion uint16, msgType uint16, body []byte) (uint16, []byte, bool) {
		echo := append([]byte(nil), body...)
		return msgType, echo, false
	})
	_ = srv

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	client := NewClient(r, conn, 1)

	go func() { _ = r.Run(context.Background()) }()

	result := make(chan []byte, 1)
	require.NoError(t, r.Post(func() {
		client.Call(42, []byte("hello"), time.Second, func(msgType uint16, body []byte, err error) {
			require.NoError(t, err)
			assert.Equal(t, uint16(42), msgType)
			result <- body
		})
	}))

	select {
	case body := <-result:
		assert.Equal(t, []byte("hello"), body)
	case <-time.After(3 * time.Second):
		t.Fatal("no reply received")
	}
}
