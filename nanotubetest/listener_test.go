package nanotubetest

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerExpect(t *testing.T) {
	l := NewListener(t)

	conn, err := net.Dial("udp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("a:1|c\nb:2|c\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a:1|c", "b:2|c"}, l.Lines(t, 1))
	l.Quiet(t, 50*time.Millisecond)
}

func TestListenerStopsWhenFull(t *testing.T) {
	var l *Listener

	t.Run("fill", func(t *testing.T) {
		l = NewListener(t)

		conn, err := net.Dial("udp", l.Addr())
		require.NoError(t, err)
		defer conn.Close()

		deadline := time.Now().Add(DefaultTimeout)
		for len(l.packets) != cap(l.packets) {
			require.True(t, time.Now().Before(deadline), "timeout filling the listener")
			_, err := conn.Write([]byte("a:1|c\n"))
			require.NoError(t, err)
		}

		// One more datagram leaves the reader waiting on the full channel.
		_, err = conn.Write([]byte("a:1|c\n"))
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
	})

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range l.packets {
		}
	}()

	select {
	case <-drained:
	case <-time.After(DefaultTimeout):
		t.Fatal("the listener kept running after the test completed")
	}
}
