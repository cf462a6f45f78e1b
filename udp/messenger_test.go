package udp

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentio/nanotube/nanotubetest"
)

// unresolvable is a resolver that fails every lookup without touching the
// network.
var unresolvable = &net.Resolver{
	PreferGo: true,
	Dial: func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("no DNS in tests")
	},
}

func newTestMessenger(t *testing.T, l *nanotubetest.Listener, config Config) *Messenger {
	t.Helper()

	config.Host = l.Host()
	config.Port = l.Port()

	m, err := NewMessenger(config)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// waitIdle waits for the in-flight send operations of m to complete.
func waitIdle(t *testing.T, m *Messenger) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for m.ops.Available() != m.ops.Created() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for send operations to complete")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMessengerSendAll(t *testing.T) {
	l := nanotubetest.NewListener(t)
	m := newTestMessenger(t, l, Config{})

	require.NoError(t, m.SendAll(slices.Values([]string{"a:1|c", "b:320|ms"})))
	l.Expect(t, "a:1|c\nb:320|ms\n")

	waitIdle(t, m)
	assert.Equal(t, Stats{Packets: 1}, m.Stats())
}

func TestMessengerSendAllSplitsPackets(t *testing.T) {
	l := nanotubetest.NewListener(t)
	m := newTestMessenger(t, l, Config{PacketSize: 32})

	lines := make([]string, 10)
	for i := range lines {
		lines[i] = "req.count:30|c"
	}

	require.NoError(t, m.SendAll(slices.Values(lines)))

	got := l.Lines(t, 5)
	assert.Equal(t, lines, got)
}

func TestMessengerSendAllEmpty(t *testing.T) {
	l := nanotubetest.NewListener(t)
	m := newTestMessenger(t, l, Config{})

	require.NoError(t, m.SendAll(slices.Values([]string(nil))))
	l.Quiet(t, 100*time.Millisecond)

	assert.Equal(t, 1, m.ops.Available())
}

func TestMessengerStreamAll(t *testing.T) {
	l := nanotubetest.NewListener(t)
	m := newTestMessenger(t, l, Config{PacketSize: 10})

	// Every line fills a packet of its own.
	lines := []string{"a:1|c", "b:2|c", "c:3|c", "d:4|c", "e:5|c"}
	require.NoError(t, m.StreamAll(slices.Values(lines), 2))

	packets := l.Collect(t, len(lines))
	got := make([]string, len(packets))
	for i, p := range packets {
		got[i] = strings.TrimSuffix(string(p), "\n")
	}

	// Batches are written concurrently, only their contents are ordered.
	assert.ElementsMatch(t, lines, got)
}

func TestMessengerStreamAllUnbounded(t *testing.T) {
	l := nanotubetest.NewListener(t)
	m := newTestMessenger(t, l, Config{PoolSize: 1})

	var produced atomic.Int64
	lines := func(yield func(string) bool) {
		for produced.Add(1) <= 10000 {
			if !yield("hits:1|c") {
				return
			}
		}
	}

	require.NoError(t, m.StreamAll(lines, 1))
	waitIdle(t, m)

	stats := m.Stats()
	assert.Greater(t, stats.Packets, int64(0))
	// With a single send operation, batches are dropped while one is in
	// flight; the packets written and dropped add up to the whole stream.
	const linesPerPacket = DefaultPacketSize / len("hits:1|c\n")
	assert.EqualValues(t, (10000+linesPerPacket-1)/linesPerPacket, stats.Packets+stats.Drops)
}

func TestMessengerPoolExhausted(t *testing.T) {
	l := nanotubetest.NewListener(t)
	m := newTestMessenger(t, l, Config{PoolSize: 1})

	op, ok := m.ops.Acquire()
	require.True(t, ok)

	assert.NoError(t, m.SendAll(slices.Values([]string{"a:1|c"})))
	assert.NoError(t, m.StreamAll(slices.Values([]string{"a:1|c"}), 0))
	l.Quiet(t, 100*time.Millisecond)
	assert.Equal(t, Stats{Drops: 2}, m.Stats())

	m.ops.Release(op)
	assert.NoError(t, m.SendAll(slices.Values([]string{"a:1|c"})))
	l.Expect(t, "a:1|c\n")
}

func TestMessengerLiteralAddress(t *testing.T) {
	m, err := NewMessenger(Config{Host: "127.0.0.1", Port: 9999, Resolver: unresolvable})
	require.NoError(t, err)
	defer m.Close()

	ep, ok := m.Endpoint()
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9999", ep.String())
	assert.Equal(t, "127.0.0.1:9999", m.Addr())
}

func TestMessengerResolvesOnce(t *testing.T) {
	var lookups atomic.Int64
	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			lookups.Add(1)
			return nil, errors.New("no DNS in tests")
		},
	}

	// localhost comes from the hosts file, the resolver never dials.
	m, err := NewMessenger(Config{Host: "localhost", Resolver: resolver})
	require.NoError(t, err)
	defer m.Close()

	_, ok := m.Endpoint()
	assert.False(t, ok, "host names are resolved lazily")

	require.NoError(t, m.SendAll(slices.Values([]string{"a:1|c"})))
	ep, ok := m.Endpoint()
	require.True(t, ok)
	assert.True(t, ep.Addr().IsLoopback())
	assert.EqualValues(t, DefaultPort, ep.Port())

	require.NoError(t, m.SendAll(slices.Values([]string{"a:1|c"})))
	ep2, _ := m.Endpoint()
	assert.Equal(t, ep, ep2)
	assert.Zero(t, lookups.Load())
}

func TestMessengerUnresolvableHost(t *testing.T) {
	t.Run("errors are discarded by default", func(t *testing.T) {
		l := nanotubetest.NewListener(t)
		h := &memory.Handler{}
		m, err := NewMessenger(Config{
			Host:     "nanotube.invalid",
			Port:     l.Port(),
			Resolver: unresolvable,
			Logger:   &log.Logger{Handler: h, Level: log.DebugLevel},
		})
		require.NoError(t, err)
		defer m.Close()

		assert.NoError(t, m.SendAll(slices.Values([]string{"a:1|c"})))
		assert.NoError(t, m.StreamAll(slices.Values([]string{"a:1|c"}), 0))
		l.Quiet(t, 100*time.Millisecond)

		assert.Equal(t, Stats{}, m.Stats())
		assert.Equal(t, 1, m.ops.Available(), "the send operation was not released")
		require.Len(t, h.Entries, 2)
		assert.Equal(t, log.DebugLevel, h.Entries[0].Level)
	})

	t.Run("strict messengers fail at creation", func(t *testing.T) {
		_, err := NewMessenger(Config{
			Host:     "nanotube.invalid",
			Resolver: unresolvable,
			Strict:   true,
		})
		require.Error(t, err)
		assert.True(t, IsTransport(err))
	})
}

func TestMessengerLookupFailureIsKept(t *testing.T) {
	var dials atomic.Int64
	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("no DNS in tests")
		},
	}

	m, err := NewMessenger(Config{
		Host:         "nanotube.invalid",
		Resolver:     resolver,
		ResolveRetry: 200 * time.Millisecond,
		Logger:       &log.Logger{Handler: &memory.Handler{}},
	})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.SendAll(slices.Values([]string{"a:1|c"})))
	n := dials.Load()
	require.NotZero(t, n)

	for i := 0; i != 10; i++ {
		require.NoError(t, m.SendAll(slices.Values([]string{"a:1|c"})))
		require.NoError(t, m.StreamAll(slices.Values([]string{"a:1|c"}), 0))
	}
	assert.Equal(t, n, dials.Load(), "the resolver was queried before the retry interval elapsed")

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, m.SendAll(slices.Values([]string{"a:1|c"})))
	assert.Greater(t, dials.Load(), n)
}

func TestMessengerSendAllReleasesOnPanic(t *testing.T) {
	l := nanotubetest.NewListener(t)
	m := newTestMessenger(t, l, Config{PoolSize: 1})

	failing := func(yield func(string) bool) {
		if yield("a:1|c") {
			panic("oops!")
		}
	}

	for i := 0; i != 3; i++ {
		assert.Panics(t, func() { m.SendAll(failing) })
	}
	assert.Equal(t, m.ops.Created(), m.ops.Available())

	require.NoError(t, m.SendAll(slices.Values([]string{"b:1|c"})))
	l.Expect(t, "b:1|c\n")

	waitIdle(t, m)
	assert.Equal(t, Stats{Packets: 1}, m.Stats())
}

func TestMessengerInvalidConfig(t *testing.T) {
	tests := []struct {
		scenario string
		config   Config
	}{
		{scenario: "empty host", config: Config{}},
		{scenario: "blank host", config: Config{Host: " \t"}},
		{scenario: "port out of range", config: Config{Host: "127.0.0.1", Port: 70000}},
		{scenario: "negative packet size", config: Config{Host: "127.0.0.1", PacketSize: -1}},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			m, err := NewMessenger(test.config)
			assert.Nil(t, m)
			assert.True(t, IsInvalidArgument(err), "unexpected error: %v", err)
		})
	}
}

func TestMessengerNilLines(t *testing.T) {
	m, err := NewMessenger(Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, IsInvalidArgument(m.SendAll(nil)))
	assert.True(t, IsInvalidArgument(m.StreamAll(nil, 0)))
}

func TestMessengerClose(t *testing.T) {
	t.Run("closing twice is safe", func(t *testing.T) {
		m, err := NewMessenger(Config{Host: "127.0.0.1"})
		require.NoError(t, err)

		assert.NoError(t, m.Close())
		assert.NoError(t, m.Close())
	})

	t.Run("sends after close are discarded", func(t *testing.T) {
		l := nanotubetest.NewListener(t)
		m := newTestMessenger(t, l, Config{})
		m.Close()

		assert.NoError(t, m.SendAll(slices.Values([]string{"a:1|c"})))
		l.Quiet(t, 100*time.Millisecond)
	})

	t.Run("sends after close fail in strict mode", func(t *testing.T) {
		l := nanotubetest.NewListener(t)
		m := newTestMessenger(t, l, Config{Strict: true})
		m.Close()

		err := m.SendAll(slices.Values([]string{"a:1|c"}))
		assert.True(t, IsTransport(err), "unexpected error: %v", err)
	})
}

func TestMessengerHandleError(t *testing.T) {
	t.Run("errors are passed to the fail function", func(t *testing.T) {
		var got error
		m := &Messenger{fail: func(err error) { got = err }, logger: log.Log}

		e := errors.New("A")
		m.handleError(e)
		assert.Equal(t, e, got)
	})

	t.Run("panics of the fail function are recovered", func(t *testing.T) {
		h := &memory.Handler{}
		m := &Messenger{
			fail:   func(error) { panic("oops!") },
			logger: &log.Logger{Handler: h, Level: log.DebugLevel},
		}

		m.handleError(errors.New("A"))

		require.Len(t, h.Entries, 1)
		assert.Equal(t, "oops!", h.Entries[0].Fields["panic"])
		assert.NotEmpty(t, h.Entries[0].Fields["stack"])
	})
}

func TestMakeFailFunc(t *testing.T) {
	h := &memory.Handler{}
	f := makeFailFunc(&log.Logger{Handler: h, Level: log.InfoLevel})
	f(errors.New("A"))

	require.Len(t, h.Entries, 1)
	assert.Equal(t, log.WarnLevel, h.Entries[0].Level)
	assert.Equal(t, "A", h.Entries[0].Fields["error"])
}
