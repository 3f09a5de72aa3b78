package sco

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btsco/internal/deathwatch"
)

func TestBroadcaster_DedupesRepeats(t *testing.T) {
	logger, _ := test.NewNullLogger()
	b := NewBroadcaster(8, logger)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.now = func() time.Time { return at }

	assert.Equal(t, ConnectionError, b.Last(), "initial state MUST be error")

	for _, s := range []ConnectionState{
		ConnectionConnecting,
		ConnectionConnecting,
		ConnectionConnected,
		ConnectionDisconnected,
		ConnectionDisconnected,
	} {
		b.Notify(s)
	}

	assert.Equal(t, []StateChange{
		{State: ConnectionConnecting, Previous: ConnectionError, At: at},
		{State: ConnectionConnected, Previous: ConnectionConnecting, At: at},
		{State: ConnectionDisconnected, Previous: ConnectionConnected, At: at},
	}, b.Drain())
	assert.Empty(t, b.Drain(), "drain MUST clear history")
	assert.Equal(t, ConnectionDisconnected, b.Last())
}

func TestBroadcaster_Updates(t *testing.T) {
	b := NewBroadcaster(0, nil)

	b.Notify(ConnectionConnecting)
	b.Notify(ConnectionConnected)

	select {
	case change := <-b.Updates():
		assert.Equal(t, ConnectionConnecting, change.State)
	case <-time.After(time.Second):
		t.Fatal("expected an update")
	}
	change := <-b.Updates()
	assert.Equal(t, ConnectionConnected, change.State)
	assert.Equal(t, ConnectionConnecting, change.Previous)

	b.Close()
	_, ok := <-b.Updates()
	assert.False(t, ok)

	assert.NotPanics(t, func() { b.Notify(ConnectionDisconnected) }, "notify after close MUST NOT panic")
}

func TestBroadcaster_SlowConsumerNeverBlocks(t *testing.T) {
	b := NewBroadcaster(2, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Notify(ConnectionConnecting)
			b.Notify(ConnectionDisconnected)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked on a full buffer")
	}

	var last StateChange
	for len(b.Updates()) > 0 {
		last = <-b.Updates()
	}
	assert.Equal(t, ConnectionDisconnected, last.State)
}

func TestBroadcaster_AsArbiterSink(t *testing.T) {
	logger, _ := test.NewNullLogger()
	b := NewBroadcaster(16, logger)
	a, err := New(Options{Logger: logger, Watcher: deathwatch.NewLocal(logger), Sink: b, BindTimeout: -1})
	require.NoError(t, err)

	a.Reset()
	a.Reset()

	changes := b.Drain()
	require.Len(t, changes, 1, "repeated resets MUST broadcast once")
	assert.Equal(t, ConnectionDisconnected, changes[0].State)
}
