package deathwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDBus(owners map[string]bool) *DBus {
	d := newDBus(nil)
	d.nameHasOwner = func(_ context.Context, name string) (bool, error) {
		if name == ":broken" {
			return false, errors.New("bus unavailable")
		}
		return owners[name], nil
	}
	return d
}

func ownerChanged(name, oldOwner, newOwner string) *dbus.Signal {
	return &dbus.Signal{
		Sender: busName,
		Path:   "/org/freedesktop/DBus",
		Name:   nameOwnerChangedSig,
		Body:   []interface{}{name, oldOwner, newOwner},
	}
}

func TestDBus_NameLossFiresWatch(t *testing.T) {
	d := newTestDBus(map[string]bool{":1.42": true})

	var died []Handle
	tok, err := d.Watch(":1.42", func(h Handle) { died = append(died, h) })
	require.NoError(t, err)
	d.checks.Wait()
	assert.True(t, d.Watching(tok))

	assert.Equal(t, 1, d.handleSignal(ownerChanged(":1.42", ":1.42", "")))
	assert.Equal(t, []Handle{":1.42"}, died)
	assert.False(t, d.Watching(tok))
	assert.False(t, d.Unwatch(tok))
}

func TestDBus_IgnoresIrrelevantSignals(t *testing.T) {
	d := newTestDBus(map[string]bool{":1.42": true})
	fired := 0
	_, err := d.Watch(":1.42", func(Handle) { fired++ })
	require.NoError(t, err)
	d.checks.Wait()

	tests := []struct {
		name string
		sig  *dbus.Signal
	}{
		{name: "nil signal", sig: nil},
		{name: "ownership transfer", sig: ownerChanged(":1.42", ":1.42", ":1.43")},
		{name: "other name", sig: ownerChanged(":1.7", ":1.7", "")},
		{name: "short body", sig: &dbus.Signal{Name: nameOwnerChangedSig, Body: []interface{}{":1.42"}}},
		{name: "wrong member", sig: &dbus.Signal{Name: "org.freedesktop.DBus.NameAcquired", Body: []interface{}{":1.42", "", ""}}},
		{name: "wrong body types", sig: &dbus.Signal{Name: nameOwnerChangedSig, Body: []interface{}{42, "", 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 0, d.handleSignal(tt.sig))
		})
	}
	assert.Equal(t, 0, fired)
}

func TestDBus_UnownedNameReportedThroughCallback(t *testing.T) {
	d := newTestDBus(map[string]bool{":1.42": true})

	var died []Handle
	tok, err := d.Watch(":1.99", func(h Handle) { died = append(died, h) })
	require.NoError(t, err, "Watch MUST NOT wait for the bus")
	d.checks.Wait()

	assert.Equal(t, []Handle{":1.99"}, died, "a name without owner MUST be reported dead")
	assert.False(t, d.Watching(tok))
}

func TestDBus_OwnerQueryFailureKeepsWatch(t *testing.T) {
	d := newTestDBus(nil)
	fired := 0
	tok, err := d.Watch(":broken", func(Handle) { fired++ })
	require.NoError(t, err)
	d.checks.Wait()

	assert.True(t, d.Watching(tok))
	assert.Equal(t, 1, d.handleSignal(ownerChanged(":broken", ":broken", "")))
	assert.Equal(t, 1, fired)
}

func TestDBus_NilCallback(t *testing.T) {
	d := newTestDBus(map[string]bool{":1.42": true})
	_, err := d.Watch(":1.42", nil)
	assert.Error(t, err)
}

func TestDBus_NameLostWhileOwnerQueried(t *testing.T) {
	// The name disappears between arming and the NameHasOwner reply, which
	// still says it is owned.
	d := newDBus(nil)
	d.nameHasOwner = func(_ context.Context, name string) (bool, error) {
		d.handleSignal(ownerChanged(name, name, ""))
		return true, nil
	}

	var mu sync.Mutex
	fired := 0
	tok, err := d.Watch(":1.42", func(Handle) {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	require.NoError(t, err)
	d.checks.Wait()

	assert.False(t, d.Watching(tok), "a death seen during the owner query MUST NOT be lost")
	mu.Lock()
	assert.Equal(t, 1, fired)
	mu.Unlock()
}

func TestDBus_UnownedAfterSignalFiresOnce(t *testing.T) {
	d := newDBus(nil)
	d.nameHasOwner = func(_ context.Context, name string) (bool, error) {
		d.handleSignal(ownerChanged(name, name, ""))
		return false, nil
	}

	fired := 0
	_, err := d.Watch(":1.42", func(Handle) { fired++ })
	require.NoError(t, err)
	d.checks.Wait()

	assert.Equal(t, 1, fired, "signal and owner query MUST resolve to one death")
}

func TestDBus_WatchDoesNotBlockOnBus(t *testing.T) {
	release := make(chan struct{})
	d := newDBus(nil)
	d.nameHasOwner = func(ctx context.Context, _ string) (bool, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return true, nil
	}

	returned := make(chan struct{})
	go func() {
		_, err := d.Watch(":1.42", func(Handle) {})
		assert.NoError(t, err)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Watch MUST return before the bus answers")
	}
	close(release)
	d.checks.Wait()
}

func TestDBus_UnwatchBeforeSignal(t *testing.T) {
	d := newTestDBus(map[string]bool{":1.42": true})
	fired := false
	tok, err := d.Watch(":1.42", func(Handle) { fired = true })
	require.NoError(t, err)

	assert.True(t, d.Unwatch(tok))
	assert.Equal(t, 0, d.handleSignal(ownerChanged(":1.42", ":1.42", "")))
	assert.False(t, fired)
}

func TestDBus_CloseDropsWatches(t *testing.T) {
	d := newTestDBus(map[string]bool{":1.42": true})
	tok, err := d.Watch(":1.42", func(Handle) { t.Error("closed watcher MUST NOT fire") })
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "close MUST be idempotent")
	assert.False(t, d.Watching(tok))

	_, err = d.Watch(":1.42", func(Handle) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, d.handleSignal(ownerChanged(":1.42", ":1.42", "")))
}

func TestNewDBus_RequiresConnection(t *testing.T) {
	_, err := NewDBus(context.Background(), nil, nil)
	assert.Error(t, err)
}
