// Package deathwatch notifies callers when a client process goes away.
//
// A Watcher arms one callback per Watch call. Each callback fires at most
// once, and never after a successful Unwatch of its token. Unwatch doubles
// as the "already removed" check: it returns false when the token has already
// fired or was removed before, so an explicit stop racing a death
// notification resolves to exactly one logical removal.
//
// Callbacks are never invoked while the watcher holds its own lock, and never
// from inside Watch, so a caller may hold its own mutex while calling Watch
// and take the same mutex from the callback. Watch must not block on I/O.
package deathwatch

import (
	"errors"

	"github.com/google/uuid"
)

// Handle identifies a watched process (for example a D-Bus unique name).
type Handle string

// Token identifies one armed watch.
type Token string

// DeathFunc is called once when the watched handle dies.
type DeathFunc func(h Handle)

// Watcher is the liveness primitive consumed by the SCO core.
type Watcher interface {
	// Watch arms onDeath for h. It returns ErrAlreadyDead when h is known
	// to be gone already; a watcher that can only find out later reports
	// it through onDeath instead.
	Watch(h Handle, onDeath DeathFunc) (Token, error)
	// Unwatch disarms the token. It returns false if the token already
	// fired or was never armed.
	Unwatch(t Token) bool
	// Watching reports whether the token is still armed.
	Watching(t Token) bool
}

var (
	// ErrAlreadyDead is returned by Watch for a handle that has already gone away.
	ErrAlreadyDead = errors.New("handle already dead")
	// ErrClosed is returned by Watch after the watcher was closed.
	ErrClosed = errors.New("watcher closed")
)

type watch struct {
	handle  Handle
	onDeath DeathFunc
}

func newToken() Token {
	return Token(uuid.NewString())
}
