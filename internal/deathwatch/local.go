package deathwatch

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Local is an in-process Watcher. Handles die when Kill is called, which makes
// it the watcher of choice for embedders that learn about process exit from
// their own supervisor, and for simulations.
type Local struct {
	mu      sync.Mutex
	watches map[Token]*watch
	dead    map[Handle]struct{}
	logger  *logrus.Logger
}

// NewLocal creates an empty in-process watcher.
func NewLocal(logger *logrus.Logger) *Local {
	if logger == nil {
		logger = logrus.New()
	}
	return &Local{
		watches: make(map[Token]*watch),
		dead:    make(map[Handle]struct{}),
		logger:  logger,
	}
}

func (l *Local) Watch(h Handle, onDeath DeathFunc) (Token, error) {
	if onDeath == nil {
		return "", fmt.Errorf("watch %q: nil death callback", h)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, gone := l.dead[h]; gone {
		return "", fmt.Errorf("watch %q: %w", h, ErrAlreadyDead)
	}

	tok := newToken()
	l.watches[tok] = &watch{handle: h, onDeath: onDeath}
	l.logger.WithFields(logrus.Fields{"handle": h, "token": tok}).Debug("Death watch armed")
	return tok, nil
}

func (l *Local) Unwatch(t Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.watches[t]; !ok {
		return false
	}
	delete(l.watches, t)
	return true
}

func (l *Local) Watching(t Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.watches[t]
	return ok
}

// Kill marks h dead and runs every callback armed for it on the calling
// goroutine. It returns the number of callbacks fired. Killing a handle twice
// fires nothing the second time.
func (l *Local) Kill(h Handle) int {
	l.mu.Lock()
	l.dead[h] = struct{}{}
	var fire []DeathFunc
	for tok, w := range l.watches {
		if w.handle == h {
			fire = append(fire, w.onDeath)
			delete(l.watches, tok)
		}
	}
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{"handle": h, "callbacks": len(fire)}).Debug("Handle died")
	for _, fn := range fire {
		fn(h)
	}
	return len(fire)
}

// Revive forgets that h died, so the identity can be watched again.
func (l *Local) Revive(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.dead, h)
}

// Alive reports whether h has not been killed.
func (l *Local) Alive(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, gone := l.dead[h]
	return !gone
}
