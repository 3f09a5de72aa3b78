package deathwatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsco/internal/groutine"
)

const (
	busName             = "org.freedesktop.DBus"
	nameOwnerChanged    = "NameOwnerChanged"
	nameOwnerChangedSig = busName + "." + nameOwnerChanged
)

// DBus watches D-Bus unique connection names (":1.42"). A name whose owner
// goes away, reported by org.freedesktop.DBus.NameOwnerChanged with an empty
// new owner, counts as the death of the client behind it.
//
// Watch performs no bus I/O. The watch is armed first and the name's owner is
// then checked on a separate goroutine; a name found without owner fires its
// callback from there, as if the signal had arrived.
type DBus struct {
	conn    *dbus.Conn
	logger  *logrus.Logger
	signals chan *dbus.Signal
	ctx     context.Context
	cancel  context.CancelFunc
	done    <-chan struct{}
	checks  sync.WaitGroup

	// nameHasOwner is swapped out in tests.
	nameHasOwner func(ctx context.Context, name string) (bool, error)

	mu      sync.Mutex
	watches map[Token]*watch
	closed  bool
}

// NewDBus subscribes to NameOwnerChanged on conn and starts dispatching
// death notifications until ctx is cancelled or Close is called.
func NewDBus(ctx context.Context, conn *dbus.Conn, logger *logrus.Logger) (*DBus, error) {
	if conn == nil {
		return nil, fmt.Errorf("dbus watcher: connection is required")
	}

	d := newDBus(logger)
	d.conn = conn
	d.nameHasOwner = func(ctx context.Context, name string) (bool, error) {
		var has bool
		err := conn.BusObject().CallWithContext(ctx, busName+".NameHasOwner", 0, name).Store(&has)
		return has, err
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(busName),
		dbus.WithMatchMember(nameOwnerChanged),
	); err != nil {
		return nil, fmt.Errorf("dbus watcher: AddMatchSignal: %w", err)
	}
	conn.Signal(d.signals)

	if ctx == nil {
		ctx = context.Background()
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.done = groutine.Go(d.ctx, "deathwatch-dbus", d.loop)

	return d, nil
}

func newDBus(logger *logrus.Logger) *DBus {
	if logger == nil {
		logger = logrus.New()
	}
	return &DBus{
		logger:  logger,
		signals: make(chan *dbus.Signal, 16),
		ctx:     context.Background(),
		watches: make(map[Token]*watch),
	}
}

// Watch arms onDeath for the unique name h. A name that turns out to have no
// owner is reported through onDeath, not through an error.
func (d *DBus) Watch(h Handle, onDeath DeathFunc) (Token, error) {
	if onDeath == nil {
		return "", fmt.Errorf("watch %q: nil death callback", h)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", fmt.Errorf("watch %q: %w", h, ErrClosed)
	}
	tok := newToken()
	d.watches[tok] = &watch{handle: h, onDeath: onDeath}
	d.checks.Add(1)
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{"name": h, "token": tok}).Debug("D-Bus death watch armed")
	groutine.Go(d.ctx, "deathwatch-dbus-owner", func(ctx context.Context) {
		defer d.checks.Done()
		d.verifyOwner(ctx, tok, h)
	})
	return tok, nil
}

// verifyOwner fires tok when h has no owner. A failed query leaves the watch
// armed; the signal still covers a later disappearance.
func (d *DBus) verifyOwner(ctx context.Context, tok Token, h Handle) {
	has, err := d.nameHasOwner(ctx, string(h))
	if err != nil {
		d.logger.WithError(err).WithField("name", h).Warn("D-Bus NameHasOwner failed, relying on NameOwnerChanged")
		return
	}
	if has {
		return
	}

	d.mu.Lock()
	w, ok := d.watches[tok]
	if ok {
		delete(d.watches, tok)
	}
	d.mu.Unlock()

	if ok {
		d.logger.WithField("name", h).Info("D-Bus client already gone")
		w.onDeath(h)
	}
}

func (d *DBus) Unwatch(t Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.watches[t]; !ok {
		return false
	}
	delete(d.watches, t)
	return true
}

func (d *DBus) Watching(t Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.watches[t]
	return ok
}

// Close stops signal dispatch. Armed watches are dropped without firing.
func (d *DBus) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.watches = make(map[Token]*watch)
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	d.checks.Wait()
	if d.conn != nil {
		d.conn.RemoveSignal(d.signals)
		if err := d.conn.RemoveMatchSignal(
			dbus.WithMatchSender(busName),
			dbus.WithMatchInterface(busName),
			dbus.WithMatchMember(nameOwnerChanged),
		); err != nil {
			return fmt.Errorf("dbus watcher: RemoveMatchSignal: %w", err)
		}
	}
	return nil
}

func (d *DBus) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-d.signals:
			if !ok {
				return
			}
			d.handleSignal(sig)
		}
	}
}

// handleSignal fires the watches of a name that lost its owner.
// Body: [name string, old_owner string, new_owner string]
func (d *DBus) handleSignal(sig *dbus.Signal) int {
	if sig == nil || sig.Name != nameOwnerChangedSig || len(sig.Body) < 3 {
		return 0
	}
	name, ok := sig.Body[0].(string)
	if !ok || name == "" {
		return 0
	}
	newOwner, ok := sig.Body[2].(string)
	if !ok || newOwner != "" {
		return 0
	}

	h := Handle(name)
	d.mu.Lock()
	var fire []DeathFunc
	for tok, w := range d.watches {
		if w.handle == h {
			fire = append(fire, w.onDeath)
			delete(d.watches, tok)
		}
	}
	d.mu.Unlock()

	if len(fire) > 0 {
		d.logger.WithFields(logrus.Fields{"name": name, "callbacks": len(fire)}).Info("D-Bus client vanished")
	}
	for _, fn := range fire {
		fn(h)
	}
	return len(fire)
}
