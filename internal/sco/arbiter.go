// Package sco arbitrates the Bluetooth SCO audio link between many callers.
//
// An Arbiter owns one state machine and one client registry. Callers
// register through StartForClient and leave through StopForClient or by
// dying; only the 0↔1 boundary of outstanding clients reaches the headset.
// The embedder forwards headset service binding, active device changes and
// raw audio state events, which re-enter the machine under the same lock.
package sco

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btsco/internal/deathwatch"
	"github.com/srg/btsco/internal/settings"
)

// DefaultBindTimeout bounds how long a request may wait for the headset
// service to bind.
const DefaultBindTimeout = 3 * time.Second

// Options configures an Arbiter. Watcher is required.
type Options struct {
	Logger   *logrus.Logger
	Watcher  deathwatch.Watcher
	Settings settings.Store
	Sink     EventSink
	// Binder is asked to bind the headset service when a request is deferred.
	Binder Binder
	// ModeOwner reports the PID that owns the communication audio mode, or 0.
	ModeOwner func() int
	// BindTimeout resets a deferred request if no proxy binds in time.
	// Zero means DefaultBindTimeout, negative disables the timer.
	BindTimeout time.Duration
}

// Arbiter is the SCO connection core. All methods are safe for concurrent use.
type Arbiter struct {
	mu sync.Mutex

	logger      *logrus.Logger
	watcher     deathwatch.Watcher
	settings    settings.Store
	sink        EventSink
	binder      Binder
	modeOwner   func() int
	bindTimeout time.Duration

	state        AudioState
	mode         Mode
	proxy        HeadsetProxy
	device       *Device
	clients      *registry
	lastNotified ConnectionState

	bindTimer *time.Timer
	bindGen   uint64
}

// New creates an Arbiter in the Inactive state.
func New(opts Options) (*Arbiter, error) {
	if opts.Watcher == nil {
		return nil, errors.New("sco: death watcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.BindTimeout == 0 {
		opts.BindTimeout = DefaultBindTimeout
	}

	return &Arbiter{
		logger:       opts.Logger,
		watcher:      opts.Watcher,
		settings:     opts.Settings,
		sink:         opts.Sink,
		binder:       opts.Binder,
		modeOwner:    opts.ModeOwner,
		bindTimeout:  opts.BindTimeout,
		state:        Inactive,
		mode:         ModeUndefined,
		clients:      newRegistry(),
		lastNotified: ConnectionError,
	}, nil
}

// StartForClient registers h (if new) and asks for SCO audio on its behalf.
// It returns false if the request was rejected.
func (a *Arbiter) StartForClient(h ClientHandle, pid int, mode Mode) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.logger.WithFields(logrus.Fields{"handle": h, "pid": pid, "mode": mode})

	c, ok := a.clients.get(h)
	if !ok {
		c = &client{handle: h, pid: pid}
		tok, err := a.watcher.Watch(h, func(deathwatch.Handle) { a.handleClientDeath(c) })
		if err != nil {
			log.WithError(err).Warn("Rejecting SCO start: cannot watch client")
			return false
		}
		c.token = tok
		a.clients.add(c)
		log.Debug("SCO client registered")
	} else if c.pendingRemoval {
		c.pendingRemoval = false
		log.Debug("SCO client restarted while stopping")
	}

	return a.requestState(c, scoConnect, mode)
}

// StopForClient withdraws the request made by h. Unknown handles are ignored.
func (a *Arbiter) StopForClient(h ClientHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.clients.get(h)
	if !ok || c.pendingRemoval {
		return
	}
	a.stopAndRemove(c)
}

// StopForDeadProcess stops every client created by pid, in registration
// order, as if each had called StopForClient. Only the last outstanding one
// can reach the hardware.
func (a *Arbiter) StopForDeadProcess(pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.clients.byPID(pid) {
		if c.outstanding() {
			a.stopAndRemove(c)
		}
	}
}

// DisconnectAll removes every client not created by exceptPID. A link opened
// externally is left untouched.
func (a *Arbiter) DisconnectAll(exceptPID int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.refreshAudioState()
	if a.state == ActiveExternal {
		a.logger.Debug("DisconnectAll: SCO is externally owned, keeping clients")
		return
	}

	for _, c := range a.clients.list(func(c *client) bool { return c.pid != exceptPID }) {
		if c.outstanding() {
			a.requestState(c, scoDisconnect, ModeVirtualCall)
		}
		a.removeClient(c)
	}
}

// IsScoOn reports whether the headset reports SCO audio connected.
func (a *Arbiter) IsScoOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.proxy == nil || a.device == nil {
		return false
	}
	return a.audioState() == HeadsetAudioConnected
}

// OnHeadsetServiceBound installs the headset proxy and resumes any request
// that was waiting for it.
func (a *Arbiter) OnHeadsetServiceBound(proxy HeadsetProxy) {
	if proxy == nil {
		a.logger.Warn("Ignoring headset service bind with nil proxy")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.proxy = proxy
	a.cancelBindTimer()
	a.setActiveDevice(a.proxyActiveDevice())
	a.refreshAudioState()
	a.logger.WithFields(logrus.Fields{"state": a.state, "device": a.device}).Debug("Headset service bound")

	if !a.state.pending() {
		return
	}

	if a.device != nil {
		switch a.state {
		case ActivateRequested:
			if a.connect() {
				a.setState(ActiveInternal)
				return
			}
		case DeactivateRequested:
			if a.disconnect() {
				a.setState(Deactivating)
				return
			}
		}
	}
	a.setState(Inactive)
	a.notify(ConnectionDisconnected)
}

// OnHeadsetServiceUnbound drops the proxy. A known device is cleared, which
// resets the core.
func (a *Arbiter) OnHeadsetServiceUnbound() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.setActiveDevice(nil)
	a.proxy = nil
	a.logger.Debug("Headset service unbound")
}

// OnActiveDeviceChanged records the new active headset. nil resets the core.
func (a *Arbiter) OnActiveDeviceChanged(dev *Device) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.setActiveDevice(dev)
}

// Reset clears every client and returns to Inactive.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reset()
}

// ----------------------------
// Internal helpers (lock held)
// ----------------------------

func (a *Arbiter) stopAndRemove(c *client) {
	a.requestState(c, scoDisconnect, ModeVirtualCall)
	if a.state.deactivating() {
		c.pendingRemoval = true
		a.logger.WithFields(logrus.Fields{"handle": c.handle, "state": a.state}).Debug("SCO client removal deferred")
		return
	}
	a.removeClient(c)
}

func (a *Arbiter) removeClient(c *client) {
	a.watcher.Unwatch(c.token)
	a.clients.delete(c.handle)
	a.logger.WithFields(logrus.Fields{"handle": c.handle, "pid": c.pid}).Debug("SCO client removed")
}

// handleClientDeath runs on the watcher's goroutine.
func (a *Arbiter) handleClientDeath(c *client) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cur, ok := a.clients.get(c.handle); !ok || cur != c {
		a.logger.WithField("handle", c.handle).Debug("Ignoring death of removed SCO client")
		return
	}

	a.logger.WithFields(logrus.Fields{"handle": c.handle, "pid": c.pid}).Info("SCO client died")
	if c.outstanding() {
		a.requestState(c, scoDisconnect, ModeVirtualCall)
	}
	a.removeClient(c)
}

func (a *Arbiter) setActiveDevice(dev *Device) {
	if sameDevice(a.device, dev) {
		return
	}
	a.logger.WithFields(logrus.Fields{"from": a.device, "to": dev}).Info("SCO active device changed")
	a.device = copyDevice(dev)
	if a.device == nil {
		a.reset()
	}
}

func (a *Arbiter) reset() {
	for _, c := range a.clients.list(nil) {
		a.removeClient(c)
	}
	a.cancelBindTimer()
	a.setState(Inactive)
	a.notify(ConnectionDisconnected)
	a.logger.Info("SCO state reset")
}

func (a *Arbiter) notify(s ConnectionState) {
	a.lastNotified = s
	a.sink.Notify(s)
}

// ----------------------------
// Bind timer
// ----------------------------

func (a *Arbiter) armBindTimer() {
	if a.bindTimeout < 0 {
		return
	}
	a.cancelBindTimer()
	gen := a.bindGen
	a.bindTimer = time.AfterFunc(a.bindTimeout, func() { a.onBindTimeout(gen) })
}

func (a *Arbiter) cancelBindTimer() {
	if a.bindTimer != nil {
		a.bindTimer.Stop()
		a.bindTimer = nil
	}
	a.bindGen++
}

func (a *Arbiter) onBindTimeout(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.bindGen || a.proxy != nil || !a.state.pending() {
		return
	}
	a.logger.WithFields(logrus.Fields{"state": a.state, "timeout": a.bindTimeout}).Warn("Headset service did not bind in time")
	a.reset()
}

func (a *Arbiter) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("sco.Arbiter{state=%s, clients=%d}", a.state, a.clients.len())
}
