package sco

import (
	"github.com/sirupsen/logrus"
)

type scoRequest int

const (
	scoDisconnect scoRequest = iota
	scoConnect
)

func (r scoRequest) String() string {
	if r == scoConnect {
		return "connect"
	}
	return "disconnect"
}

// setState moves the machine. Leaving the deactivating states purges
// clients that were waiting for the disconnect to settle, and leaving the
// bind-pending states cancels the bind timer.
func (a *Arbiter) setState(next AudioState) {
	prev := a.state
	a.state = next
	if prev != next {
		a.logger.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("SCO state transition")
	}

	if !next.deactivating() {
		for _, c := range a.clients.list(func(c *client) bool { return c.pendingRemoval }) {
			a.removeClient(c)
		}
	}
	if !next.pending() {
		a.cancelBindTimer()
	}
}

// requestState evaluates a client request. Only the sole outstanding client
// reaches the machine; everyone else gets a no-op success.
func (a *Arbiter) requestState(c *client, req scoRequest, mode Mode) bool {
	a.refreshAudioState()

	log := a.logger.WithFields(logrus.Fields{
		"handle":  c.handle,
		"request": req,
		"state":   a.state,
	})

	if n := a.clients.outstanding(); n != 1 {
		log.WithField("outstanding", n).Debug("SCO request absorbed by registry")
		return true
	}

	if req == scoConnect {
		return a.requestConnect(c, mode, log)
	}
	return a.requestDisconnect(log)
}

func (a *Arbiter) requestConnect(c *client, mode Mode, log *logrus.Entry) bool {
	a.notify(ConnectionConnecting)

	if a.modeOwner != nil {
		if owner := a.modeOwner(); owner != 0 && owner != c.pid {
			log.WithField("mode_owner", owner).Warn("Rejecting SCO start: communication mode owned by another process")
			a.notify(ConnectionDisconnected)
			return false
		}
	}

	switch a.state {
	case Inactive:
		if !mode.Valid() {
			mode = ModeUndefined
			if a.device != nil {
				mode = ResolveMode(a.settings, a.device)
			}
		}
		a.mode = mode

		if a.proxy == nil {
			if a.binder != nil && !a.binder.RequestBind() {
				log.Warn("Rejecting SCO start: headset service bind refused")
				a.notify(ConnectionDisconnected)
				return false
			}
			a.setState(ActivateRequested)
			a.armBindTimer()
			return true
		}
		if a.device == nil {
			log.Warn("Rejecting SCO start: no active headset")
			a.notify(ConnectionDisconnected)
			return false
		}
		if !a.connect() {
			log.WithField("mode", a.mode).Warn("Rejecting SCO start: connect command failed")
			a.notify(ConnectionDisconnected)
			return false
		}
		a.setState(ActiveInternal)
		return true

	case Deactivating:
		a.setState(ActivateRequested)
		return true

	case DeactivateRequested:
		a.setState(ActiveInternal)
		a.notify(ConnectionConnected)
		return true

	case ActiveInternal:
		return true

	case ActivateRequested:
		// Succeeds rather than rejecting: the activation already pending
		// serves this caller once the service binds.
		return true

	case ActiveExternal:
		log.Warn("Rejecting SCO start: link owned externally")
		a.notify(ConnectionDisconnected)
		return false

	default:
		log.Error("SCO start in unknown state")
		a.notify(ConnectionDisconnected)
		return false
	}
}

func (a *Arbiter) requestDisconnect(log *logrus.Entry) bool {
	switch a.state {
	case ActiveInternal:
		if a.proxy == nil {
			if a.binder != nil && !a.binder.RequestBind() {
				a.setState(Inactive)
				a.notify(ConnectionDisconnected)
				return false
			}
			a.setState(DeactivateRequested)
			a.armBindTimer()
			return true
		}
		if a.device == nil {
			a.setState(Inactive)
			a.notify(ConnectionDisconnected)
			return true
		}
		if !a.disconnect() {
			log.WithField("mode", a.mode).Warn("SCO disconnect command failed")
			a.setState(Inactive)
			a.notify(ConnectionDisconnected)
			return false
		}
		a.setState(Deactivating)
		return true

	case ActivateRequested:
		a.setState(Inactive)
		a.notify(ConnectionDisconnected)
		return true

	default:
		log.Debug("SCO stop with nothing to stop")
		a.notify(ConnectionDisconnected)
		return false
	}
}

// OnAudioStateChanged handles a raw audio state event from the headset. A
// nil device means the event concerns the active device.
func (a *Arbiter) OnAudioStateChanged(dev *Device, raw HeadsetAudioState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.logger.WithFields(logrus.Fields{"event": raw, "state": a.state, "device": dev})

	if dev != nil && !sameDevice(dev, a.device) {
		log.Debug("Ignoring audio event from inactive device")
		return
	}

	broadcast := a.clients.len() > 0 && a.state.internallyOwned()

	switch raw {
	case HeadsetAudioConnected:
		if a.state != ActiveInternal && a.state != DeactivateRequested {
			a.setState(ActiveExternal)
		}
		if broadcast {
			a.notify(ConnectionConnected)
		}

	case HeadsetAudioDisconnected:
		if a.state == Inactive {
			log.Debug("Ignoring stale audio disconnect")
			return
		}
		if a.state == ActivateRequested || (a.state == ActiveExternal && a.clients.outstanding() > 0) {
			if a.proxy != nil && a.device != nil && a.connect() {
				a.setState(ActiveInternal)
				return
			}
		}
		a.setState(Inactive)
		a.notify(ConnectionDisconnected)

	case HeadsetAudioConnecting:
		if a.state != ActiveInternal && a.state != DeactivateRequested {
			a.setState(ActiveExternal)
		}

	default:
		log.Warn("Ignoring invalid audio state")
	}
}

// refreshAudioState adopts a link that came up without any event reaching us.
func (a *Arbiter) refreshAudioState() {
	if a.state != Inactive || a.proxy == nil || a.device == nil {
		return
	}
	if a.audioState() != HeadsetAudioDisconnected {
		a.setState(ActiveExternal)
	}
}

// ----------------------------
// Proxy commands
// ----------------------------

func (a *Arbiter) connect() bool {
	if !a.mode.Valid() {
		a.mode = ResolveMode(a.settings, a.device)
	}
	dev := a.device
	switch a.mode {
	case ModeRaw:
		return a.invoke("ConnectAudio", a.proxy.ConnectAudio)
	case ModeVirtualCall:
		return a.invoke("StartVirtualCall", a.proxy.StartVirtualCall)
	case ModeVoiceRecognition:
		return a.invoke("StartVoiceRecognition", func() bool { return a.proxy.StartVoiceRecognition(dev) })
	default:
		return false
	}
}

func (a *Arbiter) disconnect() bool {
	dev := a.device
	switch a.mode {
	case ModeRaw:
		return a.invoke("DisconnectAudio", a.proxy.DisconnectAudio)
	case ModeVirtualCall:
		return a.invoke("StopVirtualCall", a.proxy.StopVirtualCall)
	case ModeVoiceRecognition:
		return a.invoke("StopVoiceRecognition", func() bool { return a.proxy.StopVoiceRecognition(dev) })
	default:
		return false
	}
}

func (a *Arbiter) audioState() (s HeadsetAudioState) {
	s = HeadsetAudioDisconnected
	dev := a.device
	a.invoke("AudioState", func() bool {
		s = a.proxy.AudioState(dev)
		return true
	})
	return s
}

func (a *Arbiter) proxyActiveDevice() (dev *Device) {
	a.invoke("ActiveDevice", func() bool {
		dev = a.proxy.ActiveDevice()
		return true
	})
	return dev
}

// invoke calls into the proxy. A panicking proxy counts as a failed command.
func (a *Arbiter) invoke(name string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.WithFields(logrus.Fields{"command": name, "panic": r}).Error("Headset proxy command panicked")
			ok = false
		}
	}()
	ok = fn()
	a.logger.WithFields(logrus.Fields{"command": name, "ok": ok}).Debug("Headset proxy command")
	return ok
}
