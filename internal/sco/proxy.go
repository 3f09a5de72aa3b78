package sco

// HeadsetProxy is the bound Hands-Free profile service. Every command returns
// immediately; completion arrives later through Arbiter.OnAudioStateChanged.
type HeadsetProxy interface {
	ConnectAudio() bool
	DisconnectAudio() bool
	StartVirtualCall() bool
	StopVirtualCall() bool
	StartVoiceRecognition(dev *Device) bool
	StopVoiceRecognition(dev *Device) bool
	// AudioState reports the raw audio state of dev.
	AudioState(dev *Device) HeadsetAudioState
	// ActiveDevice is the profile's current active device, or nil.
	ActiveDevice() *Device
}

// EventSink receives externally visible connection state changes.
//
// Notify is called with the arbiter lock held. Implementations must not
// block and must not call back into the Arbiter.
type EventSink interface {
	Notify(state ConnectionState)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(state ConnectionState)

func (f EventSinkFunc) Notify(state ConnectionState) { f(state) }

// Binder asks the embedder to bind the headset service. RequestBind returns
// false when binding cannot even be attempted.
type Binder interface {
	RequestBind() bool
}

// BinderFunc adapts a function to Binder.
type BinderFunc func() bool

func (f BinderFunc) RequestBind() bool { return f() }

type nopSink struct{}

func (nopSink) Notify(ConnectionState) {}
