package sco

import (
	"fmt"
	"strings"

	"github.com/srg/btsco/internal/deathwatch"
)

// ClientHandle identifies a calling process. The core only stores and compares it.
type ClientHandle = deathwatch.Handle

// Device is a remote Hands-Free peer.
type Device struct {
	Address string `json:"address" yaml:"address"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

func (d *Device) String() string {
	if d == nil {
		return "<none>"
	}
	if d.Name == "" {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", d.Address, d.Name)
}

func sameDevice(a, b *Device) bool {
	if a == nil || b == nil {
		return a == b
	}
	return strings.EqualFold(a.Address, b.Address)
}

func copyDevice(d *Device) *Device {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// ----------------------------
// Mode
// ----------------------------

// Mode selects how the Hands-Free profile is asked to open the SCO link.
type Mode int

const (
	ModeUndefined        Mode = -1
	ModeVirtualCall      Mode = 0 // StartVirtualCall / StopVirtualCall
	ModeRaw              Mode = 1 // ConnectAudio / DisconnectAudio
	ModeVoiceRecognition Mode = 2 // StartVoiceRecognition / StopVoiceRecognition
)

const modeMax = ModeVoiceRecognition

var modeNames = map[Mode]string{
	ModeUndefined:        "undefined",
	ModeVirtualCall:      "virtual_call",
	ModeRaw:              "raw",
	ModeVoiceRecognition: "voice_recognition",
}

// Valid reports whether m names a concrete connection method.
func (m Mode) Valid() bool {
	return m >= ModeVirtualCall && m <= modeMax
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == key {
			return m, nil
		}
	}
	return ModeUndefined, fmt.Errorf("unknown sco mode %q", s)
}

// ----------------------------
// AudioState
// ----------------------------

// AudioState is what the SCO link is doing and who caused it.
type AudioState int

const (
	// Inactive: no SCO audio.
	Inactive AudioState = iota
	// ActivateRequested: activation waiting for the headset service to bind,
	// or for an in-flight deactivation to finish.
	ActivateRequested
	// ActiveExternal: audio opened by the peer or another in-call subsystem.
	ActiveExternal
	// ActiveInternal: audio opened, or opening, on behalf of a registered client.
	ActiveInternal
	// DeactivateRequested: deactivation waiting for the headset service to bind.
	DeactivateRequested
	// Deactivating: disconnect command issued, waiting for the device event.
	Deactivating
)

var audioStateNames = map[AudioState]string{
	Inactive:            "inactive",
	ActivateRequested:   "activate_requested",
	ActiveExternal:      "active_external",
	ActiveInternal:      "active_internal",
	DeactivateRequested: "deactivate_requested",
	Deactivating:        "deactivating",
}

func (s AudioState) String() string {
	if name, ok := audioStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// deactivating reports whether a client stop may still be completing.
func (s AudioState) deactivating() bool {
	return s == DeactivateRequested || s == Deactivating
}

// pending reports whether the state waits on the headset service binding.
func (s AudioState) pending() bool {
	return s == ActivateRequested || s == DeactivateRequested
}

// internallyOwned reports whether the link was requested through this core.
func (s AudioState) internallyOwned() bool {
	switch s {
	case ActiveInternal, ActivateRequested, DeactivateRequested, Deactivating:
		return true
	default:
		return false
	}
}

func (s AudioState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AudioState) UnmarshalText(text []byte) error {
	key := strings.ToLower(strings.TrimSpace(string(text)))
	for v, name := range audioStateNames {
		if name == key {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown sco audio state %q", string(text))
}

// ----------------------------
// HeadsetAudioState
// ----------------------------

// HeadsetAudioState is the raw audio state reported by the Hands-Free profile.
type HeadsetAudioState int

const (
	HeadsetAudioDisconnected HeadsetAudioState = 10
	HeadsetAudioConnecting   HeadsetAudioState = 11
	HeadsetAudioConnected    HeadsetAudioState = 12
)

var headsetAudioNames = map[HeadsetAudioState]string{
	HeadsetAudioDisconnected: "disconnected",
	HeadsetAudioConnecting:   "connecting",
	HeadsetAudioConnected:    "connected",
}

func (s HeadsetAudioState) String() string {
	if name, ok := headsetAudioNames[s]; ok {
		return name
	}
	return fmt.Sprintf("audio(%d)", int(s))
}

func (s HeadsetAudioState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *HeadsetAudioState) UnmarshalText(text []byte) error {
	key := strings.ToLower(strings.TrimSpace(string(text)))
	for v, name := range headsetAudioNames {
		if name == key {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown headset audio state %q", string(text))
}

// ----------------------------
// ConnectionState
// ----------------------------

// ConnectionState is the externally visible SCO state delivered to the EventSink.
type ConnectionState int

const (
	ConnectionError        ConnectionState = -1
	ConnectionDisconnected ConnectionState = 0
	ConnectionConnected    ConnectionState = 1
	ConnectionConnecting   ConnectionState = 2
)

var connectionStateNames = map[ConnectionState]string{
	ConnectionError:        "error",
	ConnectionDisconnected: "disconnected",
	ConnectionConnected:    "connected",
	ConnectionConnecting:   "connecting",
}

func (s ConnectionState) String() string {
	if name, ok := connectionStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("connection(%d)", int(s))
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	key := strings.ToLower(strings.TrimSpace(string(text)))
	for v, name := range connectionStateNames {
		if name == key {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown sco connection state %q", string(text))
}
