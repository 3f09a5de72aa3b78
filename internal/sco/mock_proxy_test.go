package sco

import (
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockProxy implements HeadsetProxy for testing
type MockProxy struct {
	mock.Mock
}

func (m *MockProxy) ConnectAudio() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockProxy) DisconnectAudio() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockProxy) StartVirtualCall() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockProxy) StopVirtualCall() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockProxy) StartVoiceRecognition(dev *Device) bool {
	args := m.Called(dev)
	return args.Bool(0)
}

func (m *MockProxy) StopVoiceRecognition(dev *Device) bool {
	args := m.Called(dev)
	return args.Bool(0)
}

func (m *MockProxy) AudioState(dev *Device) HeadsetAudioState {
	args := m.Called(dev)
	return args.Get(0).(HeadsetAudioState)
}

func (m *MockProxy) ActiveDevice() *Device {
	args := m.Called()
	dev, _ := args.Get(0).(*Device)
	return dev
}

// recordingSink collects notifications in order
type recordingSink struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *recordingSink) Notify(s ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingSink) All() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

// countingProxy tracks link ownership to catch overlapping commands. It is
// only ever called with the arbiter lock held.
type countingProxy struct {
	linked      bool
	connects    int
	disconnects int
	violations  int
}

func (p *countingProxy) start() bool {
	if p.linked {
		p.violations++
	}
	p.linked = true
	p.connects++
	return true
}

func (p *countingProxy) stop() bool {
	if !p.linked {
		p.violations++
	}
	p.linked = false
	p.disconnects++
	return true
}

func (p *countingProxy) ConnectAudio() bool { return p.start() }
func (p *countingProxy) DisconnectAudio() bool { return p.stop() }
func (p *countingProxy) StartVirtualCall() bool { return p.start() }
func (p *countingProxy) StopVirtualCall() bool { return p.stop() }
func (p *countingProxy) StartVoiceRecognition(*Device) bool { return p.start() }
func (p *countingProxy) StopVoiceRecognition(*Device) bool { return p.stop() }
func (p *countingProxy) AudioState(*Device) HeadsetAudioState { return HeadsetAudioDisconnected }
func (p *countingProxy) ActiveDevice() *Device { return &Device{Address: "00:11:22:33:44:55"} }
