// Package headset provides an in-memory Hands-Free headset service that
// implements sco.HeadsetProxy for simulations and tests.
package headset

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/btsco/internal/groutine"
	"github.com/srg/btsco/internal/sco"
)

// Command names a proxy command issued to the simulator.
type Command string

const (
	CmdConnectAudio          Command = "connect_audio"
	CmdDisconnectAudio       Command = "disconnect_audio"
	CmdStartVirtualCall      Command = "start_virtual_call"
	CmdStopVirtualCall       Command = "stop_virtual_call"
	CmdStartVoiceRecognition Command = "start_voice_recognition"
	CmdStopVoiceRecognition  Command = "stop_voice_recognition"
)

// Commands lists every command the simulator understands.
var Commands = []Command{
	CmdConnectAudio,
	CmdDisconnectAudio,
	CmdStartVirtualCall,
	CmdStopVirtualCall,
	CmdStartVoiceRecognition,
	CmdStopVoiceRecognition,
}

func (c Command) opens() bool {
	return c == CmdConnectAudio || c == CmdStartVirtualCall || c == CmdStartVoiceRecognition
}

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	for _, c := range Commands {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown headset command %q", s)
}

// AudioFunc receives audio state changes reported by the simulated headset.
type AudioFunc func(dev *sco.Device, state sco.HeadsetAudioState)

type Options struct {
	// Latency delays automatic responses.
	Latency time.Duration `default:"20ms"`
	// AutoRespond reports Connected/Disconnected after each successful command.
	AutoRespond bool `default:"false"`
}

// Option is a functional option for configuring Simulator
type Option func(*Options)

func WithLatency(d time.Duration) Option {
	return func(o *Options) { o.Latency = d }
}

func WithAutoRespond(enabled bool) Option {
	return func(o *Options) { o.AutoRespond = enabled }
}

// Simulator is a scripted headset service. It is safe for concurrent use;
// proxy methods may be called with the caller's own lock held.
type Simulator struct {
	mu       sync.Mutex
	opts     Options
	logger   *logrus.Logger
	device   *sco.Device
	audio    sco.HeadsetAudioState
	commands []Command
	fail     map[Command]bool
	panics   map[Command]bool
	onAudio  AudioFunc

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func NewSimulator(logger *logrus.Logger, opts ...Option) *Simulator {
	o := Options{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulator{
		opts:   o,
		logger: logger,
		audio:  sco.HeadsetAudioDisconnected,
		fail:   make(map[Command]bool),
		panics: make(map[Command]bool),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Simulator) Options() Options {
	return s.opts
}

// OnAudioStateChanged sets the callback used for automatic responses.
func (s *Simulator) OnAudioStateChanged(fn AudioFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAudio = fn
}

func (s *Simulator) SetActiveDevice(dev *sco.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev == nil {
		s.device = nil
		return
	}
	d := *dev
	s.device = &d
}

func (s *Simulator) SetAudioState(state sco.HeadsetAudioState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = state
}

// FailOn makes cmd return false until cleared.
func (s *Simulator) FailOn(cmd Command, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[cmd] = fail
}

// PanicOn makes cmd panic until cleared.
func (s *Simulator) PanicOn(cmd Command, panics bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panics[cmd] = panics
}

// Commands returns the commands issued so far, in order.
func (s *Simulator) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// ResetCommands clears the command log.
func (s *Simulator) ResetCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

// Settle blocks until every scheduled response has been delivered.
func (s *Simulator) Settle() {
	s.inflight.Wait()
}

// Close drops pending responses.
func (s *Simulator) Close() {
	s.cancel()
	s.inflight.Wait()
}

// ----------------------------
// sco.HeadsetProxy
// ----------------------------

func (s *Simulator) ConnectAudio() bool { return s.run(CmdConnectAudio, nil) }
func (s *Simulator) DisconnectAudio() bool { return s.run(CmdDisconnectAudio, nil) }
func (s *Simulator) StartVirtualCall() bool { return s.run(CmdStartVirtualCall, nil) }
func (s *Simulator) StopVirtualCall() bool { return s.run(CmdStopVirtualCall, nil) }

func (s *Simulator) StartVoiceRecognition(dev *sco.Device) bool {
	return s.run(CmdStartVoiceRecognition, dev)
}

func (s *Simulator) StopVoiceRecognition(dev *sco.Device) bool {
	return s.run(CmdStopVoiceRecognition, dev)
}

func (s *Simulator) AudioState(dev *sco.Device) sco.HeadsetAudioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev == nil || s.device == nil || !sameAddress(dev, s.device) {
		return sco.HeadsetAudioDisconnected
	}
	return s.audio
}

func (s *Simulator) ActiveDevice() *sco.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	d := *s.device
	return &d
}

func (s *Simulator) run(cmd Command, target *sco.Device) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, cmd)
	log := s.logger.WithFields(logrus.Fields{"command": cmd, "device": s.device})

	if s.panics[cmd] {
		log.Debug("Simulated headset panicking")
		panic(fmt.Sprintf("headset simulator: %s", cmd))
	}
	if s.fail[cmd] || s.device == nil {
		log.Debug("Simulated headset rejected command")
		return false
	}
	if target != nil && !sameAddress(target, s.device) {
		log.WithField("target", target).Debug("Simulated headset rejected command for other device")
		return false
	}

	if cmd.opens() {
		s.audio = sco.HeadsetAudioConnecting
	}
	if s.opts.AutoRespond {
		next := sco.HeadsetAudioDisconnected
		if cmd.opens() {
			next = sco.HeadsetAudioConnected
		}
		s.respondLocked(next)
	}
	log.Debug("Simulated headset accepted command")
	return true
}

// respondLocked schedules an audio state report on its own goroutine, since
// commands arrive with the caller's lock held.
func (s *Simulator) respondLocked(state sco.HeadsetAudioState) {
	dev := *s.device
	s.inflight.Add(1)
	groutine.Go(s.ctx, "headset-sim-response", func(ctx context.Context) {
		defer s.inflight.Done()

		timer := time.NewTimer(s.opts.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.Report(&dev, state)
	})
}

// Report sets the audio state and invokes the callback, as if the headset
// had sent an event.
func (s *Simulator) Report(dev *sco.Device, state sco.HeadsetAudioState) {
	s.mu.Lock()
	s.audio = state
	fn := s.onAudio
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"device": dev, "audio": state}).Debug("Simulated headset audio event")
	if fn != nil {
		fn(dev, state)
	}
}

func sameAddress(a, b *sco.Device) bool {
	return a != nil && b != nil && strings.EqualFold(a.Address, b.Address)
}
