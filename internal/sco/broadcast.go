package sco

import (
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/btsco/internal/ringchan"
)

// DefaultBroadcastBuffer is the history and update buffer size used when
// NewBroadcaster is given zero.
const DefaultBroadcastBuffer = 64

// StateChange is one emitted connection state.
type StateChange struct {
	State    ConnectionState `json:"state" yaml:"state"`
	Previous ConnectionState `json:"previous" yaml:"previous"`
	At       time.Time       `json:"at" yaml:"at"`
}

// Broadcaster is an EventSink that drops repeats of the last emitted state and
// fans the rest out to a bounded history and a live update channel. Neither
// ever blocks Notify: both overwrite their oldest entry when full.
type Broadcaster struct {
	mu      sync.Mutex
	last    ConnectionState
	history mpmc.RichOverlappedRingBuffer[StateChange]
	updates *ringchan.Chan[StateChange]
	logger  *logrus.Logger
	now     func() time.Time
}

func NewBroadcaster(size uint32, logger *logrus.Logger) *Broadcaster {
	if size == 0 {
		size = DefaultBroadcastBuffer
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Broadcaster{
		last:    ConnectionError,
		history: mpmc.NewOverlappedRingBuffer[StateChange](size),
		updates: ringchan.New[StateChange](int(size)),
		logger:  logger,
		now:     time.Now,
	}
}

func (b *Broadcaster) Notify(state ConnectionState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state == b.last {
		return
	}
	change := StateChange{State: state, Previous: b.last, At: b.now()}
	b.last = state

	if _, err := b.history.EnqueueM(change); err != nil {
		b.logger.WithError(err).Warn("Failed to record SCO state change")
	}
	if b.updates.Send(change) {
		b.logger.WithField("dropped", b.updates.Dropped()).Debug("SCO update consumer lagging, oldest update dropped")
	}
	b.logger.WithFields(logrus.Fields{"state": state, "previous": change.Previous}).Info("SCO connection state changed")
}

// Last returns the most recently emitted state, ConnectionError before any.
func (b *Broadcaster) Last() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Updates delivers emitted changes as they happen. It is closed by Close.
func (b *Broadcaster) Updates() <-chan StateChange {
	return b.updates.C()
}

// Drain returns and clears the recorded history, oldest first.
func (b *Broadcaster) Drain() []StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []StateChange
	for !b.history.IsEmpty() {
		change, err := b.history.Dequeue()
		if err != nil {
			break
		}
		out = append(out, change)
	}
	return out
}

// Close closes the Updates channel. Later notifications are still recorded.
func (b *Broadcaster) Close() {
	b.updates.Close()
}
