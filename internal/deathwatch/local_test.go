package deathwatch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type LocalWatcherTestSuite struct {
	suite.Suite
	watcher *Local
}

func (s *LocalWatcherTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.watcher = NewLocal(logger)
}

func (s *LocalWatcherTestSuite) TestKillFiresCallbackOnce() {
	// GOAL: A killed handle fires its callback exactly once
	//
	// TEST SCENARIO: Watch → Kill twice → one callback, token disarmed

	var fired atomic.Int32
	tok, err := s.watcher.Watch("client-1", func(h Handle) {
		s.Equal(Handle("client-1"), h, "callback MUST receive the dead handle")
		fired.Add(1)
	})
	s.Require().NoError(err)
	s.True(s.watcher.Watching(tok))

	s.Equal(1, s.watcher.Kill("client-1"))
	s.Equal(0, s.watcher.Kill("client-1"), "second kill MUST fire nothing")

	s.Equal(int32(1), fired.Load())
	s.False(s.watcher.Watching(tok))
	s.False(s.watcher.Unwatch(tok), "unwatch after death MUST report already removed")
}

func (s *LocalWatcherTestSuite) TestUnwatchSuppressesCallback() {
	called := false
	tok, err := s.watcher.Watch("client-1", func(Handle) { called = true })
	s.Require().NoError(err)

	s.True(s.watcher.Unwatch(tok))
	s.False(s.watcher.Unwatch(tok), "second unwatch MUST be a no-op")
	s.Equal(0, s.watcher.Kill("client-1"))
	s.False(called, "unwatched callback MUST NOT fire")
}

func (s *LocalWatcherTestSuite) TestWatchDeadHandle() {
	s.watcher.Kill("client-1")
	s.False(s.watcher.Alive("client-1"))

	_, err := s.watcher.Watch("client-1", func(Handle) {})
	s.ErrorIs(err, ErrAlreadyDead)

	s.watcher.Revive("client-1")
	s.True(s.watcher.Alive("client-1"))
	_, err = s.watcher.Watch("client-1", func(Handle) {})
	s.NoError(err)
}

func (s *LocalWatcherTestSuite) TestWatchRejectsNilCallback() {
	_, err := s.watcher.Watch("client-1", nil)
	s.Error(err)
}

func (s *LocalWatcherTestSuite) TestKillOnlyAffectsItsHandle() {
	var a, b atomic.Int32
	_, err := s.watcher.Watch("a", func(Handle) { a.Add(1) })
	s.Require().NoError(err)
	tokB, err := s.watcher.Watch("b", func(Handle) { b.Add(1) })
	s.Require().NoError(err)

	s.watcher.Kill("a")

	s.Equal(int32(1), a.Load())
	s.Equal(int32(0), b.Load())
	s.True(s.watcher.Watching(tokB))
}

func (s *LocalWatcherTestSuite) TestCallbackMayReenterWatcher() {
	// The callback runs outside the watcher lock, so it can call back in.
	var tok Token
	var err error
	tok, err = s.watcher.Watch("client-1", func(Handle) {
		s.False(s.watcher.Watching(tok))
	})
	s.Require().NoError(err)
	s.watcher.Kill("client-1")
}

func (s *LocalWatcherTestSuite) TestConcurrentUnwatchAndKill() {
	// GOAL: An explicit removal racing a death resolves to exactly one removal
	for i := 0; i < 200; i++ {
		var fired atomic.Int32
		h := Handle("racer")
		s.watcher.Revive(h)
		tok, err := s.watcher.Watch(h, func(Handle) { fired.Add(1) })
		s.Require().NoError(err)

		var unwatched atomic.Bool
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			unwatched.Store(s.watcher.Unwatch(tok))
		}()
		go func() {
			defer wg.Done()
			s.watcher.Kill(h)
		}()
		wg.Wait()

		if unwatched.Load() {
			s.Equal(int32(0), fired.Load())
		} else {
			s.Equal(int32(1), fired.Load())
		}
	}
}

func TestLocalWatcherTestSuite(t *testing.T) {
	suite.Run(t, new(LocalWatcherTestSuite))
}
