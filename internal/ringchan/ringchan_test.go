package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChan_DropsOldestWhenFull(t *testing.T) {
	c := New[int](3)
	for i := 0; i < 10; i++ {
		c.Send(i)
	}

	var got []int
	for {
		v, ok := c.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}

	assert.Equal(t, []int{7, 8, 9}, got, "only the newest values MUST survive")
	assert.Equal(t, int64(10), c.Sent())
	assert.Equal(t, int64(7), c.Dropped())
}

func TestChan_SendReportsDrop(t *testing.T) {
	c := New[string](1)
	assert.False(t, c.Send("a"))
	assert.True(t, c.Send("b"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Cap())
}

func TestChan_CloseIsIdempotentAndSilencesSend(t *testing.T) {
	c := New[int](2)
	c.Send(1)
	c.Close()
	c.Close()

	assert.NotPanics(t, func() { c.Send(2) })

	v, ok := <-c.C()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = <-c.C()
	assert.False(t, ok, "channel MUST be closed after draining")
}

func TestChan_ConcurrentProducers(t *testing.T) {
	c := New[int](8)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Send(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(400), c.Sent())
	assert.Equal(t, 8, c.Len())
	assert.Equal(t, int64(392), c.Dropped())
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
