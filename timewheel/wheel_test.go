package timewheel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroDelayRejected(t *testing.T) {
	w := New[int]()

	assert.ErrorIs(t, w.Insert(1, 0), ErrZeroDelay)
}

func TestSingleSchedule(t *testing.T) {
	w := New[int]()

	require.NoError(t, w.Insert(1, 1))
	assert.Equal(t, uint32(0), w.Current())

	res := w.Tick()
	require.Len(t, res, 1)
	assert.Equal(t, 1, res[0])

	assert.Empty(t, w.Tick())
}

func TestSingleReschedule(t *testing.T) {
	w := New[int]()

	require.NoError(t, w.Insert(1, 1))

	for i := 0; i < 1000; i++ {
		res := w.Tick()
		require.Len(t, res, 1)
		require.Equal(t, 1, res[0])

		require.NoError(t, w.Insert(1, 1))
	}
}

func TestIncreasingSchedule(t *testing.T) {
	w := New[int]()

	for i := 0; i < 25; i++ {
		require.NoError(t, w.Insert(i, 1<<i))
	}

	for i := 0; i < 25; i++ {
		target := uint64(1) << i
		var prev uint64
		if i > 0 {
			prev = 1 << (i - 1)
		}

		for tick := prev + 1; tick < target; tick++ {
			require.Empty(t, w.Tick(), "unexpected expiry at tick %d", tick)
		}

		res := w.Tick()
		require.Len(t, res, 1)
		require.Equal(t, i, res[0])
	}
}

func TestIncreasingSkip(t *testing.T) {
	w := New[int]()
	delays := make([]uint32, 25)

	for i := 0; i < 25; i++ {
		delays[i] = 1 << i
		require.NoError(t, w.Insert(i, delays[i]))
	}

	index := 0
	var ticks uint64

	for index < 25 {
		res := w.Tick()
		ticks++
		if len(res) == 0 {
			if skip, ok := w.CanSkip(); ok {
				w.Skip(skip)
				ticks += uint64(skip)
			}
			continue
		}

		require.Equal(t, index, res[0])
		require.Equal(t, uint64(delays[index]), ticks)
		index++
	}

	_, ok := w.CanSkip()
	assert.False(t, ok)
}
