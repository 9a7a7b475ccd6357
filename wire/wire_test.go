package wire

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard-io/switchyard/record"
)

func TestSendAfterClose(t *testing.T) {
	a, b := Pipe(2, nil)

	require.NoError(t, a.Send(record.Record{"n": int32(1)}))

	b.Close()

	assert.ErrorIs(t, a.Send(record.Record{"n": int32(2)}), ErrDisconnected)
}

func TestSendFull(t *testing.T) {
	a, _ := Pipe(1, nil)

	require.NoError(t, a.Send(record.Record{"n": int32(1)}))
	assert.ErrorIs(t, a.Send(record.Record{"n": int32(2)}), ErrFull)
}

func TestCapacityBound(t *testing.T) {
	const capacity = 8
	a, _ := Pipe(capacity, nil)

	accepted := 0
	var fullErr error
	for i := 0; i < capacity+1; i++ {
		if err := a.Send(record.Record{"i": int32(i)}); err != nil {
			fullErr = err
			break
		}
		accepted++
	}

	assert.Equal(t, capacity, accepted)
	assert.ErrorIs(t, fullErr, ErrFull)
}

func TestWaitTimeout(t *testing.T) {
	a, b := Pipe(1, nil)

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = a.Send(record.Record{"n": int32(1)})
	}()

	_, err := b.Wait(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)

	rec, err := b.Wait(2 * time.Second)
	require.NoError(t, err)
	n, _ := rec.Int32("n")
	assert.Equal(t, int32(1), n)
}

func TestDrainBeforeDisconnect(t *testing.T) {
	a, b := Pipe(4, nil)

	require.NoError(t, a.Send(record.Record{"n": int32(1)}))
	a.Close()

	rec, err := b.Wait(time.Second)
	require.NoError(t, err)
	n, _ := rec.Int32("n")
	assert.Equal(t, int32(1), n)

	_, err = b.Wait(time.Second)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestRecvEmpty(t *testing.T) {
	_, b := Pipe(1, nil)

	_, err := b.Recv()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestAttrShared(t *testing.T) {
	a, b := Pipe(1, record.Record{"a": int32(0)})

	var wg sync.WaitGroup
	bump := func(w *Wire) {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			w.Attr(func(attr record.Record) {
				n, _ := attr.Int32("a")
				attr.Set("a", n+1)
			})
		}
	}

	wg.Add(2)
	go bump(a)
	go bump(b)
	wg.Wait()

	n, _ := b.AttrClone().Int32("a")
	assert.Equal(t, int32(2000), n)
}

func TestCounters(t *testing.T) {
	a, b := Pipe(4, nil)

	require.NoError(t, a.Send(record.Record{}))
	require.NoError(t, a.Send(record.Record{}))

	_, err := b.Recv()
	require.NoError(t, err)

	assert.Equal(t, uint64(2), a.SendNum())
	assert.Equal(t, uint64(1), b.RecvNum())
	assert.Equal(t, 1, a.Pending())
}
