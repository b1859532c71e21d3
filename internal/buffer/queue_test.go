package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushFullThenPop(t *testing.T) {
	q := New[int](3)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(i))
	}
	assert.True(t, q.IsFull())
	assert.ErrorIs(t, q.Push(99), ErrFull)

	v, err := q.PopFront()
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	assert.NoError(t, q.Push(3))
	assert.Equal(t, []int{1, 2, 3}, q.TakeAll())
}

func TestPopEmptyDoesNotBlock(t *testing.T) {
	q := New[string](1)
	done := make(chan error, 1)
	go func() {
		_, err := q.PopFront()
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrEmpty)
	case <-time.After(time.Second):
		t.Fatal("PopFront blocked on empty queue")
	}
	assert.True(t, q.IsEmpty())
}

func TestFIFOOrder(t *testing.T) {
	q := New[int](10)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Push(i))
	}
	for i := 0; i < 10; i++ {
		v, err := q.PopFront()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestTakeAllClears(t *testing.T) {
	q := New[int](4)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	assert.Equal(t, []int{1, 2}, q.TakeAll())
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.TakeAll())
}

func TestPeek(t *testing.T) {
	q := New[int](4)
	require.NoError(t, q.Push(7))
	require.NoError(t, q.Push(8))
	assert.Equal(t, []int{7}, q.Peek(1))
	assert.Equal(t, []int{7, 8}, q.Peek(5))
	assert.Nil(t, q.Peek(0))
	assert.Equal(t, 2, q.Len())
}

func TestMinimumCapacity(t *testing.T) {
	q := New[int](0)
	assert.Equal(t, 1, q.Cap())
	require.NoError(t, q.Push(1))
	assert.ErrorIs(t, q.Push(2), ErrFull)
}

func TestReadySignalsOnPush(t *testing.T) {
	q := New[int](2)
	select {
	case <-q.Ready():
		t.Fatal("ready before any push")
	default:
	}
	require.NoError(t, q.Push(1))
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal after push")
	}
}

func TestConcurrentPushPop(t *testing.T) {
	q := New[int](16)
	var wg sync.WaitGroup
	var mu sync.Mutex
	got := 0

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; {
			if q.Push(i) == nil {
				i++
			}
		}
	}()
	go func() {
		defer wg.Done()
		last := -1
		for n := 0; n < 1000; {
			v, err := q.PopFront()
			if err != nil {
				continue
			}
			assert.Equal(t, last+1, v)
			last = v
			n++
			mu.Lock()
			got++
			mu.Unlock()
		}
	}()
	wg.Wait()
	assert.Equal(t, 1000, got)
	assert.LessOrEqual(t, q.Len(), q.Cap())
}
