package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueBounded(t *testing.T) {
	q := New[int](3)
	for i := 1; i <= 3; i++ {
		require.True(t, q.Push(i))
	}
	require.True(t, q.IsFull())
	require.False(t, q.Push(4))
	require.Equal(t, 3, q.Len())

	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.True(t, q.Push(4))

	var got []int
	q.ForEach(func(v int) bool {
		got = append(got, v)
		return true
	})
	require.Equal(t, []int{2, 3, 4}, got)
}

func TestQueueRemoveUntil(t *testing.T) {
	q := New[int](5)
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}
	require.Nil(t, q.RemoveUntil(func(v int) bool { return v == 9 }))
	require.Equal(t, 5, q.Len())

	require.Equal(t, []int{1, 2, 3}, q.RemoveUntil(func(v int) bool { return v == 3 }))
	require.Equal(t, 2, q.Len())
	v, _ := q.Peek()
	require.Equal(t, 4, v)

	q.Clear()
	require.True(t, q.IsEmpty())
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestRingBounded(t *testing.T) {
	r := NewRing[int](2)
	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	require.True(t, r.IsFull())
	require.False(t, r.Push(3))

	v, ok := r.Peek()
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, _ = r.Pop()
	require.Equal(t, 1, v)
	require.True(t, r.Push(3))
	require.Equal(t, 2, r.Len())

	require.Equal(t, 2, r.Clear())
	require.True(t, r.IsEmpty())
	require.True(t, r.Push(4))
	v, _ = r.Pop()
	require.Equal(t, 4, v)
}

func TestRingDiscard(t *testing.T) {
	r := NewRing[int](3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.Discard()
	require.True(t, r.IsFull())
	require.Equal(t, 0, r.Len())
	require.False(t, r.IsFull())
	require.True(t, r.Push(4))

	v, ok := r.Pop()
	require.True(t, ok)
	require.Equal(t, 4, v)
	_, ok = r.Pop()
	require.False(t, ok)
}

func TestRingConcurrent(t *testing.T) {
	const n = 10000
	r := NewRing[int](16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if r.Push(i) {
				i++
			}
		}
	}()

	for want := 0; want < n; {
		if v, ok := r.Pop(); ok {
			require.Equal(t, want, v)
			want++
		}
	}
	wg.Wait()
	require.True(t, r.IsEmpty())
}
