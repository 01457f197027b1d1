package serial

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueRunsInline(t *testing.T) {
	var q Queue
	ran := false
	q.Do(func() { ran = true })
	require.True(t, ran)
}

func TestQueueReentrantPushRunsAfterCurrent(t *testing.T) {
	var q Queue
	var order []string
	q.Do(func() {
		order = append(order, "outer-start")
		q.Do(func() { order = append(order, "inner") })
		order = append(order, "outer-end")
	})
	require.Equal(t, []string{"outer-start", "outer-end", "inner"}, order)
}

func TestQueueCloseDropsPending(t *testing.T) {
	var q Queue
	var order []string
	q.Do(func() {
		q.Push(func() { order = append(order, "dropped") })
		q.Close()
		order = append(order, "current")
	})
	require.Equal(t, []string{"current"}, order)
	require.True(t, q.Closed())
	require.False(t, q.Push(func() {}))
}

func TestQueueSerializesConcurrentCallers(t *testing.T) {
	var q Queue
	var active, maxActive int32
	var total int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Do(func() {
					n := atomic.AddInt32(&active, 1)
					if n > atomic.LoadInt32(&maxActive) {
						atomic.StoreInt32(&maxActive, n)
					}
					total++
					atomic.AddInt32(&active, -1)
				})
			}
		}()
	}
	wg.Wait()
	q.Drain()
	require.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	require.Equal(t, int64(3200), total)
}

func TestQueueRecoversAfterPanic(t *testing.T) {
	var q Queue
	require.Panics(t, func() { q.Do(func() { panic("boom") }) })
	ran := false
	q.Do(func() { ran = true })
	require.True(t, ran)
}
