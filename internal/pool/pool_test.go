package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcher_RunsEverythingDispatched(t *testing.T) {
	d := New(Config{MaxWorkers: 4, QueueSize: 64}, zap.NewNop())

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := d.Dispatch(func() {
			defer wg.Done()
			ran.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()
	d.Close()

	assert.Equal(t, int64(50), ran.Load())
	assert.Equal(t, int64(50), d.Stats().Completed)
}

func TestDispatcher_SaturationIsReportedNotBlocked(t *testing.T) {
	d := New(Config{MaxWorkers: 1, QueueSize: 1}, zap.NewNop())
	defer d.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Dispatch(func() {
		close(started)
		<-block
	}))
	<-started

	// Fill the queue, then overflow it. Dispatch must return promptly.
	require.NoError(t, d.Dispatch(func() {}))

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(func() {}) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSaturated)
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a saturated pool")
	}
	close(block)
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	d := New(Config{MaxWorkers: 2, QueueSize: 32}, zap.NewNop())

	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, d.Dispatch(func() { ran.Add(1) }))
	}
	d.Close()

	assert.Equal(t, int64(20), ran.Load())
	assert.ErrorIs(t, d.Dispatch(func() {}), ErrClosed)
}

func TestDispatcher_PanicDoesNotKillWorkerPool(t *testing.T) {
	d := New(Config{MaxWorkers: 1, QueueSize: 8}, zap.NewNop())

	require.NoError(t, d.Dispatch(func() { panic("boom") }))

	ran := make(chan struct{})
	require.NoError(t, d.Dispatch(func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	d.Close()
	assert.Equal(t, int64(1), d.Stats().Panics)
}
