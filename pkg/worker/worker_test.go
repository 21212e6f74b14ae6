package worker_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrix-org/meshcall/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerProcessesTasksInOrder(t *testing.T) {
	var got []int
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 8,
		OnTask:      func(task int) { got = append(got, task) },
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Send(i))
	}

	w.Stop()
	<-w.Done()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestWorkerRejectsTasksWhenFullOrStopped(t *testing.T) {
	block := make(chan struct{})
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 1,
		OnTask:      func(int) { <-block },
	})

	require.NoError(t, w.Send(1))
	// The first task may or may not have been picked up yet, so fill until refused.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = w.Send(2)
	}
	assert.ErrorIs(t, err, worker.ErrWorkerTooBusy)

	close(block)
	w.Stop()
	w.Stop()
	assert.ErrorIs(t, w.Send(3), worker.ErrWorkerClosed)
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	var processed atomic.Int32
	release := make(chan struct{})
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 4,
		OnTask: func(int) {
			<-release
			processed.Add(1)
		},
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Send(i))
	}
	w.Stop()
	close(release)

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not finish")
	}
	assert.Equal(t, int32(3), processed.Load())
}

func BenchmarkWorker(b *testing.B) {
	w := worker.StartWorker(worker.Config[struct{}]{
		ChannelSize: 1,
		OnTask:      func(struct{}) {},
	})

	for n := 0; n < b.N; n++ {
		_ = w.Send(struct{}{})
	}

	w.Stop()
}
