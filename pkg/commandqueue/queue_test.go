package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) *CommandQueue {
	t.Helper()
	cq := New(Config{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = cq.Close() })
	return cq
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := newQueue(t)

	executed := false
	task := func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}

	result, err := cq.EnqueueWithContext(context.Background(), "test", task)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
	assert.Equal(t, Stats{}, cq.Stats(), "idle lanes are released")
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := newQueue(t)

	expectedErr := errors.New("task failed")
	task := func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}

	result, err := cq.EnqueueWithContext(context.Background(), "test", task)

	assert.ErrorIs(t, err, expectedErr)
	assert.Nil(t, result)
}

func TestCommandQueue_TaskPanic(t *testing.T) {
	cq := newQueue(t)

	_, err := cq.EnqueueWithContext(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	result, err := cq.EnqueueWithContext(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return "next", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "next", result)
}

func TestCommandQueue_SameLaneIsSerialAndFIFO(t *testing.T) {
	cq := newQueue(t)

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)

	gate := make(chan struct{})
	first := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = cq.EnqueueWithContext(context.Background(), "serial", func(ctx context.Context) (interface{}, error) {
			close(first)
			<-gate
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil, nil
		})
	}()
	<-first

	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.EnqueueWithContext(context.Background(), "serial", func(ctx context.Context) (interface{}, error) {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				defer running.Add(-1)
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		// Wait until the record is queued so enqueue order is fixed.
		require.Eventually(t, func() bool { return cq.Stats().Pending == i }, time.Second, time.Millisecond)
	}

	close(gate)
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := newQueue(t)

	started := make(chan string, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup

	for _, lane := range []string{"session-a", "session-b"} {
		lane := lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.EnqueueWithContext(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
				started <- lane
				<-release
				return nil, nil
			})
		}()
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case lane := <-started:
			got[lane] = true
		case <-time.After(2 * time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	assert.Equal(t, map[string]bool{"session-a": true, "session-b": true}, got)
	assert.Equal(t, Stats{Lanes: 2, Running: 2}, cq.Stats())

	close(release)
	wg.Wait()
}

func TestCommandQueue_CancelWhileQueued(t *testing.T) {
	cq := newQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(ctx, "lane", func(ctx context.Context) (interface{}, error) {
			ran.Store(true)
			return nil, nil
		})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return cq.Stats().Pending == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, cq.Stats().Pending)

	close(release)
	<-done
	assert.False(t, ran.Load())
}

func TestCommandQueue_StartedTaskIgnoresCallerCancel(t *testing.T) {
	cq := newQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	var taskErr atomic.Value

	errCh := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(ctx, "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			if err := ctx.Err(); err != nil {
				taskErr.Store(err)
			}
			return "done", nil
		})
		errCh <- err
	}()
	<-started
	cancel()
	close(release)

	assert.NoError(t, <-errCh)
	assert.Nil(t, taskErr.Load())
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(Config{Logger: zerolog.Nop()})

	started := make(chan struct{})
	runningErr := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		runningErr <- err
	}()
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		queuedErr <- err
	}()
	require.Eventually(t, func() bool { return cq.Stats().Pending == 1 }, time.Second, time.Millisecond)

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-runningErr, context.Canceled)
	assert.ErrorIs(t, <-queuedErr, ErrClosed)

	_, err := cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, cq.Close())
}
