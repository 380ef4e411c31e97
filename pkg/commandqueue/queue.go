package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for tasks enqueued after, or still queued at, Close
var ErrClosed = errors.New("command queue closed")

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState holds the FIFO of one lane
type laneState struct {
	queue   []*taskRecord
	running *taskRecord
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Lanes   int `json:"lanes"`
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// Config configures a CommandQueue
type Config struct {
	Logger zerolog.Logger
}

// CommandQueue serialises tasks per lane
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	pending   int
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New creates an empty CommandQueue
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger.With().Str("component", "commandqueue").Logger(),
	}
}

// EnqueueWithContext adds task to lane and waits for its result. If ctx ends
// while the task is still queued it is dropped and ctx.Err() returned. Once
// started, the task runs detached from ctx's cancellation (values are kept)
// and is cancelled only by Close.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "nebula.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, cq.logger)

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	cq.pending++
	position := len(ls.queue)
	observability.RecordLaneEnqueue(cq.pending, len(cq.lanes))
	cq.processLaneLocked(lane, ls)
	cq.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("position", position).
		Msg("Task enqueued")

	select {
	case res := <-record.result:
		tracing.RecordError(span, res.err)
		return res.value, res.err
	case <-ctx.Done():
	}

	cq.mu.Lock()
	removed := cq.removeLocked(lane, record)
	cq.mu.Unlock()
	if removed {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Msg("Task abandoned before start")
		return nil, ctx.Err()
	}

	// Already started: its result arrives regardless of the caller.
	res := <-record.result
	tracing.RecordError(span, res.err)
	return res.value, res.err
}

// removeLocked drops a still-queued record. Caller holds cq.mu.
func (cq *CommandQueue) removeLocked(lane string, record *taskRecord) bool {
	ls, ok := cq.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			cq.pending--
			if ls.running == nil && len(ls.queue) == 0 {
				delete(cq.lanes, lane)
			}
			return true
		}
	}
	return false
}

// processLaneLocked starts the head of the lane when nothing runs. Caller holds cq.mu.
func (cq *CommandQueue) processLaneLocked(lane string, ls *laneState) {
	if ls.running != nil {
		return
	}
	if len(ls.queue) == 0 {
		delete(cq.lanes, lane)
		return
	}

	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = record
	cq.pending--

	observability.RecordLaneStart(time.Since(record.enqueuedAt), cq.pending)

	cq.wg.Add(1)
	go cq.executeTask(lane, ls, record)
}

// executeTask runs one task and hands the lane to the next record
func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(context.WithoutCancel(record.ctx), "nebula.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(startTime)

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	cq.mu.Lock()
	ls.running = nil
	if cq.closed {
		delete(cq.lanes, lane)
	} else {
		cq.processLaneLocked(lane, ls)
	}
	activeLanes := len(cq.lanes)
	cq.mu.Unlock()

	observability.RecordLaneCompletion(duration, err == nil, activeLanes)
}

// run converts a task panic into an error so the lane keeps moving
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Stats returns lane, pending and running counts
func (cq *CommandQueue) Stats() Stats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := Stats{Lanes: len(cq.lanes), Pending: cq.pending}
	for _, ls := range cq.lanes {
		if ls.running != nil {
			stats.Running++
		}
	}
	return stats
}

// Close rejects queued tasks, cancels running ones and waits for them to return
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	rejected := 0
	for lane, ls := range cq.lanes {
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
			rejected++
		}
		ls.queue = nil
		if ls.running == nil {
			delete(cq.lanes, lane)
		}
	}
	cq.pending = 0
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()

	if rejected > 0 {
		cq.logger.Info().Int("rejected", rejected).Msg("Command queue closed with queued tasks")
	}
	return nil
}
