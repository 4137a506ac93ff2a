package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrLanesClosed is returned by Enqueue after Close.
	ErrLanesClosed = errors.New("lanes closed")
	// ErrLaneFull is returned by Enqueue when the key's lane has no room.
	ErrLaneFull = errors.New("lane full")
)

type laneItem struct {
	name string
	key  string
	task Task
}

// Lanes serializes work per key. Every key hashes to one lane and each lane
// has a single consumer, so tasks sharing a key run one at a time in the
// order they were enqueued. Tasks with different keys may run concurrently.
type Lanes struct {
	queues []chan laneItem
	sink   ErrorSink
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewLanes starts n lanes, each buffering up to buffer pending tasks.
func NewLanes(n, buffer int, sink ErrorSink) *Lanes {
	if n < 1 {
		n = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	if sink == nil {
		sink = LogErrors
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lanes{
		queues: make([]chan laneItem, n),
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range l.queues {
		l.queues[i] = make(chan laneItem, buffer)
		l.wg.Add(1)
		go l.consume(l.queues[i])
	}
	return l
}

func (l *Lanes) consume(queue <-chan laneItem) {
	defer l.wg.Done()
	for item := range queue {
		l.run(item)
	}
}

func (l *Lanes) run(item laneItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", item.name).Str("key", item.key).Str("stack", string(debug.Stack())).Msg("lane task panicked")
			l.sink(item.name, item.key, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := item.task(l.ctx); err != nil {
		l.sink(item.name, item.key, err)
	}
}

// LaneFor returns the lane index of key.
func (l *Lanes) LaneFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.queues)))
}

// Enqueue appends task to the lane of key. It never waits for room: a full
// lane rejects the task with ErrLaneFull.
func (l *Lanes) Enqueue(name, key string, task Task) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLanesClosed
	}
	select {
	case l.queues[l.LaneFor(key)] <- laneItem{name: name, key: key, task: task}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrLaneFull, key)
	}
}

// Close stops accepting tasks and waits for queued ones to finish or for
// ctx to end, whichever comes first. Tasks still running when ctx ends see
// their context cancelled.
func (l *Lanes) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		for _, q := range l.queues {
			close(q)
		}
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		return fmt.Errorf("lanes did not drain: %w", ctx.Err())
	}
}
