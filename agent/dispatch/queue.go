package dispatch

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/driftmarket/agent/agent"
	"github.com/driftmarket/agent/agent/pipeline"
)

// Stats are the dispatcher's monotonic counters.
type Stats struct {
	Enqueued  int64
	Dropped   int64
	Completed int64
	Failed    int64
	Panicked  int64
}

// Dispatcher owns the bounded queue and the worker pool. Admission is
// fail-fast: Enqueue never blocks the session read loop, a full queue
// drops the envelope with agent.ErrQueueFull.
//
// Two queue modes exist. QueueShared feeds all workers from one channel
// with no ordering promise across envelopes. QueueConversation shards by
// chat id, so envelopes of one conversation are processed in arrival order
// while different conversations still run in parallel.
type Dispatcher struct {
	process pipeline.Handler
	logger  *slog.Logger
	mode    agent.QueueMode
	workers int

	shared chan *agent.Envelope
	shards []chan *agent.Envelope

	enqueued  atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the assembled pipeline handler.
// workers is the pool size; capacity bounds each queue (per shard in
// conversation mode).
func NewDispatcher(process pipeline.Handler, mode agent.QueueMode, workers, capacity int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	d := &Dispatcher{
		process: process,
		logger:  logger.With("component", "dispatch"),
		mode:    mode,
	}
	if mode == agent.QueueConversation {
		d.shards = make([]chan *agent.Envelope, workers)
		for i := range d.shards {
			d.shards[i] = make(chan *agent.Envelope, capacity)
		}
	} else {
		d.shared = make(chan *agent.Envelope, capacity)
		d.workers = workers
	}
	return d
}

// Enqueue admits one envelope. It implements session.Sink.
func (d *Dispatcher) Enqueue(env *agent.Envelope) error {
	var q chan *agent.Envelope
	if d.mode == agent.QueueConversation {
		q = d.shards[shardIndex(env.ChatID, len(d.shards))]
	} else {
		q = d.shared
	}

	select {
	case q <- env:
		d.enqueued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		return agent.ErrQueueFull
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// Wait blocks until they have.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		if d.mode == agent.QueueConversation {
			for i, shard := range d.shards {
				d.wg.Add(1)
				go d.worker(ctx, i, shard)
			}
			return
		}
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx, i, d.shared)
		}
	})
}

// Wait blocks until all workers have stopped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats snapshots the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:  d.enqueued.Load(),
		Dropped:   d.dropped.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Panicked:  d.panicked.Load(),
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int, q chan *agent.Envelope) {
	defer d.wg.Done()
	log := d.logger.With("worker", id)
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping")
			return
		case env := <-q:
			d.processOne(ctx, log, env)
		}
	}
}

// processOne runs the pipeline for one envelope with panic isolation: a
// panicking handler loses its envelope, never the worker.
func (d *Dispatcher) processOne(ctx context.Context, log *slog.Logger, env *agent.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			d.failed.Add(1)
			env.Status = agent.StatusFailed
			log.Error("handler panicked", "envelope_id", env.ID, "panic", r)
		}
	}()

	env.Status = agent.StatusInFlight
	res, err := d.process(ctx, env)
	env.Status = res.Status
	if err != nil || res.Status == agent.StatusFailed {
		d.failed.Add(1)
		return
	}
	d.completed.Add(1)
}

func shardIndex(chatID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(chatID))
	return int(h.Sum32() % uint32(n))
}
