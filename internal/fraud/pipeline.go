package fraud

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/workwise/escrowd/internal/events"
)

// Pipeline scores events off the request path. It is an events.Sink: the
// bus hands it every event and Publish only enqueues.
type Pipeline struct {
	engine  *Engine
	queue   chan events.Event
	workers int
	logger  *slog.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64
}

// NewPipeline creates a pipeline with the given worker count and queue
// capacity.
func NewPipeline(engine *Engine, workers, queueSize int, logger *slog.Logger) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		engine:  engine,
		queue:   make(chan events.Event, queueSize),
		workers: workers,
		logger:  logger,
	}
}

func (p *Pipeline) Name() string { return "fraud" }

// Publish enqueues relevant events and never blocks. A full queue drops the
// event and counts it.
func (p *Pipeline) Publish(_ context.Context, e events.Event) error {
	p.Submit(e)
	return nil
}

// Submit enqueues e and reports whether it was accepted.
func (p *Pipeline) Submit(e events.Event) bool {
	if !Relevant(e) {
		return false
	}
	select {
	case p.queue <- e:
		queueDepth.Inc()
		return true
	default:
		p.dropped.Add(1)
		queueDropped.Inc()
		p.logger.Warn("fraud queue full, dropping event", "type", e.Type(), "entity_id", e.EntityID)
		return false
	}
}

// Dropped returns how many events were dropped since start.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Start launches the workers. They drain the queue and exit when ctx is
// cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.work(ctx)
		}
		p.logger.Info("fraud pipeline started", "workers", p.workers, "queue", cap(p.queue))
	})
}

// Wait blocks until every worker has exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case e := <-p.queue:
			p.process(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-p.queue:
					p.process(e)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) process(e events.Event) {
	queueDepth.Dec()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in fraud evaluation", "type", e.Type(), "panic", r)
		}
	}()
	// Scoring outlives the request that produced the event.
	if _, err := p.engine.Evaluate(context.Background(), e); err != nil {
		p.logger.Error("fraud evaluation failed", "type", e.Type(), "entity_id", e.EntityID, "error", err)
	}
}
