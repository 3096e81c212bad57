package fraud

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"heurist/internal/config"
	"heurist/internal/logging"
	"heurist/internal/types"
)

// Pipeline runs scans asynchronously after confidence updates. Scans for the
// same heuristic never overlap and run in enqueue order; scans for different
// heuristics run concurrently up to the configured worker count, throttled by
// a shared rate limit so bursts of updates do not starve the store.
type Pipeline struct {
	scanner *Scanner
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	depth   int

	mu       sync.Mutex
	pending  map[int64]int // per-heuristic queued scans, running one included
	inflight int
	closed   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPipeline builds a started pipeline around the given scanner.
func NewPipeline(scanner *Scanner, cfg config.FraudConfig) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		scanner: scanner,
		limiter: rate.NewLimiter(rate.Limit(cfg.ScansPerSec), 1),
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		depth:   cfg.QueueDepth,
		pending: make(map[int64]int),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue schedules a scan for the heuristic. Back-to-back scans for the same
// heuristic coalesce: one queued scan already covers any update that landed
// before it starts, since scans read current store state.
func (p *Pipeline) Enqueue(heuristicID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return types.E(types.KindValidation, "fraud.Enqueue", errors.New("pipeline stopped"))
	}
	if p.pending[heuristicID] >= 2 {
		return nil // a queued scan will observe this update
	}
	if p.inflight >= p.depth {
		return types.Ef(types.KindRateLimited, "fraud.Enqueue",
			"scan queue full (%d pending)", p.inflight)
	}

	p.pending[heuristicID]++
	p.inflight++
	if p.pending[heuristicID] == 1 {
		p.wg.Add(1)
		go p.run(heuristicID)
	}
	return nil
}

// run drains the per-heuristic queue serially, then exits.
func (p *Pipeline) run(heuristicID int64) {
	defer p.wg.Done()
	for {
		if err := p.limiter.Wait(p.ctx); err != nil {
			p.drain(heuristicID)
			return
		}
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.drain(heuristicID)
			return
		}

		_, err := p.scanner.Scan(p.ctx, heuristicID)
		p.sem.Release(1)
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Get(logging.CategoryFraud).Error(
				"Scan failed for heuristic %d: %v", heuristicID, err)
		}

		p.mu.Lock()
		p.pending[heuristicID]--
		p.inflight--
		if p.pending[heuristicID] <= 0 {
			delete(p.pending, heuristicID)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// drain discards queued work for a heuristic after cancellation.
func (p *Pipeline) drain(heuristicID int64) {
	p.mu.Lock()
	p.inflight -= p.pending[heuristicID]
	delete(p.pending, heuristicID)
	p.mu.Unlock()
}

// Flush blocks until every scan enqueued so far has finished. Callers that
// need quarantine verdicts to be visible (maintenance sweeps, tests) flush
// before reading heuristic state.
func (p *Pipeline) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		idle := p.inflight == 0
		p.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return p.ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop cancels in-flight scans and waits for the workers to exit. Safe to
// call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
