package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"heurist/internal/logging"
)

// baselineWindow is how much history feeds a domain baseline recompute.
const baselineWindow = 30 * 24 * time.Hour

// dormancyBatch bounds dormancy transitions per sweep.
const dormancyBatch = 200

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	DomainsSwept int
	DormantMoved int
	Evicted      int
	Decayed      int
	Duration     time.Duration
	Skipped      []string // domains another sweep already held
}

// maintenanceWorker runs periodic sweeps: baseline recompute, overflow
// resolution, health scoring, dormancy transitions, and confidence decay.
// Each sweep is time-boxed by the configured budget, and a per-domain
// advisory lock keeps overlapping sweeps from working the same domain.
type maintenanceWorker struct {
	engine *Engine

	mu          sync.Mutex
	domainLocks map[string]*sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
}

func newMaintenanceWorker(e *Engine) *maintenanceWorker {
	return &maintenanceWorker{
		engine:      e,
		domainLocks: make(map[string]*sync.Mutex),
	}
}

func (w *maintenanceWorker) start() {
	w.mu.Lock()
	if w.stopCh != nil {
		w.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	w.stopCh = stop
	w.doneCh = done
	w.mu.Unlock()

	go w.run(stop, done)
}

func (w *maintenanceWorker) stop() {
	w.mu.Lock()
	stop := w.stopCh
	done := w.doneCh
	w.stopCh = nil
	w.doneCh = nil
	w.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

func (w *maintenanceWorker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.engine.cfg.GetMaintenanceInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := w.sweep(context.Background()); err != nil {
				logging.Get(logging.CategoryMaintenance).Error("Sweep failed: %v", err)
			}
		}
	}
}

// sweep runs one pass. Queued fraud scans flush first so quarantine verdicts
// from recent updates are visible before domains are examined.
func (w *maintenanceWorker) sweep(ctx context.Context) (*SweepReport, error) {
	timer := logging.StartTimer(logging.CategoryMaintenance, "maintenance.sweep")
	defer timer.Stop()

	started := time.Now()
	ctx, cancel := waitBudget(ctx, w.engine.cfg.GetSweepBudget())
	defer cancel()

	if err := w.engine.pipeline.Flush(ctx); err != nil {
		return nil, err
	}

	domains, err := w.engine.store.Domains()
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	var reportMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, domain := range domains {
		domain := domain
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return nil // budget exhausted; remaining domains wait for next sweep
			}

			lock := w.lockFor(domain)
			if !lock.TryLock() {
				reportMu.Lock()
				report.Skipped = append(report.Skipped, domain)
				reportMu.Unlock()
				return nil
			}
			defer lock.Unlock()

			evicted := w.sweepDomain(domain)
			reportMu.Lock()
			report.DomainsSwept++
			report.Evicted += evicted
			reportMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if ctx.Err() == nil {
		moved, err := w.engine.lifecycle.SweepDormancy(dormancyBatch)
		if err != nil {
			logging.Get(logging.CategoryMaintenance).Error("Dormancy sweep failed: %v", err)
		}
		report.DormantMoved = moved
	}

	if ctx.Err() == nil {
		cutoff := time.Now().Add(-w.engine.cfg.GetDecayAfter())
		decayed, err := w.engine.store.DecayStaleConfidence(w.engine.cfg.Maintenance.DecayFactor, cutoff)
		if err != nil {
			logging.Get(logging.CategoryMaintenance).Error("Confidence decay failed: %v", err)
		}
		report.Decayed = decayed
	}

	report.Duration = time.Since(started)
	logging.Maintenance("Sweep done: domains=%d dormant=%d evicted=%d decayed=%d skipped=%d in %s",
		report.DomainsSwept, report.DormantMoved, report.Evicted, report.Decayed,
		len(report.Skipped), report.Duration.Round(time.Millisecond))
	return report, nil
}

// sweepDomain runs the per-domain steps; failures log and move on so one bad
// domain cannot stall the rest of the sweep.
func (w *maintenanceWorker) sweepDomain(domain string) (evicted int) {
	// Domains created before metadata existed get defaults on first sweep.
	if _, err := w.engine.capacity.EnsureDomain(domain); err != nil {
		logging.Get(logging.CategoryMaintenance).Warn("Domain metadata missing for %s: %v", domain, err)
		return 0
	}

	if _, err := w.engine.store.RecomputeBaseline(domain, baselineWindow); err != nil {
		logging.Get(logging.CategoryMaintenance).Warn("Baseline recompute failed for %s: %v", domain, err)
	}

	n, err := w.engine.capacity.ResolveOverflow(domain)
	if err != nil {
		logging.Get(logging.CategoryMaintenance).Warn("Overflow resolution failed for %s: %v", domain, err)
	}
	evicted = n

	if _, err := w.engine.capacity.RecomputeHealth(domain); err != nil {
		logging.Get(logging.CategoryMaintenance).Warn("Health recompute failed for %s: %v", domain, err)
	}
	return evicted
}

func (w *maintenanceWorker) lockFor(domain string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()

	lock, ok := w.domainLocks[domain]
	if !ok {
		lock = &sync.Mutex{}
		w.domainLocks[domain] = lock
	}
	return lock
}
