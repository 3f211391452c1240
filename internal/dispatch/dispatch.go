// Package dispatch owns the scan lifecycle. It accepts targets, hands
// back a ticket immediately, and runs the expand/probe/reconcile
// pipeline on a bounded worker pool. Scans over overlapping address
// ranges are serialized so that concurrent reconciles can never race
// their read-before-write checks against the IPAM.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinsuchenak/sweepd/internal/ipam"
	"github.com/martinsuchenak/sweepd/internal/log"
	"github.com/martinsuchenak/sweepd/internal/model"
	"github.com/martinsuchenak/sweepd/internal/prefix"
	"github.com/martinsuchenak/sweepd/internal/probe"
	"github.com/martinsuchenak/sweepd/internal/reconcile"
	"github.com/martinsuchenak/sweepd/internal/storage"
	"github.com/martinsuchenak/sweepd/internal/worker"
)

// ErrAlreadyQueued reports that an identical target is already queued or
// running. The caller gets the existing ticket instead of a new scan.
var ErrAlreadyQueued = errors.New("scan already queued")

// Store is the IPAM surface the dispatcher and its reconciler need.
// *ipam.Client satisfies it.
type Store interface {
	reconcile.Store
	FindRange(ctx context.Context, p netip.Prefix) (*ipam.Range, error)
	FindAutoRanges(ctx context.Context) ([]ipam.Range, error)
}

// Enricher resolves per-host detail for reachable addresses.
type Enricher interface {
	Lookup(ctx context.Context, addr netip.Addr) model.HostInfo
}

// Options tunes dispatcher behaviour.
type Options struct {
	MaxWorkers    int
	EnrichWorkers int
}

// Dispatcher coordinates one scan pipeline per submitted target.
type Dispatcher struct {
	pool       *worker.Pool
	prober     probe.Prober
	store      Store
	reconciler *reconcile.Reconciler
	journal    storage.Journal
	enricher   Enricher
	opts       Options

	mu       sync.Mutex
	cond     *sync.Cond
	inflight map[string]string // target string -> scan ID
	active   []netip.Prefix    // spans currently in probe/reconcile
}

// New builds a dispatcher. enricher may be nil to skip host enrichment.
func New(store Store, prober probe.Prober, rec *reconcile.Reconciler, journal storage.Journal, enricher Enricher, opts Options) *Dispatcher {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.EnrichWorkers < 1 {
		opts.EnrichWorkers = 8
	}
	d := &Dispatcher{
		pool:       worker.NewPool(opts.MaxWorkers),
		prober:     prober,
		store:      store,
		reconciler: rec,
		journal:    journal,
		enricher:   enricher,
		opts:       opts,
		inflight:   make(map[string]string),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start brings up the worker pool.
func (d *Dispatcher) Start() {
	d.pool.Start()
}

// Stop drains the worker pool. Queued scans that have not started are
// abandoned; their journal rows stay in the queued state.
func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

// Enqueue journals a scan for target and schedules it on the pool,
// returning the ticket without waiting for the scan to run. A target
// that is already queued or running is coalesced: the existing record
// comes back along with ErrAlreadyQueued.
func (d *Dispatcher) Enqueue(target model.ScanTarget) (*model.ScanRecord, error) {
	d.mu.Lock()
	if id, ok := d.inflight[target.String()]; ok {
		d.mu.Unlock()
		existing, err := d.journal.GetScan(id)
		if err != nil {
			return nil, err
		}
		return existing, ErrAlreadyQueued
	}
	rec := newRecord(target)
	d.inflight[target.String()] = rec.ID
	d.mu.Unlock()

	if err := d.journal.CreateScan(rec); err != nil {
		d.release(target)
		return nil, fmt.Errorf("journal scan: %w", err)
	}

	err := d.pool.Submit(worker.Job{
		ID: rec.ID,
		Handler: func(ctx context.Context) error {
			defer d.release(target)
			d.runScan(ctx, rec.ID, target)
			return nil
		},
	})
	if err != nil {
		d.release(target)
		d.complete(rec.ID, model.Summary{}, err)
		return nil, err
	}

	log.Info("Scan queued", "scan_id", rec.ID, "target", target.String())
	return rec, nil
}

// Run executes a scan synchronously on the calling goroutine, outside
// the pool. It still journals and still respects overlap serialization.
func (d *Dispatcher) Run(ctx context.Context, target model.ScanTarget) (*model.ScanRecord, error) {
	d.mu.Lock()
	if id, ok := d.inflight[target.String()]; ok {
		d.mu.Unlock()
		existing, err := d.journal.GetScan(id)
		if err != nil {
			return nil, err
		}
		return existing, ErrAlreadyQueued
	}
	rec := newRecord(target)
	d.inflight[target.String()] = rec.ID
	d.mu.Unlock()
	defer d.release(target)

	if err := d.journal.CreateScan(rec); err != nil {
		return nil, fmt.Errorf("journal scan: %w", err)
	}
	d.runScan(ctx, rec.ID, target)
	return d.journal.GetScan(rec.ID)
}

func (d *Dispatcher) runScan(ctx context.Context, id string, target model.ScanTarget) {
	start := time.Now()
	d.setState(id, model.StateExpanding)

	var (
		summary model.Summary
		runErr  error
	)
	switch target.Kind {
	case model.TargetAuto:
		summary, runErr = d.runAuto(ctx, id)
	default:
		summary, runErr = d.runSpan(ctx, id, target)
	}

	d.complete(id, summary, runErr)
	if runErr != nil {
		log.Error("Scan failed", "scan_id", id, "target", target.String(), "error", runErr)
		return
	}
	log.Info("Scan complete",
		"scan_id", id,
		"target", target.String(),
		"created", summary.Created,
		"updated", summary.Updated,
		"unchanged", summary.Unchanged,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"duration", time.Since(start).Round(time.Millisecond).String())
}

// runSpan handles single-address and prefix targets.
func (d *Dispatcher) runSpan(ctx context.Context, id string, target model.ScanTarget) (model.Summary, error) {
	span, ok := target.Span()
	if !ok {
		return model.Summary{}, fmt.Errorf("target %q has no address span", target.String())
	}

	var (
		hosts    iter.Seq[netip.Addr]
		scanRng  *ipam.Range
		rangeErr error
	)
	switch target.Kind {
	case model.TargetIP:
		hosts = func(yield func(netip.Addr) bool) { yield(target.Addr) }
	case model.TargetPrefix:
		var err error
		hosts, err = prefix.Hosts(target.Prefix)
		if err != nil {
			return model.Summary{}, err
		}
		scanRng, rangeErr = d.store.FindRange(ctx, target.Prefix)
		if rangeErr != nil {
			return model.Summary{}, fmt.Errorf("look up range %s: %w", target.Prefix, rangeErr)
		}
	}

	return d.scanSpan(ctx, id, span, scanRng, hosts)
}

// runAuto snapshots the auto-enabled ranges once, then scans them in
// sequence. Ranges toggled after the snapshot do not join this scan.
func (d *Dispatcher) runAuto(ctx context.Context, id string) (model.Summary, error) {
	ranges, err := d.store.FindAutoRanges(ctx)
	if err != nil {
		return model.Summary{}, fmt.Errorf("list auto-scan ranges: %w", err)
	}
	log.Info("Auto scan expanded", "scan_id", id, "ranges", len(ranges))

	var total model.Summary
	for i := range ranges {
		rng := ranges[i]
		hosts, err := prefix.Hosts(rng.Prefix)
		if err != nil {
			log.Warn("Skipping unusable auto-scan range", "prefix", rng.Prefix.String(), "error", err)
			continue
		}
		summary, err := d.scanSpan(ctx, id, rng.Prefix, &rng, hosts)
		total.Add(summary)
		if err != nil {
			return total, fmt.Errorf("range %s: %w", rng.Prefix, err)
		}
	}
	return total, nil
}

// scanSpan runs probe, enrich, and reconcile for one contiguous span,
// holding the overlap lock for that span throughout.
func (d *Dispatcher) scanSpan(ctx context.Context, id string, span netip.Prefix, scanRng *ipam.Range, hosts iter.Seq[netip.Addr]) (model.Summary, error) {
	if err := d.acquireSpan(ctx, span); err != nil {
		return model.Summary{}, err
	}
	defer d.releaseSpan(span)

	d.setState(id, model.StateProbing)
	result, err := d.prober.Probe(ctx, hosts)
	if err != nil {
		return model.Summary{}, fmt.Errorf("probe %s: %w", span, err)
	}

	info := d.enrich(ctx, result)

	d.setState(id, model.StateReconciling)
	return d.reconciler.Reconcile(ctx, scanRng, result, info)
}

// enrich resolves host detail for every reachable address, with bounded
// fan-out. Enrichment is best effort; failures leave fields empty.
func (d *Dispatcher) enrich(ctx context.Context, result model.ProbeResult) map[netip.Addr]model.HostInfo {
	info := make(map[netip.Addr]model.HostInfo)
	if d.enricher == nil {
		return info
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.opts.EnrichWorkers)
	)
	for addr, reachable := range result {
		if !reachable {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(addr netip.Addr) {
			defer wg.Done()
			defer func() { <-sem }()
			hi := d.enricher.Lookup(ctx, addr)
			mu.Lock()
			info[addr] = hi
			mu.Unlock()
		}(addr)
	}
	wg.Wait()
	return info
}

// acquireSpan blocks until no in-flight scan covers an overlapping span,
// then claims span. Returns early if ctx is cancelled while waiting.
func (d *Dispatcher) acquireSpan(ctx context.Context, span netip.Prefix) error {
	// Wake the waiter when the context dies so cond.Wait cannot hang.
	stop := context.AfterFunc(ctx, func() { d.cond.Broadcast() })
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.overlapsActiveLocked(span) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.cond.Wait()
	}
	d.active = append(d.active, span)
	return nil
}

func (d *Dispatcher) releaseSpan(span netip.Prefix) {
	d.mu.Lock()
	for i, p := range d.active {
		if p == span {
			d.active = append(d.active[:i], d.active[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	d.cond.Broadcast()
}

func (d *Dispatcher) overlapsActiveLocked(span netip.Prefix) bool {
	for _, p := range d.active {
		if p.Overlaps(span) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) release(target model.ScanTarget) {
	d.mu.Lock()
	delete(d.inflight, target.String())
	d.mu.Unlock()
}

func (d *Dispatcher) setState(id string, state model.ScanState) {
	if err := d.journal.SetScanState(id, state); err != nil {
		log.Warn("Failed to journal scan state", "scan_id", id, "state", string(state), "error", err)
	}
}

func (d *Dispatcher) complete(id string, summary model.Summary, runErr error) {
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if err := d.journal.CompleteScan(id, summary, errText); err != nil {
		log.Warn("Failed to journal scan completion", "scan_id", id, "error", err)
	}
}

func newRecord(target model.ScanTarget) *model.ScanRecord {
	return &model.ScanRecord{
		ID:          newScanID(),
		TargetKind:  target.Kind,
		TargetValue: target.Value(),
		State:       model.StateQueued,
		QueuedAt:    time.Now().UTC(),
	}
}

func newScanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
