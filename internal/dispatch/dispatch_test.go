package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinsuchenak/sweepd/internal/ipam"
	"github.com/martinsuchenak/sweepd/internal/model"
	"github.com/martinsuchenak/sweepd/internal/probe"
	"github.com/martinsuchenak/sweepd/internal/reconcile"
)

// memJournal is an in-memory Journal for dispatcher tests.
type memJournal struct {
	mu   sync.Mutex
	recs map[string]*model.ScanRecord
}

func newMemJournal() *memJournal {
	return &memJournal{recs: make(map[string]*model.ScanRecord)}
}

func (j *memJournal) CreateScan(rec *model.ScanRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *rec
	j.recs[rec.ID] = &cp
	return nil
}

func (j *memJournal) SetScanState(id string, state model.ScanState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.recs[id]
	if !ok {
		return fmt.Errorf("no scan %s", id)
	}
	rec.State = state
	return nil
}

func (j *memJournal) CompleteScan(id string, summary model.Summary, errText string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.recs[id]
	if !ok {
		return fmt.Errorf("no scan %s", id)
	}
	rec.Summary = summary
	rec.Error = errText
	rec.State = model.StateDone
	if errText != "" {
		rec.State = model.StateFailed
	}
	now := time.Now().UTC()
	rec.CompletedAt = &now
	return nil
}

func (j *memJournal) GetScan(id string) (*model.ScanRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.recs[id]
	if !ok {
		return nil, fmt.Errorf("no scan %s", id)
	}
	cp := *rec
	return &cp, nil
}

func (j *memJournal) ListScans(limit int) ([]model.ScanRecord, error) { return nil, nil }
func (j *memJournal) Close() error                                   { return nil }

// memStore backs both the reconciler and the dispatcher range lookups.
type memStore struct {
	mu         sync.Mutex
	records    map[string]*ipam.Address
	ranges     []ipam.Range
	nextID     int
	creates    int
	autoCalls  int
	rangeCalls int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*ipam.Address), nextID: 1}
}

func (m *memStore) FindAddress(_ context.Context, addr netip.Addr) (*ipam.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[addr.String()]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) CreateAddress(_ context.Context, rec *ipam.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	cp := *rec
	cp.ID = m.nextID
	m.nextID++
	bare, _, _ := strings.Cut(rec.Address, "/")
	m.records[bare] = &cp
	return nil
}

func (m *memStore) UpdateAddress(_ context.Context, patch *ipam.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bare, _, _ := strings.Cut(patch.Address, "/")
	rec, ok := m.records[bare]
	if !ok {
		return errors.New("no such record")
	}
	if patch.Status != "" {
		rec.Status = patch.Status
	}
	return nil
}

func (m *memStore) UpdateRangeUtilization(_ context.Context, r *ipam.Range, fields map[string]any) error {
	return nil
}

func (m *memStore) FindRange(_ context.Context, p netip.Prefix) (*ipam.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rangeCalls++
	for i := range m.ranges {
		if m.ranges[i].Prefix == p {
			cp := m.ranges[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindAutoRanges(_ context.Context) ([]ipam.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoCalls++
	return append([]ipam.Range(nil), m.ranges...), nil
}

// gatedProber blocks inside Probe until released, to observe overlap
// serialization from the outside.
type gatedProber struct {
	entered chan netip.Addr
	release chan struct{}
}

func (g *gatedProber) Probe(_ context.Context, addrs iter.Seq[netip.Addr]) (model.ProbeResult, error) {
	result := make(model.ProbeResult)
	var first netip.Addr
	for addr := range addrs {
		if !first.IsValid() {
			first = addr
		}
		result[addr] = false
	}
	g.entered <- first
	<-g.release
	return result, nil
}

type staticEnricher struct{ info model.HostInfo }

func (s *staticEnricher) Lookup(context.Context, netip.Addr) model.HostInfo { return s.info }

func newTestDispatcher(store Store, prober probe.Prober, journal *memJournal, enricher Enricher, workers int) *Dispatcher {
	rec := reconcile.New(store, reconcile.Config{})
	return New(store, prober, rec, journal, enricher, Options{MaxWorkers: workers})
}

func waitState(t *testing.T, journal *memJournal, id string, want model.ScanState) *model.ScanRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := journal.GetScan(id)
		if err == nil && rec.State == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := journal.GetScan(id)
	t.Fatalf("Scan %s never reached state %s (last: %+v)", id, want, rec)
	return nil
}

func TestRun_SingleAddressCreatesRecord(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.5")
	store := newMemStore()
	journal := newMemJournal()
	prober := &probe.StaticProber{Result: model.ProbeResult{addr: true}}
	enricher := &staticEnricher{info: model.HostInfo{DNSName: "host5.example.net"}}
	d := newTestDispatcher(store, prober, journal, enricher, 1)

	rec, err := d.Run(context.Background(), model.IPTarget(addr))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rec.State != model.StateDone {
		t.Fatalf("Expected done, got %s (error %q)", rec.State, rec.Error)
	}
	if rec.Summary.Created != 1 {
		t.Errorf("Expected 1 created, got %+v", rec.Summary)
	}
	stored := store.records[addr.String()]
	if stored == nil {
		t.Fatal("Expected an IPAM record for the reachable address")
	}
	if stored.DNSName != "host5.example.net" {
		t.Errorf("Expected enrichment to reach the record, got dns_name %q", stored.DNSName)
	}
}

func TestRun_ProbeUnavailableFailsScan(t *testing.T) {
	store := newMemStore()
	journal := newMemJournal()
	prober := &probe.StaticProber{Err: probe.ErrUnavailable}
	d := newTestDispatcher(store, prober, journal, nil, 1)

	rec, err := d.Run(context.Background(), model.IPTarget(netip.MustParseAddr("10.0.0.5")))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rec.State != model.StateFailed {
		t.Fatalf("Expected failed, got %s", rec.State)
	}
	if rec.Error == "" {
		t.Error("Expected the failure reason on the record")
	}
}

func TestEnqueue_CoalescesDuplicateTarget(t *testing.T) {
	store := newMemStore()
	journal := newMemJournal()
	prober := &gatedProber{entered: make(chan netip.Addr, 2), release: make(chan struct{})}
	d := newTestDispatcher(store, prober, journal, nil, 2)
	d.Start()
	defer d.Stop()

	target := model.PrefixTarget(netip.MustParsePrefix("10.0.0.0/30"))
	first, err := d.Enqueue(target)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	<-prober.entered

	second, err := d.Enqueue(target)
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("Expected ErrAlreadyQueued, got %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected the existing ticket %s, got %s", first.ID, second.ID)
	}

	close(prober.release)
	waitState(t, journal, first.ID, model.StateDone)

	// The target is free again once the scan completes.
	third, err := d.Enqueue(target)
	if err != nil {
		t.Fatalf("Re-enqueue after completion failed: %v", err)
	}
	if third.ID == first.ID {
		t.Error("Expected a fresh scan after the first completed")
	}
}

func TestEnqueue_OverlappingSpansNeverProbeConcurrently(t *testing.T) {
	store := newMemStore()
	journal := newMemJournal()
	prober := &gatedProber{entered: make(chan netip.Addr, 2), release: make(chan struct{}, 2)}
	d := newTestDispatcher(store, prober, journal, nil, 2)
	d.Start()
	defer d.Stop()

	wide, err := d.Enqueue(model.PrefixTarget(netip.MustParsePrefix("10.0.0.0/29")))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	<-prober.entered

	narrow, err := d.Enqueue(model.IPTarget(netip.MustParseAddr("10.0.0.3")))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-prober.entered:
		t.Fatal("Overlapping scan started probing while the first held the span")
	case <-time.After(100 * time.Millisecond):
	}

	prober.release <- struct{}{}
	<-prober.entered
	prober.release <- struct{}{}

	waitState(t, journal, wide.ID, model.StateDone)
	waitState(t, journal, narrow.ID, model.StateDone)
}

func TestEnqueue_DisjointSpansRunConcurrently(t *testing.T) {
	store := newMemStore()
	journal := newMemJournal()
	prober := &gatedProber{entered: make(chan netip.Addr, 2), release: make(chan struct{}, 2)}
	d := newTestDispatcher(store, prober, journal, nil, 2)
	d.Start()
	defer d.Stop()

	a, err := d.Enqueue(model.PrefixTarget(netip.MustParsePrefix("10.0.0.0/30")))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	b, err := d.Enqueue(model.PrefixTarget(netip.MustParsePrefix("10.1.0.0/30")))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Both must be inside Probe at the same time.
	<-prober.entered
	select {
	case <-prober.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Disjoint scans did not run concurrently")
	}

	prober.release <- struct{}{}
	prober.release <- struct{}{}
	waitState(t, journal, a.ID, model.StateDone)
	waitState(t, journal, b.ID, model.StateDone)
}

func TestRun_AutoSnapshotsRangesOnce(t *testing.T) {
	host1 := netip.MustParseAddr("10.0.0.1")
	host2 := netip.MustParseAddr("10.1.0.2")
	store := newMemStore()
	store.ranges = []ipam.Range{
		{ID: 1, Prefix: netip.MustParsePrefix("10.0.0.0/30")},
		{ID: 2, Prefix: netip.MustParsePrefix("10.1.0.0/30")},
	}
	journal := newMemJournal()
	prober := &probe.StaticProber{Result: model.ProbeResult{host1: true, host2: true}}
	d := newTestDispatcher(store, prober, journal, nil, 1)

	rec, err := d.Run(context.Background(), model.AutoTarget())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rec.State != model.StateDone {
		t.Fatalf("Expected done, got %s (error %q)", rec.State, rec.Error)
	}
	if rec.Summary.Created != 2 {
		t.Errorf("Expected one create per range, got %+v", rec.Summary)
	}
	if store.autoCalls != 1 {
		t.Errorf("Expected a single range snapshot, got %d lookups", store.autoCalls)
	}
}

func TestRun_PrefixScanLooksUpRangeRecord(t *testing.T) {
	p := netip.MustParsePrefix("10.0.0.0/30")
	store := newMemStore()
	store.ranges = []ipam.Range{{ID: 9, Prefix: p}}
	journal := newMemJournal()
	prober := &probe.StaticProber{Result: model.ProbeResult{netip.MustParseAddr("10.0.0.1"): true}}
	d := newTestDispatcher(store, prober, journal, nil, 1)

	rec, err := d.Run(context.Background(), model.PrefixTarget(p))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rec.State != model.StateDone {
		t.Fatalf("Expected done, got %s (error %q)", rec.State, rec.Error)
	}
	if store.rangeCalls != 1 {
		t.Errorf("Expected one range lookup, got %d", store.rangeCalls)
	}
}
