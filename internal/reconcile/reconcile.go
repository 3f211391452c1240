// Package reconcile applies probe results to the external IPAM with
// idempotent read-before-write create/update/skip decisions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/martinsuchenak/sweepd/internal/ipam"
	"github.com/martinsuchenak/sweepd/internal/log"
	"github.com/martinsuchenak/sweepd/internal/model"
)

// Store is the narrow IPAM write contract the reconciler needs
type Store interface {
	FindAddress(ctx context.Context, addr netip.Addr) (*ipam.Address, error)
	CreateAddress(ctx context.Context, rec *ipam.Address) error
	UpdateAddress(ctx context.Context, rec *ipam.Address) error
	UpdateRangeUtilization(ctx context.Context, r *ipam.Range, fields map[string]any) error
}

// Config carries the environment-specific IPAM vocabulary. Tag slugs,
// status names and custom field names vary per deployment and are never
// hardcoded in the decision logic.
type Config struct {
	ProvenanceTag   string // tag marking records this scanner owns
	ManualTag       string // tag marking records that must never be touched
	StatusActive    string
	StatusDowngrade string // status applied to scanner-owned records that go dark

	ReachabilityField string // custom field holding online/offline
	MACField          string
	SysNameField      string
	LastScanField     string
	LastOnlineField   string

	UtilizationOnlineField string // range custom field: reachable host count
	UtilizationSweepField  string // range custom field: last sweep timestamp
}

// Defaults fills empty config fields with conventional values
func (c Config) Defaults() Config {
	def := func(v *string, fallback string) {
		if *v == "" {
			*v = fallback
		}
	}
	def(&c.ProvenanceTag, "sweepd")
	def(&c.ManualTag, "manual")
	def(&c.StatusActive, "active")
	def(&c.StatusDowngrade, "deprecated")
	def(&c.ReachabilityField, "reachability")
	def(&c.MACField, "mac_address")
	def(&c.SysNameField, "snmp_sysname")
	def(&c.LastScanField, "last_scan")
	def(&c.LastOnlineField, "last_online")
	def(&c.UtilizationOnlineField, "online_count")
	def(&c.UtilizationSweepField, "last_sweep")
	return c
}

const (
	reachabilityOnline  = "online"
	reachabilityOffline = "offline"
	timeLayout          = "2006-01-02 15:04:05"
)

// Reconciler drives per-address IPAM decisions
type Reconciler struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New creates a reconciler
func New(store Store, cfg Config) *Reconciler {
	return &Reconciler{
		store: store,
		cfg:   cfg.Defaults(),
		now:   time.Now,
	}
}

// Reconcile applies one probe result against the IPAM. scanRange is the
// range the result was derived from, or nil for a single-address scan;
// every write stays inside it. info carries optional enrichment for
// reachable addresses. Per-address 4xx rejections are counted as failed
// without aborting the rest; an unreachable IPAM aborts the remaining
// writes and returns an error naming completed vs aborted counts.
func (r *Reconciler) Reconcile(ctx context.Context, scanRange *ipam.Range, result model.ProbeResult, info map[netip.Addr]model.HostInfo) (model.Summary, error) {
	var summary model.Summary

	addrs := make([]netip.Addr, 0, len(result))
	for addr := range result {
		if scanRange != nil && !scanRange.Prefix.Contains(addr) {
			// Never write outside the range the result came from
			log.Warn("Dropping probe result outside scan range", "address", addr, "range", scanRange.Prefix)
			continue
		}
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, netip.Addr.Compare)

	for i, addr := range addrs {
		err := r.reconcileAddress(ctx, addr, result[addr], info[addr], &summary)
		if errors.Is(err, ipam.ErrUnavailable) {
			return summary, fmt.Errorf("aborted after %d of %d addresses: %w", i, len(addrs), err)
		}
		if err != nil {
			summary.Failed++
			log.Warn("Address reconciliation failed", "address", addr, "error", err)
		}
	}

	// One trailing utilization write per range, after every per-address
	// decision has settled, so other readers never observe partial state.
	if scanRange != nil {
		if err := r.updateUtilization(ctx, scanRange, result); err != nil {
			if errors.Is(err, ipam.ErrUnavailable) {
				return summary, err
			}
			log.Warn("Range utilization update failed", "range", scanRange.Prefix, "error", err)
		}
	}

	return summary, nil
}

func (r *Reconciler) reconcileAddress(ctx context.Context, addr netip.Addr, reachable bool, info model.HostInfo, summary *model.Summary) error {
	rec, err := r.store.FindAddress(ctx, addr)
	if err != nil {
		return err
	}

	if reachable {
		if rec == nil {
			return r.createAddress(ctx, addr, info, summary)
		}
		return r.refreshAddress(ctx, rec, info, summary)
	}

	// Unreachable: only scanner-owned active records are downgraded,
	// and nothing is ever deleted.
	if rec == nil {
		return nil
	}
	return r.downgradeAddress(ctx, rec, summary)
}

func (r *Reconciler) createAddress(ctx context.Context, addr netip.Addr, info model.HostInfo, summary *model.Summary) error {
	now := r.now().Format(timeLayout)
	rec := &ipam.Address{
		Address: hostAddress(addr),
		Status:  r.cfg.StatusActive,
		DNSName: info.DNSName,
		Tags:    []string{r.cfg.ProvenanceTag},
		CustomFields: map[string]any{
			r.cfg.ReachabilityField: reachabilityOnline,
			r.cfg.LastScanField:     now,
			r.cfg.LastOnlineField:   now,
		},
	}
	if info.MAC != "" {
		rec.CustomFields[r.cfg.MACField] = info.MAC
	}
	if info.SysName != "" {
		rec.CustomFields[r.cfg.SysNameField] = info.SysName
	}

	if err := r.store.CreateAddress(ctx, rec); err != nil {
		return err
	}
	summary.Created++
	log.Info("Created IPAM address", "address", addr)
	return nil
}

// refreshAddress updates an existing record for a reachable host when
// its tracked fields drifted. Matching records are left untouched so a
// repeated reconcile performs zero writes.
func (r *Reconciler) refreshAddress(ctx context.Context, rec *ipam.Address, info model.HostInfo, summary *model.Summary) error {
	patch := &ipam.Address{ID: rec.ID, Address: rec.Address, CustomFields: map[string]any{}}
	changed := false

	if rec.Status != r.cfg.StatusActive {
		patch.Status = r.cfg.StatusActive
		changed = true
	}
	if !rec.HasTag(r.cfg.ProvenanceTag) {
		patch.Tags = append(slices.Clone(rec.Tags), r.cfg.ProvenanceTag)
		changed = true
	}
	if info.DNSName != "" && rec.DNSName != info.DNSName {
		patch.DNSName = info.DNSName
		changed = true
	}
	if info.MAC != "" && customField(rec, r.cfg.MACField) != info.MAC {
		patch.CustomFields[r.cfg.MACField] = info.MAC
		changed = true
	}
	if info.SysName != "" && customField(rec, r.cfg.SysNameField) != info.SysName {
		patch.CustomFields[r.cfg.SysNameField] = info.SysName
		changed = true
	}
	if customField(rec, r.cfg.ReachabilityField) != reachabilityOnline {
		patch.CustomFields[r.cfg.ReachabilityField] = reachabilityOnline
		changed = true
	}

	if !changed {
		summary.Unchanged++
		return nil
	}

	if rec.HasTag(r.cfg.ManualTag) {
		summary.Skipped++
		log.Debug("Skipping manually protected record", "address", rec.Address)
		return nil
	}

	now := r.now().Format(timeLayout)
	patch.CustomFields[r.cfg.LastScanField] = now
	patch.CustomFields[r.cfg.LastOnlineField] = now

	if err := r.store.UpdateAddress(ctx, patch); err != nil {
		return err
	}
	summary.Updated++
	log.Info("Updated IPAM address", "address", rec.Address)
	return nil
}

func (r *Reconciler) downgradeAddress(ctx context.Context, rec *ipam.Address, summary *model.Summary) error {
	owned := rec.HasTag(r.cfg.ProvenanceTag) && rec.Status == r.cfg.StatusActive
	if !owned {
		summary.Unchanged++
		return nil
	}
	if rec.HasTag(r.cfg.ManualTag) {
		summary.Skipped++
		log.Debug("Skipping manually protected record", "address", rec.Address)
		return nil
	}

	patch := &ipam.Address{
		ID:      rec.ID,
		Address: rec.Address,
		Status:  r.cfg.StatusDowngrade,
		CustomFields: map[string]any{
			r.cfg.ReachabilityField: reachabilityOffline,
			r.cfg.LastScanField:     r.now().Format(timeLayout),
		},
	}

	if err := r.store.UpdateAddress(ctx, patch); err != nil {
		return err
	}
	summary.Updated++
	log.Info("Downgraded unreachable IPAM address", "address", rec.Address, "status", r.cfg.StatusDowngrade)
	return nil
}

// updateUtilization writes the range's utilization metadata, but only
// when the reachable-host count actually changed since the last sweep.
func (r *Reconciler) updateUtilization(ctx context.Context, scanRange *ipam.Range, result model.ProbeResult) error {
	online := 0
	for _, alive := range result {
		if alive {
			online++
		}
	}

	if current, ok := scanRange.CustomFields[r.cfg.UtilizationOnlineField]; ok {
		if n, ok := asInt(current); ok && n == online {
			return nil
		}
	}

	fields := map[string]any{
		r.cfg.UtilizationOnlineField: online,
		r.cfg.UtilizationSweepField:  r.now().Format(timeLayout),
	}
	return r.store.UpdateRangeUtilization(ctx, scanRange, fields)
}

// hostAddress renders the /32 record form the IPAM stores addresses in
func hostAddress(addr netip.Addr) string {
	return fmt.Sprintf("%s/%d", addr, addr.BitLen())
}

func customField(rec *ipam.Address, name string) string {
	v, ok := rec.CustomFields[name]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// asInt normalizes JSON numbers, which decode as float64
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
