package model

import (
	"fmt"
	"net/netip"
	"time"
)

// TargetKind identifies what a scan target describes
type TargetKind string

const (
	TargetIP     TargetKind = "ip"
	TargetPrefix TargetKind = "prefix"
	TargetAuto   TargetKind = "auto"
)

// ScanTarget describes what to scan. Immutable once constructed.
type ScanTarget struct {
	Kind   TargetKind
	Addr   netip.Addr   // set for TargetIP
	Prefix netip.Prefix // set for TargetPrefix
}

// IPTarget creates a single-address target
func IPTarget(addr netip.Addr) ScanTarget {
	return ScanTarget{Kind: TargetIP, Addr: addr}
}

// PrefixTarget creates a range target
func PrefixTarget(prefix netip.Prefix) ScanTarget {
	return ScanTarget{Kind: TargetPrefix, Prefix: prefix}
}

// AutoTarget creates a target covering all auto-scan-enabled ranges
func AutoTarget() ScanTarget {
	return ScanTarget{Kind: TargetAuto}
}

// Value returns the target's address or prefix as a string
func (t ScanTarget) Value() string {
	switch t.Kind {
	case TargetIP:
		return t.Addr.String()
	case TargetPrefix:
		return t.Prefix.String()
	default:
		return "all"
	}
}

// String returns e.g. "ip 10.0.0.5", "prefix 10.0.0.0/24" or "auto"
func (t ScanTarget) String() string {
	if t.Kind == TargetAuto {
		return string(TargetAuto)
	}
	return fmt.Sprintf("%s %s", t.Kind, t.Value())
}

// Span returns the address span the target covers, for overlap checks.
// Single addresses are treated as host prefixes.
func (t ScanTarget) Span() (netip.Prefix, bool) {
	switch t.Kind {
	case TargetIP:
		return netip.PrefixFrom(t.Addr, t.Addr.BitLen()), true
	case TargetPrefix:
		return t.Prefix, true
	default:
		return netip.Prefix{}, false
	}
}

// ProbeResult maps each probed address to its reachability.
// Produced once per probe batch and consumed once by the reconciler.
type ProbeResult map[netip.Addr]bool

// HostInfo carries optional per-host enrichment gathered for reachable
// addresses (reverse DNS, neighbor-cache MAC, SNMP system name).
type HostInfo struct {
	DNSName string
	MAC     string
	SysName string
}

// ScanState is the dispatcher's state machine position for a scan
type ScanState string

const (
	StateQueued      ScanState = "queued"
	StateExpanding   ScanState = "expanding"
	StateProbing     ScanState = "probing"
	StateReconciling ScanState = "reconciling"
	StateDone        ScanState = "done"
	StateFailed      ScanState = "failed"
)

// Summary aggregates reconciliation outcomes for one scan
type Summary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Add merges another summary into this one
func (s *Summary) Add(other Summary) {
	s.Created += other.Created
	s.Updated += other.Updated
	s.Unchanged += other.Unchanged
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

// ScanRecord is the journal entry for a dispatched scan
type ScanRecord struct {
	ID          string     `json:"id"`
	TargetKind  TargetKind `json:"target_kind"`
	TargetValue string     `json:"target_value"`
	State       ScanState  `json:"state"`
	Summary     Summary    `json:"summary"`
	Error       string     `json:"error,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
