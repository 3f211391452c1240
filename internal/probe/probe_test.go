package probe

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/martinsuchenak/sweepd/internal/model"
)

func addrSeq(addrs ...string) func(func(netip.Addr) bool) {
	parsed := make([]netip.Addr, len(addrs))
	for i, a := range addrs {
		parsed[i] = netip.MustParseAddr(a)
	}
	return func(yield func(netip.Addr) bool) {
		for _, a := range parsed {
			if !yield(a) {
				return
			}
		}
	}
}

func TestParseOutput_AliveMarkers(t *testing.T) {
	out := "10.0.0.1 is alive\n10.0.0.2 is unreachable\n10.0.0.3 is alive\n"

	result := parseOutput(out)

	if !result[netip.MustParseAddr("10.0.0.1")] {
		t.Error("Expected 10.0.0.1 to be reachable")
	}
	if result[netip.MustParseAddr("10.0.0.2")] {
		t.Error("Expected 10.0.0.2 to be unreachable")
	}
	if !result[netip.MustParseAddr("10.0.0.3")] {
		t.Error("Expected 10.0.0.3 to be reachable")
	}
}

func TestParseOutput_QuietSummaries(t *testing.T) {
	out := "10.0.0.1 : xmt/rcv/%loss = 1/1/0%, min/avg/max = 0.11/0.11/0.11\n" +
		"10.0.0.2 : xmt/rcv/%loss = 1/0/100%\n"

	result := parseOutput(out)

	if !result[netip.MustParseAddr("10.0.0.1")] {
		t.Error("Expected 10.0.0.1 to be reachable")
	}
	if result[netip.MustParseAddr("10.0.0.2")] {
		t.Error("Expected 10.0.0.2 to be unreachable")
	}
}

func TestParseOutput_IgnoresGarbage(t *testing.T) {
	out := "ICMP Host Unreachable from 10.0.0.254 for ICMP Echo sent to 10.0.0.9\n" +
		"\n" +
		"not an address at all\n"

	result := parseOutput(out)

	if len(result) != 0 {
		t.Errorf("Expected no parsed entries, got %v", result)
	}
}

func TestFpingProber_MissingBinary(t *testing.T) {
	p := NewFpingProber("definitely-not-a-real-binary-12345", 10, 2, 500*time.Millisecond, 1)

	_, err := p.Probe(context.Background(), addrSeq("10.0.0.1"))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}

func TestStaticProber(t *testing.T) {
	s := &StaticProber{Result: model.ProbeResult{
		netip.MustParseAddr("10.0.0.1"): true,
	}}

	result, err := s.Probe(context.Background(), addrSeq("10.0.0.1", "10.0.0.2"))
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	if !result[netip.MustParseAddr("10.0.0.1")] {
		t.Error("Expected 10.0.0.1 reachable")
	}
	if result[netip.MustParseAddr("10.0.0.2")] {
		t.Error("Expected 10.0.0.2 unreachable")
	}
	if len(result) != 2 {
		t.Errorf("Expected every requested address classified, got %d entries", len(result))
	}
}

func TestStaticProber_Error(t *testing.T) {
	s := &StaticProber{Err: ErrUnavailable}

	if _, err := s.Probe(context.Background(), addrSeq("10.0.0.1")); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}

func TestParseNeighbor(t *testing.T) {
	out := "10.0.0.5 dev eth0 lladdr aa:bb:cc:dd:ee:ff REACHABLE\n"
	if mac := parseNeighbor(out); mac != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Expected aa:bb:cc:dd:ee:ff, got %q", mac)
	}

	if mac := parseNeighbor("10.0.0.6 dev eth0 FAILED\n"); mac != "" {
		t.Errorf("Expected empty MAC for failed entry, got %q", mac)
	}
}
