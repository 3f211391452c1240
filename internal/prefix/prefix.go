// Package prefix expands IPv4 prefixes into their probeable host addresses.
package prefix

import (
	"errors"
	"fmt"
	"iter"
	"net/netip"
)

// ErrInvalidRange reports a malformed or misaligned range specification
var ErrInvalidRange = errors.New("invalid range")

// Parse validates a CIDR string and returns the canonical prefix.
// The network address must be aligned to the prefix boundary; a host
// bit set inside the network address is rejected rather than masked.
func Parse(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %s", ErrInvalidRange, s)
	}
	return Validate(p)
}

// Validate checks that p is an aligned IPv4 prefix with a usable length
func Validate(p netip.Prefix) (netip.Prefix, error) {
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: %s is not IPv4", ErrInvalidRange, p)
	}
	if p.Bits() < 0 || p.Bits() > 32 {
		return netip.Prefix{}, fmt.Errorf("%w: prefix length %d out of bounds", ErrInvalidRange, p.Bits())
	}
	if p.Masked() != p {
		return netip.Prefix{}, fmt.Errorf("%w: %s is not aligned to /%d", ErrInvalidRange, p.Addr(), p.Bits())
	}
	return p, nil
}

// Hosts returns the lazy, ordered sequence of host addresses in p.
// For prefixes of /30 and shorter the network and broadcast addresses
// are excluded; /31 and /32 yield every address verbatim. The sequence
// is a pure function of p and can be restarted or consumed in batches
// without materializing the full range.
func Hosts(p netip.Prefix) (iter.Seq[netip.Addr], error) {
	p, err := Validate(p)
	if err != nil {
		return nil, err
	}

	return func(yield func(netip.Addr) bool) {
		if p.Bits() >= 31 {
			for a := p.Addr(); p.Contains(a); a = a.Next() {
				if !yield(a) {
					return
				}
			}
			return
		}

		last := Broadcast(p)
		for a := p.Addr().Next(); a.Compare(last) < 0; a = a.Next() {
			if !yield(a) {
				return
			}
		}
	}, nil
}

// Count returns the number of addresses Hosts yields for p
func Count(p netip.Prefix) int {
	if p.Bits() >= 31 {
		return 1 << (32 - p.Bits())
	}
	return (1 << (32 - p.Bits())) - 2
}

// Broadcast returns the highest address in p
func Broadcast(p netip.Prefix) netip.Addr {
	a := p.Masked().Addr().As4()
	for i, hostBits := 3, 32-p.Bits(); hostBits > 0; i, hostBits = i-1, hostBits-8 {
		if hostBits >= 8 {
			a[i] |= 0xff
		} else {
			a[i] |= byte(1<<hostBits - 1)
		}
	}
	return netip.AddrFrom4(a)
}
