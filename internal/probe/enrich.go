package probe

import (
	"context"
	"net"
	"net/netip"
	"os/exec"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/martinsuchenak/sweepd/internal/log"
	"github.com/martinsuchenak/sweepd/internal/model"
)

const sysNameOID = ".1.3.6.1.2.1.1.5.0"

// Enricher gathers optional identity details for reachable hosts:
// reverse DNS, the kernel neighbor-cache MAC address, and the SNMP
// system name when a community string is configured. All lookups are
// best-effort; failures yield empty fields.
type Enricher struct {
	snmpCommunity string
	timeout       time.Duration
	resolver      *net.Resolver
}

// NewEnricher creates an enricher. An empty snmpCommunity disables the
// SNMP lookup.
func NewEnricher(snmpCommunity string, timeout time.Duration) *Enricher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Enricher{
		snmpCommunity: snmpCommunity,
		timeout:       timeout,
		resolver:      net.DefaultResolver,
	}
}

// Lookup collects host details for a single reachable address
func (e *Enricher) Lookup(ctx context.Context, addr netip.Addr) model.HostInfo {
	info := model.HostInfo{
		DNSName: e.reverseDNS(ctx, addr),
		MAC:     neighborMAC(ctx, addr),
	}
	if e.snmpCommunity != "" {
		info.SysName = e.snmpSysName(addr)
	}
	return info
}

func (e *Enricher) reverseDNS(ctx context.Context, addr netip.Addr) string {
	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	names, err := e.resolver.LookupAddr(lookupCtx, addr.String())
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// neighborMAC reads the MAC from the ARP/ND cache via `ip neigh show`.
// Only hosts on a directly attached segment have an entry.
func neighborMAC(ctx context.Context, addr netip.Addr) string {
	out, err := exec.CommandContext(ctx, "ip", "neigh", "show", addr.String()).Output()
	if err != nil {
		return ""
	}
	return parseNeighbor(string(out))
}

// parseNeighbor extracts the lladdr field from ip neigh output, e.g.
// "10.0.0.5 dev eth0 lladdr aa:bb:cc:dd:ee:ff REACHABLE"
func parseNeighbor(out string) string {
	for line := range strings.Lines(out) {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "lladdr" && i+1 < len(fields) {
				return fields[i+1]
			}
		}
	}
	return ""
}

func (e *Enricher) snmpSysName(addr netip.Addr) string {
	client := &gosnmp.GoSNMP{
		Target:    addr.String(),
		Port:      161,
		Community: e.snmpCommunity,
		Version:   gosnmp.Version2c,
		Timeout:   e.timeout,
		Retries:   1,
	}

	if err := client.Connect(); err != nil {
		log.Debug("SNMP connect failed", "target", addr, "error", err)
		return ""
	}
	defer client.Conn.Close()

	pkt, err := client.Get([]string{sysNameOID})
	if err != nil || len(pkt.Variables) == 0 {
		return ""
	}

	switch v := pkt.Variables[0].Value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
