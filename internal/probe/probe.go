// Package probe determines host liveness by driving an external fping-style
// batch probing binary and parsing its per-address output.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/martinsuchenak/sweepd/internal/log"
	"github.com/martinsuchenak/sweepd/internal/model"
)

// ErrUnavailable reports that the probing binary cannot be invoked at all
var ErrUnavailable = errors.New("probe binary unavailable")

// Prober probes a set of addresses for liveness
type Prober interface {
	Probe(ctx context.Context, addrs iter.Seq[netip.Addr]) (model.ProbeResult, error)
}

// FpingProber shells out to fping in bounded batches
type FpingProber struct {
	binary        string
	batchSize     int
	maxConcurrent int
	timeout       time.Duration
	retries       int
}

// Compile-time interface check
var _ Prober = (*FpingProber)(nil)

// NewFpingProber creates a prober that invokes binary with at most
// batchSize addresses per invocation and maxConcurrent invocations in
// flight. Timeout is the per-target reply timeout.
func NewFpingProber(binary string, batchSize, maxConcurrent int, timeout time.Duration, retries int) *FpingProber {
	if binary == "" {
		binary = "fping"
	}
	if batchSize < 1 {
		batchSize = 128
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &FpingProber{
		binary:        binary,
		batchSize:     batchSize,
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
		retries:       retries,
	}
}

// Probe partitions addrs into batches and runs them with bounded
// concurrency. An address absent from a batch's output is classified
// unreachable. Returns ErrUnavailable when the binary cannot be run.
func (p *FpingProber) Probe(ctx context.Context, addrs iter.Seq[netip.Addr]) (model.ProbeResult, error) {
	result := make(model.ProbeResult)
	sem := make(chan struct{}, p.maxConcurrent)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var fatalErr error

	batch := make([]netip.Addr, 0, p.batchSize)
	launch := func(batch []netip.Addr) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			aborted := fatalErr != nil
			mu.Unlock()
			if aborted {
				return
			}

			batchResult, err := p.runBatch(ctx, batch)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if fatalErr == nil {
					fatalErr = err
				}
				return
			}
			for addr, alive := range batchResult {
				result[addr] = alive
			}
		}()
	}

	for addr := range addrs {
		batch = append(batch, addr)
		if len(batch) == p.batchSize {
			launch(batch)
			batch = make([]netip.Addr, 0, p.batchSize)
		}
	}
	if len(batch) > 0 {
		launch(batch)
	}

	wg.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}
	return result, nil
}

// runBatch invokes the binary once for a batch and parses its output.
// fping exits non-zero when any target is unreachable, so partial
// output is parsed regardless of exit status.
func (p *FpingProber) runBatch(ctx context.Context, batch []netip.Addr) (model.ProbeResult, error) {
	args := []string{
		"-q",
		fmt.Sprintf("-r%d", p.retries),
		fmt.Sprintf("-t%d", p.timeout.Milliseconds()),
	}
	for _, addr := range batch {
		args = append(args, addr.String())
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// The process never ran: missing binary, permission denied
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrPermission) {
				return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, p.binary, err)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, p.binary, err)
		}
		log.Debug("Probe batch exited non-zero", "binary", p.binary, "targets", len(batch), "exit_code", exitErr.ExitCode())
	}

	result := parseOutput(string(out))

	// Anything the probe never reported on is unreachable
	for _, addr := range batch {
		if _, ok := result[addr]; !ok {
			result[addr] = false
		}
	}
	return result, nil
}

// parseOutput extracts per-address reachability from fping output.
// With -q fping prints one summary line per target on stderr, e.g.
// "10.0.0.1 : xmt/rcv/%loss = 1/1/0%"; without -q it prints
// "10.0.0.1 is alive" / "10.0.0.1 is unreachable". Both are handled.
func parseOutput(out string) model.ProbeResult {
	result := make(model.ProbeResult)

	for line := range strings.Lines(out) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}

		switch {
		case strings.Contains(line, "is alive"):
			result[addr] = true
		case strings.Contains(line, "is unreachable"):
			result[addr] = false
		case strings.Contains(line, "xmt/rcv/%loss"):
			result[addr] = receivedReply(line)
		}
	}
	return result
}

// receivedReply reports whether a quiet-mode summary line saw at least
// one reply, i.e. the rcv counter in "xmt/rcv/%loss = 1/1/0%" is non-zero.
func receivedReply(line string) bool {
	_, stats, ok := strings.Cut(line, "=")
	if !ok {
		return false
	}
	parts := strings.Split(strings.TrimSpace(stats), "/")
	if len(parts) < 2 {
		return false
	}
	return strings.TrimSpace(parts[1]) != "0"
}

// StaticProber returns canned results, for deterministic tests and dry runs
type StaticProber struct {
	Result model.ProbeResult
	Err    error
}

var _ Prober = (*StaticProber)(nil)

// Probe returns the canned result for every requested address
func (s *StaticProber) Probe(_ context.Context, addrs iter.Seq[netip.Addr]) (model.ProbeResult, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	result := make(model.ProbeResult)
	for addr := range addrs {
		alive, ok := s.Result[addr]
		result[addr] = ok && alive
	}
	return result, nil
}
