// Package ipam is a narrow read/write client for a NetBox-style IPAM API.
// The scanner never owns IPAM records; it reads them and conditionally
// writes them, retrying transient failures with bounded backoff.
package ipam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/martinsuchenak/sweepd/internal/log"
)

// ErrUnavailable reports that the IPAM could not be reached after all
// retries were exhausted
var ErrUnavailable = errors.New("ipam unavailable")

// WriteError is a non-transient per-record rejection (4xx). It fails the
// one write without aborting the rest of a scan.
type WriteError struct {
	StatusCode int
	Body       string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ipam rejected write: status %d: %s", e.StatusCode, e.Body)
}

// Address is the scanner's view of an IPAM address record
type Address struct {
	ID           int
	Address      string
	Status       string
	DNSName      string
	Description  string
	Tags         []string
	CustomFields map[string]any
}

// HasTag reports whether the record carries the given tag slug
func (a *Address) HasTag(slug string) bool {
	for _, t := range a.Tags {
		if t == slug {
			return true
		}
	}
	return false
}

// Range is the scanner's view of an IPAM prefix record
type Range struct {
	ID           int
	Prefix       netip.Prefix
	CustomFields map[string]any
}

// Options configures the client
type Options struct {
	BaseURL       string
	Token         string
	AutoScanField string        // custom field marking a prefix auto-scan-enabled
	Timeout       time.Duration // per-request timeout
	Retries       int           // attempts per mutating call
	RateLimit     float64       // requests per second, 0 = unlimited
}

// Client talks to the IPAM over HTTP
type Client struct {
	httpClient    *http.Client
	baseURL       string
	token         string
	autoScanField string
	retries       int
	limiter       *rate.Limiter
}

// NewClient creates an IPAM client
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := opts.Retries
	if retries < 1 {
		retries = 3
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	field := opts.AutoScanField
	if field == "" {
		field = "scan_enabled"
	}
	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		token:         opts.Token,
		autoScanField: field,
		retries:       retries,
		limiter:       limiter,
	}
}

// NewClientWithHTTPClient creates a client with a custom HTTP client (for testing)
func NewClientWithHTTPClient(opts Options, httpClient *http.Client) *Client {
	c := NewClient(opts)
	c.httpClient = httpClient
	return c
}

// FindAddress looks up the record for a single address. Returns
// (nil, nil) when no record exists.
func (c *Client) FindAddress(ctx context.Context, addr netip.Addr) (*Address, error) {
	q := url.Values{"address": {addr.String()}}

	var page struct {
		Count   int         `json:"count"`
		Results []wireAddress `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/ipam/ip-addresses/?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	rec := page.Results[0].toAddress()
	return &rec, nil
}

// FindRange looks up the prefix record matching p exactly. Returns
// (nil, nil) when the IPAM has no such prefix.
func (c *Client) FindRange(ctx context.Context, p netip.Prefix) (*Range, error) {
	q := url.Values{"prefix": {p.String()}}

	var page struct {
		Count   int         `json:"count"`
		Results []wireRange `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/ipam/prefixes/?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	w := page.Results[0]
	return &Range{ID: w.ID, Prefix: p, CustomFields: w.CustomFields}, nil
}

// FindAutoRanges returns every prefix whose auto-scan custom field is set
func (c *Client) FindAutoRanges(ctx context.Context) ([]Range, error) {
	q := url.Values{"cf_" + c.autoScanField: {"true"}}

	var page struct {
		Count   int        `json:"count"`
		Results []wireRange `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/ipam/prefixes/?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}

	ranges := make([]Range, 0, len(page.Results))
	for _, w := range page.Results {
		p, err := netip.ParsePrefix(w.Prefix)
		if err != nil {
			log.Warn("Skipping unparseable IPAM prefix", "prefix", w.Prefix, "error", err)
			continue
		}
		ranges = append(ranges, Range{ID: w.ID, Prefix: p, CustomFields: w.CustomFields})
	}
	return ranges, nil
}

// CreateAddress creates a new address record
func (c *Client) CreateAddress(ctx context.Context, rec *Address) error {
	return c.do(ctx, http.MethodPost, "/api/ipam/ip-addresses/", rec.toWire(), nil)
}

// UpdateAddress patches an existing address record
func (c *Client) UpdateAddress(ctx context.Context, rec *Address) error {
	if rec.ID == 0 {
		return &WriteError{StatusCode: http.StatusBadRequest, Body: "update requires a record id"}
	}
	path := fmt.Sprintf("/api/ipam/ip-addresses/%d/", rec.ID)
	return c.do(ctx, http.MethodPatch, path, rec.toWire(), nil)
}

// UpdateRangeUtilization patches utilization metadata onto a prefix record
func (c *Client) UpdateRangeUtilization(ctx context.Context, r *Range, fields map[string]any) error {
	path := fmt.Sprintf("/api/ipam/prefixes/%d/", r.ID)
	body := map[string]any{"custom_fields": fields}
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// do performs one logical request with bounded retries and exponential
// backoff. Transport errors and 5xx responses are transient; 4xx is a
// WriteError surfaced to the caller without retrying.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	var lastErr error
	for attempt := range c.retries {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			log.Debug("Retrying IPAM request", "method", method, "path", path, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		retryable, err := c.send(ctx, method, path, payload, result)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, lastErr)
}

// send performs a single HTTP exchange. The bool reports whether the
// failure is worth retrying.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, result any) (bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return false, fmt.Errorf("decoding response: %w", err)
			}
		} else {
			io.Copy(io.Discard, resp.Body)
		}
		return false, nil
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return true, fmt.Errorf("server error: status %d", resp.StatusCode)
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &WriteError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
}
