package ipam

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(Options{
		BaseURL: server.URL,
		Token:   "test-token",
		Retries: 3,
		Timeout: 2 * time.Second,
	})
	return client, server
}

func TestFindAddress_Found(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ipam/ip-addresses/" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("address"); got != "10.0.0.5" {
			t.Errorf("Expected address query 10.0.0.5, got %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Token test-token" {
			t.Errorf("Expected token auth header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count":1,"results":[{
			"id": 42,
			"address": "10.0.0.5/32",
			"status": {"value": "active", "label": "Active"},
			"dns_name": "host5.example.net",
			"tags": [{"name": "Sweepd", "slug": "sweepd"}],
			"custom_fields": {"mac_address": "aa:bb:cc:dd:ee:ff"}
		}]}`))
	}))

	rec, err := client.FindAddress(context.Background(), netip.MustParseAddr("10.0.0.5"))
	if err != nil {
		t.Fatalf("FindAddress failed: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected a record")
	}
	if rec.ID != 42 || rec.Status != "active" || rec.DNSName != "host5.example.net" {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if !rec.HasTag("sweepd") {
		t.Errorf("Expected sweepd tag, got %v", rec.Tags)
	}
}

func TestFindAddress_Missing(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":0,"results":[]}`))
	}))

	rec, err := client.FindAddress(context.Background(), netip.MustParseAddr("10.0.0.9"))
	if err != nil {
		t.Fatalf("FindAddress failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected nil for missing record, got %+v", rec)
	}
}

func TestFindAutoRanges(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cf_scan_enabled"); got != "true" {
			t.Errorf("Expected cf_scan_enabled=true query, got %q", got)
		}
		w.Write([]byte(`{"count":2,"results":[
			{"id": 1, "prefix": "10.0.0.0/24", "custom_fields": {"scan_enabled": true}},
			{"id": 2, "prefix": "garbage", "custom_fields": {}}
		]}`))
	}))

	ranges, err := client.FindAutoRanges(context.Background())
	if err != nil {
		t.Fatalf("FindAutoRanges failed: %v", err)
	}
	if len(ranges) != 1 {
		t.Fatalf("Expected 1 parseable range, got %d", len(ranges))
	}
	if ranges[0].Prefix != netip.MustParsePrefix("10.0.0.0/24") {
		t.Errorf("Unexpected prefix %s", ranges[0].Prefix)
	}
}

func TestFindRange(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("prefix"); got != "10.0.0.0/30" {
			t.Errorf("Expected prefix=10.0.0.0/30 query, got %q", got)
		}
		w.Write([]byte(`{"count":1,"results":[
			{"id": 7, "prefix": "10.0.0.0/30", "custom_fields": {"online_count": 2}}
		]}`))
	}))

	rng, err := client.FindRange(context.Background(), netip.MustParsePrefix("10.0.0.0/30"))
	if err != nil {
		t.Fatalf("FindRange failed: %v", err)
	}
	if rng == nil || rng.ID != 7 {
		t.Fatalf("Expected range 7, got %+v", rng)
	}
}

func TestFindRange_Missing(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":0,"results":[]}`))
	}))

	rng, err := client.FindRange(context.Background(), netip.MustParsePrefix("10.9.0.0/24"))
	if err != nil {
		t.Fatalf("FindRange failed: %v", err)
	}
	if rng != nil {
		t.Fatalf("Expected nil for unknown prefix, got %+v", rng)
	}
}

func TestCreateAddress_SendsWireFormat(t *testing.T) {
	var body map[string]any
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 7}`))
	}))

	err := client.CreateAddress(context.Background(), &Address{
		Address: "10.0.0.5/32",
		Status:  "active",
		Tags:    []string{"sweepd"},
	})
	if err != nil {
		t.Fatalf("CreateAddress failed: %v", err)
	}

	if body["address"] != "10.0.0.5/32" || body["status"] != "active" {
		t.Errorf("Unexpected payload: %v", body)
	}
	tags, ok := body["tags"].([]any)
	if !ok || len(tags) != 1 {
		t.Fatalf("Expected one tag object, got %v", body["tags"])
	}
	if tag := tags[0].(map[string]any); tag["slug"] != "sweepd" {
		t.Errorf("Expected slug sweepd, got %v", tag)
	}
}

func TestUpdateAddress_RequiresID(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("No request should be sent")
	}))

	err := client.UpdateAddress(context.Background(), &Address{Address: "10.0.0.5/32"})
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Errorf("Expected WriteError, got %v", err)
	}
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id": 1}`))
	}))

	err := client.UpdateAddress(context.Background(), &Address{ID: 1, Address: "10.0.0.5/32"})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestDo_ExhaustedRetriesReturnUnavailable(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := client.UpdateAddress(context.Background(), &Address{ID: 1, Address: "10.0.0.5/32"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestDo_ClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error": "duplicate address"}`))
	}))

	err := client.CreateAddress(context.Background(), &Address{Address: "10.0.0.5/32"})
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Expected WriteError, got %v", err)
	}
	if writeErr.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", writeErr.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestDo_TransportErrorReturnsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(Options{BaseURL: url, Retries: 2, Timeout: time.Second})

	_, err := client.FindAddress(context.Background(), netip.MustParseAddr("10.0.0.5"))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}
