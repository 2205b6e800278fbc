package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/Sternrassler/esi-pagestream/internal/testutil"
	"github.com/Sternrassler/esi-pagestream/pkg/client"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const ordersPath = "/v1/markets/10000002/orders/"

func newTestServer(t *testing.T) (http.Handler, *testutil.MockESI, *miniredis.Miniredis) {
	t.Helper()

	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	mock := testutil.NewMockESI()
	t.Cleanup(mock.Close)

	cfg := client.DefaultConfig(redisClient, "esi-stream-test/1.0 (test@example.com)")
	cfg.BaseURL = mock.URL()
	cfg.RateLimit = 0

	esiClient, err := client.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { esiClient.Close() })

	return newRouter(&server{
		client: esiClient,
		batch:  2,
		logger: zerolog.Nop(),
	}), mock, mini
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func lines(body string) []string {
	return strings.Split(strings.TrimSuffix(body, "\n"), "\n")
}

func TestHealthEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := get(t, h, "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got %s", rec.Body.String())
	}
}

func TestReadyEndpoint(t *testing.T) {
	h, _, mini := newTestServer(t)

	if rec := get(t, h, "/ready"); rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	mini.SetError("LOADING Redis is loading the dataset in memory")
	rec := get(t, h, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 with Redis down, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error"`) {
		t.Errorf("Expected JSON error body, got %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, mock, _ := newTestServer(t)
	mock.SetPages(ordersPath, `[1]`)
	get(t, h, "/stream"+ordersPath)

	rec := get(t, h, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		"esi_pagination_items_emitted_total",
		"esi_pages_total",
		"esi_stream_http_request_duration_seconds",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestStream(t *testing.T) {
	h, mock, _ := newTestServer(t)
	mock.SetPages(ordersPath,
		`[{"order_id":1},{"order_id":2}]`,
		`[]`,
		`[{"order_id":3}]`,
	)

	rec := get(t, h, "/stream"+ordersPath)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
	}
	want := []string{`{"order_id":1}`, `{"order_id":2}`, `{"order_id":3}`}
	if got := lines(rec.Body.String()); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
}

func TestStream_LimitStopsPageFetches(t *testing.T) {
	h, mock, _ := newTestServer(t)
	mock.SetPages(ordersPath, `[1,2]`, `[3,4]`, `[5,6]`)

	rec := get(t, h, "/stream"+ordersPath+"?batch=1&limit=2")

	if got := lines(rec.Body.String()); !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Errorf("lines = %v, want [1 2]", got)
	}
	if pages := mock.PageRequests(ordersPath); !reflect.DeepEqual(pages, []int{1}) {
		t.Errorf("PageRequests = %v, want [1]", pages)
	}
}

func TestEsiEndpoint(t *testing.T) {
	tests := []struct {
		target   string
		wildcard string
		want     string
	}{
		{"/stream/v1/markets/10000002/orders/", "v1/markets/10000002/orders/", "/v1/markets/10000002/orders/"},
		{"/stream/v1/x/?batch=5&limit=2&page=3", "v1/x/", "/v1/x/"},
		{"/stream/v1/x/?order_type=sell&batch=5", "v1/x/", "/v1/x/?order_type=sell"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("*", tt.wildcard)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

			if got := esiEndpoint(req); got != tt.want {
				t.Errorf("esiEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStream_ForwardsQueryParameters(t *testing.T) {
	h, mock, _ := newTestServer(t)
	mock.SetPages(ordersPath, `[7]`)

	rec := get(t, h, "/stream"+ordersPath+"?order_type=sell&batch=5")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := lines(rec.Body.String()); !reflect.DeepEqual(got, []string{"7"}) {
		t.Errorf("lines = %v, want [7]", got)
	}
	if pages := mock.PageRequests(ordersPath); !reflect.DeepEqual(pages, []int{1}) {
		t.Errorf("PageRequests = %v, want [1]", pages)
	}
}

func TestStream_InvalidParameters(t *testing.T) {
	h, _, _ := newTestServer(t)

	for _, target := range []string{
		"/stream" + ordersPath + "?batch=0",
		"/stream" + ordersPath + "?batch=1001",
		"/stream" + ordersPath + "?batch=many",
		"/stream" + ordersPath + "?limit=-1",
	} {
		t.Run(target, func(t *testing.T) {
			rec := get(t, h, target)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rec.Code)
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error == "" {
				t.Errorf("Expected JSON error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestStream_ESIClientErrorPassedThrough(t *testing.T) {
	h, mock, _ := newTestServer(t)
	mock.SetResponse("/v1/unknown/", testutil.MockESIResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
	})

	rec := get(t, h, "/stream/v1/unknown/")

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Not found") {
		t.Errorf("Expected ESI error message, got %s", rec.Body.String())
	}
}

func TestStream_NotAListing(t *testing.T) {
	h, mock, _ := newTestServer(t)
	mock.SetResponse("/v1/status/", testutil.NewHealthyResponse(`{"players": 20000}`))

	rec := get(t, h, "/stream/v1/status/")

	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", rec.Code)
	}
}

func TestStream_FailureAfterFirstItem(t *testing.T) {
	h, mock, _ := newTestServer(t)
	mock.SetPages(ordersPath, `[1]`, `[2]`)
	mock.FailPage(ordersPath, 2, testutil.MockESIResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"error": "forbidden"}`,
	})

	rec := get(t, h, "/stream"+ordersPath)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 once streaming started, got %d", rec.Code)
	}
	got := lines(rec.Body.String())
	if len(got) != 2 || got[0] != "1" {
		t.Fatalf("lines = %v, want item then error", got)
	}
	var resp errorResponse
	if err := json.Unmarshal([]byte(got[1]), &resp); err != nil || !strings.Contains(resp.Error, "page 2") {
		t.Errorf("last line = %s, want error for page 2", got[1])
	}
}

func TestPages(t *testing.T) {
	h, mock, _ := newTestServer(t)
	mock.SetPages(ordersPath, `[1,2]`, `[3]`, `[]`)

	rec := get(t, h, "/pages"+ordersPath)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var pages []pageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pages); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}
	for i, p := range pages {
		if p.Page != i+1 || p.Total != 3 {
			t.Errorf("pages[%d] = page %d of %d", i, p.Page, p.Total)
		}
	}
	if string(pages[1].Items) != `[3]` {
		t.Errorf("pages[1].Items = %s, want [3]", pages[1].Items)
	}
}

func TestPages_Failure(t *testing.T) {
	h, mock, _ := newTestServer(t)
	mock.SetPages(ordersPath, `[1]`, `[2]`)
	mock.FailPage(ordersPath, 2, testutil.MockESIResponse{StatusCode: http.StatusForbidden})

	rec := get(t, h, "/pages"+ordersPath)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"esi client error", &client.ESIError{StatusCode: 404, ErrorClass: client.ErrorClassClient}, 404},
		{"esi server error", &client.ESIError{StatusCode: 503, ErrorClass: client.ErrorClassServer}, http.StatusBadGateway},
		{"blocked", client.ErrRequestBlocked, http.StatusServiceUnavailable},
		{"other", io.ErrUnexpectedEOF, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}
