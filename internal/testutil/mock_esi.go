// Package testutil provides a mock ESI server for tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockESIResponse defines the behavior for a mock ESI endpoint response.
type MockESIResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// pagedEndpoint is a listing served page by page.
type pagedEndpoint struct {
	pages   []string
	version int
	// failures maps a page number to responses served before the page succeeds.
	failures map[int][]MockESIResponse
}

// MockESI is a configurable mock ESI server for testing.
type MockESI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	paged    map[string]*pagedEndpoint

	requestCount      int
	conditionalCount  int
	lastRequestHeader http.Header
	pageRequests      map[string][]int
}

// NewMockESI creates a new mock ESI server.
func NewMockESI() *MockESI {
	mock := &MockESI{
		handlers:     make(map[string]func(w http.ResponseWriter, r *http.Request)),
		paged:        make(map[string]*pagedEndpoint),
		pageRequests: make(map[string][]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.lastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.conditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		_, paged := mock.paged[r.URL.Path]
		mock.mu.Unlock()

		switch {
		case exists:
			handler(w, r)
		case paged:
			mock.pagedHandler(w, r)
		default:
			mock.defaultHandler(w, r)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockESI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockESI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockESI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.conditionalCount = 0
	m.lastRequestHeader = nil
	m.pageRequests = make(map[string][]int)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockESI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockESI) SetResponse(path string, resp MockESIResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetPages serves path as a paginated listing: the body of page n is
// pages[n-1] and every page carries X-Pages. Calling it again replaces the
// listing and changes every ETag, like a new ESI snapshot.
func (m *MockESI) SetPages(path string, pages ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := 1
	if prev, ok := m.paged[path]; ok {
		version = prev.version + 1
	}
	m.paged[path] = &pagedEndpoint{
		pages:    pages,
		version:  version,
		failures: make(map[int][]MockESIResponse),
	}
}

// FailPage makes the next requests for one page of a paginated listing
// answer with resps, in order, before the page is served normally again.
func (m *MockESI) FailPage(path string, page int, resps ...MockESIResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep, ok := m.paged[path]
	if !ok {
		panic(fmt.Sprintf("testutil: no paginated listing at %s", path))
	}
	ep.failures[page] = append(ep.failures[page], resps...)
}

// RequestCount returns the number of requests made to the server.
func (m *MockESI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// ConditionalCount returns the number of conditional requests.
func (m *MockESI) ConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockESI) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader.Clone()
}

// PageRequests returns the page numbers requested from a paginated listing,
// in arrival order.
func (m *MockESI) PageRequests(path string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.pageRequests[path]...)
}

// PageETag returns the ETag the mock serves for a page of the current snapshot.
func (m *MockESI) PageETag(path string, page int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return pageETag(m.paged[path].version, page)
}

func pageETag(version, page int) string {
	return fmt.Sprintf(`"v%d-p%d"`, version, page)
}

// pagedHandler serves one page of a paginated listing. A missing page
// parameter means page 1, as on ESI.
func (m *MockESI) pagedHandler(w http.ResponseWriter, r *http.Request) {
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeResponse(w, MockESIResponse{
				StatusCode: http.StatusBadRequest,
				Body:       `{"error": "page must be a positive integer"}`,
				Headers:    esiHeaders("99"),
			})
			return
		}
		page = n
	}

	m.mu.Lock()
	m.pageRequests[r.URL.Path] = append(m.pageRequests[r.URL.Path], page)
	ep := m.paged[r.URL.Path]
	var failure *MockESIResponse
	if queued := ep.failures[page]; len(queued) > 0 {
		failure = &queued[0]
		ep.failures[page] = queued[1:]
	}
	pages := ep.pages
	etag := pageETag(ep.version, page)
	m.mu.Unlock()

	if failure != nil {
		writeResponse(w, *failure)
		return
	}

	if page > len(pages) {
		writeResponse(w, MockESIResponse{
			StatusCode: http.StatusNotFound,
			Body:       `{"error": "Requested page does not exist!"}`,
			Headers:    esiHeaders("99"),
		})
		return
	}

	for k, v := range esiHeaders("100") {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Pages", strconv.Itoa(len(pages)))
	w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(pages[page-1]))
}

// defaultHandler provides default ESI-like responses.
func (m *MockESI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	for k, v := range esiHeaders("100") {
		w.Header().Set(k, v)
	}

	if r.Header.Get("If-None-Match") != "" {
		w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", `"default-etag"`)
	w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func writeResponse(w http.ResponseWriter, resp MockESIResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func esiHeaders(remain string) map[string]string {
	return map[string]string{
		"X-ESI-Error-Limit-Remain": remain,
		"X-ESI-Error-Limit-Reset":  "60",
		"Content-Type":             "application/json; charset=utf-8",
	}
}

// NewHealthyResponse creates a standard 200 OK response with ESI headers.
func NewHealthyResponse(data string) MockESIResponse {
	headers := esiHeaders("100")
	headers["ETag"] = `"test-etag-123"`
	headers["Expires"] = time.Now().Add(5 * time.Minute).Format(http.TimeFormat)
	return MockESIResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers:    headers,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockESIResponse {
	return MockESIResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    esiHeaders("95"),
	}
}

// NewESIRateLimitResponse creates a 520 ESI-specific rate limit response.
func NewESIRateLimitResponse() MockESIResponse {
	return MockESIResponse{
		StatusCode: 520,
		Body:       `{"error": "ESI rate limit exceeded"}`,
		Headers:    esiHeaders("10"),
	}
}

// NewCriticalErrorLimitResponse creates a 420 response reporting an error
// limit in the critical range.
func NewCriticalErrorLimitResponse() MockESIResponse {
	return MockESIResponse{
		StatusCode: 420,
		Body:       `{"error": "This software has exceeded the error limit for ESI."}`,
		Headers:    esiHeaders("2"),
	}
}
