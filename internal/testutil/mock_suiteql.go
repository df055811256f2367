// Package testutil provides a mock SuiteQL backend for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCeiling is the offset ceiling of the mock, as in NetSuite.
const DefaultCeiling = 99000

// MockRequest is one request received by the mock.
type MockRequest struct {
	Query  string
	Offset int
	Limit  int
	Status int
}

// Failure is an injected error response. Attempt counts requests for the
// same query and offset, starting at 1.
type Failure func(query string, offset, attempt int) (status int, headers map[string]string)

// MockConfig describes the dataset served by the mock.
type MockConfig struct {
	// IDColumn is the query column carrying the sort identifier, e.g. "t.ID".
	IDColumn string

	// IDField is the row field holding the identifier, e.g. "internal_id".
	IDField string

	// PeriodField is the row field matched by a posting period predicate.
	PeriodField string

	// Ceiling rejects offset+limit above it with 400. Zero uses DefaultCeiling.
	Ceiling int
}

// MockSuiteQL serves SuiteQL query pages over a fixed row set. It filters
// rows by the identifier lower bound and posting period found in the query
// text, and returns them sorted by identifier.
type MockSuiteQL struct {
	server *httptest.Server
	cfg    MockConfig

	idPattern     *regexp.Regexp
	periodPattern *regexp.Regexp

	rows []map[string]any
	ids  []int64

	mu          sync.Mutex
	delay       func(offset int) time.Duration
	failure     Failure
	attempts    map[string]int
	requests    []MockRequest
	inFlight    int
	maxInFlight int
}

// NewMockSuiteQL starts a mock serving rows. Rows are sorted by IDField;
// the sort is stable, so rows sharing an identifier keep their order.
func NewMockSuiteQL(cfg MockConfig, rows []map[string]any) *MockSuiteQL {
	if cfg.Ceiling == 0 {
		cfg.Ceiling = DefaultCeiling
	}

	sorted := append([]map[string]any(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rowID(sorted[i], cfg.IDField) < rowID(sorted[j], cfg.IDField)
	})

	ids := make([]int64, len(sorted))
	for i, row := range sorted {
		ids[i] = rowID(row, cfg.IDField)
	}

	m := &MockSuiteQL{
		cfg:           cfg,
		rows:          sorted,
		ids:           ids,
		attempts:      make(map[string]int),
		idPattern:     regexp.MustCompile(regexp.QuoteMeta(cfg.IDColumn) + ` >= (-?\d+)`),
		periodPattern: regexp.MustCompile(`BUILTIN\.DF\([^)]*\) = '((?:[^']|'')*)'`),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the base URL to configure the client with.
func (m *MockSuiteQL) URL() string { return m.server.URL }

// Close shuts down the mock server.
func (m *MockSuiteQL) Close() { m.server.Close() }

// SetDelay delays responses by offset.
func (m *MockSuiteQL) SetDelay(delay func(offset int) time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
}

// SetFailure injects error responses.
func (m *MockSuiteQL) SetFailure(f Failure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = f
}

// Requests returns the requests received so far.
func (m *MockSuiteQL) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// MaxInFlight returns the highest number of concurrent requests observed.
func (m *MockSuiteQL) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

func (m *MockSuiteQL) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	delay, failure := m.delay, m.failure
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit, errL := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, errO := strconv.Atoi(r.URL.Query().Get("offset"))
	var body struct {
		Q string `json:"q"`
	}
	data, _ := io.ReadAll(r.Body)
	errB := json.Unmarshal(data, &body)

	status := http.StatusOK
	defer func() {
		m.mu.Lock()
		m.requests = append(m.requests, MockRequest{Query: body.Q, Offset: offset, Limit: limit, Status: status})
		m.mu.Unlock()
	}()

	switch {
	case errL != nil || errO != nil || errB != nil || body.Q == "":
		status = http.StatusBadRequest
		writeError(w, status, "Invalid search query.")
		return
	case limit < 1 || limit > 1000:
		status = http.StatusBadRequest
		writeError(w, status, "Invalid limit.")
		return
	case offset+limit > m.cfg.Ceiling:
		status = http.StatusBadRequest
		writeError(w, status, fmt.Sprintf("Invalid search query. The sum of offset and limit must not exceed %d.", m.cfg.Ceiling))
		return
	}

	if delay != nil {
		select {
		case <-time.After(delay(offset)):
		case <-r.Context().Done():
			return
		}
	}

	if failure != nil {
		m.mu.Lock()
		key := body.Q + "@" + strconv.Itoa(offset)
		m.attempts[key]++
		attempt := m.attempts[key]
		m.mu.Unlock()

		if code, headers := failure(body.Q, offset, attempt); code != 0 {
			status = code
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			writeError(w, code, http.StatusText(code))
			return
		}
	}

	matched := m.match(body.Q)
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	items := []map[string]any{}
	for i := offset; i < end; i++ {
		item := make(map[string]any, len(matched[i])+1)
		for k, v := range matched[i] {
			item[k] = v
		}
		item["links"] = []any{}
		items = append(items, item)
	}

	resp := map[string]any{
		"links":        []any{},
		"count":        len(items),
		"hasMore":      offset+limit < len(matched),
		"items":        items,
		"offset":       offset,
		"totalResults": len(matched),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *MockSuiteQL) match(q string) []map[string]any {
	lower, bounded := int64(0), false
	if sm := m.idPattern.FindStringSubmatch(q); sm != nil {
		lower, _ = strconv.ParseInt(sm[1], 10, 64)
		bounded = true
	}
	period, byPeriod := "", false
	if sm := m.periodPattern.FindStringSubmatch(q); sm != nil {
		period = strings.ReplaceAll(sm[1], "''", "'")
		byPeriod = true
	}

	start := 0
	if bounded {
		start = sort.Search(len(m.ids), func(i int) bool { return m.ids[i] >= lower })
	}
	if !byPeriod {
		return m.rows[start:]
	}

	var out []map[string]any
	for _, row := range m.rows[start:] {
		if fmt.Sprint(row[m.cfg.PeriodField]) == period {
			out = append(out, row)
		}
	}
	return out
}

func rowID(row map[string]any, field string) int64 {
	switch v := row[field].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		n, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		return n
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/vnd.oracle.resource+json; type=error")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://www.rfc-editor.org/rfc/rfc9110.html#section-15.5.1",
		"title":  http.StatusText(status),
		"status": status,
		"o:errorDetails": []map[string]string{
			{"detail": detail, "o:errorCode": "INVALID_PARAMETER"},
		},
	})
}
