// Package estest provides an in-memory stand-in for the handful of
// Elasticsearch endpoints the publisher talks to.
package estest

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// BulkCall is one received _bulk request.
type BulkCall struct {
	Path string
	Docs []map[string]any
}

// Server records index creations and bulk documents.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	indices map[string]map[string]any // index -> create body
	queries map[string]string         // index -> create query string
	bulks   []BulkCall
	pings   int

	// FailBulk makes every _bulk request answer 500.
	FailBulk bool
	// FailCreate makes index creation answer 500.
	FailCreate bool
	// RejectKey makes bulk items whose document has this value under any
	// field fail with a mapping error.
	RejectKey string
}

// NewServer starts a fake cluster. Close it when done.
func NewServer() *Server {
	s := &Server{
		indices: map[string]map[string]any{},
		queries: map[string]string{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Index returns the create body of an index and whether it exists.
func (s *Server) Index(name string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.indices[name]
	return body, ok
}

// CreateQuery returns the raw query string the index was created with.
func (s *Server) CreateQuery(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[name]
}

// AddIndex pre-creates an index.
func (s *Server) AddIndex(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices[name] = map[string]any{}
}

// Pings returns how many times the cluster root was requested.
func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Bulks returns every bulk request received so far.
func (s *Server) Bulks() []BulkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BulkCall(nil), s.bulks...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.Trim(r.URL.Path, "/")
	switch {
	case path == "":
		s.pings++
		_, _ = io.WriteString(w, `{"version":{"number":"7.17.0"},"tagline":"You Know, for Search"}`)

	case strings.HasSuffix(path, "_bulk"):
		s.serveBulk(w, r)

	case r.Method == http.MethodHead:
		if _, ok := s.indices[path]; ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case r.Method == http.MethodPut:
		if s.FailCreate {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"type":"internal","reason":"create disabled"},"status":500}`)
			return
		}
		if _, ok := s.indices[path]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"type":"resource_already_exists_exception","reason":"exists"},"status":400}`)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.indices[path] = body
		s.queries[path] = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"acknowledged":true}`)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) serveBulk(w http.ResponseWriter, r *http.Request) {
	if s.FailBulk {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"type":"internal","reason":"bulk disabled"},"status":500}`)
		return
	}

	call := BulkCall{Path: r.URL.Path}
	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		line++
		if line%2 == 1 {
			continue // action line
		}
		var doc map[string]any
		if err := json.Unmarshal(sc.Bytes(), &doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		call.Docs = append(call.Docs, doc)
	}
	s.bulks = append(s.bulks, call)

	type item struct {
		Status int            `json:"status"`
		Error  map[string]any `json:"error,omitempty"`
	}
	resp := struct {
		Errors bool              `json:"errors"`
		Items  []map[string]item `json:"items"`
	}{}
	for _, doc := range call.Docs {
		it := item{Status: http.StatusCreated}
		if s.RejectKey != "" && containsValue(doc, s.RejectKey) {
			it = item{Status: http.StatusBadRequest, Error: map[string]any{
				"type":   "mapper_parsing_exception",
				"reason": "rejected by test",
			}}
			resp.Errors = true
		}
		resp.Items = append(resp.Items, map[string]item{"index": it})
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func containsValue(doc map[string]any, v string) bool {
	for _, field := range doc {
		if s, ok := field.(string); ok && s == v {
			return true
		}
	}
	return false
}
