package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"pgstats/collector"
)

// DefaultDocumentType is the mapping type documents are tagged with.
const DefaultDocumentType = "record"

// Config describes the target cluster and the index layout.
type Config struct {
	Addresses []string // e.g. https://localhost:9200
	Username  string
	Password  string
	CACert    []byte // PEM bundle; nil uses the system roots
	Transport http.RoundTripper

	Shards   int
	Replicas int

	// DocumentType nests the mapping under a type name and tags bulk
	// actions with it. Empty means typeless indices.
	DocumentType string
}

// Stats summarizes one bulk write.
type Stats struct {
	Indexed int
	Failed  int
}

// Publisher writes delta records into dated Elasticsearch indices.
type Publisher struct {
	es  *elasticsearch.Client
	cfg Config
	log *zap.Logger
}

// New builds a publisher. No request is sent until Ping or a write.
func New(cfg Config, log *zap.Logger) (*Publisher, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		CACert:    cfg.CACert,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Publisher{es: es, cfg: cfg, log: log}, nil
}

// IndexName derives the daily index for t: <prefix>-YYYY.MM.DD, using the
// calendar date in t's location.
func IndexName(prefix string, t time.Time) string {
	return prefix + "-" + t.Format("2006.01.02")
}

// Ping checks that the cluster answers.
func (p *Publisher) Ping(ctx context.Context) error {
	res, err := p.es.Ping(p.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping elasticsearch: %s", res.Status())
	}
	return nil
}

// EnsureIndex creates the index with the counter set's strict mapping
// unless it already exists.
func (p *Publisher) EnsureIndex(ctx context.Context, name string, set collector.CounterSet) error {
	res, err := p.es.Indices.Exists([]string{name}, p.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", name, err)
	}
	drain(res)
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("check index %s: %s", name, res.Status())
	}

	body, err := json.Marshal(IndexBody(set, p.cfg.Shards, p.cfg.Replicas, p.cfg.DocumentType))
	if err != nil {
		return fmt.Errorf("marshal index body: %w", err)
	}
	opts := []func(*esapi.IndicesCreateRequest){
		p.es.Indices.Create.WithBody(bytes.NewReader(body)),
		p.es.Indices.Create.WithContext(ctx),
	}
	if p.cfg.DocumentType != "" {
		opts = append(opts, p.es.Indices.Create.WithIncludeTypeName(true))
	}
	res, err = p.es.Indices.Create(name, opts...)
	if err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		e := decodeError(res.Body)
		// lost a race with another writer; the index is there
		if e.Type == "resource_already_exists_exception" {
			return nil
		}
		return fmt.Errorf("create index %s: %s: %s", name, res.Status(), e)
	}
	p.log.Info("index created", zap.String("index", name))
	return nil
}

// BulkWrite indexes all records in one synchronous _bulk request. Per-item
// rejections are collected into a multierror; Stats counts both outcomes.
func (p *Publisher) BulkWrite(ctx context.Context, index string, records []collector.Record) (Stats, error) {
	var stats Stats
	if len(records) == 0 {
		return stats, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(map[string]any{"index": map[string]any{}}); err != nil {
			return stats, fmt.Errorf("encode action: %w", err)
		}
		if err := enc.Encode(rec); err != nil {
			return stats, fmt.Errorf("encode record %q: %w", rec.Key, err)
		}
	}

	opts := []func(*esapi.BulkRequest){
		p.es.Bulk.WithIndex(index),
		p.es.Bulk.WithContext(ctx),
	}
	if p.cfg.DocumentType != "" {
		opts = append(opts, p.es.Bulk.WithDocumentType(p.cfg.DocumentType))
	}
	res, err := p.es.Bulk(bytes.NewReader(buf.Bytes()), opts...)
	if err != nil {
		stats.Failed = len(records)
		return stats, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		stats.Failed = len(records)
		return stats, fmt.Errorf("bulk request: %s: %s", res.Status(), decodeError(res.Body))
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return stats, fmt.Errorf("decode bulk response: %w", err)
	}

	var errs *multierror.Error
	for _, item := range br.Items {
		for action, r := range item {
			if r.Status >= 200 && r.Status < 300 && r.Error == nil {
				stats.Indexed++
				continue
			}
			stats.Failed++
			errs = multierror.Append(errs, fmt.Errorf("%s %s: status %d: %s", action, r.ID, r.Status, r.Error))
		}
	}
	p.log.Debug("bulk write finished",
		zap.String("index", index),
		zap.Int("indexed", stats.Indexed),
		zap.Int("failed", stats.Failed))
	return stats, errs.ErrorOrNil()
}

type bulkResponse struct {
	Errors bool                      `json:"errors"`
	Items  []map[string]bulkItemResp `json:"items"`
}

type bulkItemResp struct {
	ID     string     `json:"_id"`
	Status int        `json:"status"`
	Error  *errorBody `json:"error"`
}

type errorBody struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (e *errorBody) String() string {
	if e == nil {
		return "unknown error"
	}
	return e.Type + ": " + e.Reason
}

func decodeError(r io.Reader) *errorBody {
	var env struct {
		Error *errorBody `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&env); err != nil || env.Error == nil {
		return &errorBody{}
	}
	return env.Error
}

func drain(res *esapi.Response) {
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}
