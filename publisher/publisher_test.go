package publisher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pgstats/collector"
	"pgstats/publisher/estest"
)

func newPublisher(t *testing.T, srv *estest.Server, docType string) *Publisher {
	t.Helper()
	p, err := New(Config{
		Addresses:    []string{srv.URL},
		Shards:       2,
		Replicas:     1,
		DocumentType: docType,
	}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestIndexName(t *testing.T) {
	ts := time.Date(2024, 3, 5, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "pg-query-statistics-2024.03.05", IndexName("pg-query-statistics", ts))

	// the calendar date of the timestamp's own location decides
	tokyo := time.FixedZone("JST", 9*3600)
	assert.Equal(t, "x-2024.03.06", IndexName("x", ts.In(tokyo)))
}

func TestIndexBody(t *testing.T) {
	body := IndexBody(collector.QueryStatistics(), 2, 1, "record")

	settings := body["settings"].(map[string]any)
	assert.Equal(t, 2, settings["number_of_shards"])
	assert.Equal(t, 1, settings["number_of_replicas"])

	mapping := body["mappings"].(map[string]any)["record"].(map[string]any)
	assert.Equal(t, "strict", mapping["dynamic"])
	props := mapping["properties"].(map[string]any)
	assert.Len(t, props, 15+2+2)
	assert.Equal(t, map[string]any{"type": "date", "format": "epoch_second"}, props["timestamp"])
	assert.Equal(t, map[string]any{"type": "float"}, props["avg_time"])
	key := props["query"].(map[string]any)
	assert.Equal(t, 256, key["fields"].(map[string]any)["keyword"].(map[string]any)["ignore_above"])

	typeless := IndexBody(collector.TableStatistics(), 1, 0, "")
	mapping = typeless["mappings"].(map[string]any)
	assert.Equal(t, "strict", mapping["dynamic"])
	assert.Len(t, mapping["properties"].(map[string]any), 14+2)
}

func TestPing(t *testing.T) {
	srv := estest.NewServer()
	defer srv.Close()

	require.NoError(t, newPublisher(t, srv, "").Ping(context.Background()))
}

func TestEnsureIndexCreatesOnce(t *testing.T) {
	srv := estest.NewServer()
	defer srv.Close()
	p := newPublisher(t, srv, DefaultDocumentType)
	ctx := context.Background()

	require.NoError(t, p.EnsureIndex(ctx, "pg-user-table-statistics-2024.03.05", collector.TableStatistics()))
	body, ok := srv.Index("pg-user-table-statistics-2024.03.05")
	require.True(t, ok)
	assert.Contains(t, body["mappings"], "record")
	assert.Contains(t, srv.CreateQuery("pg-user-table-statistics-2024.03.05"), "include_type_name=true")

	// already there: no error, nothing recreated
	require.NoError(t, p.EnsureIndex(ctx, "pg-user-table-statistics-2024.03.05", collector.TableStatistics()))
}

func TestEnsureIndexExisting(t *testing.T) {
	srv := estest.NewServer()
	defer srv.Close()
	srv.AddIndex("existing")
	srv.FailCreate = true

	assert.NoError(t, newPublisher(t, srv, "").EnsureIndex(context.Background(), "existing", collector.TableStatistics()))
}

func TestEnsureIndexFailure(t *testing.T) {
	srv := estest.NewServer()
	defer srv.Close()
	srv.FailCreate = true

	err := newPublisher(t, srv, "").EnsureIndex(context.Background(), "new", collector.TableStatistics())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create disabled")
}

func records(keys ...string) []collector.Record {
	ts := time.Unix(1709634600, 0)
	out := make([]collector.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, collector.Record{
			KeyField:  "relname",
			Key:       k,
			Deltas:    map[string]float64{"seq_scan": 1},
			Timestamp: ts,
		})
	}
	return out
}

func TestBulkWrite(t *testing.T) {
	srv := estest.NewServer()
	defer srv.Close()
	p := newPublisher(t, srv, DefaultDocumentType)

	stats, err := p.BulkWrite(context.Background(), "idx-2024.03.05", records("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, Stats{Indexed: 2}, stats)

	bulks := srv.Bulks()
	require.Len(t, bulks, 1)
	assert.True(t, strings.HasPrefix(bulks[0].Path, "/idx-2024.03.05/record/"))
	require.Len(t, bulks[0].Docs, 2)
	assert.Equal(t, map[string]any{"timestamp": "1709634600", "relname": "a", "seq_scan": 1.0}, bulks[0].Docs[0])
	assert.Equal(t, "b", bulks[0].Docs[1]["relname"])
}

func TestBulkWriteEmpty(t *testing.T) {
	srv := estest.NewServer()
	defer srv.Close()

	stats, err := newPublisher(t, srv, "").BulkWrite(context.Background(), "idx", nil)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Empty(t, srv.Bulks())
}

func TestBulkWritePartialFailure(t *testing.T) {
	srv := estest.NewServer()
	defer srv.Close()
	srv.RejectKey = "bad"

	stats, err := newPublisher(t, srv, "").BulkWrite(context.Background(), "idx", records("ok", "bad", "fine"))
	require.Error(t, err)
	assert.Equal(t, Stats{Indexed: 2, Failed: 1}, stats)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	require.Len(t, merr.Errors, 1)
	assert.Contains(t, merr.Errors[0].Error(), "mapper_parsing_exception")
}

func TestBulkWriteRequestFailure(t *testing.T) {
	srv := estest.NewServer()
	defer srv.Close()
	srv.FailBulk = true

	stats, err := newPublisher(t, srv, "").BulkWrite(context.Background(), "idx", records("a", "b", "c"))
	require.Error(t, err)
	assert.Equal(t, Stats{Failed: 3}, stats)
}
