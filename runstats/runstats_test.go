package runstats

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsTextfile(t *testing.T) {
	s := New()
	s.Started(time.Unix(1709634600, 0))
	s.Calculated("query", 12)
	s.Calculated("table", 3)
	s.Published("query", 2, 1)
	s.Finished(1500*time.Millisecond, true)

	path := filepath.Join(t.TempDir(), "textfile", "pgstats.prom")
	require.NoError(t, s.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `pgstats_records{pipeline="query"} 12`)
	assert.Contains(t, text, `pgstats_records{pipeline="table"} 3`)
	assert.Contains(t, text, `pgstats_records_publish_failed{pipeline="query"} 2`)
	assert.Contains(t, text, "pgstats_last_run_success 1")
	assert.Contains(t, text, "pgstats_last_run_duration_seconds 1.5")
	assert.Contains(t, text, "pgstats_last_run_timestamp_seconds 1.7096346e+09")
}

func TestStatsFailure(t *testing.T) {
	s := New()
	s.Finished(time.Second, false)

	expected := `
# HELP pgstats_last_run_success 1 if the last run finished without a fatal error.
# TYPE pgstats_last_run_success gauge
pgstats_last_run_success 0
`
	require.NoError(t, testutil.GatherAndCompare(s.Gatherer(), strings.NewReader(expected), "pgstats_last_run_success"))
}

func TestWriteTextfileDisabled(t *testing.T) {
	assert.NoError(t, New().WriteTextfile(""))
}
