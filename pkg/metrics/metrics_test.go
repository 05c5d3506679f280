package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.IndexEntriesWritten.Add(3)
	a.IndexEntriesDeleted.WithLabelValues("stale").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(a.IndexEntriesWritten))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.IndexEntriesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.IndexEntriesDeleted.WithLabelValues("stale")))
}

func TestNew_Gathers(t *testing.T) {
	m := New()
	m.CleanerQueueDepth.Set(4)
	m.PopulationDuration.WithLabelValues("direct", "ok").Observe(0.5)

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["hgraphdb_cleaner_queue_depth"])
	assert.True(t, names["hgraphdb_population_duration_seconds"])
}
