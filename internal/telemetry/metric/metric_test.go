package metric

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeSource struct {
	mem, ckpts, items, queued, deduped, expelled, removed, dropped int64
}

func (f *fakeSource) CheckpointMemBytes() int64 { return f.mem }
func (f *fakeSource) NumCheckpoints() int64     { return f.ckpts }
func (f *fakeSource) NumItems() int64           { return f.items }
func (f *fakeSource) ItemsQueued() int64        { return f.queued }
func (f *fakeSource) ItemsDeduplicated() int64  { return f.deduped }
func (f *fakeSource) ItemsExpelled() int64      { return f.expelled }
func (f *fakeSource) CheckpointsRemoved() int64 { return f.removed }
func (f *fakeSource) CursorsDropped() int64     { return f.dropped }

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	values := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			values[fam.GetName()] = metricValue(m)
		}
	}
	return values
}

func metricValue(m *dto.Metric) float64 {
	if g := m.GetGauge(); g != nil {
		return g.GetValue()
	}
	return m.GetCounter().GetValue()
}

func TestCollectorScrapesSource(t *testing.T) {
	src := &fakeSource{mem: 4096, ckpts: 3, items: 17, queued: 100, deduped: 5, expelled: 9, removed: 2, dropped: 1}
	reg := NewRegistry(src)

	values := gather(t, reg)
	want := map[string]float64{
		"seqmesh_checkpoint_memory_bytes":               4096,
		"seqmesh_checkpoints":                           3,
		"seqmesh_checkpoint_items":                      17,
		"seqmesh_checkpoint_items_queued_total":         100,
		"seqmesh_checkpoint_items_deduplicated_total":   5,
		"seqmesh_checkpoint_items_expelled_total":       9,
		"seqmesh_checkpoints_removed_total":             2,
		"seqmesh_checkpoint_cursors_dropped_total":      1,
	}
	for name, v := range want {
		if values[name] != v {
			t.Fatalf("%s = %v, want %v", name, values[name], v)
		}
	}
}

func TestCollectorTracksSourceChanges(t *testing.T) {
	src := &fakeSource{mem: 10}
	reg := NewRegistry(src)

	if got := gather(t, reg)["seqmesh_checkpoint_memory_bytes"]; got != 10 {
		t.Fatalf("mem = %v, want 10", got)
	}
	src.mem = 20
	if got := gather(t, reg)["seqmesh_checkpoint_memory_bytes"]; got != 20 {
		t.Fatalf("mem = %v, want 20 after update", got)
	}
}

func TestDescribeEmitsAllDescs(t *testing.T) {
	c := NewCollector(&fakeSource{})
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	var names []string
	for d := range ch {
		names = append(names, d.String())
	}
	if len(names) != 8 {
		t.Fatalf("described %d metrics, want 8", len(names))
	}
	for _, n := range names {
		if !strings.Contains(n, "seqmesh_") {
			t.Fatalf("desc %q missing seqmesh_ prefix", n)
		}
	}
}
