// Package metric exposes Prometheus metrics for the checkpoint subsystem.
//
// A Collector reads aggregate statistics from the bucket on every scrape,
// so metric values are always current without a sampling loop.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource is the view of the bucket the collector scrapes. All methods
// must be safe for concurrent use.
type StatsSource interface {
	CheckpointMemBytes() int64
	NumCheckpoints() int64
	NumItems() int64
	ItemsQueued() int64
	ItemsDeduplicated() int64
	ItemsExpelled() int64
	CheckpointsRemoved() int64
	CursorsDropped() int64
}

// Collector implements prometheus.Collector over a StatsSource.
type Collector struct {
	source StatsSource

	memBytes    *prometheus.Desc
	checkpoints *prometheus.Desc
	items       *prometheus.Desc
	queued      *prometheus.Desc
	deduped     *prometheus.Desc
	expelled    *prometheus.Desc
	removed     *prometheus.Desc
	dropped     *prometheus.Desc
}

// NewCollector creates a collector scraping the given source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		memBytes: prometheus.NewDesc(
			"seqmesh_checkpoint_memory_bytes",
			"Estimated bytes held by all checkpoints.", nil, nil),
		checkpoints: prometheus.NewDesc(
			"seqmesh_checkpoints",
			"Number of checkpoints across all vbuckets.", nil, nil),
		items: prometheus.NewDesc(
			"seqmesh_checkpoint_items",
			"Number of items held in checkpoints, meta items included.", nil, nil),
		queued: prometheus.NewDesc(
			"seqmesh_checkpoint_items_queued_total",
			"Items queued since start.", nil, nil),
		deduped: prometheus.NewDesc(
			"seqmesh_checkpoint_items_deduplicated_total",
			"Items collapsed by open-checkpoint deduplication.", nil, nil),
		expelled: prometheus.NewDesc(
			"seqmesh_checkpoint_items_expelled_total",
			"Items expelled by memory recovery.", nil, nil),
		removed: prometheus.NewDesc(
			"seqmesh_checkpoints_removed_total",
			"Closed unreferenced checkpoints removed.", nil, nil),
		dropped: prometheus.NewDesc(
			"seqmesh_checkpoint_cursors_dropped_total",
			"Cursors dropped to recover memory.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.memBytes
	ch <- c.checkpoints
	ch <- c.items
	ch <- c.queued
	ch <- c.deduped
	ch <- c.expelled
	ch <- c.removed
	ch <- c.dropped
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.memBytes, prometheus.GaugeValue,
		float64(c.source.CheckpointMemBytes()))
	ch <- prometheus.MustNewConstMetric(c.checkpoints, prometheus.GaugeValue,
		float64(c.source.NumCheckpoints()))
	ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue,
		float64(c.source.NumItems()))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.CounterValue,
		float64(c.source.ItemsQueued()))
	ch <- prometheus.MustNewConstMetric(c.deduped, prometheus.CounterValue,
		float64(c.source.ItemsDeduplicated()))
	ch <- prometheus.MustNewConstMetric(c.expelled, prometheus.CounterValue,
		float64(c.source.ItemsExpelled()))
	ch <- prometheus.MustNewConstMetric(c.removed, prometheus.CounterValue,
		float64(c.source.CheckpointsRemoved()))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue,
		float64(c.source.CursorsDropped()))
}

// Handler returns an HTTP handler serving the /metrics endpoint for the
// given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NewRegistry creates a Prometheus registry with the collector registered.
func NewRegistry(source StatsSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(source))
	return reg
}
