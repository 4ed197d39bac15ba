// Package datadog emits pipeline metrics over the DogStatsD protocol.
//
// It implements metrics.Backend on top of the official statsd client: the
// pipeline's counter families (feature_pipeline_stage_total,
// feature_pipeline_rows_total, feature_pipeline_partitions_total) become
// Count metrics and stage durations become Histogram metrics, with the
// job/stage/status/kind/outcome labels carried as Datadog tags. Nothing
// outside this package imports the Datadog client.
package datadog

import (
	"fmt"
	"sort"

	"featureetl/internal/metrics"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Config selects the agent and common tagging for the backend.
type Config struct {
	// Addr is the DogStatsD endpoint, e.g. "127.0.0.1:8125" or
	// "unix:///var/run/datadog/dsd.socket". Required.
	Addr string

	// Namespace prefixes every metric name, e.g. "featureetl.".
	Namespace string

	// GlobalTags are appended to every emission, e.g.
	// []string{"env:prod", "service:featureetl"}.
	GlobalTags []string
}

// Backend forwards metrics.Backend calls to a statsd.Client. Install it
// process-wide with metrics.SetBackend.
type Backend struct {
	client *statsd.Client
}

// NewBackend connects a statsd client per cfg. Addr must be set.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("datadog: Addr is required")
	}

	var opts []statsd.Option
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}
	c, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}
	return &Backend{client: c}, nil
}

// IncCounter emits a Count. DogStatsD counts are integral; fractional deltas
// are truncated, which is fine for the pipeline's whole-row counters.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	b.client.Count(name, int64(delta), labelsToTags(labels), 1)
}

// ObserveHistogram emits a Histogram observation, used for the per-stage
// duration metric.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	b.client.Histogram(name, value, labelsToTags(labels), 1)
}

// Flush closes the client, draining anything still buffered. Called once at
// process shutdown.
func (b *Backend) Flush() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// labelsToTags renders labels as "key:value" tags in sorted key order, so
// repeated emissions of the same metric carry an identical tag set.
func labelsToTags(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	out := make([]string, 0, len(lbls))
	for k, v := range lbls {
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}
