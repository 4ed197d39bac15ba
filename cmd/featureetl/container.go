// Package main wires the feature pipeline end-to-end: staging, transform,
// validation gate, and partitioned materialization, coordinated as a stage
// graph with per-stage checkpoints. This file keeps the CLI layer thin: it
// depends only on backend-agnostic interfaces and never imports database
// drivers or backend-specific packages directly.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"featureetl/internal/batch"
	"featureetl/internal/config"
	"featureetl/internal/datasource"
	"featureetl/internal/datasource/file"
	"featureetl/internal/fingerprint"
	"featureetl/internal/materialize"
	"featureetl/internal/metrics"
	"featureetl/internal/rules"
	"featureetl/internal/run"
	"featureetl/internal/stage"
	"featureetl/internal/store"
	"featureetl/internal/transform"
	"featureetl/internal/transform/builtin"
)

type Repository = store.Repository

// Function variables used to introduce test seams.
// In production these point to real implementations; tests can override them.
var (
	newRepositoryFn = func(ctx context.Context, cfg store.Config) (Repository, error) {
		return store.New(ctx, cfg)
	}

	openSourceFn = openSource
)

// runtimeConfig contains the resolved retry, timeout, and concurrency
// configuration for a run. Values are derived from the pipeline spec with
// optional environment variable overrides (12-factor style).
type runtimeConfig struct {
	concurrency   int
	retryAttempts int
	retryBackoff  time.Duration
	stageTimeout  time.Duration
}

// pipelineState carries the in-memory handoffs between stages. The
// coordinator runs stages one at a time, so plain fields are safe.
type pipelineState struct {
	staged     batch.Batch
	stagedFP   string
	stageStats stage.Stats

	features batch.Batch
	report   rules.Report
	summary  materialize.Summary
}

// runPipeline executes a full source → staging → transform → validate →
// materialize run for the given pipeline spec.
//
// Stage handoffs are immutable batches; each stage checkpoints against a
// fingerprint of its input so a restart after a crash skips everything the
// previous run completed. A critical rule failure blocks materialization for
// the whole batch (never partially); warning failures are recorded in the
// summary and do not block.
func runPipeline(ctx context.Context, spec config.Pipeline) error {
	rt := newRuntimeConfig(spec)

	log.Printf(
		"runtime: concurrency=%d retry_attempts=%d retry_backoff=%s stage_timeout=%s",
		rt.concurrency, rt.retryAttempts, rt.retryBackoff, rt.stageTimeout,
	)

	plan, err := buildPlan(spec)
	if err != nil {
		return err
	}
	compiled, err := rules.Compile(spec.Rules)
	if err != nil {
		return err
	}

	repo, err := newRepositoryFn(ctx, store.Config{
		Kind:           spec.Store.Kind,
		DSN:            spec.Store.DSN,
		StagingTable:   spec.Store.StagingTable,
		AnalyticsTable: spec.Store.AnalyticsTable,
	})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer repo.Close()

	if err := repo.EnsureTables(ctx, spec.RawSchema, plan.Schema()); err != nil {
		return fmt.Errorf("ensure tables: %w", err)
	}

	// The source fingerprint anchors the checkpoint chain: every downstream
	// stage fingerprints its own input, which transitively depends on this.
	sourceFP, err := fingerprintSource(ctx, spec)
	if err != nil {
		return err
	}

	state := &pipelineState{}
	loader := &stage.Loader{Schema: spec.RawSchema, Config: spec.Staging, Repo: repo}
	mat := &materialize.Materializer{
		Dir:         spec.Sink.Dir,
		Partitioner: materialize.NewPartitioner(spec.Sink.Partition),
		Repo:        repo,
		Concurrency: rt.concurrency,
	}

	applyPlan := func(ctx context.Context) error {
		out, err := plan.Apply(ctx, state.staged)
		if err != nil {
			return err
		}
		state.features = out
		return nil
	}
	evaluateGate := func(ctx context.Context) error {
		report, err := rules.Evaluate(state.features, compiled)
		if err != nil {
			return run.Permanent(err)
		}
		state.report = report
		logRuleResults(report)
		if report.Blocked() {
			// The input cannot change between attempts, so retrying is futile.
			return run.Permanent(&rules.GateError{Report: report})
		}
		return nil
	}

	nodes := []run.Node{
		{
			Name:        "stage",
			Fingerprint: func() string { return sourceFP },
			Run: func(ctx context.Context) error {
				src, err := openSourceFn(spec)
				if err != nil {
					return err
				}
				staged, stats, err := loader.Load(ctx, src)
				if err != nil {
					return err
				}
				state.staged = staged
				state.stageStats = stats
				state.stagedFP = fingerprint.OfBatch(staged)
				return nil
			},
			Restore: func(ctx context.Context) error {
				staged, err := repo.LoadStaging(ctx, spec.RawSchema)
				if err != nil {
					return err
				}
				state.staged = staged
				state.stageStats = stage.Stats{RowsRead: staged.Len(), Staged: staged.Len()}
				state.stagedFP = fingerprint.OfBatch(staged)
				return nil
			},
		},
		{
			Name:  "transform",
			After: []string{"stage"},
			Fingerprint: func() string {
				return state.stagedFP + "|" + strings.Join(plan.Steps(), ",")
			},
			Run: applyPlan,
			// The plan is pure, so restoring is re-derivation.
			Restore: applyPlan,
		},
		{
			Name:  "validate",
			After: []string{"transform"},
			Fingerprint: func() string {
				return fingerprint.OfBatch(state.features) + "|" + rulesSignature(compiled)
			},
			Run:     evaluateGate,
			Restore: evaluateGate,
		},
		{
			Name:  "materialize",
			After: []string{"validate"},
			Fingerprint: func() string {
				return fingerprint.OfBatch(state.features) + "|" + sinkSignature(spec.Sink)
			},
			Run: func(ctx context.Context) error {
				// Partition-level idempotence lives in the manifest, so a
				// retry after partial failure rewrites only what failed.
				summary, err := mat.Materialize(ctx, state.features)
				state.summary = summary
				return err
			},
		},
	}

	coord := &run.Coordinator{
		Checkpoints:  repo,
		Attempts:     rt.retryAttempts,
		Backoff:      rt.retryBackoff,
		StageTimeout: rt.stageTimeout,
	}
	res, runErr := coord.Execute(ctx, nodes)

	recordRunMetrics(spec.Job, state, res)
	logRunSummary(spec.Job, state, res)

	return runErr
}

// buildPlan compiles the configured derivation steps against the raw schema.
func buildPlan(spec config.Pipeline) (*transform.Plan, error) {
	steps, err := builtin.Steps(spec.Transform)
	if err != nil {
		return nil, err
	}
	plan, err := transform.NewPlan(spec.RawSchema, steps...)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// fingerprintSource hashes the raw source content. The hash is the stage
// checkpoint key: an unchanged file means an unchanged staging relation.
func fingerprintSource(ctx context.Context, spec config.Pipeline) (string, error) {
	src, err := openSourceFn(spec)
	if err != nil {
		return "", err
	}
	rc, err := src.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("fingerprint source: %w", err)
	}
	defer rc.Close()

	fp, err := fingerprint.OfReader(rc)
	if err != nil {
		return "", err
	}
	return fp, nil
}

func openSource(spec config.Pipeline) (datasource.Source, error) {
	switch spec.Source.Kind {
	case "file":
		return file.NewLocal(spec.Source.File.Path), nil
	default:
		return nil, fmt.Errorf("unsupported source.kind=%s", spec.Source.Kind)
	}
}

// rulesSignature identifies the rule set for validation checkpointing: a
// changed rule list must invalidate the validate checkpoint even when the
// feature batch is unchanged.
func rulesSignature(rs []rules.Rule) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.Name + ":" + r.Kind + ":" + r.Severity + ":" + strings.Join(r.Columns, "+")
	}
	return strings.Join(parts, ",")
}

// sinkSignature identifies the sink layout for materialize checkpointing.
func sinkSignature(s config.Sink) string {
	return s.Dir + ":" + s.Partition.DateColumn + ":" + strings.Join(s.Partition.LabelColumns, "+")
}

// newRuntimeConfig resolves the runtime configuration for a run using the
// pipeline spec and environment-variable fallbacks.
func newRuntimeConfig(spec config.Pipeline) runtimeConfig {
	return runtimeConfig{
		concurrency:   pickInt(spec.Runtime.Concurrency, getenvInt("FEATUREETL_CONCURRENCY", 4)),
		retryAttempts: pickInt(spec.Runtime.RetryAttempts, getenvInt("FEATUREETL_RETRY_ATTEMPTS", 1)),
		retryBackoff:  time.Duration(pickInt(spec.Runtime.RetryBackoffMS, getenvInt("FEATUREETL_RETRY_BACKOFF_MS", 500))) * time.Millisecond,
		stageTimeout:  time.Duration(pickInt(spec.Runtime.StageTimeoutMS, getenvInt("FEATUREETL_STAGE_TIMEOUT_MS", 0))) * time.Millisecond,
	}
}

// logRuleResults prints one line per rule outcome.
func logRuleResults(report rules.Report) {
	for _, res := range report.Results {
		if res.Failed == 0 {
			log.Printf("validate: rule=%s severity=%s passed=%d", res.Rule, res.Severity, res.Passed)
			continue
		}
		log.Printf("validate: rule=%s severity=%s passed=%d FAILED=%d", res.Rule, res.Severity, res.Passed, res.Failed)
	}
}

// recordRunMetrics emits stage, row, and partition counters for the run.
func recordRunMetrics(job string, state *pipelineState, res run.Result) {
	for _, n := range res.Nodes {
		metrics.RecordStage(job, n.Name, n.Status, n.Elapsed)
	}

	metrics.RecordRows(job, "read", int64(state.stageStats.RowsRead))
	metrics.RecordRows(job, "staged", int64(state.stageStats.Staged))
	metrics.RecordRows(job, "quarantined", int64(state.stageStats.Quarantined))
	metrics.RecordRows(job, "rule_failures_critical", int64(state.report.CriticalFailed()))
	metrics.RecordRows(job, "rule_failures_warning", int64(state.report.WarningFailed()))

	var materialized int64
	for _, p := range state.summary.Written {
		materialized += p.Rows
	}
	metrics.RecordRows(job, "materialized", materialized)
	metrics.RecordPartitions(job, "written", int64(len(state.summary.Written)))
	metrics.RecordPartitions(job, "skipped", int64(len(state.summary.Skipped)))
	metrics.RecordPartitions(job, "failed", int64(len(state.summary.Failed)))
}

// logRunSummary prints final aggregated statistics for the run.
//
// Invariant for data rows (excluding the header):
//
//	read == staged + quarantined
//
// Staged rows all reach the validation gate; the gate either blocks the whole
// batch or lets all of it through, so no per-row accounting is needed past
// staging.
func logRunSummary(job string, state *pipelineState, res run.Result) {
	statuses := make([]string, len(res.Nodes))
	for i, n := range res.Nodes {
		statuses[i] = n.Name + "=" + n.Status
	}

	log.Printf(
		"summary: job=%s read=%d staged=%d quarantined=%d critical_failures=%d warning_failures=%d partitions_written=%d partitions_skipped=%d partitions_failed=%d stages: %s",
		job,
		state.stageStats.RowsRead,
		state.stageStats.Staged,
		state.stageStats.Quarantined,
		state.report.CriticalFailed(),
		state.report.WarningFailed(),
		len(state.summary.Written),
		len(state.summary.Skipped),
		len(state.summary.Failed),
		strings.Join(statuses, " "),
	)

	if accounted := state.stageStats.Staged + state.stageStats.Quarantined; accounted != state.stageStats.RowsRead {
		log.Printf(
			"WARNING: row accounting mismatch: read=%d accounted=%d (delta=%d)",
			state.stageStats.RowsRead,
			accounted,
			state.stageStats.RowsRead-accounted,
		)
	}

	if !res.Failed() && state.report.WarningFailed() > 0 {
		log.Printf("summary: job=%s completed with warnings", job)
	}
}

// getenvInt reads an int from environment, returning def when unset/invalid.
func getenvInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// pickInt chooses the first positive value 'a', otherwise returns 'b'.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
