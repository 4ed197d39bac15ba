// Package run drives one pipeline execution as a small dependency graph of
// named stages.
//
// The coordinator walks the graph in topological order, gating every stage on
// its predecessors, retrying transient failures with exponential backoff, and
// recording a checkpoint per (stage, input fingerprint) so an unchanged stage
// can be skipped on restart. A failed stage marks all of its dependents
// skipped; independent branches keep running.
package run

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"featureetl/internal/store"
)

// Node statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"  // an upstream stage failed or was skipped
	StatusRestored  = "restored" // checkpoint matched; outputs restored, body not re-run
)

// Node is one stage of the pipeline graph.
type Node struct {
	Name  string
	After []string // names of stages that must succeed first

	// Run executes the stage. It must be safe to call again after a failed
	// attempt.
	Run func(ctx context.Context) error

	// Fingerprint identifies the stage's input. It is called only once all
	// predecessors have finished, so it may read their outputs. An empty
	// fingerprint disables checkpointing for the node.
	Fingerprint func() string

	// Restore rebuilds the stage's in-memory outputs when a matching
	// succeeded checkpoint lets the body be skipped. Nil means the stage
	// leaves nothing to rebuild.
	Restore func(ctx context.Context) error
}

// CheckpointStore is the slice of the repository the coordinator needs.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, stage, fingerprint string) (*store.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error
}

// Coordinator executes a node graph. Zero values mean: one attempt, no
// backoff, no per-stage timeout, no checkpointing.
type Coordinator struct {
	Checkpoints CheckpointStore

	// Attempts is the total number of tries per stage, including the first.
	Attempts int

	// Backoff is the delay before the second attempt; it doubles after each
	// further failure.
	Backoff time.Duration

	// StageTimeout bounds each attempt. Zero means unbounded.
	StageTimeout time.Duration
}

// NodeResult is the terminal state of one node.
type NodeResult struct {
	Name     string
	Status   string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Result reports one full graph execution in topological order.
type Result struct {
	Nodes []NodeResult
}

// Failed reports whether any node failed (or was skipped because of one).
func (r Result) Failed() bool {
	for _, n := range r.Nodes {
		if n.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Node returns the result for name, or nil when absent.
func (r Result) Node(name string) *NodeResult {
	for i := range r.Nodes {
		if r.Nodes[i].Name == name {
			return &r.Nodes[i]
		}
	}
	return nil
}

// Err returns the first node failure in topological order, or nil.
func (r Result) Err() error {
	for _, n := range r.Nodes {
		if n.Status == StatusFailed {
			return fmt.Errorf("stage %s: %w", n.Name, n.Err)
		}
	}
	return nil
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the coordinator fails the stage immediately instead
// of retrying. Data-quality failures are the typical use: the input will not
// change between attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Execute runs the graph and returns a result covering every node. The error
// mirrors Result.Err for callers that only care about pass/fail.
func (c *Coordinator) Execute(ctx context.Context, nodes []Node) (Result, error) {
	order, err := sortNodes(nodes)
	if err != nil {
		return Result{}, err
	}

	status := make(map[string]string, len(nodes))
	var res Result
	for _, n := range order {
		nr := c.runNode(ctx, n, status)
		status[n.Name] = nr.Status
		res.Nodes = append(res.Nodes, nr)
	}
	return res, res.Err()
}

func (c *Coordinator) runNode(ctx context.Context, n Node, status map[string]string) NodeResult {
	start := time.Now()
	nr := NodeResult{Name: n.Name, Status: StatusPending}

	for _, dep := range n.After {
		if s := status[dep]; s != StatusSucceeded && s != StatusRestored {
			log.Printf("run: stage %s skipped (upstream %s is %s)", n.Name, dep, s)
			nr.Status = StatusSkipped
			nr.Elapsed = time.Since(start)
			return nr
		}
	}

	fp := ""
	if n.Fingerprint != nil {
		fp = n.Fingerprint()
	}

	if c.Checkpoints != nil && fp != "" {
		cp, err := c.Checkpoints.Checkpoint(ctx, n.Name, fp)
		if err != nil {
			log.Printf("run: stage %s: checkpoint lookup failed, running anyway: %v", n.Name, err)
		} else if cp != nil && cp.Status == store.StatusSucceeded {
			if err := c.restore(ctx, n); err != nil {
				log.Printf("run: stage %s: restore failed, re-running: %v", n.Name, err)
			} else {
				log.Printf("run: stage %s unchanged (fingerprint %s), restored from checkpoint", n.Name, fp)
				nr.Status = StatusRestored
				nr.Elapsed = time.Since(start)
				return nr
			}
		}
	}

	c.saveCheckpoint(ctx, n.Name, fp, store.Checkpoint{
		Stage: n.Name, Fingerprint: fp, Status: store.StatusRunning, StartedAt: start,
	})

	attempts, err := c.attempt(ctx, n)
	nr.Attempts = attempts
	nr.Elapsed = time.Since(start)
	if err != nil {
		nr.Status = StatusFailed
		nr.Err = err
		c.saveCheckpoint(ctx, n.Name, fp, store.Checkpoint{
			Stage: n.Name, Fingerprint: fp, Status: store.StatusFailed,
			StartedAt: start, CompletedAt: time.Now().UTC(), Detail: err.Error(),
		})
		return nr
	}
	nr.Status = StatusSucceeded
	c.saveCheckpoint(ctx, n.Name, fp, store.Checkpoint{
		Stage: n.Name, Fingerprint: fp, Status: store.StatusSucceeded,
		StartedAt: start, CompletedAt: time.Now().UTC(),
	})
	return nr
}

func (c *Coordinator) restore(ctx context.Context, n Node) error {
	if n.Restore == nil {
		return nil
	}
	return n.Restore(ctx)
}

// attempt runs the node body up to c.Attempts times, doubling the backoff
// between tries. Permanent errors and parent-context cancellation stop the
// retry loop at once.
func (c *Coordinator) attempt(ctx context.Context, n Node) (int, error) {
	maxTries := c.Attempts
	if maxTries < 1 {
		maxTries = 1
	}
	backoff := c.Backoff
	var lastErr error
	for i := 1; i <= maxTries; i++ {
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.StageTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, c.StageTimeout)
		}
		err := n.Run(runCtx)
		cancel()
		if err == nil {
			return i, nil
		}
		lastErr = err
		if isPermanent(err) || ctx.Err() != nil {
			return i, err
		}
		if i == maxTries {
			break
		}
		log.Printf("run: stage %s attempt %d/%d failed, retrying in %s: %v", n.Name, i, maxTries, backoff, err)
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return i, ctx.Err()
			}
			backoff *= 2
		}
	}
	return maxTries, lastErr
}

func (c *Coordinator) saveCheckpoint(ctx context.Context, stage, fp string, cp store.Checkpoint) {
	if c.Checkpoints == nil || fp == "" {
		return
	}
	if err := c.Checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		// Losing a checkpoint costs a re-run later, never correctness.
		log.Printf("run: stage %s: checkpoint save failed: %v", stage, err)
	}
}

// sortNodes returns the nodes in dependency order, rejecting unknown edges,
// duplicate names, and cycles.
func sortNodes(nodes []Node) ([]Node, error) {
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if _, dup := byName[n.Name]; dup {
			return nil, fmt.Errorf("run: duplicate stage name %q", n.Name)
		}
		byName[n.Name] = n
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	out := make([]Node, 0, len(nodes))

	var visit func(n Node) error
	visit = func(n Node) error {
		switch state[n.Name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("run: dependency cycle through stage %q", n.Name)
		}
		state[n.Name] = visiting
		for _, dep := range n.After {
			d, ok := byName[dep]
			if !ok {
				return fmt.Errorf("run: stage %q depends on unknown stage %q", n.Name, dep)
			}
			if err := visit(d); err != nil {
				return err
			}
		}
		state[n.Name] = done
		out = append(out, n)
		return nil
	}
	for _, n := range nodes {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return out, nil
}
