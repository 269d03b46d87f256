// Package submission hands block-qualifying shares off to the node
// asynchronously, off the session's hot path, retrying once on failure
// and recording the outcome to the audit ledger.
package submission

import (
	"context"
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"github.com/kaspa-stratum/bridge/internal/job"
	"github.com/kaspa-stratum/bridge/internal/metrics"
	"github.com/kaspa-stratum/bridge/internal/noderpc"
)

// Ledger persists a record of every block submission attempt.
type Ledger interface {
	RecordBlock(ctx context.Context, height uint64, hash []byte, accepted bool, reason string) error
}

// Task describes one block-submission job. Instance identifies which
// Stratum instance (port) the qualifying share came from, so the
// blocks_accepted_total metric can be broken down the same way
// blocks_found_total is.
type Task struct {
	Job      *job.Job
	Hash     []byte
	Nonce    uint64
	Instance string
}

// maxInFlight bounds the number of concurrent submission goroutines so
// a burst of simultaneous block finds (unlikely, but possible across
// many sessions at once) cannot spawn unbounded goroutines against the
// node.
const maxInFlight = 8

// retryDelay is how long Tracker waits before retrying a failed submission once.
const retryDelay = 200 * time.Millisecond

// Tracker runs submission tasks on a bounded worker pool.
type Tracker struct {
	client  noderpc.Client
	ledger  Ledger
	logger  *zap.Logger
	metrics *metrics.Metrics
	sem     chan struct{}
}

// NewTracker builds a Tracker. ledger may be nil to skip audit logging;
// m may be nil to skip the blocks_accepted_total metric.
func NewTracker(client noderpc.Client, ledger Ledger, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	return &Tracker{
		client:  client,
		ledger:  ledger,
		logger:  logger,
		metrics: m,
		sem:     make(chan struct{}, maxInFlight),
	}
}

// Submit enqueues t for asynchronous submission. It returns immediately
// while fewer than maxInFlight submissions are running; when all slots
// are taken it blocks the caller until one finishes, and no task is
// dropped.
func (t *Tracker) Submit(ctx context.Context, task Task) {
	select {
	case t.sem <- struct{}{}:
	default:
		t.logger.Warn("submission pool saturated, waiting for a free slot",
			zap.Uint64("height", task.Job.Height))
		t.sem <- struct{}{} // block briefly rather than silently drop a found block
	}

	go func() {
		defer func() { <-t.sem }()
		t.run(ctx, task)
	}()
}

func (t *Tracker) run(ctx context.Context, task Task) {
	block := buildBlock(task)

	result, err := t.client.SubmitBlock(ctx, block)
	if err != nil || !result.Accepted {
		t.logger.Warn("block submission failed, retrying once",
			zap.Uint64("height", task.Job.Height), zap.Error(err))

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			t.record(ctx, task, false, "context canceled before retry")
			return
		}

		result, err = t.client.SubmitBlock(ctx, block)
	}

	accepted := err == nil && result != nil && result.Accepted
	reason := ""
	if !accepted {
		if err != nil {
			reason = err.Error()
		} else if result != nil {
			reason = result.Reason
		}
		t.logger.Error("block submission rejected", zap.Uint64("height", task.Job.Height), zap.String("reason", reason))
	} else {
		t.logger.Info("block accepted", zap.Uint64("height", task.Job.Height))
		if t.metrics != nil {
			t.metrics.BlocksAccepted.WithLabelValues(task.Instance).Inc()
		}
	}

	t.record(ctx, task, accepted, reason)
}

func (t *Tracker) record(ctx context.Context, task Task, accepted bool, reason string) {
	if t.ledger == nil {
		return
	}
	if err := t.ledger.RecordBlock(ctx, task.Job.Height, task.Hash, accepted, reason); err != nil {
		t.logger.Error("failed to write block to audit ledger", zap.Error(err))
	}
}

func buildBlock(task Task) *noderpc.Block {
	header := make([]byte, len(task.Job.HeaderPrePow))
	copy(header, task.Job.HeaderPrePow)

	var nonceBuf [8]byte
	binary.LittleEndian.PutUint64(nonceBuf[:], task.Nonce)
	header = append(header, nonceBuf[:]...)

	return &noderpc.Block{Header: header, Nonce: task.Nonce}
}
