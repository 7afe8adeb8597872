// Package offline holds operations made while disconnected and replays them
// through a caller-supplied processor once the connection returns.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/veilsync/veilsync/internal/client/localstore"
)

// DefaultMaxRetries is how many failed offers an operation survives before
// it is dropped and reported failed.
const DefaultMaxRetries = 3

// ErrMaxRetriesExceeded is delivered to the error hook when an operation is
// dropped after exhausting its retries. It is reported, never thrown.
var ErrMaxRetriesExceeded = errors.New("offline: max retries exceeded")

// Processor attempts one queued operation; true means it succeeded and the
// operation leaves the queue.
type Processor func(op localstore.PendingOperation) bool

// Hooks observe queue activity; nil hooks are skipped.
type Hooks struct {
	OnOperationProcessed func(op localstore.PendingOperation, success bool)
	OnQueueEmpty         func()
	OnError              func(op localstore.PendingOperation, err error)
}

// Result summarizes one ProcessQueue run.
type Result struct {
	Processed int
	Failed    int
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	Store      localstore.Store
	MaxRetries int
	Hooks      Hooks
	Logger     *zap.Logger
}

// Queue is a durable, ordered, retry-bounded holding area for operations.
// Processing is single-flight: a concurrent ProcessQueue call returns a zero
// Result immediately instead of blocking.
type Queue struct {
	store      localstore.Store
	maxRetries int
	hooks      Hooks
	logger     *zap.Logger
	processing atomic.Bool
}

// NewQueue validates the configuration and constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New("offline: store is required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:      cfg.Store,
		maxRetries: maxRetries,
		hooks:      cfg.Hooks,
		logger:     logger,
	}, nil
}

// Enqueue persists the operation and returns its assigned id.
func (q *Queue) Enqueue(op localstore.PendingOperation) (string, error) {
	saved, err := q.store.EnqueuePending(op)
	if err != nil {
		return "", err
	}
	q.logger.Debug("operation queued",
		zap.String("op_id", saved.ID),
		zap.String("type", string(saved.Type)))
	return saved.ID, nil
}

// Len reports how many operations are waiting.
func (q *Queue) Len() (int, error) {
	ops, err := q.store.ListPending()
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// ProcessQueue drains the queue in enqueue order through processor. On a
// false result (or a processor panic) the operation's retry count is bumped
// and it stays queued, unless it has reached the retry ceiling, in which
// case it is dropped, counted failed, and reported through the error hook.
func (q *Queue) ProcessQueue(ctx context.Context, processor Processor) (Result, error) {
	if processor == nil {
		return Result{}, errors.New("offline: processor is required")
	}
	if !q.processing.CompareAndSwap(false, true) {
		return Result{}, nil
	}
	defer q.processing.Store(false)

	ops, err := q.store.ListPending()
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		success := q.offer(processor, op)
		if q.hooks.OnOperationProcessed != nil {
			q.hooks.OnOperationProcessed(op, success)
		}

		if success {
			if err := q.store.DeletePending(op.ID); err != nil {
				return result, err
			}
			result.Processed++
			continue
		}

		op.Retries++
		if op.Retries >= q.maxRetries {
			if err := q.store.DeletePending(op.ID); err != nil {
				return result, err
			}
			result.Failed++
			q.logger.Warn("operation dropped after retries",
				zap.String("op_id", op.ID),
				zap.Int("retries", op.Retries))
			if q.hooks.OnError != nil {
				q.hooks.OnError(op, fmt.Errorf("%w: %s", ErrMaxRetriesExceeded, op.ID))
			}
			continue
		}
		if err := q.store.UpdatePending(op); err != nil {
			return result, err
		}
	}

	remaining, err := q.store.ListPending()
	if err != nil {
		return result, err
	}
	if len(remaining) == 0 && q.hooks.OnQueueEmpty != nil {
		q.hooks.OnQueueEmpty()
	}
	return result, nil
}

// offer invokes the processor, treating a panic as a failed attempt.
func (q *Queue) offer(processor Processor, op localstore.PendingOperation) (success bool) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("processor panic treated as failure",
				zap.String("op_id", op.ID),
				zap.Any("panic", r))
			success = false
		}
	}()
	return processor(op)
}
