package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

type jobKind uint8

const (
	jobInsert jobKind = iota + 1
	jobMarkSeen
)

// writeJob is one queued local write. Jobs run in submission order.
type writeJob struct {
	kind jobKind
	msgs []store.Message
	ids  []string
}

type writeResult struct {
	job writeJob
	err error
}

// writeQueue is the unbounded FIFO between the engine loop and its writer.
type writeQueue struct {
	mu   stdsync.Mutex
	jobs []writeJob
	wake chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{wake: make(chan struct{}, 1)}
}

func (q *writeQueue) push(j writeJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *writeQueue) pop() (writeJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return writeJob{}, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

func (e *Engine) enqueueInsert(msgs []store.Message) {
	if len(msgs) == 0 {
		return
	}
	e.writes.push(writeJob{kind: jobInsert, msgs: msgs})
}

func (e *Engine) enqueueMarkSeen(ids []string) {
	if len(ids) == 0 {
		return
	}
	e.writes.push(writeJob{kind: jobMarkSeen, ids: ids})
}

// writeLoop runs queued writes against the current store with bounded
// retries. It stops when ctx ends; jobs not yet started are discarded, the
// attempt in progress completes.
func (e *Engine) writeLoop(ctx context.Context) {
	defer e.bg.Done()
	for {
		select {
		case <-e.writes.wake:
		case <-ctx.Done():
			return
		}
		for {
			if ctx.Err() != nil {
				return
			}
			job, ok := e.writes.pop()
			if !ok {
				break
			}
			err := e.cfg.Retry.Do(ctx, func() error {
				err := e.applyWrite(context.WithoutCancel(ctx), e.currentStore(), job)
				if errors.Is(err, store.ErrCorrupt) {
					return retry.Permanent(err)
				}
				return err
			}, func(attempt int, err error, wait time.Duration) {
				e.metrics.StoreRetry()
				e.logger.Debug("retrying store write",
					zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
			})
			select {
			case e.results <- writeResult{job: job, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) applyWrite(ctx context.Context, st Store, job writeJob) error {
	switch job.kind {
	case jobInsert:
		for i := range job.msgs {
			if err := st.Insert(ctx, &job.msgs[i]); err != nil {
				return err
			}
		}
		return nil
	case jobMarkSeen:
		_, err := st.MarkSeen(ctx, e.conv, job.ids)
		return err
	default:
		return fmt.Errorf("unknown write job %d", job.kind)
	}
}
