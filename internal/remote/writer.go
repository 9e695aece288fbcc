// Package remote issues fire-and-forget writes to the remote feed.
package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sink is the remote side of the writes.
type Sink interface {
	MarkSeen(ctx context.Context, conversationID string, ids []string) error
	SetHere(ctx context.Context, userID, conversationID string) error
	SetTyping(ctx context.Context, userID string, typing bool) error
}

// Outcome labels the result of one remote write.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeOpen    Outcome = "circuit_open"
	OutcomeLimited Outcome = "rate_limited"
)

// Options tunes a Writer.
type Options struct {
	Rate        float64 // writes per second
	Burst       int
	MaxFailures uint32 // consecutive failures that open the breaker
	OpenTimeout time.Duration
	CallTimeout time.Duration
	// Observe, if set, is called once per write with its outcome.
	Observe func(op string, outcome Outcome)
}

func (o *Options) defaults() {
	if o.Rate <= 0 {
		o.Rate = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
}

// Writer runs remote writes in the background behind a rate limiter and a
// circuit breaker. Callers never wait on the remote; failures are logged.
type Writer struct {
	sink    Sink
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	opts    Options
	logger  *zap.Logger

	wg sync.WaitGroup
}

// NewWriter creates a Writer over sink.
func NewWriter(sink Sink, opts Options, logger *zap.Logger) *Writer {
	opts.defaults()
	logger = logger.Named("remote")
	st := gobreaker.Settings{
		Name:        "remote-writes",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Writer{
		sink:    sink,
		cb:      gobreaker.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		opts:    opts,
		logger:  logger,
	}
}

// MarkSeen flags messages as seen remotely.
func (w *Writer) MarkSeen(ctx context.Context, conversationID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	ids = append([]string(nil), ids...)
	w.submit(ctx, "mark_seen", func(ctx context.Context) error {
		return w.sink.MarkSeen(ctx, conversationID, ids)
	}, zap.String("conversation_id", conversationID), zap.Int("count", len(ids)))
}

// SetHere publishes which conversation the local user has open.
func (w *Writer) SetHere(ctx context.Context, userID, conversationID string) {
	w.submit(ctx, "set_here", func(ctx context.Context) error {
		return w.sink.SetHere(ctx, userID, conversationID)
	}, zap.String("conversation_id", conversationID))
}

// SetTyping publishes the local user's typing flag.
func (w *Writer) SetTyping(ctx context.Context, userID string, typing bool) {
	w.submit(ctx, "set_typing", func(ctx context.Context) error {
		return w.sink.SetTyping(ctx, userID, typing)
	}, zap.Bool("typing", typing))
}

// State reports the breaker state.
func (w *Writer) State() gobreaker.State { return w.cb.State() }

// Wait blocks until all submitted writes have finished.
func (w *Writer) Wait() { w.wg.Wait() }

func (w *Writer) submit(ctx context.Context, op string, fn func(context.Context) error, fields ...zap.Field) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.CallTimeout)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		w.observe(op, w.run(ctx, op, fn, fields))
	}()
}

func (w *Writer) run(ctx context.Context, op string, fn func(context.Context) error, fields []zap.Field) Outcome {
	fields = append(fields, zap.String("op", op))
	if err := w.limiter.Wait(ctx); err != nil {
		w.logger.Warn("remote write dropped by limiter", append(fields, zap.Error(err))...)
		return OutcomeLimited
	}
	_, err := w.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		w.logger.Debug("remote write skipped, circuit open", fields...)
		return OutcomeOpen
	default:
		w.logger.Warn("remote write failed", append(fields, zap.Error(err))...)
		return OutcomeFailed
	}
}

func (w *Writer) observe(op string, o Outcome) {
	if w.opts.Observe != nil {
		w.opts.Observe(op, o)
	}
}
