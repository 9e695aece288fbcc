package seen

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Store is the slice of the local store the reconciler reads and writes.
type Store interface {
	UnseenSent(ctx context.Context, conversationID, self string, cutoff *int64) ([]string, error)
	MarkSeen(ctx context.Context, conversationID string, ids []string) (int64, error)
}

// Reconciler marks the local user's sent messages as seen when presence
// implies the peer has read them.
//
// Override updates happen synchronously on the caller's goroutine; the store
// write runs in the background with bounded retries.
type Reconciler struct {
	conversationID string
	self           string
	overrides      *Overrides
	store          Store
	policy         retry.Policy
	logger         *zap.Logger

	wg sync.WaitGroup
}

// NewReconciler creates a reconciler for one conversation.
func NewReconciler(conversationID, self string, overrides *Overrides, st Store, policy retry.Policy, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		conversationID: conversationID,
		self:           self,
		overrides:      overrides,
		store:          st,
		policy:         policy,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
	}
}

// SetStore swaps the backing store, e.g. after falling back to memory.
func (r *Reconciler) SetStore(st Store) { r.store = st }

// MarkSentAsSeen marks every unseen message sent by self as seen, limited to
// messages created at or before cutoff when cutoff is non-nil. loaded holds
// rows the caller has in memory that may not have reached the store yet.
//
// Returns the ids whose override entry is new.
func (r *Reconciler) MarkSentAsSeen(ctx context.Context, cutoff *int64, loaded []store.Message) []string {
	candidates, err := r.store.UnseenSent(ctx, r.conversationID, r.self, cutoff)
	if err != nil {
		r.logger.Warn("unseen sent lookup failed, using loaded rows only", zap.Error(err))
		candidates = nil
	}

	listed := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		listed[id] = struct{}{}
	}
	for _, m := range loaded {
		if m.SenderID != r.self || m.Seen || m.Pending {
			continue
		}
		if cutoff != nil && m.CreatedAt > *cutoff {
			continue
		}
		if _, ok := listed[m.ID]; ok {
			continue
		}
		listed[m.ID] = struct{}{}
		candidates = append(candidates, m.ID)
	}
	if len(candidates) == 0 {
		return nil
	}

	var marked []string
	for _, id := range candidates {
		if r.overrides.MarkSeen(id) {
			marked = append(marked, id)
		}
	}

	r.persist(context.WithoutCancel(ctx), candidates)
	return marked
}

func (r *Reconciler) persist(ctx context.Context, ids []string) {
	st := r.store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.policy.Do(ctx, func() error {
			_, err := st.MarkSeen(ctx, r.conversationID, ids)
			if errors.Is(err, store.ErrCorrupt) {
				return retry.Permanent(err)
			}
			return err
		}, func(attempt int, err error, wait time.Duration) {
			r.logger.Debug("retrying seen write",
				zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		})
		if err != nil {
			r.logger.Warn("seen write abandoned", zap.Int("count", len(ids)), zap.Error(err))
		}
	}()
}

// Wait blocks until background store writes finish.
func (r *Reconciler) Wait() { r.wg.Wait() }
