package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/seen"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Store is the local message cache an engine reads and writes.
type Store interface {
	Ready() bool
	Initialize(ctx context.Context) error
	Insert(ctx context.Context, m *store.Message) error
	Query(ctx context.Context, conversationID string, limit int, beforeID string) ([]store.Message, error)
	UnseenSent(ctx context.Context, conversationID, self string, cutoff *int64) ([]string, error)
	MarkSeen(ctx context.Context, conversationID string, ids []string) (int64, error)
}

// Feed is the remote message stream of a conversation.
type Feed interface {
	Subscribe(ctx context.Context, conversationID string) (*feed.ChangeSubscription, error)
	FetchOlder(ctx context.Context, conversationID string, beforeMillis int64, limit int) ([]feed.RawMessage, error)
}

// PresenceFeed streams a user's presence documents.
type PresenceFeed interface {
	SubscribePresence(ctx context.Context, userID string) (*feed.PresenceSubscription, error)
}

// RemoteWriter issues fire-and-forget remote writes.
type RemoteWriter interface {
	MarkSeen(ctx context.Context, conversationID string, ids []string)
	SetHere(ctx context.Context, userID, conversationID string)
	SetTyping(ctx context.Context, userID string, typing bool)
}

type nopWriter struct{}

func (nopWriter) MarkSeen(context.Context, string, []string) {}
func (nopWriter) SetHere(context.Context, string, string)    {}
func (nopWriter) SetTyping(context.Context, string, bool)    {}

// Config holds the per-engine settings.
type Config struct {
	SelfUserID  string
	PageSize    int
	Retry       retry.Policy // local store initialization and writes
	Resubscribe retry.Policy // remote subscriptions
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = retry.Default
	}
	if c.Resubscribe.Attempts <= 0 {
		c.Resubscribe = retry.Policy{Attempts: 1 << 20, Base: 500 * time.Millisecond, Max: 30 * time.Second}
	}
}

// Deps are the collaborators shared by all engines of a process.
type Deps struct {
	Store    Store
	Feed     Feed
	Presence PresenceFeed
	Writer   RemoteWriter
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// MessagesEvent is the payload of bus.KindMessages.
type MessagesEvent struct {
	Handle         string
	ConversationID string
	Messages       []store.Message
}

// PresenceEvent is the payload of bus.KindPresence.
type PresenceEvent struct {
	Handle         string
	ConversationID string
	Status         presence.Status
	Appearance     presence.Appearance
}

// DegradedEvent is the payload of bus.KindDegraded.
type DegradedEvent struct {
	Handle         string
	ConversationID string
	Reason         string
}

// Engine synchronizes one open conversation. A single goroutine owns the
// override map, the presence snapshot, the loaded page and the cursor; every
// input reaches it over a channel.
type Engine struct {
	handle string
	conv   string
	peer   string
	self   string
	cfg    Config

	feed         Feed
	presenceFeed PresenceFeed
	writer       RemoteWriter
	bus          *bus.Bus
	metrics      *metrics.Metrics
	logger       *zap.Logger
	machine      *status.Machine

	storeMu stdsync.RWMutex
	store   Store
	memory  bool

	// Owned by the run goroutine.
	overrides  *seen.Overrides
	reconciler *seen.Reconciler
	snapshot   presence.Snapshot
	page       page
	cursor     Cursor
	feedSub    *feed.ChangeSubscription
	presSub    *feed.PresenceSubscription

	requests chan func(context.Context)
	results  chan writeResult
	feedSubs chan *feed.ChangeSubscription
	presSubs chan *feed.PresenceSubscription
	writes   *writeQueue
	live     chan struct{}
	done     chan struct{}
	bg       stdsync.WaitGroup
	closed   atomic.Bool
	degraded atomic.Bool

	// lifeMu orders Open against Close: cancel is set and the run loop
	// started, or closed is set first and Open refuses.
	lifeMu  stdsync.Mutex
	started bool
	cancel  context.CancelFunc

	watchMu      stdsync.Mutex
	msgWatchers  map[int]*watcher[[]store.Message]
	presWatchers map[int]*watcher[presence.Status]
	nextWatcher  int
	lastMessages []store.Message
	lastStatus   *presence.Status
	lastCursor   Cursor
}

// NewEngine creates an engine for conversationID with peerID. It does nothing
// until Open.
func NewEngine(handle, conversationID, peerID string, cfg Config, deps Deps) *Engine {
	cfg.defaults()
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	if deps.Writer == nil {
		deps.Writer = nopWriter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("handle", handle),
	)
	overrides := seen.NewOverrides()
	e := &Engine{
		handle:       handle,
		conv:         conversationID,
		peer:         peerID,
		self:         cfg.SelfUserID,
		cfg:          cfg,
		feed:         deps.Feed,
		presenceFeed: deps.Presence,
		writer:       deps.Writer,
		bus:          deps.Bus,
		metrics:      deps.Metrics,
		logger:       logger,
		machine:      status.NewMachine(conversationID, handle, deps.Bus),
		store:        deps.Store,
		overrides:    overrides,
		snapshot:     presence.Offline(),
		requests:     make(chan func(context.Context)),
		results:      make(chan writeResult, 64),
		feedSubs:     make(chan *feed.ChangeSubscription),
		presSubs:     make(chan *feed.PresenceSubscription),
		writes:       newWriteQueue(),
		live:         make(chan struct{}),
		done:         make(chan struct{}),
		msgWatchers:  make(map[int]*watcher[[]store.Message]),
		presWatchers: make(map[int]*watcher[presence.Status]),
	}
	e.reconciler = seen.NewReconciler(conversationID, cfg.SelfUserID, overrides, deps.Store, cfg.Retry, logger)
	return e
}

// Handle returns the engine's handle.
func (e *Engine) Handle() string { return e.handle }

// ConversationID returns the conversation the engine serves.
func (e *Engine) ConversationID() string { return e.conv }

// State returns the lifecycle state.
func (e *Engine) State() status.State { return e.machine.Current() }

// Degraded reports whether the engine has lost durable local caching or
// abandoned a local write.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

// Open moves the engine to Loading and starts it. The engine reaches Live in
// the background; use WaitLive to block on it.
func (e *Engine) Open(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.started {
		return fmt.Errorf("conversation %s already opened", e.conv)
	}
	e.started = true
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.machine.Transition(status.Loading); err != nil {
		return err
	}
	ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.writer.SetHere(ctx, e.self, e.conv)
	e.metrics.ConversationOpened()

	e.bg.Add(1)
	go e.writeLoop(ctx)
	go e.run(ctx)
	return nil
}

// WaitLive blocks until the engine is Live, closed, or ctx ends.
func (e *Engine) WaitLive(ctx context.Context) error {
	select {
	case <-e.live:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unsubscribes from the remote, clears the local user's here marker and
// discards the conversation's in-memory state. Safe to call repeatedly.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	if !e.closed.Swap(true) {
		if e.cancel == nil {
			// Never opened; Open now refuses, so run never starts.
			close(e.done)
		} else {
			e.cancel()
		}
	}
	e.lifeMu.Unlock()
	<-e.done
	return nil
}

// Wait blocks until background store writes started by the engine finish.
func (e *Engine) Wait() {
	<-e.done
	e.bg.Wait()
	e.reconciler.Wait()
}

// LoadOlder extends the loaded window by one page. It fails with ErrNotReady
// unless the engine is Live.
func (e *Engine) LoadOlder(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.machine.Is(status.Live) {
		return ErrNotReady
	}
	return e.call(ctx, e.loadOlder)
}

// AddPending shows an optimistic outgoing message before the remote echoes it.
func (e *Engine) AddPending(ctx context.Context, m store.Message) error {
	return e.call(ctx, func(context.Context) error {
		m.Pending = true
		e.page = e.page.upsert(m)
		e.page.sort()
		e.publishMessages()
		return nil
	})
}

// SetTyping publishes the local user's typing flag.
func (e *Engine) SetTyping(ctx context.Context, typing bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.writer.SetTyping(ctx, e.self, typing)
	return nil
}

// Cursor returns the pagination cursor as of the last publication.
func (e *Engine) Cursor() Cursor {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	return e.lastCursor
}

// SubscribeMessages registers fn for every published message list. fn runs on
// its own goroutine and receives the current list first, if there is one.
func (e *Engine) SubscribeMessages(fn func([]store.Message)) func() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	w := newWatcher(fn)
	id := e.nextWatcher
	e.nextWatcher++
	e.msgWatchers[id] = w
	if e.lastMessages != nil {
		w.set(e.lastMessages)
	}
	return func() {
		e.watchMu.Lock()
		delete(e.msgWatchers, id)
		e.watchMu.Unlock()
		w.close()
	}
}

// SubscribePresence registers fn for every published presence status.
func (e *Engine) SubscribePresence(fn func(presence.Status)) func() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	w := newWatcher(fn)
	id := e.nextWatcher
	e.nextWatcher++
	e.presWatchers[id] = w
	if e.lastStatus != nil {
		w.set(*e.lastStatus)
	}
	return func() {
		e.watchMu.Lock()
		delete(e.presWatchers, id)
		e.watchMu.Unlock()
		w.close()
	}
}

// call runs fn on the engine goroutine and waits for its result.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	req := func(loopCtx context.Context) { reply <- fn(loopCtx) }
	select {
	case e.requests <- req:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) currentStore() Store {
	e.storeMu.RLock()
	defer e.storeMu.RUnlock()
	return e.store
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer e.shutdown()

	e.initStore(ctx)
	if ctx.Err() != nil {
		return
	}
	e.subscribeFeed(ctx)
	e.subscribePresence(ctx)
	e.loadInitial(ctx)
	if ctx.Err() != nil {
		return
	}
	if err := e.machine.Transition(status.Live); err != nil {
		e.logger.Error("enter live", zap.Error(err))
		return
	}
	close(e.live)
	e.logger.Info("conversation live", zap.Int("messages", len(e.page)))
	e.publishMessages()
	e.publishStatus(presence.Reduce(e.snapshot, e.conv))

	for {
		var events <-chan feed.ChangeEvent
		if e.feedSub != nil {
			events = e.feedSub.Events()
		}
		var docs <-chan feed.PresenceDocument
		if e.presSub != nil {
			docs = e.presSub.Events()
		}

		select {
		case ev, ok := <-events:
			if !ok {
				e.logger.Warn("message feed dropped, resubscribing")
				e.feedSub.Unsubscribe()
				e.feedSub = nil
				e.resubscribeFeed(ctx)
				continue
			}
			e.handleBatch(ctx, e.drainEvents(ev))
		case doc, ok := <-docs:
			if !ok {
				e.logger.Warn("presence feed dropped, resubscribing")
				e.presSub.Unsubscribe()
				e.presSub = nil
				e.resubscribePresence(ctx)
				continue
			}
			e.handlePresence(ctx, doc)
		case sub := <-e.feedSubs:
			e.feedSub = sub
		case sub := <-e.presSubs:
			e.presSub = sub
		case res := <-e.results:
			e.handleWriteResult(ctx, res)
		case req := <-e.requests:
			req(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drainEvents collects first plus whatever is already buffered, up to one batch.
func (e *Engine) drainEvents(first feed.ChangeEvent) []feed.ChangeEvent {
	batch := []feed.ChangeEvent{first}
	for len(batch) < 256 {
		select {
		case ev, ok := <-e.feedSub.Events():
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (e *Engine) shutdown() {
	if e.feedSub != nil {
		e.feedSub.Unsubscribe()
	}
	if e.presSub != nil {
		e.presSub.Unsubscribe()
	}
	e.writer.SetHere(context.Background(), e.self, presence.NoConversation)

	e.overrides = nil
	e.snapshot = presence.Offline()
	e.page = nil

	if err := e.machine.Transition(status.Closed); err != nil {
		e.logger.Warn("close transition", zap.Error(err))
	}
	e.watchMu.Lock()
	for id, w := range e.msgWatchers {
		w.close()
		delete(e.msgWatchers, id)
	}
	for id, w := range e.presWatchers {
		w.close()
		delete(e.presWatchers, id)
	}
	e.lastMessages = nil
	e.lastStatus = nil
	e.watchMu.Unlock()
	e.metrics.ConversationClosed()
	e.logger.Info("conversation closed")
}

func (e *Engine) initStore(ctx context.Context) {
	st := e.currentStore()
	if st.Ready() {
		return
	}
	err := e.cfg.Retry.Do(ctx, func() error {
		err := st.Initialize(ctx)
		if errors.Is(err, store.ErrCorrupt) {
			return retry.Permanent(err)
		}
		if err == nil && !st.Ready() {
			return store.ErrNotReady
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		e.logger.Debug("store not ready", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrCorrupt):
		e.fallback(err)
	case ctx.Err() != nil:
	default:
		e.logger.Warn("store still not ready, continuing from the remote feed", zap.Error(err))
	}
}

// fallback switches the conversation to a volatile store for the rest of the
// session. It reports the failure once.
func (e *Engine) fallback(cause error) {
	e.storeMu.Lock()
	if e.memory {
		e.storeMu.Unlock()
		return
	}
	mem := store.NewMemory()
	for i := range e.page {
		m := e.page[i]
		_ = mem.Insert(context.Background(), &m)
	}
	e.store = mem
	e.memory = true
	e.storeMu.Unlock()

	e.reconciler.SetStore(mem)
	e.logger.Error("local store unusable, falling back to remote only", zap.Error(cause))
	e.markDegraded("local store corrupt: " + cause.Error())
}

func (e *Engine) markDegraded(reason string) {
	if !e.degraded.CompareAndSwap(false, true) {
		return
	}
	e.metrics.EnterDegraded()
	if e.closed.Load() {
		return
	}
	e.bus.Emit(bus.KindDegraded, DegradedEvent{Handle: e.handle, ConversationID: e.conv, Reason: reason})
}

func (e *Engine) subscribeFeed(ctx context.Context) {
	sub, err := e.feed.Subscribe(ctx, e.conv)
	if err != nil {
		e.logger.Warn("message feed subscribe failed, retrying in background", zap.Error(err))
		e.resubscribeFeed(ctx)
		return
	}
	e.feedSub = sub
}

func (e *Engine) subscribePresence(ctx context.Context) {
	if e.presenceFeed == nil || e.peer == "" {
		return
	}
	sub, err := e.presenceFeed.SubscribePresence(ctx, e.peer)
	if err != nil {
		e.logger.Warn("presence subscribe failed, retrying in background", zap.Error(err))
		e.resubscribePresence(ctx)
		return
	}
	e.presSub = sub
}

func (e *Engine) resubscribeFeed(ctx context.Context) {
	go func() {
		var sub *feed.ChangeSubscription
		err := e.cfg.Resubscribe.Do(ctx, func() error {
			s, err := e.feed.Subscribe(ctx, e.conv)
			sub = s
			return err
		}, func(attempt int, err error, wait time.Duration) {
			e.logger.Debug("message feed resubscribe failed", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		})
		if err != nil {
			return
		}
		select {
		case e.feedSubs <- sub:
		case <-ctx.Done():
			sub.Unsubscribe()
		}
	}()
}

func (e *Engine) resubscribePresence(ctx context.Context) {
	go func() {
		var sub *feed.PresenceSubscription
		err := e.cfg.Resubscribe.Do(ctx, func() error {
			s, err := e.presenceFeed.SubscribePresence(ctx, e.peer)
			sub = s
			return err
		}, func(attempt int, err error, wait time.Duration) {
			e.logger.Debug("presence resubscribe failed", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		})
		if err != nil {
			return
		}
		select {
		case e.presSubs <- sub:
		case <-ctx.Done():
			sub.Unsubscribe()
		}
	}()
}

func (e *Engine) loadInitial(ctx context.Context) {
	rows, err := e.currentStore().Query(ctx, e.conv, e.cfg.PageSize, "")
	if err != nil {
		e.logger.Warn("initial page query failed", zap.Error(err))
	}
	e.page = page(rows)
	e.overrides.Apply(e.page)
	e.page.sort()
	e.cursor = Cursor{HasMoreOlder: true}
	if o := e.page.oldest(); o != nil {
		e.cursor.OldestLoadedID = o.ID
	}
}

func (e *Engine) handleBatch(ctx context.Context, batch []feed.ChangeEvent) {
	var (
		inserts   []store.Message
		markIDs   []string
		peerSeen  []string
		changed   bool
		collapsed = make(map[string]struct{})
	)
	peerHere := e.snapshot.IsHere(e.conv)

	for _, ev := range batch {
		e.metrics.FeedEvent(ev.Kind.String())
		switch ev.Kind {
		case feed.EventAdded:
			m := ev.Message.ToMessage()
			if m.ConversationID == "" {
				m.ConversationID = e.conv
			}
			if m.ConversationID != e.conv || m.ID == "" {
				continue
			}
			m.Seen = seen.Merge(m, e.overrides.Get(m.ID), seen.FlagOf(ev.Message.Seen))
			if !m.Seen {
				switch {
				case m.SenderID == e.peer:
					// Delivered while the conversation is open: the local user sees it now.
					m.Seen = true
					peerSeen = append(peerSeen, m.ID)
				case m.SenderID == e.self && peerHere:
					m.Seen = true
				}
				if m.Seen {
					e.overrides.MarkSeen(m.ID)
				}
			}
			inserts = append(inserts, m)
			e.page = e.page.upsert(m)
			changed = true

		case feed.EventModified:
			if !ev.Seen {
				continue
			}
			if _, ok := collapsed[ev.ID]; ok {
				continue
			}
			collapsed[ev.ID] = struct{}{}
			e.overrides.MarkSeen(ev.ID)
			if e.page.markSeen(ev.ID) {
				changed = true
			}
			markIDs = append(markIDs, ev.ID)
		}
	}

	e.enqueueInsert(inserts)
	e.enqueueMarkSeen(markIDs)
	if len(peerSeen) > 0 {
		e.writer.MarkSeen(ctx, e.conv, peerSeen)
	}
	if changed {
		e.page.sort()
		e.publishMessages()
	}
}

func (e *Engine) handleWriteResult(ctx context.Context, res writeResult) {
	switch {
	case res.err == nil:
		if res.job.kind == jobInsert {
			e.refresh(ctx)
		}
	case errors.Is(res.err, store.ErrCorrupt):
		e.fallback(res.err)
		e.writes.push(res.job)
	case ctx.Err() != nil:
	default:
		e.metrics.StoreAbandon()
		e.logger.Warn("store write abandoned, will resync on next delivery",
			zap.Int("messages", len(res.job.msgs)), zap.Int("ids", len(res.job.ids)), zap.Error(res.err))
		e.markDegraded("store write abandoned: " + res.err.Error())
	}
}

// refresh re-reads the loaded window from the store and merges it with rows
// still waiting to be written.
func (e *Engine) refresh(ctx context.Context) {
	limit := max(len(e.page), e.cfg.PageSize)
	rows, err := e.currentStore().Query(ctx, e.conv, limit, "")
	if err != nil {
		e.logger.Debug("refresh query failed", zap.Error(err))
		return
	}
	oldest := e.page.oldest()
	for _, r := range rows {
		if oldest != nil && r.Before(*oldest) && len(e.page) >= e.cfg.PageSize {
			continue
		}
		e.page = e.page.upsert(r)
	}
	e.overrides.Apply(e.page)
	e.page.sort()
	e.publishMessages()
}

func (e *Engine) loadOlder(ctx context.Context) error {
	if !e.cursor.HasMoreOlder {
		return nil
	}
	limit := e.cfg.PageSize

	rows, storeErr := e.currentStore().Query(ctx, e.conv, limit, e.cursor.OldestLoadedID)
	if storeErr != nil {
		e.logger.Debug("older page query failed", zap.Error(storeErr))
		rows = nil
	}
	hasMore := len(rows) == limit

	if len(rows) < limit {
		fetched, more, err := e.fetchOlder(ctx, rows, limit-len(rows))
		if err != nil {
			e.logger.Warn("remote history fetch failed", zap.Error(err))
			if storeErr != nil {
				return fmt.Errorf("load older: %w", errors.Join(storeErr, err))
			}
			hasMore = true
		} else {
			hasMore = more
		}
		rows = append(rows, fetched...)
	}

	for _, r := range rows {
		e.page = e.page.upsert(r)
	}
	e.overrides.Apply(e.page)
	e.page.sort()
	e.cursor.HasMoreOlder = hasMore
	if o := e.page.oldest(); o != nil {
		e.cursor.OldestLoadedID = o.ID
	}
	e.publishMessages()
	return nil
}

// fetchOlder asks the remote for up to want messages older than everything
// loaded so far and queues them for the store.
func (e *Engine) fetchOlder(ctx context.Context, fromStore []store.Message, want int) ([]store.Message, bool, error) {
	known := make(map[string]struct{}, len(e.page)+len(fromStore))
	for _, m := range e.page {
		known[m.ID] = struct{}{}
	}
	oldest := e.page.oldest()
	for i := range fromStore {
		known[fromStore[i].ID] = struct{}{}
		if oldest == nil || fromStore[i].Before(*oldest) {
			oldest = &fromStore[i]
		}
	}

	var before int64
	boundary := 0
	if oldest != nil {
		before = oldest.CreatedAt
		for _, m := range e.page {
			if m.CreatedAt == before {
				boundary++
			}
		}
		for _, m := range fromStore {
			if m.CreatedAt == before {
				boundary++
			}
		}
	}
	// The remote bound is inclusive, so ask for the rows sharing the
	// boundary timestamp on top of the page.
	limit := want + boundary
	raws, err := e.feed.FetchOlder(ctx, e.conv, before, limit)
	if err != nil {
		return nil, true, err
	}

	var out []store.Message
	for _, raw := range raws {
		m := raw.ToMessage()
		if m.ConversationID == "" {
			m.ConversationID = e.conv
		}
		if _, ok := known[m.ID]; ok {
			continue
		}
		if oldest != nil && !m.Before(*oldest) {
			continue
		}
		m.Seen = seen.Merge(m, e.overrides.Get(m.ID), seen.FlagOf(raw.Seen))
		known[m.ID] = struct{}{}
		out = append(out, m)
	}
	e.enqueueInsert(slices.Clone(out))
	return out, len(raws) >= limit, nil
}

func (e *Engine) handlePresence(ctx context.Context, doc feed.PresenceDocument) {
	prev := e.snapshot
	next := doc.Snapshot()
	e.snapshot = next

	st := presence.Reduce(next, e.conv)
	e.publishStatus(st)

	tr := presence.Diff(prev, next, e.conv)
	var marked []string
	switch {
	case tr.EnteredHere:
		marked = e.reconciler.MarkSentAsSeen(ctx, nil, e.page)
	case tr.LeftHere:
		cutoff := max(next.LastSeenAt, prev.LastSeenAt)
		if cutoff > 0 {
			marked = e.reconciler.MarkSentAsSeen(ctx, &cutoff, e.page)
		}
	case tr.LastSeenAdvanced:
		cutoff := next.LastSeenAt
		marked = e.reconciler.MarkSentAsSeen(ctx, &cutoff, e.page)
	}
	if len(marked) > 0 {
		e.logger.Debug("sent messages marked seen from presence",
			zap.Int("count", len(marked)), zap.Bool("entered", tr.EnteredHere), zap.Bool("left", tr.LeftHere))
		e.overrides.Apply(e.page)
		e.publishMessages()
	}
}

func (e *Engine) publishMessages() {
	if e.closed.Load() {
		return
	}
	if o := e.page.oldest(); o != nil {
		e.cursor.OldestLoadedID = o.ID
	}
	msgs := slices.Clone([]store.Message(e.page))
	if msgs == nil {
		msgs = []store.Message{}
	}
	cursor := e.cursor

	e.watchMu.Lock()
	e.lastMessages = msgs
	e.lastCursor = cursor
	for _, w := range e.msgWatchers {
		w.set(msgs)
	}
	e.watchMu.Unlock()

	e.bus.Emit(bus.KindMessages, MessagesEvent{Handle: e.handle, ConversationID: e.conv, Messages: msgs})
}

func (e *Engine) publishStatus(st presence.Status) {
	if e.closed.Load() {
		return
	}
	e.metrics.PresenceStatus(string(st.Kind))

	e.watchMu.Lock()
	e.lastStatus = &st
	for _, w := range e.presWatchers {
		w.set(st)
	}
	e.watchMu.Unlock()

	e.bus.Emit(bus.KindPresence, PresenceEvent{
		Handle:         e.handle,
		ConversationID: e.conv,
		Status:         st,
		Appearance:     presence.AppearanceOf(st.Kind),
	})
}
