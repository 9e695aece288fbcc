package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// mockAppender records calls and returns configurable results.
type mockAppender struct {
	mu    sync.Mutex
	calls []feed.RawMessage
	err   error
	delay time.Duration // artificial delay to observe intermediate states
}

func (m *mockAppender) Append(_ context.Context, msg feed.RawMessage) error {
	m.mu.Lock()
	m.calls = append(m.calls, msg)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.err
}

func (m *mockAppender) Calls() []feed.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]feed.RawMessage(nil), m.calls...)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSenderAppendsQueuedMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockAppender{}
	s := NewSender(db, mock, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	msg, err := s.Enqueue(context.Background(), "c1", "me", "hello", "")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		ack, ok := evt.Payload.(SendAck)
		if !ok {
			t.Fatalf("payload = %T, want SendAck", evt.Payload)
		}
		if ack.ClientMsgID != msg.ID || ack.ConversationID != "c1" {
			t.Errorf("ack = %+v, want {%s c1}", ack, msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d appends, want 1", len(calls))
	}
	if calls[0].ID != msg.ID || calls[0].Text != "hello" || calls[0].UserID != "me" {
		t.Errorf("append = %+v", calls[0])
	}

	pending, err := db.PendingOutbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockAppender{err: errors.New("network error")}
	s := NewSender(db, mock, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	if _, err := s.Enqueue(context.Background(), "c1", "me", "hello", ""); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		f, ok := evt.Payload.(SendFailure)
		if !ok {
			t.Fatalf("payload = %T, want SendFailure", evt.Payload)
		}
		if f.Error != "network error" {
			t.Errorf("error = %q, want network error", f.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	// A failed entry is not retried.
	pending, err := db.PendingOutbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 (should be marked failed)", len(pending))
	}
}

// TestSenderOptimisticInsert verifies that the pending copy is stored before
// the remote append completes.
func TestSenderOptimisticInsert(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockAppender{delay: 300 * time.Millisecond}
	s := NewSender(db, mock, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.KindUpserted, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	msg, err := s.Enqueue(context.Background(), "c1", "me", "optimistic", "img://1")
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Pending {
		t.Error("returned message is not pending")
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message.upserted event")
	}

	got, err := db.Get(context.Background(), "c1", msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("optimistic row missing")
	}
	if !got.Pending || got.Body != "optimistic" || got.ImageRef != "img://1" {
		t.Errorf("row = %+v, want pending optimistic row", *got)
	}
}

// TestSenderEchoReplacesPending verifies the remote copy keyed by the client
// id supersedes the optimistic row.
func TestSenderEchoReplacesPending(t *testing.T) {
	db := testDB(t)
	remote := feed.NewMemory(10)
	s := NewSender(db, remote, bus.New(), zap.NewNop())
	ctx := context.Background()

	msg, err := s.Enqueue(ctx, "c1", "me", "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(ctx)

	older, err := remote.FetchOlder(ctx, "c1", time.Now().Add(time.Hour).UnixMilli(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 1 || older[0].ID != msg.ID {
		t.Fatalf("remote = %+v, want one message %s", older, msg.ID)
	}

	echo := older[0].ToMessage()
	if err := db.Insert(ctx, &echo); err != nil {
		t.Fatal(err)
	}
	n, err := db.Count(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	got, _ := db.Get(ctx, "c1", msg.ID)
	if got == nil || got.Pending {
		t.Errorf("row = %+v, want confirmed", got)
	}
}
