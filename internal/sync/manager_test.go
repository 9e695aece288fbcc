package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *feed.Memory, *store.DB) {
	t.Helper()
	db := testDB(t)
	if err := db.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	fd := feed.NewMemory(0)
	b := bus.New()
	logger := zap.NewNop()

	sender := outbox.NewSender(db, fd, b, logger)
	sender.Start(context.Background())
	t.Cleanup(sender.Stop)

	m := NewManager(testConfig(), Deps{
		Store:    db,
		Feed:     fd,
		Presence: fd,
		Writer:   remote.NewWriter(fd, remote.Options{}, logger),
		Bus:      b,
		Logger:   logger,
	}, sender)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, fd, db
}

func TestManagerOpenAndClose(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	h, err := m.OpenConversation(ctx, testConv, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WaitLive(ctx, h); err != nil {
		t.Fatal(err)
	}
	conv, err := m.Describe(h)
	if err != nil {
		t.Fatal(err)
	}
	if conv.ConversationID != testConv || conv.PeerID != testPeer || conv.State != status.Live {
		t.Errorf("describe = %+v", conv)
	}
	if got := m.Conversations(); len(got) != 1 || got[0].Handle != h {
		t.Errorf("conversations = %+v, want one with handle %s", got, h)
	}

	if err := m.CloseConversation(h); err != nil {
		t.Fatal(err)
	}
	if err := m.CloseConversation(h); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("second close = %v, want ErrUnknownHandle", err)
	}
	if err := m.LoadOlder(ctx, h); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("LoadOlder on closed handle = %v, want ErrUnknownHandle", err)
	}
}

func TestManagerRejectsInvalidConversation(t *testing.T) {
	m, _, _ := newTestManager(t)
	for _, id := range []string{"", presence.NoConversation} {
		if _, err := m.OpenConversation(context.Background(), id, testPeer); !errors.Is(err, ErrInvalidConversation) {
			t.Errorf("OpenConversation(%q) = %v, want ErrInvalidConversation", id, err)
		}
	}
}

func TestManagerSendMessageReplacesPending(t *testing.T) {
	m, fd, db := newTestManager(t)
	ctx := context.Background()

	h, err := m.OpenConversation(ctx, testConv, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WaitLive(ctx, h); err != nil {
		t.Fatal(err)
	}

	got := make(chan []store.Message, 64)
	unsub, err := m.SubscribeMessages(h, func(msgs []store.Message) { got <- msgs })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	msg, err := m.SendMessage(ctx, h, "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Pending || msg.SenderID != testSelf {
		t.Errorf("returned = %+v, want pending message from %s", msg, testSelf)
	}

	deadline := time.After(3 * time.Second)
	for confirmed := false; !confirmed; {
		select {
		case msgs := <-got:
			if len(msgs) > 1 {
				t.Fatalf("got %d messages, want the echo to replace the pending copy", len(msgs))
			}
			confirmed = len(msgs) == 1 && msgs[0].ID == msg.ID && !msgs[0].Pending
		case <-deadline:
			t.Fatal("timeout waiting for confirmed message")
		}
	}

	raws, err := fd.FetchOlder(ctx, testConv, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(raws) != 1 || raws[0].Text != "hello" {
		t.Errorf("remote = %+v, want one message", raws)
	}
	waitFor(t, "confirmed store row", func() bool {
		row, err := db.Get(ctx, testConv, msg.ID)
		return err == nil && row != nil && !row.Pending
	})
}

func TestManagerSetTypingWritesPresence(t *testing.T) {
	m, fd, _ := newTestManager(t)
	ctx := context.Background()

	h, err := m.OpenConversation(ctx, testConv, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := fd.SubscribePresence(ctx, testSelf)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := m.SetTyping(ctx, h, true); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case doc := <-sub.Events():
			if doc.Typing {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for typing presence")
		}
	}
}

func TestManagerShutdown(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	h, err := m.OpenConversation(ctx, testConv, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Describe(h); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Describe after shutdown = %v, want ErrUnknownHandle", err)
	}
	if _, err := m.OpenConversation(ctx, testConv, testPeer); !errors.Is(err, ErrClosed) {
		t.Errorf("open after shutdown = %v, want ErrClosed", err)
	}
}
