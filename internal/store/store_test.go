package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// messageStore is the contract shared by DB and Memory.
type messageStore interface {
	Insert(ctx context.Context, m *Message) error
	Query(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error)
	Get(ctx context.Context, conversationID, id string) (*Message, error)
	UnseenSent(ctx context.Context, conversationID, self string, cutoff *int64) ([]string, error)
	MarkSeen(ctx context.Context, conversationID string, ids []string) (int64, error)
	Count(ctx context.Context, conversationID string) (int64, error)
}

// eachStore runs fn against a fresh SQLite store and a fresh Memory store.
func eachStore(t *testing.T, fn func(t *testing.T, s messageStore)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, testDB(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran the migrations, so a second run must be a no-op.
	schema, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if schema.Applied {
		t.Error("second Migrate() should report Applied=false")
	}
	if schema.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", schema.Version, SchemaVersion)
	}
}

func TestNotReadyBeforeInitialize(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	if db.Ready() {
		t.Fatal("Ready() = true before Initialize")
	}
	err = db.Insert(ctx, &Message{ConversationID: "c", ID: "m1"})
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("Insert before Initialize error = %v, want ErrNotReady", err)
	}
	if _, err := db.Query(ctx, "c", 10, ""); !errors.Is(err, ErrNotReady) {
		t.Errorf("Query before Initialize error = %v, want ErrNotReady", err)
	}

	if err := db.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if !db.Ready() {
		t.Fatal("Ready() = false after Initialize")
	}
	if err := db.Insert(ctx, &Message{ConversationID: "c", ID: "m1"}); err != nil {
		t.Errorf("Insert after Initialize error = %v", err)
	}
}

func TestDirtySchemaIsCorrupt(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "dirty.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// Simulate a migration that crashed half way.
	if _, err := db.DB.Exec(`CREATE TABLE schema_migrations (version uint64, dirty bool)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.DB.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (1, 1)`); err != nil {
		t.Fatal(err)
	}

	err = db.Initialize(context.Background())
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Initialize() error = %v, want ErrCorrupt", err)
	}
	if db.Ready() {
		t.Error("Ready() = true after a failed Initialize")
	}
}

// TestSchemaHasRequiredColumns verifies the migration creates every column the
// engine writes through raw SQL.
func TestSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert message", "INSERT INTO messages (conversation_id, message_id, sender_id, body, image_ref, created_at, seen, flags, pending) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{"c", "m1", "u1", "hi", "", 1000, false, 0, false}},
		{"queue outbox", "INSERT INTO outbox (client_msg_id, conversation_id, sender_id, body, status) VALUES (?, ?, ?, ?, ?)", []any{"cid", "c", "u1", "text", "queued"}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestInsertIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s messageStore) {
		ctx := context.Background()
		orig := &Message{ConversationID: "c", ID: "m1", SenderID: "u1", Body: "hello", CreatedAt: 1000, Flags: FlagAd}
		if err := s.Insert(ctx, orig); err != nil {
			t.Fatal(err)
		}
		// Same id, different write-once fields: must be ignored.
		dup := &Message{ConversationID: "c", ID: "m1", SenderID: "u2", Body: "changed", CreatedAt: 5000}
		if err := s.Insert(ctx, dup); err != nil {
			t.Fatal(err)
		}

		n, err := s.Count(ctx, "c")
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("count = %d, want 1 (idempotent insert)", n)
		}
		got, err := s.Get(ctx, "c", "m1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Body != "hello" || got.SenderID != "u1" || got.CreatedAt != 1000 || !got.Flags.Has(FlagAd) {
			t.Errorf("row = %+v, want original write-once fields", got)
		}
	})
}

func TestInsertSeenIsMonotonic(t *testing.T) {
	eachStore(t, func(t *testing.T, s messageStore) {
		ctx := context.Background()
		m := &Message{ConversationID: "c", ID: "m1", CreatedAt: 1000}
		if err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}

		m.Seen = true
		if err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, "c", "m1")
		if !got.Seen {
			t.Fatal("seen = false after false->true upsert")
		}

		// true -> false is silently ignored.
		m.Seen = false
		if err := s.Insert(ctx, m); err != nil {
			t.Fatalf("true->false upsert returned error %v, want silent no-op", err)
		}
		got, _ = s.Get(ctx, "c", "m1")
		if !got.Seen {
			t.Error("seen regressed to false")
		}
	})
}

func TestQueryOrderingRegardlessOfInsertOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s messageStore) {
		ctx := context.Background()
		inserts := []Message{
			{ID: "c", CreatedAt: 2000},
			{ID: "a", CreatedAt: 3000},
			{ID: "e", CreatedAt: 1000},
			{ID: "b", CreatedAt: 2000},
			{ID: "d", CreatedAt: 3000},
		}
		for _, m := range inserts {
			m.ConversationID = "conv"
			if err := s.Insert(ctx, &m); err != nil {
				t.Fatal(err)
			}
		}

		msgs, err := s.Query(ctx, "conv", 10, "")
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"d", "a", "c", "b", "e"}
		if got := ids(msgs); !reflect.DeepEqual(got, want) {
			t.Errorf("order = %v, want %v", got, want)
		}
	})
}

// TestQueryTimestampTieBreak covers two messages sharing a timestamp arriving
// as "b" then "a": the page lists "b" first.
func TestQueryTimestampTieBreak(t *testing.T) {
	eachStore(t, func(t *testing.T, s messageStore) {
		ctx := context.Background()
		for _, id := range []string{"b", "a"} {
			if err := s.Insert(ctx, &Message{ConversationID: "conv", ID: id, CreatedAt: 1000}); err != nil {
				t.Fatal(err)
			}
		}
		msgs, err := s.Query(ctx, "conv", 10, "")
		if err != nil {
			t.Fatal(err)
		}
		if got := ids(msgs); !reflect.DeepEqual(got, []string{"b", "a"}) {
			t.Errorf("order = %v, want [b a]", got)
		}
	})
}

func TestQueryBeforeCursor(t *testing.T) {
	eachStore(t, func(t *testing.T, s messageStore) {
		ctx := context.Background()
		for _, m := range []Message{
			{ID: "m1", CreatedAt: 1000},
			{ID: "m2", CreatedAt: 2000},
			{ID: "m3a", CreatedAt: 3000},
			{ID: "m3b", CreatedAt: 3000},
			{ID: "m4", CreatedAt: 4000},
		} {
			m.ConversationID = "conv"
			if err := s.Insert(ctx, &m); err != nil {
				t.Fatal(err)
			}
		}
		// Another conversation must never leak into the page.
		if err := s.Insert(ctx, &Message{ConversationID: "other", ID: "x", CreatedAt: 2500}); err != nil {
			t.Fatal(err)
		}

		first, err := s.Query(ctx, "conv", 2, "")
		if err != nil {
			t.Fatal(err)
		}
		if got := ids(first); !reflect.DeepEqual(got, []string{"m4", "m3b"}) {
			t.Fatalf("first page = %v, want [m4 m3b]", got)
		}

		second, err := s.Query(ctx, "conv", 2, "m3b")
		if err != nil {
			t.Fatal(err)
		}
		if got := ids(second); !reflect.DeepEqual(got, []string{"m3a", "m2"}) {
			t.Fatalf("second page = %v, want [m3a m2]", got)
		}

		third, err := s.Query(ctx, "conv", 2, "m2")
		if err != nil {
			t.Fatal(err)
		}
		if got := ids(third); !reflect.DeepEqual(got, []string{"m1"}) {
			t.Errorf("third page = %v, want [m1]", got)
		}
	})
}

func TestQueryUnknownCursor(t *testing.T) {
	eachStore(t, func(t *testing.T, s messageStore) {
		_, err := s.Query(context.Background(), "conv", 10, "missing")
		if !errors.Is(err, ErrUnknownCursor) {
			t.Errorf("error = %v, want ErrUnknownCursor", err)
		}
	})
}

// TestPendingRowReplacedByEcho verifies that an optimistic outgoing row takes
// the remote's authoritative fields once, and is write-once afterwards.
func TestPendingRowReplacedByEcho(t *testing.T) {
	eachStore(t, func(t *testing.T, s messageStore) {
		ctx := context.Background()
		optimistic := &Message{ConversationID: "c", ID: "cid", SenderID: "me", Body: "hi", CreatedAt: 1500, Pending: true}
		if err := s.Insert(ctx, optimistic); err != nil {
			t.Fatal(err)
		}
		echo := &Message{ConversationID: "c", ID: "cid", SenderID: "me", Body: "hi", CreatedAt: 1234}
		if err := s.Insert(ctx, echo); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, "c", "cid")
		if got.Pending || got.CreatedAt != 1234 {
			t.Fatalf("row = %+v, want pending=false created_at=1234", got)
		}

		late := &Message{ConversationID: "c", ID: "cid", SenderID: "me", Body: "hi", CreatedAt: 9999}
		if err := s.Insert(ctx, late); err != nil {
			t.Fatal(err)
		}
		got, _ = s.Get(ctx, "c", "cid")
		if got.CreatedAt != 1234 {
			t.Errorf("created_at = %d after second echo, want 1234 (write-once)", got.CreatedAt)
		}
	})
}

func TestUnseenSentAndMarkSeen(t *testing.T) {
	eachStore(t, func(t *testing.T, s messageStore) {
		ctx := context.Background()
		for _, m := range []Message{
			{ID: "s1", SenderID: "me", CreatedAt: 1000},
			{ID: "s2", SenderID: "me", CreatedAt: 2000},
			{ID: "s3", SenderID: "me", CreatedAt: 3000},
			{ID: "s4", SenderID: "me", CreatedAt: 500, Seen: true},
			{ID: "p1", SenderID: "peer", CreatedAt: 1500},
		} {
			m.ConversationID = "c"
			if err := s.Insert(ctx, &m); err != nil {
				t.Fatal(err)
			}
		}

		all, err := s.UnseenSent(ctx, "c", "me", nil)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(all, []string{"s1", "s2", "s3"}) {
			t.Errorf("UnseenSent(nil) = %v, want [s1 s2 s3]", all)
		}

		cutoff := int64(2000)
		upTo, err := s.UnseenSent(ctx, "c", "me", &cutoff)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(upTo, []string{"s1", "s2"}) {
			t.Errorf("UnseenSent(2000) = %v, want [s1 s2]", upTo)
		}

		n, err := s.MarkSeen(ctx, "c", upTo)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("MarkSeen changed %d rows, want 2", n)
		}
		rest, _ := s.UnseenSent(ctx, "c", "me", nil)
		if !reflect.DeepEqual(rest, []string{"s3"}) {
			t.Errorf("UnseenSent after mark = %v, want [s3]", rest)
		}
	})
}

func TestOutbox(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.QueueOutbox(ctx, &OutboxEntry{ClientMsgID: "client1", ConversationID: "c", SenderID: "me", Body: "test msg"}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].ClientMsgID != "client1" || pending[0].SenderID != "me" {
		t.Errorf("entry = %+v, want client1 from me", pending[0])
	}

	if err := db.MarkOutboxSending(ctx, "client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent(ctx, "client1"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := db.Checkpoint(ctx, "feed.resume.c1")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("missing checkpoint = %q, want empty", v)
	}

	if err := db.SetCheckpoint(ctx, "feed.resume.c1", "tok1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(ctx, "feed.resume.c1", "tok2"); err != nil {
		t.Fatal(err)
	}
	v, err = db.Checkpoint(ctx, "feed.resume.c1")
	if err != nil {
		t.Fatal(err)
	}
	if v != "tok2" {
		t.Errorf("checkpoint = %q, want tok2", v)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Insert(context.Background(), &Message{ConversationID: "c", ID: "m"}); err == nil {
		t.Error("Insert after Close should fail")
	}
	// Close is idempotent.
	if err := db.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
