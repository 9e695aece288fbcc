package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

var errClosed = errors.New("store closed")

// DB wraps the SQLite connection for the app-owned chatsync.db.
//
// Reads use the pooled handle directly. Writes are funneled through a single
// writer goroutine so that every conversation sharing the file observes one
// serialized write order.
type DB struct {
	*sql.DB

	ready  atomic.Bool
	initMu sync.Mutex

	writes    chan writeOp
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type writeOp struct {
	fn   func(tx *sql.Tx) error
	done chan error
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// The schema is not touched; call Initialize before writing.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db := &DB{
		DB:     sqlDB,
		writes: make(chan writeOp, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go db.writer()
	return db, nil
}

// Ready reports whether the schema is initialized and the store accepts reads and writes.
func (db *DB) Ready() bool {
	return db.ready.Load()
}

// Initialize brings the schema up to date. Safe to call repeatedly.
// Migration failures are reported as ErrCorrupt.
func (db *DB) Initialize(_ context.Context) error {
	db.initMu.Lock()
	defer db.initMu.Unlock()
	if db.ready.Load() {
		return nil
	}
	if _, err := db.Migrate(); err != nil {
		return err
	}
	db.ready.Store(true)
	return nil
}

// Close stops the writer after it drains queued writes, then closes the connection.
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		close(db.stop)
		<-db.done
		err = db.DB.Close()
	})
	return err
}

func (db *DB) writer() {
	defer close(db.done)
	for {
		select {
		case op := <-db.writes:
			op.done <- db.apply(op.fn)
		case <-db.stop:
			for {
				select {
				case op := <-db.writes:
					op.done <- db.apply(op.fn)
				default:
					return
				}
			}
		}
	}
}

func (db *DB) apply(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// write queues fn on the single writer and waits for its result. A write that
// was already queued runs to completion even if ctx is cancelled meanwhile.
func (db *DB) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if !db.ready.Load() {
		return ErrNotReady
	}
	op := writeOp{fn: fn, done: make(chan error, 1)}
	select {
	case db.writes <- op:
	case <-db.stop:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.done:
		return err
	case <-db.done:
		select {
		case err := <-op.done:
			return err
		default:
			return errClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
