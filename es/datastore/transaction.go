package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters"
	"github.com/getpup/pupstore/es/store"
)

// Write is a database write staged on a Transaction until the next flush.
// It must return errors already classified, or plain driver errors, which
// the transaction classifies with its dialect.
type Write func(ctx context.Context, db es.DBTX) error

// Transaction is a unit of work bound to one database session.
// It implements es.DBTX so callers can run their own statements in it.
//
// A Transaction is not safe for concurrent use, like the *sql.Tx it wraps.
type Transaction struct {
	ds *Datastore

	// conn is the session statements run on: the owned *sql.Tx or an
	// external session
	conn es.DBTX
	tx   *sql.Tx

	owned  bool
	commit bool
	depth  int
	locked bool

	staged     []Write
	scopes     []*scope
	savepoints int
}

// scope is a nested scope joined to the transaction. Its savepoint is taken
// lazily, just before the first write of the scope reaches the session.
type scope struct {
	// mark is the number of staged writes that belong to enclosing scopes
	mark      int
	savepoint string
}

type txKey struct {
	ds *Datastore
}

// Transaction runs fn in a transaction and releases it on every exit path.
//
// With commit set, staged writes are flushed and the transaction is committed
// when fn returns nil; otherwise it is rolled back. An error or panic from fn
// always rolls back. A transaction already carried by ctx is joined instead:
// only the outermost scope commits. A nested scope that fails drops its staged
// writes and rolls back to a savepoint taken before its first write, so the
// enclosing scope can carry on. Asking to commit inside a scope opened
// without commit is a store.ErrProgramming error.
//
// When ctx carries an external session (WithSession, or a configured
// SessionProvider), the transaction runs on it and never commits, rolls back
// or closes it; staged writes are flushed into it when the scope ends.
func (d *Datastore) Transaction(ctx context.Context, commit bool, fn func(ctx context.Context, tx *Transaction) error) error {
	if t, ok := ctx.Value(txKey{d}).(*Transaction); ok {
		return t.nested(ctx, commit, fn)
	}

	t, err := d.begin(ctx, commit)
	if err != nil {
		return err
	}
	return t.run(context.WithValue(ctx, txKey{d}, t), fn)
}

// Current returns the transaction of this datastore carried by ctx, if any.
func (d *Datastore) Current(ctx context.Context) (*Transaction, bool) {
	t, ok := ctx.Value(txKey{d}).(*Transaction)
	return t, ok
}

func (d *Datastore) begin(ctx context.Context, commit bool) (*Transaction, error) {
	t := &Transaction{ds: d, commit: commit, depth: 1}

	if session, ok := d.session(ctx); ok {
		t.conn = session
		if d.config.Logger != nil {
			d.config.Logger.Debug(ctx, "transaction joined external session", "commit", commit)
		}
		return t, nil
	}

	if commit && d.writeLock != nil {
		if err := d.writeLock.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("failed to acquire write lock: %w", err)
		}
		t.locked = true
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		t.release()
		err = connectionFailure(d.dialect, err)
		if d.config.Logger != nil {
			d.config.Logger.Error(ctx, "failed to begin transaction", "error", err)
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	t.tx = tx
	t.conn = tx
	t.owned = true

	if d.config.Logger != nil {
		d.config.Logger.Debug(ctx, "transaction started", "commit", commit)
	}
	return t, nil
}

func (d *Datastore) session(ctx context.Context) (es.DBTX, bool) {
	if session, ok := sessionFromContext(ctx); ok {
		return session, true
	}
	if d.config.Sessions != nil {
		return d.config.Sessions.Session(ctx)
	}
	return nil, false
}

// run executes the outermost scope.
func (t *Transaction) run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) error {
	defer func() {
		if p := recover(); p != nil {
			t.abort(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, t); err != nil {
		t.abort(ctx)
		return err
	}
	return t.finish(ctx)
}

func (t *Transaction) nested(ctx context.Context, commit bool, fn func(ctx context.Context, tx *Transaction) error) error {
	if commit && !t.commit {
		return fmt.Errorf("%w: cannot commit inside a transaction opened without commit", store.ErrProgramming)
	}

	s := &scope{mark: len(t.staged)}
	t.scopes = append(t.scopes, s)
	t.depth++
	defer func() {
		t.scopes = t.scopes[:len(t.scopes)-1]
		t.depth--
	}()

	defer func() {
		if p := recover(); p != nil {
			t.unwind(ctx, s)
			panic(p)
		}
	}()

	if err := fn(ctx, t); err != nil {
		t.unwind(ctx, s)
		return err
	}

	if s.savepoint != "" {
		if _, err := t.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+s.savepoint); err != nil {
			return fmt.Errorf("failed to release savepoint: %w", t.ds.dialect.Classify(err))
		}
	}
	return nil
}

// unwind undoes the writes of a failed nested scope, staged or flushed.
func (t *Transaction) unwind(ctx context.Context, s *scope) {
	if s.mark < len(t.staged) {
		t.staged = t.staged[:s.mark]
	}
	if s.savepoint != "" {
		t.rollbackTo(ctx, s.savepoint)
	}
}

// finish ends the outermost scope of a successful function.
func (t *Transaction) finish(ctx context.Context) error {
	logger := t.ds.config.Logger

	if !t.commit {
		t.staged = nil
		if t.owned {
			if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				t.release()
				return fmt.Errorf("failed to end transaction: %w", t.ds.dialect.Classify(err))
			}
		}
		t.release()
		return nil
	}

	if err := t.Flush(ctx); err != nil {
		t.abort(ctx)
		return err
	}
	if !t.owned {
		return nil
	}

	if err := t.tx.Commit(); err != nil {
		err = t.ds.dialect.Classify(err)
		t.abort(ctx)
		if logger != nil {
			logger.Error(ctx, "failed to commit transaction", "error", err)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.release()

	if logger != nil {
		logger.Debug(ctx, "transaction committed")
	}
	return nil
}

// abort rolls an owned transaction back and drops staged writes.
// External sessions are left to their owner.
func (t *Transaction) abort(ctx context.Context) {
	t.staged = nil
	defer t.release()
	if !t.owned {
		return
	}
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		if t.ds.config.Logger != nil {
			t.ds.config.Logger.Error(ctx, "failed to roll back transaction", "error", err)
		}
		return
	}
	if t.ds.config.Logger != nil {
		t.ds.config.Logger.Debug(ctx, "transaction rolled back")
	}
}

func (t *Transaction) release() {
	if t.locked {
		t.locked = false
		t.ds.writeLock.Release(1)
	}
}

// Dialect returns the dialect of the datastore the transaction belongs to.
func (t *Transaction) Dialect() adapters.Dialect {
	return t.ds.dialect
}

// Logger returns the datastore's logger, which may be nil.
func (t *Transaction) Logger() es.Logger {
	return t.ds.config.Logger
}

// Owned reports whether the transaction owns its session, as opposed to
// running on an external one.
func (t *Transaction) Owned() bool {
	return t.owned
}

// Commits reports whether the transaction commits when its outermost scope succeeds.
func (t *Transaction) Commits() bool {
	return t.commit
}

// Stage queues a write until the next flush.
func (t *Transaction) Stage(w Write) {
	t.staged = append(t.staged, w)
}

// Pending returns the number of staged writes.
func (t *Transaction) Pending() int {
	return len(t.staged)
}

// Flush runs the staged writes in order.
//
// On an external session or inside a nested scope the writes run under a
// savepoint, so a failing write leaves none of them behind and the session
// stays usable. Staged writes are dropped whether or not they succeed.
func (t *Transaction) Flush(ctx context.Context) error {
	return t.flush(ctx, false)
}

// flush opens the savepoint of every nested scope with a staged write, after
// the writes of its enclosing scopes have run. With direct set it opens all of
// them, for a statement about to run outside the staged queue.
func (t *Transaction) flush(ctx context.Context, direct bool) error {
	writes := t.staged
	t.staged = nil

	pos := 0
	var err error
	for _, s := range t.scopes {
		mark := s.mark
		s.mark = 0
		if err != nil || s.savepoint != "" || (!direct && mark >= len(writes)) {
			continue
		}
		if err = t.apply(ctx, writes[pos:mark]); err != nil {
			continue
		}
		pos = mark

		t.savepoints++
		savepoint := fmt.Sprintf("pupstore_scope_%d", t.savepoints)
		if _, e := t.conn.ExecContext(ctx, "SAVEPOINT "+savepoint); e != nil {
			err = fmt.Errorf("failed to create savepoint: %w", t.ds.dialect.Classify(e))
			continue
		}
		s.savepoint = savepoint
	}
	if err != nil {
		return err
	}
	return t.apply(ctx, writes[pos:])
}

func (t *Transaction) apply(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	savepoint := ""
	if !t.owned || t.depth > 1 {
		t.savepoints++
		savepoint = fmt.Sprintf("pupstore_flush_%d", t.savepoints)
		if _, err := t.conn.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			return fmt.Errorf("failed to create savepoint: %w", t.ds.dialect.Classify(err))
		}
	}

	for _, w := range writes {
		if err := w(ctx, t.conn); err != nil {
			err = t.ds.dialect.Classify(err)
			if savepoint != "" {
				t.rollbackTo(ctx, savepoint)
			}
			if t.ds.config.Logger != nil {
				t.ds.config.Logger.Error(ctx, "flush failed", "writes", len(writes), "error", err)
			}
			return err
		}
	}

	if savepoint != "" {
		if _, err := t.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
			return fmt.Errorf("failed to release savepoint: %w", t.ds.dialect.Classify(err))
		}
	}

	if t.ds.config.Logger != nil {
		t.ds.config.Logger.Debug(ctx, "flushed staged writes", "writes", len(writes))
	}
	return nil
}

func (t *Transaction) rollbackTo(ctx context.Context, savepoint string) {
	// a canceled ctx must not keep the savepoint's writes alive
	ctx = context.WithoutCancel(ctx)
	if _, err := t.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); err != nil {
		if t.ds.config.Logger != nil {
			t.ds.config.Logger.Error(ctx, "failed to roll back to savepoint", "savepoint", savepoint, "error", err)
		}
		return
	}
	if _, err := t.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil && t.ds.config.Logger != nil {
		t.ds.config.Logger.Error(ctx, "failed to release savepoint", "savepoint", savepoint, "error", err)
	}
}

// Autoflush flushes staged writes when the datastore is configured to.
func (t *Transaction) Autoflush(ctx context.Context) error {
	if !t.ds.config.Autoflush {
		return nil
	}
	return t.Flush(ctx)
}

// ExecContext implements es.DBTX. Staged writes are always flushed first.
func (t *Transaction) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := t.flush(ctx, true); err != nil {
		return nil, err
	}
	result, err := t.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, t.ds.dialect.Classify(err)
	}
	return result, nil
}

// QueryContext implements es.DBTX, flushing staged writes first under autoflush.
func (t *Transaction) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if err := t.Autoflush(ctx); err != nil {
		return nil, err
	}
	rows, err := t.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, t.ds.dialect.Classify(err)
	}
	return rows, nil
}

// QueryRowContext implements es.DBTX.
// It cannot report a flush error, so it never flushes; call Autoflush first.
func (t *Transaction) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

var _ es.DBTX = (*Transaction)(nil)
