package polodb

import (
	"context"

	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/nonce"
)

// Session holds at most one logical transaction against its Database (spec
// §4.6: "Session holds Option<KvTxn> and a mapping cursor_id → VM"). Cursor
// lifecycles are managed by the Cursor values a Session's Collections
// return rather than a separate id map, since Go's garbage collector (not
// an explicit registry) reclaims an abandoned Cursor's VM.
//
// A Session must not be used from more than one goroutine concurrently
// (spec §6.3's scheduling model).
type Session struct {
	id string
	db *Database
	txn kv.Txn
}

func newSession(db *Database) *Session {
	return &Session{id: nonce.Generate(16), db: db}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// StartTransaction begins an explicit transaction of type ty on this
// session. It fails with StartTransactionInAnotherTransaction if one is
// already open.
func (s *Session) StartTransaction(ty kv.TxType) error {
	if s.txn != nil {
		return newError(KindTransaction, "start_transaction", ErrStartTransactionInAnotherTransaction)
	}
	if ty == kv.Write && s.db.readOnly {
		return newError(KindTransaction, "start_transaction", ErrDatabaseReadOnly)
	}
	txn, err := s.db.engine.Begin(context.Background(), ty)
	if err != nil {
		return newError(KindTransaction, "start_transaction", err)
	}
	s.txn = txn
	return nil
}

// CommitTransaction commits the session's open transaction.
func (s *Session) CommitTransaction() error {
	if s.txn == nil {
		return newError(KindTransaction, "commit_transaction", ErrNoTransactionStarted)
	}
	txn := s.txn
	s.txn = nil
	if err := txn.Commit(); err != nil {
		s.db.revalidateCatalog()
		return newError(KindTransaction, "commit_transaction", err)
	}
	return nil
}

// AbortTransaction rolls back the session's open transaction, discarding
// every write made within it.
func (s *Session) AbortTransaction() error {
	if s.txn == nil {
		return newError(KindTransaction, "abort_transaction", ErrRollbackNotInTransaction)
	}
	txn := s.txn
	s.txn = nil
	err := txn.Rollback()
	s.db.revalidateCatalog()
	if err != nil {
		return newError(KindTransaction, "abort_transaction", err)
	}
	return nil
}

// InTransaction reports whether the session currently holds an open
// transaction.
func (s *Session) InTransaction() bool { return s.txn != nil }

// Collection returns a handle bound to this session: every operation it
// performs runs against the session's open transaction (once one is
// started) instead of auto-committing its own.
func (s *Session) Collection(name string) *Collection {
	return &Collection{db: s.db, name: name, session: s}
}

// EndSession aborts any transaction still open on the session, mirroring
// spec §4.2's "dropping a session rolls back any open transaction".
func (s *Session) EndSession() {
	if s.txn != nil {
		s.AbortTransaction()
	}
}
