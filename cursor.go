package polodb

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/vm"
)

// Cursor iterates the results of a find or aggregate operation. It owns the
// read transaction it was opened against and releases it on Close, or
// automatically once iteration is exhausted — mirroring the ClientCursor
// abstraction spec §4.6 describes sitting between the VM and callers.
// Cursor does not own ownsTxn=false transactions: those belong to an
// explicit Session, which keeps driving them after the cursor that read
// from them is closed.
type Cursor struct {
	txn     kv.Txn
	ownsTxn bool
	m       *vm.VM
	ag      aggregationStepper
	done    bool
	cur     bson.M
	lastErr error
	closed  bool
}

// aggregationStepper lets Cursor drive either a raw vm.VM (find) or an
// AggregationCursor (aggregate) behind one common Advance/Current surface.
type aggregationStepper interface {
	Next() (bson.M, bool, error)
}

func newFilterCursor(txn kv.Txn, ownsTxn bool, m *vm.VM) *Cursor {
	return &Cursor{txn: txn, ownsTxn: ownsTxn, m: m}
}

func newAggregateCursor(txn kv.Txn, ownsTxn bool, ag aggregationStepper) *Cursor {
	return &Cursor{txn: txn, ownsTxn: ownsTxn, ag: ag}
}

// Advance pulls the next document into the cursor, returning false once
// iteration is exhausted or an error occurred (check Err after a false
// return to distinguish the two). Advance closes the underlying transaction
// automatically the moment iteration is exhausted.
func (c *Cursor) Advance() bool {
	if c.closed || c.done {
		return false
	}
	doc, ok, err := c.step()
	if err != nil || !ok {
		c.done = true
		c.lastErr = err
		c.Close()
		return false
	}
	c.cur = doc
	return true
}

func (c *Cursor) step() (bson.M, bool, error) {
	if c.ag != nil {
		return c.ag.Next()
	}
	state, err := c.m.Run()
	if err != nil {
		return nil, false, err
	}
	if state != vm.StateHasRow {
		return nil, false, nil
	}
	doc, _ := c.m.Row().(bson.M)
	return doc, true, nil
}

// Current returns the document Advance most recently produced.
func (c *Cursor) Current() bson.M { return c.cur }

// Err returns the error, if any, that stopped iteration.
func (c *Cursor) Err() error { return c.lastErr }

// Close releases the cursor's VM and, if this cursor opened its own
// transaction (rather than borrowing an explicit Session's), rolls it back.
// Safe to call more than once, and safe to call before iteration is
// exhausted (find_one's implicit limit(1) does exactly that).
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.m != nil {
		c.m.Close()
	}
	if !c.ownsTxn {
		return nil
	}
	return c.txn.Rollback()
}

// All drains the cursor into a slice, closing it in the process.
func (c *Cursor) All() ([]bson.M, error) {
	defer c.Close()
	var out []bson.M
	for c.Advance() {
		out = append(out, c.Current())
	}
	return out, c.Err()
}
