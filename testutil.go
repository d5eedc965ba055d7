package twoskip

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/btree"
)

// Model-based test harness: every mutation is mirrored into an
// in-memory ordered oracle, and Verify compares a full iteration of
// the database against it. Drive it by hand or with RandomOps.

type modelPair struct {
	key []byte
	val []byte
}

// Harness pairs a database with a btree oracle.
type Harness struct {
	t    *testing.T
	db   *DB
	tree *btree.BTreeG[modelPair]
	rnd  *rand.Rand
}

// NewHarness wraps an open database. Seed makes the op stream and the
// tower heights of failures reproducible.
func NewHarness(t *testing.T, db *DB, seed uint64) *Harness {
	return &Harness{
		t:  t,
		db: db,
		tree: btree.NewG(32, func(a, b modelPair) bool {
			return bytes.Compare(a.key, b.key) < 0
		}),
		rnd: rand.New(rand.NewPCG(seed, seed^0xdeadbeef)),
	}
}

// Store writes through both the database and the oracle.
func (h *Harness) Store(key, val string) {
	h.t.Helper()
	if err := h.db.Store([]byte(key), []byte(val), nil); err != nil {
		h.t.Fatalf("store %q: %v", key, err)
	}
	h.tree.ReplaceOrInsert(modelPair{key: []byte(key), val: []byte(val)})
}

// Delete removes through both sides. Missing keys are fine; the
// database is called with force for the same semantics.
func (h *Harness) Delete(key string) {
	h.t.Helper()
	if err := h.db.Delete([]byte(key), nil, true); err != nil {
		h.t.Fatalf("delete %q: %v", key, err)
	}
	h.tree.Delete(modelPair{key: []byte(key)})
}

// Checkpoint compacts the database; the visible contents must not
// change, which the next Verify asserts.
func (h *Harness) Checkpoint() {
	h.t.Helper()
	if err := h.db.Checkpoint(); err != nil {
		h.t.Fatalf("checkpoint: %v", err)
	}
}

// Reopen closes and reopens the database, keeping the oracle.
func (h *Harness) Reopen() {
	h.t.Helper()
	path := h.db.Path()
	if err := h.db.Close(); err != nil {
		h.t.Fatalf("close: %v", err)
	}
	db, err := Open(&Options{Path: path})
	if err != nil {
		h.t.Fatalf("reopen: %v", err)
	}
	h.db = db
}

// DB returns the current handle (it changes across Reopen).
func (h *Harness) DB() *DB { return h.db }

// Verify compares a full iteration against the oracle, spot-checks
// point fetches, and runs the consistency walk.
func (h *Harness) Verify() {
	h.t.Helper()

	var got []modelPair
	err := h.db.Foreach(nil, nil, func(key, val []byte) error {
		got = append(got, modelPair{key: bytes.Clone(key), val: bytes.Clone(val)})
		return nil
	}, nil)
	if err != nil {
		h.t.Fatalf("foreach: %v", err)
	}

	var want []modelPair
	h.tree.Ascend(func(p modelPair) bool {
		want = append(want, p)
		return true
	})

	if len(got) != len(want) {
		h.t.Fatalf("iteration yielded %d pairs, oracle has %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i].key, want[i].key) || !bytes.Equal(got[i].val, want[i].val) {
			h.t.Fatalf("pair %d: got %q=%q, want %q=%q",
				i, got[i].key, got[i].val, want[i].key, want[i].val)
		}
	}

	// Spot-check a few point lookups.
	for i := 0; i < len(want) && i < 16; i++ {
		p := want[h.rnd.IntN(len(want))]
		val, err := h.db.Fetch(p.key, nil)
		if err != nil {
			h.t.Fatalf("fetch %q: %v", p.key, err)
		}
		if !bytes.Equal(val, p.val) {
			h.t.Fatalf("fetch %q: got %q, want %q", p.key, val, p.val)
		}
	}

	if err := h.db.Check(); err != nil {
		h.t.Fatalf("consistency: %v", err)
	}
}

// RandomOps runs n randomized operations across a bounded keyspace,
// with periodic checkpoints and reopens mixed in.
func (h *Harness) RandomOps(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", h.rnd.IntN(500))
		switch h.rnd.IntN(10) {
		case 0, 1, 2, 3, 4, 5:
			h.Store(key, fmt.Sprintf("val-%d-%d", i, h.rnd.Uint64()))
		case 6, 7:
			h.Delete(key)
		case 8:
			if i%97 == 0 {
				h.Checkpoint()
			} else {
				h.Store(key, "flip")
			}
		case 9:
			if i%151 == 0 {
				h.Reopen()
			} else {
				h.Delete(key)
			}
		}
	}
}
