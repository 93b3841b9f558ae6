// Package catalog maps collection names to CollectionSpecs. Specs are
// persisted as ordinary records under the reserved catalog key prefix
// (spec §4.2, invariant 4); a small in-memory cache mirrors them for fast
// lookups and is invalidated wholesale on transaction rollback, the way the
// spec's §4.2 requires and the teacher's go-memdb-backed engine
// (internal/engine/memdb/memdb.go) keeps an in-memory mirror of its own
// authoritative state.
package catalog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/polodb/polodb/internal/keycodec"
	"github.com/polodb/polodb/internal/kv"
)

// CollectionType distinguishes ordinary collections from views. Only
// Collection is implemented; View is reserved for forward compatibility the
// same way the catalog record shape reserves it.
type CollectionType string

const (
	CollectionTypeCollection CollectionType = "collection"
	CollectionTypeView       CollectionType = "view"
)

// IndexSpec describes one secondary index. Only single-field ascending
// indexes are supported (spec §3); Keys is kept as a bson.D (rather than a
// Go map) purely to preserve field order in the rare case a future compound
// index is added, even though exactly one entry is allowed today.
type IndexSpec struct {
	Name    string  `bson:"name"`
	Keys    bson.D  `bson:"keys"`
	Unique  bool    `bson:"unique"`
}

// Field returns the single indexed field name.
func (s IndexSpec) Field() string {
	if len(s.Keys) == 0 {
		return ""
	}
	return s.Keys[0].Key
}

// CollectionInfo carries metadata about a collection that never changes
// after creation.
type CollectionInfo struct {
	UUID      primitive.ObjectID `bson:"uuid"`
	CreatedAt time.Time          `bson:"created_at"`
}

// CollectionSpec is the catalog record for one collection (spec §3).
type CollectionSpec struct {
	ID      string               `bson:"_id"`
	Type    CollectionType       `bson:"type"`
	Info    CollectionInfo       `bson:"info"`
	Indexes map[string]IndexSpec `bson:"indexes"`

	// IndexOrder tracks insertion order of index names. Go maps do not
	// preserve order, and §4.3's pick_index tie-break ("first matching
	// index in insertion order") depends on it.
	IndexOrder []string `bson:"index_order"`

	// Seq records catalog creation order so that ListNames can reproduce
	// the original implementation's insertion-ordered listing even after a
	// reopen, when go-memdb's cache (which does not preserve insertion
	// order) has been rebuilt from a byte-sorted KvEngine scan.
	Seq int64 `bson:"seq"`
}

// Clone returns a deep-enough copy of the spec so that callers holding onto
// the cache's copy cannot mutate shared state.
func (s *CollectionSpec) Clone() *CollectionSpec {
	c := *s
	c.Indexes = make(map[string]IndexSpec, len(s.Indexes))
	for k, v := range s.Indexes {
		c.Indexes[k] = v
	}
	c.IndexOrder = append([]string(nil), s.IndexOrder...)
	return &c
}

// Sentinel errors returned by Catalog operations. The root polodb package
// wraps these into *polodb.Error values carrying the appropriate Kind at the
// API boundary; internal packages compare against these directly.
var (
	ErrCollectionNotFound      = fmt.Errorf("catalog: collection not found")
	ErrCollectionAlreadyExists = fmt.Errorf("catalog: collection already exists")
	ErrIllegalCollectionName   = fmt.Errorf("catalog: illegal collection name")
)

const cacheTable = "collections"

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			cacheTable: {
				Name: cacheTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
}

// Catalog is the collection-name-to-spec directory. It is safe for
// concurrent use by multiple sessions, matching the Database object's
// shareable-across-threads contract (spec §5).
type Catalog struct {
	mu      sync.Mutex
	cache   *memdb.MemDB
	nextSeq int64
}

// New creates an empty Catalog. Call Load once against an opened engine
// before serving any requests.
func New() *Catalog {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		// The schema above is a fixed literal; a construction error here
		// would be a programming bug, not a runtime condition callers can
		// recover from.
		panic(fmt.Sprintf("catalog: invalid cache schema: %v", err))
	}
	return &Catalog{cache: db}
}

// Load scans every catalog entry from txn and primes the cache. It is
// intended to be called once, right after a Database opens its engine.
func (c *Catalog) Load(txn kv.Txn) error {
	prefix, err := keycodec.CatalogPrefix()
	if err != nil {
		return err
	}
	it := txn.NewIterator()
	defer it.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	wtx := c.cache.Txn(true)
	defer wtx.Abort()
	var maxSeq int64
	for it.Seek(prefix); it.Valid() && kv.HasPrefix(it.Key(), prefix); it.Next() {
		var spec CollectionSpec
		if err := bson.Unmarshal(it.Value(), &spec); err != nil {
			return fmt.Errorf("catalog: decode spec for key %x: %w", it.Key(), err)
		}
		if err := wtx.Insert(cacheTable, &spec); err != nil {
			return err
		}
		if spec.Seq > maxSeq {
			maxSeq = spec.Seq
		}
	}
	wtx.Commit()
	c.nextSeq = maxSeq + 1
	return nil
}

// InvalidateAll discards the cache, forcing subsequent lookups to read
// through to the KvEngine. Sessions call this after rolling back a
// transaction that may have mutated the catalog, per spec §4.2.
func (c *Catalog) InvalidateAll(txn kv.Txn) error {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cache = db
	c.mu.Unlock()
	return c.Load(txn)
}

// ValidateName checks a candidate collection name against spec §4.2's rules.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("collection name must not be empty")
	}
	if strings.HasPrefix(name, "$") {
		return fmt.Errorf("collection name must not start with '$'")
	}
	if strings.HasPrefix(name, "system.") {
		return fmt.Errorf("collection name must not start with 'system.' (reserved)")
	}
	return nil
}

func (c *Catalog) lookup(name string) (*CollectionSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rtx := c.cache.Txn(false)
	defer rtx.Abort()
	raw, err := rtx.First(cacheTable, "id", name)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*CollectionSpec).Clone(), true
}

func (c *Catalog) store(spec *CollectionSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wtx := c.cache.Txn(true)
	wtx.Insert(cacheTable, spec.Clone())
	wtx.Commit()
}

func (c *Catalog) forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wtx := c.cache.Txn(true)
	if raw, err := wtx.First(cacheTable, "id", name); err == nil && raw != nil {
		wtx.Delete(cacheTable, raw)
	}
	wtx.Commit()
}

// all returns every cached spec in catalog insertion order. Insertion order
// is tracked per spec by each entry's Seq, since go-memdb itself does
// not preserve insertion order and §4.2/the original implementation's
// list_collection_names both return collections in the order they were
// created.
func (c *Catalog) all() []*CollectionSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	rtx := c.cache.Txn(false)
	defer rtx.Abort()
	it, err := rtx.Get(cacheTable, "id")
	if err != nil {
		return nil
	}
	var out []*CollectionSpec
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*CollectionSpec).Clone())
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Seq < out[i].Seq {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// GetSpec returns the CollectionSpec for name, reading through the cache to
// txn on a miss.
func (c *Catalog) GetSpec(txn kv.Txn, name string) (*CollectionSpec, error) {
	if spec, ok := c.lookup(name); ok {
		return spec, nil
	}
	key, err := keycodec.CatalogKey(name)
	if err != nil {
		return nil, err
	}
	val, ok := txn.Get(key)
	if !ok {
		return nil, ErrCollectionNotFound
	}
	var spec CollectionSpec
	if err := bson.Unmarshal(val, &spec); err != nil {
		return nil, err
	}
	c.store(&spec)
	return spec.Clone(), nil
}

// CreateCollection creates a new, empty collection named name.
func (c *Catalog) CreateCollection(txn kv.Txn, name string) (*CollectionSpec, error) {
	if err := ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllegalCollectionName, err)
	}
	key, err := keycodec.CatalogKey(name)
	if err != nil {
		return nil, err
	}
	if _, ok := txn.Get(key); ok {
		return nil, ErrCollectionAlreadyExists
	}
	c.mu.Lock()
	c.nextSeq++
	seq := c.nextSeq
	c.mu.Unlock()

	spec := &CollectionSpec{
		ID:   name,
		Type: CollectionTypeCollection,
		Info: CollectionInfo{
			UUID:      primitive.NewObjectID(),
			CreatedAt: time.Now(),
		},
		Indexes: map[string]IndexSpec{},
		Seq:     seq,
	}
	raw, err := bson.Marshal(spec)
	if err != nil {
		return nil, err
	}
	txn.Put(key, raw)
	c.store(spec)
	return spec.Clone(), nil
}

// DropCollection removes a collection's catalog entry and all of its data
// records. It is idempotent: dropping a collection that does not exist is
// not an error, matching the original implementation's drop_collection.
func (c *Catalog) DropCollection(txn kv.Txn, name string) error {
	key, err := keycodec.CatalogKey(name)
	if err != nil {
		return err
	}
	if _, ok := txn.Get(key); !ok {
		return nil
	}
	txn.Delete(key)

	prefix, err := keycodec.CollectionDataPrefix(name)
	if err != nil {
		return err
	}
	kv.DeletePrefix(txn, prefix)

	c.forget(name)
	return nil
}

// UpdateSpec persists a mutated CollectionSpec (e.g. after create_index or
// drop_index changes its Indexes map).
func (c *Catalog) UpdateSpec(txn kv.Txn, spec *CollectionSpec) error {
	key, err := keycodec.CatalogKey(spec.ID)
	if err != nil {
		return err
	}
	raw, err := bson.Marshal(spec)
	if err != nil {
		return err
	}
	txn.Put(key, raw)
	c.store(spec)
	return nil
}

// ListNames returns every collection name in catalog insertion order.
func (c *Catalog) ListNames() []string {
	specs := c.all()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.ID
	}
	return names
}
