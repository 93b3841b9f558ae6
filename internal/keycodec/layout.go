package keycodec

// Reserved first-segment values. They begin with '$', which collection names
// are forbidden from using (see the Catalog's name validation), so they can
// never collide with a real collection name segment.
const (
	// IndexSegment prefixes every secondary index entry key.
	IndexSegment = "$I"
	// CatalogSegment prefixes the single reserved catalog namespace.
	CatalogSegment = "$SYSTEM_COLLECTIONS"
)

// DocumentKey encodes the key of a document record: [collection_name, _id].
func DocumentKey(collection string, id any) ([]byte, error) {
	return Encode(collection, id)
}

// CollectionDataPrefix encodes the shared prefix of every document record in
// a collection, used for full-table scans and for the range-delete issued
// when a collection is dropped.
func CollectionDataPrefix(collection string) ([]byte, error) {
	return Encode(collection)
}

// IndexEntryKey encodes a secondary index entry key:
// ["$I", collection_name, index_name, indexed_value, _id].
func IndexEntryKey(collection, index string, value, id any) ([]byte, error) {
	return Encode(IndexSegment, collection, index, value, id)
}

// IndexProbePrefix encodes the prefix used to probe a unique index for an
// existing entry at a given value, or to range-scan an index during an
// equality lookup: ["$I", collection_name, index_name, indexed_value].
func IndexProbePrefix(collection, index string, value any) ([]byte, error) {
	return Encode(IndexSegment, collection, index, value)
}

// IndexNamePrefix encodes the prefix of every entry belonging to one index
// regardless of value, used to range-delete an index when it is dropped.
func IndexNamePrefix(collection, index string) ([]byte, error) {
	return Encode(IndexSegment, collection, index)
}

// CatalogKey encodes the catalog entry key for a collection name:
// [SYSTEM_COLLECTIONS, collection_name].
func CatalogKey(name string) ([]byte, error) {
	return Encode(CatalogSegment, name)
}

// CatalogPrefix encodes the prefix shared by every catalog entry, used to
// list all collection names.
func CatalogPrefix() ([]byte, error) {
	return Encode(CatalogSegment)
}
