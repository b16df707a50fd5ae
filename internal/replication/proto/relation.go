package proto

// RelationCache maps a relation's OID to its most recently observed
// schema. The server may re-emit a Relation message mid-stream with an
// updated schema; AddRelation always replaces the prior entry. There is
// no eviction — the cache is bounded by the publication's table count.
type RelationCache struct {
	relations map[uint32]Relation
}

// NewRelationCache returns an empty cache.
func NewRelationCache() *RelationCache {
	return &RelationCache{relations: make(map[uint32]Relation)}
}

// AddRelation records or replaces the schema for oid.
func (c *RelationCache) AddRelation(r Relation) {
	c.relations[r.OID] = r
}

// GetRelation returns the cached schema for oid, if any.
func (c *RelationCache) GetRelation(oid uint32) (Relation, bool) {
	r, ok := c.relations[oid]
	return r, ok
}

// Len reports the number of distinct relations currently cached.
func (c *RelationCache) Len() int {
	return len(c.relations)
}
