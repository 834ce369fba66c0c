package kvdoc

import (
	"context"
	"fmt"
)

// maxIndexCASAttempts bounds the read-modify-write loop of double-unique indexes.
const maxIndexCASAttempts = 5

// Index kinds used as metric labels
const (
	indexKindMulti        = "multi"
	indexKindUnique       = "unique"
	indexKindDoubleUnique = "double_unique"
)

type multiIndexDoc struct {
	IDs map[string]interface{} `json:"ids"`
}

type doubleUniqueIndexDoc struct {
	IDs map[string]string `json:"ids"`
}

// Indexes loads and writes index documents through a Client.
//
// Index documents are plain KV documents; nothing ties their writes to the
// entity writes, so an index can briefly disagree with the entities it
// points at.
type Indexes struct {
	client  *Client
	codec   Codec
	metrics Metrics
}

// NewIndexes creates an index engine.
func NewIndexes(client *Client, codec Codec, metrics Metrics) *Indexes {
	return &Indexes{
		client:  client,
		codec:   codec,
		metrics: metricsOrNoOp(metrics),
	}
}

// Multi loads the multi-index for schema.field=value. A missing document
// yields an empty index.
func (x *Indexes) Multi(ctx context.Context, schema, field, value string) (*MultiIndex, error) {
	idx := &MultiIndex{
		x:   x,
		key: IndexKey(schema, field, value),
		ids: make(map[string]struct{}),
	}

	item, found, err := x.client.Get(ctx, idx.key)
	if err != nil {
		return nil, fmt.Errorf("load index %s.%s: %w", schema, field, err)
	}
	if !found {
		return idx, nil
	}

	var doc multiIndexDoc
	if err := x.codec.Unmarshal(item.Value, &doc); err != nil {
		return nil, WithContext(ErrInvalidDocument, map[string]interface{}{
			"key":   idx.key,
			"error": err.Error(),
		})
	}
	for id := range doc.IDs {
		idx.ids[id] = struct{}{}
	}
	return idx, nil
}

// MultiIndex is the set of entity ids sharing one field value.
type MultiIndex struct {
	x   *Indexes
	key string
	ids map[string]struct{}
}

// Key returns the backend key of the index document.
func (m *MultiIndex) Key() string {
	return m.key
}

// Has reports whether id is a member.
func (m *MultiIndex) Has(id string) bool {
	_, ok := m.ids[id]
	return ok
}

// Add stores id in the set. Adding a member is a no-op.
func (m *MultiIndex) Add(ctx context.Context, id string) error {
	if id == "" || m.Has(id) {
		return nil
	}
	m.ids[id] = struct{}{}
	if err := m.save(ctx); err != nil {
		delete(m.ids, id)
		return err
	}
	m.x.metrics.Increment(MetricIndexAdd, "kind", indexKindMulti)
	return nil
}

// Remove drops id from the set. The document is kept even when it becomes empty.
func (m *MultiIndex) Remove(ctx context.Context, id string) error {
	if !m.Has(id) {
		return nil
	}
	delete(m.ids, id)
	if err := m.save(ctx); err != nil {
		m.ids[id] = struct{}{}
		return err
	}
	m.x.metrics.Increment(MetricIndexRemove, "kind", indexKindMulti)
	return nil
}

func (m *MultiIndex) save(ctx context.Context) error {
	doc := multiIndexDoc{IDs: make(map[string]interface{}, len(m.ids))}
	for id := range m.ids {
		doc.IDs[id] = nil
	}
	data, err := m.x.codec.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = m.x.client.Upsert(ctx, m.key, data)
	return err
}

// IDs returns the members in ascending numeric order.
func (m *MultiIndex) IDs() []string {
	ids := make([]string, 0, len(m.ids))
	for id := range m.ids {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Count returns the number of members.
func (m *MultiIndex) Count() int {
	return len(m.ids)
}

// Unique loads the unique index for schema.field=value.
func (x *Indexes) Unique(ctx context.Context, schema, field, value string) (*UniqueIndex, error) {
	idx := &UniqueIndex{
		x:      x,
		key:    IndexKey(schema, field, value),
		schema: schema,
		field:  field,
		value:  value,
	}
	id, err := idx.read(ctx)
	if err != nil {
		return nil, fmt.Errorf("load unique index %s.%s: %w", schema, field, err)
	}
	idx.id = id
	return idx, nil
}

// UniqueIndex maps one field value to at most one entity id.
type UniqueIndex struct {
	x      *Indexes
	key    string
	schema string
	field  string
	value  string
	id     string
}

// Key returns the backend key of the index document.
func (u *UniqueIndex) Key() string {
	return u.key
}

// ID returns the owning id, empty when the value is unclaimed.
func (u *UniqueIndex) ID() string {
	return u.id
}

func (u *UniqueIndex) read(ctx context.Context) (string, error) {
	item, found, err := u.x.client.Get(ctx, u.key)
	if err != nil || !found {
		return "", err
	}
	var id string
	if err := u.x.codec.Unmarshal(item.Value, &id); err != nil {
		return "", WithContext(ErrInvalidDocument, map[string]interface{}{
			"key":   u.key,
			"error": err.Error(),
		})
	}
	return id, nil
}

func (u *UniqueIndex) conflict(existing, id string) error {
	u.x.metrics.Increment(MetricIndexConflict, "schema", u.schema, "field", u.field)
	return &UniqueConflictError{
		Schema:     u.schema,
		Field:      u.field,
		Value:      u.value,
		ExistingID: existing,
		ID:         id,
	}
}

// Add claims the value for id. Claiming it again for the same id is a no-op;
// a value held by another id fails with *UniqueConflictError.
func (u *UniqueIndex) Add(ctx context.Context, id string) error {
	if u.id != "" {
		if u.id != id {
			return u.conflict(u.id, id)
		}
		return nil
	}

	data, err := u.x.codec.Marshal(id)
	if err != nil {
		return err
	}
	if _, err := u.x.client.Insert(ctx, u.key, data); err != nil {
		if !IsKeyExists(err) {
			return err
		}
		// Another writer claimed the value first.
		existing, rerr := u.read(ctx)
		if rerr != nil {
			return rerr
		}
		if existing == id {
			u.id = id
			return nil
		}
		return u.conflict(existing, id)
	}

	u.id = id
	u.x.metrics.Increment(MetricIndexAdd, "kind", indexKindUnique)
	return nil
}

// Remove releases the value whoever holds it.
func (u *UniqueIndex) Remove(ctx context.Context) error {
	if _, err := u.x.client.Remove(ctx, u.key); err != nil {
		return err
	}
	u.id = ""
	u.x.metrics.Increment(MetricIndexRemove, "kind", indexKindUnique)
	return nil
}

// DoubleUnique loads the double-unique index of pair for the first field
// equal to value1.
func (x *Indexes) DoubleUnique(ctx context.Context, schema string, pair FieldPair, value1 string) (*DoubleUniqueIndex, error) {
	idx := &DoubleUniqueIndex{
		x:      x,
		key:    DoubleUniqueKey(schema, pair, value1),
		schema: schema,
		pair:   pair,
		value1: value1,
	}
	if err := idx.load(ctx); err != nil {
		return nil, fmt.Errorf("load double unique index %s.%s: %w", schema, pair, err)
	}
	return idx, nil
}

// DoubleUniqueIndex maps second-field values to entity ids for one value of
// the first field. Writes are CAS guarded.
type DoubleUniqueIndex struct {
	x      *Indexes
	key    string
	schema string
	pair   FieldPair
	value1 string

	ids    map[string]string
	cas    uint64
	exists bool
}

func (d *DoubleUniqueIndex) load(ctx context.Context) error {
	d.ids = make(map[string]string)
	d.cas = 0
	d.exists = false

	item, found, err := d.x.client.Get(ctx, d.key)
	if err != nil || !found {
		return err
	}
	var doc doubleUniqueIndexDoc
	if err := d.x.codec.Unmarshal(item.Value, &doc); err != nil {
		return WithContext(ErrInvalidDocument, map[string]interface{}{
			"key":   d.key,
			"error": err.Error(),
		})
	}
	for v2, id := range doc.IDs {
		d.ids[v2] = id
	}
	d.cas = item.CAS
	d.exists = true
	return nil
}

// write stores ids with CAS. A lost race is reported as ErrKeyExists or ErrCasMismatch.
//
// Replace runs under FailKeyExists, so a document removed since load comes
// back as ErrNotFound after one session rebuild. The driver never removes
// double-unique documents, so only outside deletes pay that reconnect; update
// reloads and inserts afresh.
func (d *DoubleUniqueIndex) write(ctx context.Context, ids map[string]string) error {
	data, err := d.x.codec.Marshal(doubleUniqueIndexDoc{IDs: ids})
	if err != nil {
		return err
	}

	var cas uint64
	if d.exists {
		cas, err = d.x.client.Replace(ctx, d.key, data, WithCAS(d.cas), WithCondition(FailKeyExists))
	} else {
		cas, err = d.x.client.Insert(ctx, d.key, data)
	}
	if err != nil {
		return err
	}
	d.ids = ids
	d.cas = cas
	d.exists = true
	return nil
}

// update applies change to a copy of the current map and writes it, reloading
// and trying again when another writer got there first. change returns false
// when nothing needs writing.
func (d *DoubleUniqueIndex) update(ctx context.Context, change func(ids map[string]string) (bool, error)) error {
	for attempt := 0; attempt < maxIndexCASAttempts; attempt++ {
		next := make(map[string]string, len(d.ids)+1)
		for k, v := range d.ids {
			next[k] = v
		}
		dirty, err := change(next)
		if err != nil || !dirty {
			return err
		}

		err = d.write(ctx, next)
		if err == nil {
			return nil
		}
		if !IsKeyExists(err) && !IsNotFound(err) {
			return err
		}
		if err := d.load(ctx); err != nil {
			return err
		}
	}
	return WithContext(ErrIndexContention, map[string]interface{}{
		"key":      d.key,
		"attempts": maxIndexCASAttempts,
	})
}

// Add maps value2 to id under unique semantics.
func (d *DoubleUniqueIndex) Add(ctx context.Context, value2, id string) error {
	err := d.update(ctx, func(ids map[string]string) (bool, error) {
		if existing, ok := ids[value2]; ok {
			if existing != id {
				d.x.metrics.Increment(MetricIndexConflict, "schema", d.schema, "field", d.pair.String())
				return false, &UniqueConflictError{
					Schema:     d.schema,
					Field:      d.pair.String(),
					Value:      d.value1 + "/" + value2,
					ExistingID: existing,
					ID:         id,
				}
			}
			return false, nil
		}
		ids[value2] = id
		return true, nil
	})
	if err == nil {
		d.x.metrics.Increment(MetricIndexAdd, "kind", indexKindDoubleUnique)
	}
	return err
}

// AddAll maps several value2s at once. Existing entries must agree.
func (d *DoubleUniqueIndex) AddAll(ctx context.Context, entries map[string]string) error {
	return d.update(ctx, func(ids map[string]string) (bool, error) {
		dirty := false
		for v2, id := range entries {
			if existing, ok := ids[v2]; ok {
				if existing != id {
					return false, &UniqueConflictError{
						Schema:     d.schema,
						Field:      d.pair.String(),
						Value:      d.value1 + "/" + v2,
						ExistingID: existing,
						ID:         id,
					}
				}
				continue
			}
			ids[v2] = id
			dirty = true
		}
		return dirty, nil
	})
}

// Remove drops the entry for value2. The document is kept.
func (d *DoubleUniqueIndex) Remove(ctx context.Context, value2 string) error {
	err := d.update(ctx, func(ids map[string]string) (bool, error) {
		if _, ok := ids[value2]; !ok {
			return false, nil
		}
		delete(ids, value2)
		return true, nil
	})
	if err == nil {
		d.x.metrics.Increment(MetricIndexRemove, "kind", indexKindDoubleUnique)
	}
	return err
}

// Key returns the backend key of the index document.
func (d *DoubleUniqueIndex) Key() string {
	return d.key
}

// ID returns the id mapped from value2.
func (d *DoubleUniqueIndex) ID(value2 string) (string, bool) {
	id, ok := d.ids[value2]
	return id, ok
}

// IDsFor returns the ids mapped from value2s, in argument order, skipping
// unmapped values.
func (d *DoubleUniqueIndex) IDsFor(value2s ...string) []string {
	ids := make([]string, 0, len(value2s))
	for _, v2 := range value2s {
		if id, ok := d.ids[v2]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// IDs returns every mapped id in ascending numeric order.
func (d *DoubleUniqueIndex) IDs() []string {
	ids := make([]string, 0, len(d.ids))
	for _, id := range d.ids {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Contents returns a copy of the value2 to id map.
func (d *DoubleUniqueIndex) Contents() map[string]string {
	out := make(map[string]string, len(d.ids))
	for k, v := range d.ids {
		out[k] = v
	}
	return out
}

// Count returns the number of entries.
func (d *DoubleUniqueIndex) Count() int {
	return len(d.ids)
}
