package kvdoc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Driver stores entities of registered schemas and keeps their indexes.
//
// Entity and index writes are separate backend calls. A failure between them
// leaves the index behind the entity; readers skip ids that no longer resolve.
// Like its Connection, a Driver belongs to one worker.
type Driver struct {
	client    *Client
	indexes   *Indexes
	codec     Codec
	schemas   map[string]Schema
	chunkSize int
	lockTime  time.Duration
	logger    Logger
	metrics   Metrics
}

// NewDriver creates a driver with no-op logger and metrics
func NewDriver(client *Client, codec Codec) *Driver {
	return NewDriverWithObservability(client, codec, nil, nil)
}

// NewDriverWithObservability creates a driver with logging and metrics
func NewDriverWithObservability(client *Client, codec Codec, logger Logger, metrics Metrics) *Driver {
	if codec == nil {
		codec = JSONCodec{}
	}
	metrics = metricsOrNoOp(metrics)
	return &Driver{
		client:    client,
		indexes:   NewIndexes(client, codec, metrics),
		codec:     codec,
		schemas:   make(map[string]Schema),
		chunkSize: DefaultChunkSize,
		lockTime:  DefaultLockTime,
		logger:    loggerOrNoOp(logger),
		metrics:   metrics,
	}
}

// Open builds the full stack described by cfg: connection, retry policy,
// client and driver. The first backend session is dialed on first use.
func Open(cfg Config, logger Logger, metrics Metrics) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dial, err := DialerFor(cfg.Backend)
	if err != nil {
		return nil, err
	}
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	conn := NewConnection(cfg.Connection, dial, logger, metrics)
	client := NewClient(NewPolicy(cfg.Retry, conn, logger, metrics))
	return NewDriverWithObservability(client, codec, logger, metrics).
		WithChunkSize(cfg.ChunkSize).
		WithLockTime(cfg.LockTime), nil
}

// WithChunkSize sets the batch size used by Flush and by scans given no size.
func (d *Driver) WithChunkSize(n int) *Driver {
	if n > 0 {
		d.chunkSize = n
	}
	return d
}

// WithLockTime sets how long FindLocked holds its lock.
func (d *Driver) WithLockTime(t time.Duration) *Driver {
	if t > 0 {
		d.lockTime = t
	}
	return d
}

// Register adds a schema. Registering a name again replaces it.
func (d *Driver) Register(s Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	d.schemas[s.Name] = s
	return nil
}

// Schema returns a registered schema.
func (d *Driver) Schema(name string) (Schema, error) {
	s, ok := d.schemas[name]
	if !ok {
		return Schema{}, WithContext(ErrUnknownSchema, map[string]interface{}{
			"schema": name,
		})
	}
	return s, nil
}

// Client gives direct access to the backend calls.
func (d *Driver) Client() *Client {
	return d.client
}

// Indexes gives direct access to index documents.
func (d *Driver) Indexes() *Indexes {
	return d.indexes
}

// Codec returns the document codec.
func (d *Driver) Codec() Codec {
	return d.codec
}

// Close drops the backend session.
func (d *Driver) Close() error {
	return d.client.Policy().Connection().Close()
}

// NextID mints the next auto-increment id of schema.
func (d *Driver) NextID(ctx context.Context, schema string) (string, error) {
	n, err := d.client.Counter(ctx, CounterKey(schema), 1, WithCounterInitial(1))
	if err != nil {
		return "", fmt.Errorf("mint id for %s: %w", schema, err)
	}
	return strconv.FormatInt(n, 10), nil
}

// Create stores a new entity and adds it to every index of its schema.
//
// Auto-increment schemas mint the id and reject documents that carry one;
// other schemas require it. The stored document is returned, with its id.
// When an index update fails the entity stays stored and is returned along
// with the error.
func (d *Driver) Create(ctx context.Context, schema string, doc Document) (Document, error) {
	s, err := d.Schema(schema)
	if err != nil {
		return nil, err
	}
	doc = doc.Clone()

	if s.AutoIncrement {
		if doc.ID() != "" {
			return nil, WithContext(ErrIDAssigned, map[string]interface{}{
				"schema": schema,
				"id":     doc.ID(),
			})
		}
		id, err := d.NextID(ctx, schema)
		if err != nil {
			return nil, err
		}
		doc.SetID(id)
	} else if doc.ID() == "" {
		return nil, WithContext(ErrIDRequired, map[string]interface{}{
			"schema": schema,
		})
	} else {
		doc.SetID(doc.ID())
	}
	if isReservedID(doc.ID()) {
		return nil, WithContext(ErrReservedID, map[string]interface{}{
			"schema": schema,
			"id":     doc.ID(),
		})
	}

	data, err := d.encode(doc)
	if err != nil {
		return nil, err
	}
	if _, err := d.client.Insert(ctx, EntityKey(schema, doc.ID()), data, WithTTL(s.TTL)); err != nil {
		return nil, fmt.Errorf("create %s %s: %w", schema, doc.ID(), err)
	}

	if err := d.addIndexes(ctx, s, doc); err != nil {
		d.logger.Error("entity stored but index update failed",
			"schema", schema,
			"id", doc.ID(),
			"error", err,
		)
		return doc, err
	}

	d.metrics.Increment(MetricEntityCreate, "schema", schema)
	d.logger.Debug("entity created", "schema", schema, "id", doc.ID())
	return doc, nil
}

func (d *Driver) addIndexes(ctx context.Context, s Schema, doc Document) error {
	id := doc.ID()
	for _, field := range s.IndexedFields {
		value := doc.Field(field)
		if value == "" {
			continue
		}
		idx, err := d.indexes.Multi(ctx, s.Name, field, value)
		if err != nil {
			return err
		}
		if err := idx.Add(ctx, id); err != nil {
			return err
		}
	}
	for _, field := range s.UniqueFields {
		value := doc.Field(field)
		if value == "" {
			continue
		}
		idx, err := d.indexes.Unique(ctx, s.Name, field, value)
		if err != nil {
			return err
		}
		if err := idx.Add(ctx, id); err != nil {
			return err
		}
	}
	for _, pair := range s.DoubleUnique {
		v1, v2 := doc.Field(pair.First), doc.Field(pair.Second)
		if v1 == "" || v2 == "" {
			continue
		}
		idx, err := d.indexes.DoubleUnique(ctx, s.Name, pair, v1)
		if err != nil {
			return err
		}
		if err := idx.Add(ctx, v2, id); err != nil {
			return err
		}
	}
	return nil
}

// Update overwrites an existing entity and moves its index entries to the
// new field values. It reports false, without writing, when doc has no id or
// the entity does not exist.
func (d *Driver) Update(ctx context.Context, schema string, doc Document) (bool, error) {
	s, err := d.Schema(schema)
	if err != nil {
		return false, err
	}
	id := doc.ID()
	if id == "" {
		return false, nil
	}
	doc = doc.Clone()
	doc.SetID(id)

	key := EntityKey(schema, id)
	item, found, err := d.client.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		d.logger.Debug("update skipped, entity does not exist", "schema", schema, "id", id)
		return false, nil
	}
	old, err := d.decode(key, item.Value)
	if err != nil {
		return false, err
	}

	data, err := d.encode(doc)
	if err != nil {
		return false, err
	}
	if _, err := d.client.Upsert(ctx, key, data, WithTTL(s.TTL)); err != nil {
		return false, fmt.Errorf("update %s %s: %w", schema, id, err)
	}

	if err := d.updateIndexes(ctx, s, id, old, doc); err != nil {
		return true, err
	}
	d.metrics.Increment(MetricEntityUpdate, "schema", schema)
	return true, nil
}

// updateIndexes moves index entries from old to cur field values. Old entries
// are removed before new ones are added; a crash in between leaves the field
// unindexed.
func (d *Driver) updateIndexes(ctx context.Context, s Schema, id string, old, cur Document) error {
	for _, field := range s.IndexedFields {
		ov, nv := old.Field(field), cur.Field(field)
		if ov == nv {
			continue
		}
		if ov != "" {
			idx, err := d.indexes.Multi(ctx, s.Name, field, ov)
			if err != nil {
				return err
			}
			if err := idx.Remove(ctx, id); err != nil {
				return err
			}
		}
		if nv != "" {
			idx, err := d.indexes.Multi(ctx, s.Name, field, nv)
			if err != nil {
				return err
			}
			if err := idx.Add(ctx, id); err != nil {
				return err
			}
		}
	}

	for _, field := range s.UniqueFields {
		ov, nv := old.Field(field), cur.Field(field)
		if ov == nv {
			continue
		}
		if ov != "" {
			idx, err := d.indexes.Unique(ctx, s.Name, field, ov)
			if err != nil {
				return err
			}
			if err := idx.Remove(ctx); err != nil {
				return err
			}
		}
		if nv != "" {
			idx, err := d.indexes.Unique(ctx, s.Name, field, nv)
			if err != nil {
				return err
			}
			if err := idx.Add(ctx, id); err != nil {
				return err
			}
		}
	}

	for _, pair := range s.DoubleUnique {
		o1, o2 := old.Field(pair.First), old.Field(pair.Second)
		n1, n2 := cur.Field(pair.First), cur.Field(pair.Second)
		if o1 == n1 && o2 == n2 {
			continue
		}
		if o1 != "" && o2 != "" {
			idx, err := d.indexes.DoubleUnique(ctx, s.Name, pair, o1)
			if err != nil {
				return err
			}
			if err := idx.Remove(ctx, o2); err != nil {
				return err
			}
		}
		if n1 != "" && n2 != "" {
			idx, err := d.indexes.DoubleUnique(ctx, s.Name, pair, n1)
			if err != nil {
				return err
			}
			if err := idx.Add(ctx, n2, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes an entity given its last known snapshot: unique indexes
// first, then multi and double-unique indexes, then the entity. It reports
// false for a nil snapshot or one without an id.
func (d *Driver) Delete(ctx context.Context, schema string, snapshot Document) (bool, error) {
	s, err := d.Schema(schema)
	if err != nil {
		return false, err
	}
	if snapshot == nil || snapshot.ID() == "" {
		return false, nil
	}
	id := snapshot.ID()

	for _, field := range s.UniqueFields {
		value := snapshot.Field(field)
		if value == "" {
			continue
		}
		idx, err := d.indexes.Unique(ctx, schema, field, value)
		if err != nil {
			return false, err
		}
		if err := idx.Remove(ctx); err != nil {
			return false, err
		}
	}
	for _, field := range s.IndexedFields {
		value := snapshot.Field(field)
		if value == "" {
			continue
		}
		idx, err := d.indexes.Multi(ctx, schema, field, value)
		if err != nil {
			return false, err
		}
		if err := idx.Remove(ctx, id); err != nil {
			return false, err
		}
	}
	for _, pair := range s.DoubleUnique {
		v1, v2 := snapshot.Field(pair.First), snapshot.Field(pair.Second)
		if v1 == "" || v2 == "" {
			continue
		}
		idx, err := d.indexes.DoubleUnique(ctx, schema, pair, v1)
		if err != nil {
			return false, err
		}
		if err := idx.Remove(ctx, v2); err != nil {
			return false, err
		}
	}

	if _, err := d.client.Remove(ctx, EntityKey(schema, id)); err != nil {
		return false, fmt.Errorf("delete %s %s: %w", schema, id, err)
	}
	d.metrics.Increment(MetricEntityDelete, "schema", schema)
	return true, nil
}

// resolveID maps a lookup by id or unique field to an entity id. An empty id
// means nothing matches.
func (d *Driver) resolveID(ctx context.Context, s Schema, value, field string) (string, error) {
	if field == IDField {
		return value, nil
	}
	if !s.isUnique(field) {
		return "", WithContext(ErrNotIndexed, map[string]interface{}{
			"schema": s.Name,
			"field":  field,
			"reason": "lookups need the id or a unique field",
		})
	}
	idx, err := d.indexes.Unique(ctx, s.Name, field, value)
	if err != nil {
		return "", err
	}
	return idx.ID(), nil
}

func notFound(schema, field, value string) error {
	return WithContext(ErrNotFound, map[string]interface{}{
		"schema": schema,
		"field":  field,
		"value":  value,
	})
}

// Find returns the entity whose field equals value. field is "id" or a
// unique field. ErrNotFound is returned when any step of the lookup misses.
func (d *Driver) Find(ctx context.Context, schema, value, field string) (Document, error) {
	s, err := d.Schema(schema)
	if err != nil {
		return nil, err
	}
	id, err := d.resolveID(ctx, s, value, field)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, notFound(schema, field, value)
	}

	key := EntityKey(schema, id)
	item, found, err := d.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		if field != IDField {
			d.metrics.Increment(MetricIndexStale, "schema", schema)
		}
		return nil, notFound(schema, field, value)
	}
	return d.decode(key, item.Value)
}

// FindLocked is Find that also locks the entity for the driver's lock time.
// The returned CAS releases the lock through Unlock or ReplaceLocked.
func (d *Driver) FindLocked(ctx context.Context, schema, value, field string) (Document, uint64, error) {
	s, err := d.Schema(schema)
	if err != nil {
		return nil, 0, err
	}
	id, err := d.resolveID(ctx, s, value, field)
	if err != nil {
		return nil, 0, err
	}
	if id == "" {
		return nil, 0, notFound(schema, field, value)
	}

	key := EntityKey(schema, id)
	item, found, err := d.client.GetAndLock(ctx, key, d.lockTime)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, notFound(schema, field, value)
	}
	doc, err := d.decode(key, item.Value)
	if err != nil {
		_ = d.client.Unlock(ctx, key, item.CAS)
		return nil, 0, err
	}
	return doc, item.CAS, nil
}

// Unlock releases a lock taken by FindLocked without writing.
func (d *Driver) Unlock(ctx context.Context, schema, id string, cas uint64) error {
	if _, err := d.Schema(schema); err != nil {
		return err
	}
	return d.client.Unlock(ctx, EntityKey(schema, id), cas)
}

// ReplaceLocked writes doc over an entity locked by FindLocked, releasing the
// lock, and moves its index entries like Update. ErrCasMismatch means the
// lock expired and someone else wrote the entity.
func (d *Driver) ReplaceLocked(ctx context.Context, schema string, doc Document, cas uint64) error {
	s, err := d.Schema(schema)
	if err != nil {
		return err
	}
	id := doc.ID()
	if id == "" {
		return WithContext(ErrIDRequired, map[string]interface{}{"schema": schema})
	}

	key := EntityKey(schema, id)
	// The lock holder may read through its own lock.
	item, found, err := d.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return notFound(schema, IDField, id)
	}
	old, err := d.decode(key, item.Value)
	if err != nil {
		return err
	}

	data, err := d.encode(doc)
	if err != nil {
		return err
	}
	if _, err := d.client.Replace(ctx, key, data, WithCAS(cas), WithTTL(s.TTL), WithCondition(FailKeyExists)); err != nil {
		return fmt.Errorf("replace %s %s: %w", schema, id, err)
	}
	if err := d.updateIndexes(ctx, s, id, old, doc); err != nil {
		return err
	}
	d.metrics.Increment(MetricEntityUpdate, "schema", schema)
	return nil
}

// fetch loads the entities for ids in the given order, omitting ids that do
// not resolve.
func (d *Driver) fetch(ctx context.Context, schema string, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return []Document{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = EntityKey(schema, id)
	}

	items, err := d.client.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(items))
	for _, key := range keys {
		item, ok := items[key]
		if !ok {
			continue
		}
		doc, err := d.decode(key, item.Value)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// page slices ids by offset and limit; limit <= 0 means no limit.
func page(ids []string, offset, limit int) []string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(ids) {
		return nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

// FindBy returns entities whose indexed field equals value, ordered by id.
// Index members whose entity is gone are skipped.
func (d *Driver) FindBy(ctx context.Context, schema, field, value string, offset, limit int) ([]Document, error) {
	s, err := d.Schema(schema)
	if err != nil {
		return nil, err
	}
	if field == IDField {
		return d.fetch(ctx, schema, page([]string{value}, offset, limit))
	}
	if !s.isIndexed(field) {
		return nil, WithContext(ErrNotIndexed, map[string]interface{}{
			"schema": schema,
			"field":  field,
		})
	}

	idx, err := d.indexes.Multi(ctx, schema, field, value)
	if err != nil {
		return nil, err
	}
	ids := page(idx.IDs(), offset, limit)
	docs, err := d.fetch(ctx, schema, ids)
	if err != nil {
		return nil, err
	}
	d.recordStale(schema, len(ids)-len(docs))
	return docs, nil
}

func (d *Driver) recordStale(schema string, n int) {
	if n <= 0 {
		return
	}
	for i := 0; i < n; i++ {
		d.metrics.Increment(MetricIndexStale, "schema", schema)
	}
	d.logger.Debug("index members without entity", "schema", schema, "count", n)
}

// FindByIDs returns the entities for ids in the given order, skipping missing ones.
func (d *Driver) FindByIDs(ctx context.Context, schema string, ids ...string) ([]Document, error) {
	if _, err := d.Schema(schema); err != nil {
		return nil, err
	}
	return d.fetch(ctx, schema, ids)
}

func (d *Driver) doubleUnique(ctx context.Context, schema string, pair FieldPair, value1 string) (*DoubleUniqueIndex, error) {
	s, err := d.Schema(schema)
	if err != nil {
		return nil, err
	}
	for _, p := range s.DoubleUnique {
		if p == pair {
			return d.indexes.DoubleUnique(ctx, schema, pair, value1)
		}
	}
	return nil, WithContext(ErrNotIndexed, map[string]interface{}{
		"schema": schema,
		"field":  pair.String(),
	})
}

// FindByDoubleUnique returns the entities mapped from value2s under value1,
// in argument order.
func (d *Driver) FindByDoubleUnique(ctx context.Context, schema string, pair FieldPair, value1 string, value2s ...string) ([]Document, error) {
	idx, err := d.doubleUnique(ctx, schema, pair, value1)
	if err != nil {
		return nil, err
	}
	return d.fetch(ctx, schema, idx.IDsFor(value2s...))
}

// FindByDoubleUniqueAll returns every entity under value1, ordered by id.
func (d *Driver) FindByDoubleUniqueAll(ctx context.Context, schema string, pair FieldPair, value1 string, offset, limit int) ([]Document, error) {
	idx, err := d.doubleUnique(ctx, schema, pair, value1)
	if err != nil {
		return nil, err
	}
	return d.fetch(ctx, schema, page(idx.IDs(), offset, limit))
}

// DoubleUniqueContents returns the raw value2 to id map under value1.
func (d *Driver) DoubleUniqueContents(ctx context.Context, schema string, pair FieldPair, value1 string) (map[string]string, error) {
	idx, err := d.doubleUnique(ctx, schema, pair, value1)
	if err != nil {
		return nil, err
	}
	return idx.Contents(), nil
}

// Chunk returns the entities with ids start through stop of an
// auto-increment schema, ascending. Missing ids are skipped. A range may span
// at most the driver's chunk size.
func (d *Driver) Chunk(ctx context.Context, schema string, start, stop int64) ([]Document, error) {
	s, err := d.Schema(schema)
	if err != nil {
		return nil, err
	}
	if !s.AutoIncrement {
		return nil, WithContext(ErrNotAutoIncrement, map[string]interface{}{"schema": schema})
	}
	if start < 1 {
		start = 1
	}
	if stop < start {
		return []Document{}, nil
	}

	if stop-start >= int64(d.chunkSize) {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"schema": schema,
			"start":  start,
			"stop":   stop,
			"reason": fmt.Sprintf("range wider than chunk size %d", d.chunkSize),
		})
	}

	ids := make([]string, 0, stop-start+1)
	for i := start; ; i++ {
		ids = append(ids, strconv.FormatInt(i, 10))
		if i == stop {
			break
		}
	}
	return d.fetch(ctx, schema, ids)
}

// ChunkBy calls fn with the entities whose indexed field equals value, in
// ascending id order, size at a time. A batch where no id resolves means the
// index has drifted from the entities and stops the scan with
// ErrIndexDiverged. An error from fn stops the scan and is returned.
func (d *Driver) ChunkBy(ctx context.Context, schema, field, value string, size int, fn func([]Document) error) error {
	s, err := d.Schema(schema)
	if err != nil {
		return err
	}
	if !s.isIndexed(field) {
		return WithContext(ErrNotIndexed, map[string]interface{}{
			"schema": schema,
			"field":  field,
		})
	}
	idx, err := d.indexes.Multi(ctx, schema, field, value)
	if err != nil {
		return err
	}
	return d.scan(ctx, schema, field+"="+value, idx.IDs(), size, fn)
}

// ChunkByDoubleUnique is ChunkBy over the ids of a double-unique index.
func (d *Driver) ChunkByDoubleUnique(ctx context.Context, schema string, pair FieldPair, value1 string, size int, fn func([]Document) error) error {
	idx, err := d.doubleUnique(ctx, schema, pair, value1)
	if err != nil {
		return err
	}
	return d.scan(ctx, schema, pair.First+"="+value1, idx.IDs(), size, fn)
}

func (d *Driver) scan(ctx context.Context, schema, source string, ids []string, size int, fn func([]Document) error) error {
	if size <= 0 {
		size = d.chunkSize
	}
	ids = dedupe(ids)
	sortIDs(ids)

	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		docs, err := d.fetch(ctx, schema, batch)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return WithContext(ErrIndexDiverged, map[string]interface{}{
				"schema": schema,
				"index":  source,
				"batch":  strings.Join(batch, ","),
			})
		}
		d.recordStale(schema, len(batch)-len(docs))
		d.metrics.Increment(MetricScanBatches, "schema", schema)

		if err := fn(docs); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Count returns the last id minted for schema, zero when none was.
func (d *Driver) Count(ctx context.Context, schema string) (int64, error) {
	if _, err := d.Schema(schema); err != nil {
		return 0, err
	}
	item, found, err := d.client.Get(ctx, CounterKey(schema))
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(item.Value)), 10, 64)
	if err != nil {
		return 0, WithContext(ErrBadValue, map[string]interface{}{
			"key":   CounterKey(schema),
			"value": string(item.Value),
		})
	}
	return n, nil
}

// CountByIndex returns the number of entities whose field equals value as
// recorded by the index. For "id" and unique fields it is 0 or 1.
func (d *Driver) CountByIndex(ctx context.Context, schema, field, value string) (int, error) {
	s, err := d.Schema(schema)
	if err != nil {
		return 0, err
	}

	switch {
	case field == IDField:
		_, found, err := d.client.Get(ctx, EntityKey(schema, value))
		if err != nil || !found {
			return 0, err
		}
		return 1, nil
	case s.isUnique(field):
		idx, err := d.indexes.Unique(ctx, schema, field, value)
		if err != nil || idx.ID() == "" {
			return 0, err
		}
		return 1, nil
	case s.isIndexed(field):
		idx, err := d.indexes.Multi(ctx, schema, field, value)
		if err != nil {
			return 0, err
		}
		return idx.Count(), nil
	default:
		return 0, WithContext(ErrNotIndexed, map[string]interface{}{
			"schema": schema,
			"field":  field,
		})
	}
}

// CountByDoubleUnique returns the number of entries under value1.
func (d *Driver) CountByDoubleUnique(ctx context.Context, schema string, pair FieldPair, value1 string) (int, error) {
	idx, err := d.doubleUnique(ctx, schema, pair, value1)
	if err != nil {
		return 0, err
	}
	return idx.Count(), nil
}

// Flush deletes every entity of an auto-increment schema, with its index
// entries, then removes the counter so ids start over. Creates running
// concurrently may collide with entities not yet deleted.
func (d *Driver) Flush(ctx context.Context, schema string) (int64, error) {
	s, err := d.Schema(schema)
	if err != nil {
		return 0, err
	}
	if !s.AutoIncrement {
		return 0, WithContext(ErrNotAutoIncrement, map[string]interface{}{"schema": schema})
	}

	total, err := d.Count(ctx, schema)
	if err != nil {
		return 0, err
	}

	var deleted int64
	step := int64(d.chunkSize)
	for start := int64(1); start <= total; {
		stop := total
		if total-start >= step {
			stop = start + step - 1
		}
		docs, err := d.Chunk(ctx, schema, start, stop)
		if err != nil {
			return deleted, err
		}
		for _, doc := range docs {
			ok, err := d.Delete(ctx, schema, doc)
			if err != nil {
				return deleted, err
			}
			if ok {
				deleted++
			}
		}
		if stop == total {
			break
		}
		start = stop + 1
	}

	if _, err := d.client.Remove(ctx, CounterKey(schema)); err != nil {
		return deleted, err
	}

	d.metrics.Increment(MetricEntityFlush, "schema", schema)
	d.logger.Info("schema flushed", "schema", schema, "counter", total, "deleted", deleted)
	return deleted, nil
}
