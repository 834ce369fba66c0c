package model

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/adrianmcphee/kvdoc"
)

// Options configure the schema derived for a struct type.
type Options struct {
	AutoIncrement bool
	TTL           time.Duration
	DoubleUnique  []kvdoc.FieldPair
}

// Collection provides typed access to the entities of one schema.
type Collection[T any] struct {
	driver  *kvdoc.Driver
	schema  kvdoc.Schema
	idField string
}

// New derives a schema from T's tags, registers it with driver and returns a
// collection over it. An empty name uses the pluralized type name.
func New[T any](driver *kvdoc.Driver, name string, opts Options) (*Collection[T], error) {
	var t T
	typ := reflect.TypeOf(t)
	if typ == nil || typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model: %T is not a struct type", t)
	}

	if name == "" {
		name = strings.ToLower(pluralize(typ.Name()))
	}

	c := &Collection[T]{
		driver:  driver,
		idField: "ID",
		schema: kvdoc.Schema{
			Name:          name,
			AutoIncrement: opts.AutoIncrement,
			DoubleUnique:  opts.DoubleUnique,
			TTL:           opts.TTL,
		},
	}
	if err := c.parseTags(typ); err != nil {
		return nil, err
	}
	if err := driver.Register(c.schema); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the schema name.
func (c *Collection[T]) Name() string {
	return c.schema.Name
}

// Schema returns the derived schema.
func (c *Collection[T]) Schema() kvdoc.Schema {
	return c.schema
}

// Create stores a new item and returns a copy with the id set. The input is
// not modified.
//
// When an index rejects the item after it was stored, the stored copy is
// returned along with the error.
func (c *Collection[T]) Create(ctx context.Context, item *T) (*T, error) {
	if item == nil {
		return nil, fmt.Errorf("item cannot be nil")
	}
	doc, err := c.toDocument(item)
	if err != nil {
		return nil, err
	}

	stored, err := c.driver.Create(ctx, c.schema.Name, doc)
	if stored == nil {
		return nil, err
	}
	created, cerr := c.fromDocument(stored)
	if cerr != nil {
		return nil, cerr
	}
	return created, err
}

// Update overwrites an existing item. It reports false when the item has no
// id or does not exist.
func (c *Collection[T]) Update(ctx context.Context, item *T) (bool, error) {
	if item == nil {
		return false, fmt.Errorf("item cannot be nil")
	}
	doc, err := c.toDocument(item)
	if err != nil {
		return false, err
	}
	return c.driver.Update(ctx, c.schema.Name, doc)
}

// Delete removes the item with the given id. It reports false when there is
// no such item.
func (c *Collection[T]) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	snapshot, err := c.driver.Find(ctx, c.schema.Name, id, kvdoc.IDField)
	if kvdoc.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.driver.Delete(ctx, c.schema.Name, snapshot)
}

// Get returns the item with the given id.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	return c.Find(ctx, kvdoc.IDField, id)
}

// Find returns the item whose field equals value. field is "id" or a unique
// field.
func (c *Collection[T]) Find(ctx context.Context, field, value string) (*T, error) {
	doc, err := c.driver.Find(ctx, c.schema.Name, value, field)
	if err != nil {
		return nil, err
	}
	return c.fromDocument(doc)
}

// FindBy returns the items whose indexed field equals value, ordered by id.
func (c *Collection[T]) FindBy(ctx context.Context, field, value string, offset, limit int) ([]*T, error) {
	docs, err := c.driver.FindBy(ctx, c.schema.Name, field, value, offset, limit)
	if err != nil {
		return nil, err
	}
	return c.fromDocuments(docs)
}

// FindByIDs returns the items for ids in the given order, skipping missing ones.
func (c *Collection[T]) FindByIDs(ctx context.Context, ids ...string) ([]*T, error) {
	docs, err := c.driver.FindByIDs(ctx, c.schema.Name, ids...)
	if err != nil {
		return nil, err
	}
	return c.fromDocuments(docs)
}

// Count returns the last id minted for an auto-increment collection.
func (c *Collection[T]) Count(ctx context.Context) (int64, error) {
	return c.driver.Count(ctx, c.schema.Name)
}

// CountBy returns the number of items whose indexed field equals value.
func (c *Collection[T]) CountBy(ctx context.Context, field, value string) (int, error) {
	return c.driver.CountByIndex(ctx, c.schema.Name, field, value)
}

// ChunkBy calls fn with the items whose indexed field equals value, size at
// a time, in ascending id order.
func (c *Collection[T]) ChunkBy(ctx context.Context, field, value string, size int, fn func([]*T) error) error {
	return c.driver.ChunkBy(ctx, c.schema.Name, field, value, size, func(docs []kvdoc.Document) error {
		items, err := c.fromDocuments(docs)
		if err != nil {
			return err
		}
		return fn(items)
	})
}

// Atomic locks the item, applies fn and writes the result, releasing the
// lock. When fn fails the lock is released without writing.
//
// Example:
//
//	err := accounts.Atomic(ctx, id, func(a *Account) error {
//	    a.Balance += 100
//	    return nil
//	})
func (c *Collection[T]) Atomic(ctx context.Context, id string, fn func(*T) error) error {
	doc, cas, err := c.driver.FindLocked(ctx, c.schema.Name, id, kvdoc.IDField)
	if err != nil {
		return err
	}

	item, err := c.fromDocument(doc)
	if err == nil {
		err = fn(item)
	}
	if err != nil {
		if uerr := c.driver.Unlock(ctx, c.schema.Name, id, cas); uerr != nil {
			return fmt.Errorf("%w (unlock failed: %v)", err, uerr)
		}
		return err
	}

	next, err := c.toDocument(item)
	if err != nil {
		_ = c.driver.Unlock(ctx, c.schema.Name, id, cas)
		return err
	}
	next.SetID(id)
	return c.driver.ReplaceLocked(ctx, c.schema.Name, next, cas)
}

// Helper methods

func (c *Collection[T]) parseTags(typ reflect.Type) error {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("kv")
		if tag == "" {
			continue
		}
		parts := strings.Split(tag, ",")

		if contains(parts, "id") {
			c.idField = field.Name
		}

		name := jsonName(field)
		switch {
		case contains(parts, "unique"):
			c.schema.UniqueFields = append(c.schema.UniqueFields, name)
		case contains(parts, "index"):
			c.schema.IndexedFields = append(c.schema.IndexedFields, name)
		}
	}

	id, ok := typ.FieldByName(c.idField)
	if !ok {
		return fmt.Errorf("model: %s has no id field %s", typ.Name(), c.idField)
	}
	if id.Type.Kind() != reflect.String {
		return fmt.Errorf("model: id field %s.%s must be a string", typ.Name(), c.idField)
	}
	if jsonName(id) != kvdoc.IDField {
		return fmt.Errorf("model: id field %s.%s must be stored as %q", typ.Name(), c.idField, kvdoc.IDField)
	}
	return nil
}

// toDocument round-trips item through the driver's codec.
func (c *Collection[T]) toDocument(item *T) (kvdoc.Document, error) {
	codec := c.driver.Codec()
	data, err := codec.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.schema.Name, err)
	}
	doc := kvdoc.Document{}
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.schema.Name, err)
	}
	if doc.ID() == "" {
		delete(doc, kvdoc.IDField)
	}
	return doc, nil
}

func (c *Collection[T]) fromDocument(doc kvdoc.Document) (*T, error) {
	codec := c.driver.Codec()
	data, err := codec.Marshal(map[string]interface{}(doc))
	if err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", c.schema.Name, doc.ID(), err)
	}
	var item T
	if err := codec.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", c.schema.Name, doc.ID(), err)
	}
	return &item, nil
}

func (c *Collection[T]) fromDocuments(docs []kvdoc.Document) ([]*T, error) {
	items := make([]*T, 0, len(docs))
	for _, doc := range docs {
		item, err := c.fromDocument(doc)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func jsonName(field reflect.StructField) string {
	name := field.Tag.Get("json")
	if idx := strings.Index(name, ","); idx >= 0 {
		name = name[:idx]
	}
	if name == "" || name == "-" {
		return strings.ToLower(field.Name)
	}
	return name
}

func pluralize(s string) string {
	lower := strings.ToLower(s)

	irregulars := map[string]string{
		"person": "people",
		"child":  "children",
		"goose":  "geese",
		"tooth":  "teeth",
		"foot":   "feet",
		"mouse":  "mice",
	}
	if plural, ok := irregulars[lower]; ok {
		return plural
	}

	// consonant + y -> ies
	if len(s) > 1 && s[len(s)-1] == 'y' && !isVowel(rune(s[len(s)-2])) {
		return s[:len(s)-1] + "ies"
	}

	if strings.HasSuffix(lower, "s") || strings.HasSuffix(lower, "x") ||
		strings.HasSuffix(lower, "z") || strings.HasSuffix(lower, "ch") ||
		strings.HasSuffix(lower, "sh") {
		return s + "es"
	}
	return s + "s"
}

func isVowel(r rune) bool {
	return r == 'a' || r == 'e' || r == 'i' || r == 'o' || r == 'u'
}

func contains(slice []string, str string) bool {
	for _, s := range slice {
		if s == str {
			return true
		}
	}
	return false
}
