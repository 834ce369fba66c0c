package kvdoc

import (
	"strconv"
	"strings"
	"time"
)

// FieldPair names the two fields of a double-unique index. Values of Second
// are unique among entities sharing a value of First.
type FieldPair struct {
	First  string
	Second string
}

func (p FieldPair) String() string {
	return p.First + "+" + p.Second
}

// Schema describes a collection of entities and the indexes kept for it.
type Schema struct {
	Name string

	// AutoIncrement schemas get ids from the schema counter; others require
	// the caller to supply one.
	AutoIncrement bool

	IndexedFields []string
	UniqueFields  []string
	DoubleUnique  []FieldPair

	// TTL applies to entity documents; zero never expires.
	TTL time.Duration
}

// Validate checks if the Schema is usable
func (s Schema) Validate() error {
	if s.Name == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Name",
			"reason": "schema name is required",
		})
	}
	if strings.Contains(s.Name, keySeparator) {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Name",
			"value":  s.Name,
			"reason": "schema name must not contain " + strconv.Quote(keySeparator),
		})
	}
	if isReservedSchema(s.Name) {
		return WithContext(ErrReservedSchema, map[string]interface{}{
			"schema": s.Name,
		})
	}

	check := func(kind, field string) error {
		if field == "" || field == IDField {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"schema": s.Name,
				"field":  kind,
				"value":  field,
				"reason": "index field must be non-empty and not the id",
			})
		}
		// Index keys join field names with ':'.
		if strings.Contains(field, keySeparator) {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"schema": s.Name,
				"field":  kind,
				"value":  field,
				"reason": "index field must not contain " + strconv.Quote(keySeparator),
			})
		}
		return nil
	}
	for _, f := range s.IndexedFields {
		if err := check("IndexedFields", f); err != nil {
			return err
		}
	}
	for _, f := range s.UniqueFields {
		if err := check("UniqueFields", f); err != nil {
			return err
		}
		// Multi and unique indexes on one field would share a key.
		if s.isIndexed(f) {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"schema": s.Name,
				"field":  "UniqueFields",
				"value":  f,
				"reason": "field is also in IndexedFields",
			})
		}
	}
	for _, p := range s.DoubleUnique {
		if err := check("DoubleUnique", p.First); err != nil {
			return err
		}
		if err := check("DoubleUnique", p.Second); err != nil {
			return err
		}
	}
	return nil
}

func (s Schema) isIndexed(field string) bool {
	for _, f := range s.IndexedFields {
		if f == field {
			return true
		}
	}
	return false
}

func (s Schema) isUnique(field string) bool {
	for _, f := range s.UniqueFields {
		if f == field {
			return true
		}
	}
	return false
}
