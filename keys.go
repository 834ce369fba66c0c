package kvdoc

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Key layout:
//
//	{schema}:{id}                         entity document
//	{schema}:counter                      auto-increment counter
//	idx:{schema}:{field}:{md5(value)}     multi or unique index
//	idx:{schema}:{f1}:{f2}:{md5(value1)}  double-unique index
const (
	IDField       = "id"
	indexPrefix   = "idx"
	counterSuffix = "counter"
	keySeparator  = ":"
)

// EntityKey returns the key of an entity document.
func EntityKey(schema, id string) string {
	return schema + keySeparator + id
}

// CounterKey returns the key of a schema's auto-increment counter.
func CounterKey(schema string) string {
	return schema + keySeparator + counterSuffix
}

// IndexKey returns the key of the multi or unique index for field=value.
func IndexKey(schema, field, value string) string {
	return strings.Join([]string{indexPrefix, schema, field, valueDigest(value)}, keySeparator)
}

// DoubleUniqueKey returns the key of the double-unique index for pair with
// its first field equal to value1.
func DoubleUniqueKey(schema string, pair FieldPair, value1 string) string {
	return strings.Join([]string{indexPrefix, schema, pair.First, pair.Second, valueDigest(value1)}, keySeparator)
}

// valueDigest keeps index keys short and free of separator characters.
// Collisions are not handled.
func valueDigest(value string) string {
	sum := md5.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}

func isReservedSchema(name string) bool {
	return name == indexPrefix
}

func isReservedID(id string) bool {
	return id == counterSuffix
}

// sortIDs orders ids numerically; non-numeric ids sort after numeric ones,
// lexically.
func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.ParseInt(ids[i], 10, 64)
		b, berr := strconv.ParseInt(ids[j], 10, 64)
		switch {
		case aerr == nil && berr == nil:
			return a < b
		case aerr == nil:
			return true
		case berr == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}
