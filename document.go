package kvdoc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Document is an entity as stored: a field map that always carries "id".
type Document map[string]interface{}

// ID returns the entity id, empty when unset.
func (d Document) ID() string {
	return d.Field(IDField)
}

// SetID sets the entity id.
func (d Document) SetID(id string) {
	d[IDField] = id
}

// Field returns the string form of a field value, the form indexes use.
// Missing and nil fields are empty.
func (d Document) Field(name string) string {
	if d == nil {
		return ""
	}
	return FieldString(d[name])
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// FieldString converts a decoded field value to the string used in index keys.
func FieldString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func (d *Driver) decode(key string, data []byte) (Document, error) {
	var doc Document
	if err := d.codec.Unmarshal(data, &doc); err != nil {
		return nil, WithContext(ErrInvalidDocument, map[string]interface{}{
			"key":   key,
			"codec": d.codec.Name(),
			"error": err.Error(),
		})
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func (d *Driver) encode(doc Document) ([]byte, error) {
	data, err := d.codec.Marshal(map[string]interface{}(doc))
	if err != nil {
		return nil, WithContext(ErrInvalidDocument, map[string]interface{}{
			"id":    doc.ID(),
			"codec": d.codec.Name(),
			"error": err.Error(),
		})
	}
	return data, nil
}
