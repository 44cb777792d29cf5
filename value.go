package kclist

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ValueType tags the variant held by a [Value].
type ValueType int

const (
	// TypeInvalid is the zero Value: missing or unrepresentable.
	TypeInvalid ValueType = iota
	TypeString
	TypeInteger
	TypeBlob
	TypeBool
	TypeMapping
	TypeCollection
)

func (t ValueType) String() string {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeBlob:
		return "blob"
	case TypeBool:
		return "bool"
	case TypeMapping:
		return "mapping"
	case TypeCollection:
		return "collection"
	default:
		return fmt.Sprintf("ValueType(%d)", t)
	}
}

// Value is a decoded catalog attribute. The zero Value is invalid and
// coerces to the zero value of every accessor.
type Value struct {
	typ ValueType
	str string
	num uint64
	neg bool
	raw []byte
	b   bool
	m   map[string]Value
	l   []Value
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{typ: TypeString, str: s} }

// UintValue returns a non-negative integer Value.
func UintValue(n uint64) Value { return Value{typ: TypeInteger, num: n} }

// IntValue returns an integer Value.
func IntValue(n int64) Value {
	if n < 0 {
		return Value{typ: TypeInteger, num: uint64(-n), neg: true}
	}
	return Value{typ: TypeInteger, num: uint64(n)}
}

// BlobValue returns a byte blob Value. The slice is not copied.
func BlobValue(b []byte) Value { return Value{typ: TypeBlob, raw: b} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{typ: TypeBool, b: b} }

// MappingValue returns a mapping Value. The map is copied.
func MappingValue(m map[string]Value) Value {
	copied := make(map[string]Value, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return Value{typ: TypeMapping, m: copied}
}

// CollectionValue returns an ordered collection Value. The slice is copied.
func CollectionValue(l []Value) Value {
	return Value{typ: TypeCollection, l: slices.Clone(l)}
}

// Type returns the variant tag.
func (v Value) Type() ValueType { return v.typ }

// IsValid reports whether v holds any variant.
func (v Value) IsValid() bool { return v.typ != TypeInvalid }

// AsString returns the string variant, or "" for any other variant.
func (v Value) AsString() string {
	if v.typ != TypeString {
		return ""
	}
	return v.str
}

// AsUint returns the integer variant, or 0 for any other variant and for
// negative integers. Numeric strings are accepted, since loosely typed
// catalogs sometimes store addresses as text.
func (v Value) AsUint() uint64 {
	switch v.typ {
	case TypeInteger:
		if v.neg {
			return 0
		}
		return v.num
	case TypeString:
		n, err := strconv.ParseUint(strings.TrimSpace(v.str), 0, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// AsBytes returns the blob variant, or nil for any other variant.
func (v Value) AsBytes() []byte {
	if v.typ != TypeBlob {
		return nil
	}
	return v.raw
}

// AsBool returns the bool variant, or false for any other variant.
func (v Value) AsBool() bool {
	return v.typ == TypeBool && v.b
}

// Len returns the number of entries of a mapping or collection, and 0 otherwise.
func (v Value) Len() int {
	switch v.typ {
	case TypeMapping:
		return len(v.m)
	case TypeCollection:
		return len(v.l)
	}
	return 0
}

// Lookup returns the mapping entry for key. It returns the zero Value when
// v is not a mapping or the key is absent.
func (v Value) Lookup(key string) Value {
	if v.typ != TypeMapping {
		return Value{}
	}
	return v.m[key]
}

// Keys returns the keys of a mapping in sorted order.
func (v Value) Keys() []string {
	if v.typ != TypeMapping {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Elements returns the entries of a collection in order.
func (v Value) Elements() []Value {
	if v.typ != TypeCollection {
		return nil
	}
	return v.l
}

// String renders v compactly for diagnostics.
func (v Value) String() string {
	switch v.typ {
	case TypeString:
		return strconv.Quote(v.str)
	case TypeInteger:
		if v.neg {
			return fmt.Sprintf("-%d", v.num)
		}
		return fmt.Sprintf("0x%x", v.num)
	case TypeBlob:
		return fmt.Sprintf("<%d bytes>", len(v.raw))
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeMapping:
		return fmt.Sprintf("{%d keys}", len(v.m))
	case TypeCollection:
		return fmt.Sprintf("[%d items]", len(v.l))
	default:
		return "<invalid>"
	}
}

// valueFrom converts the generic tree produced by the plist decoder.
// Types the catalog never uses (dates, reals) become strings so that no
// attribute is silently dropped.
func valueFrom(x any) Value {
	switch t := x.(type) {
	case string:
		return StringValue(t)
	case uint64:
		return UintValue(t)
	case int64:
		return IntValue(t)
	case []byte:
		return BlobValue(t)
	case bool:
		return BoolValue(t)
	case float64:
		return StringValue(strconv.FormatFloat(t, 'g', -1, 64))
	case time.Time:
		return StringValue(t.UTC().Format(time.RFC3339))
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = valueFrom(e)
		}
		return Value{typ: TypeMapping, m: m}
	case []any:
		l := make([]Value, 0, len(t))
		for _, e := range t {
			l = append(l, valueFrom(e))
		}
		return Value{typ: TypeCollection, l: l}
	default:
		return Value{}
	}
}
