// Package resp implements RESP2 (REdis Serialization Protocol) framing:
// decoding inbound command frames and encoding outbound values.
package resp

// Type tags the concrete representation held by a Value.
type Type int

const (
	// TypeString is a binary-safe string, encoded as a RESP bulk string.
	TypeString Type = iota
	// TypeInt is a 64-bit signed integer, encoded as a RESP integer.
	TypeInt
	// TypeTimestamp is a millisecond-since-epoch value carried by PXAT
	// replication frames. It shares the RESP integer wire representation
	// with TypeInt.
	TypeTimestamp
	// TypeArray is an ordered sequence of Values, encoded as a RESP array.
	TypeArray
)

// Value is the tagged union the Store and RDB reader exchange and that the
// codec knows how to serialize. Only String values are ever produced by SET
// or by RDB loading; Int/Array/Timestamp arise from internal replies and
// replication frames.
type Value struct {
	Type  Type
	Str   []byte
	Int   int64
	Array []Value
}

// String builds a String-typed Value from bytes.
func String(b []byte) Value { return Value{Type: TypeString, Str: b} }

// StringFrom builds a String-typed Value from a Go string.
func StringFrom(s string) Value { return Value{Type: TypeString, Str: []byte(s)} }

// Int builds an Int-typed Value.
func Int(n int64) Value { return Value{Type: TypeInt, Int: n} }

// Timestamp builds a Timestamp-typed Value holding milliseconds since epoch.
func Timestamp(ms int64) Value { return Value{Type: TypeTimestamp, Int: ms} }

// Array builds an Array-typed Value.
func Array(vs ...Value) Value { return Value{Type: TypeArray, Array: vs} }

// Equal reports whether two Values hold the same tag and payload, recursing
// into nested arrays. Used by the round-trip property tests.
func Equal(a, b Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeString:
		return string(a.Str) == string(b.Str)
	case TypeInt, TypeTimestamp:
		return a.Int == b.Int
	case TypeArray:
		if len(a.Array) != len(b.Array) {
			return false
		}
		for i := range a.Array {
			if !Equal(a.Array[i], b.Array[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
