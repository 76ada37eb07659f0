// Package jsonrpc implements the JSON-RPC 2.0 message model used by the MCP
// wire protocol: tagged-union messages and the RequestID/ProgressToken types
// that correlate requests to responses and progress streams.
package jsonrpc

import "fmt"

// ID is a JSON-RPC request identifier: a string, a non-fractional number, or
// absent. The zero ID is invalid and must never be placed on the wire.
//
// ID round-trips its wire form exactly: an ID decoded from a JSON number
// re-encodes as a number, never as a string, and vice versa.
type ID struct {
	s      string
	n      int64
	isStr  bool
	valid  bool
}

// StringID returns a new string-valued ID.
func StringID(s string) ID { return ID{s: s, isStr: true, valid: true} }

// Int64ID returns a new integer-valued ID.
func Int64ID(n int64) ID { return ID{n: n, valid: true} }

// IsValid reports whether id was constructed by StringID or Int64ID.
func (id ID) IsValid() bool { return id.valid }

// IsString reports whether the ID is string-valued.
func (id ID) IsString() bool { return id.valid && id.isStr }

// String returns the string form of a string-valued ID; it panics if the ID
// is not string-valued.
func (id ID) String() string {
	if !id.isStr {
		panic("jsonrpc: ID is not string-valued")
	}
	return id.s
}

// Int64 returns the integer form of a number-valued ID; it panics if the ID
// is not number-valued.
func (id ID) Int64() int64 {
	if !id.valid || id.isStr {
		panic("jsonrpc: ID is not number-valued")
	}
	return id.n
}

// Raw returns the ID's value as a string or int64, or nil if invalid.
func (id ID) Raw() any {
	switch {
	case !id.valid:
		return nil
	case id.isStr:
		return id.s
	default:
		return id.n
	}
}

// Equal reports whether two IDs have the same variant and value.
func (id ID) Equal(other ID) bool {
	return id.valid == other.valid && id.isStr == other.isStr && id.s == other.s && id.n == other.n
}

func (id ID) GoString() string {
	if !id.valid {
		return "jsonrpc.ID{}"
	}
	if id.isStr {
		return fmt.Sprintf("jsonrpc.StringID(%q)", id.s)
	}
	return fmt.Sprintf("jsonrpc.Int64ID(%d)", id.n)
}
