package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Message is the closed set of JSON-RPC 2.0 message variants this package
// knows how to encode and decode: *Request, *Response, *ErrorResponse, and
// *Notification.
type Message interface {
	isMessage()
}

// Request is a call that expects a Response or ErrorResponse bearing the
// same ID.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

// Notification is a fire-and-forget message: it carries no ID and expects no
// reply.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response is a successful reply to a Request.
type Response struct {
	ID     ID
	Result json.RawMessage
}

// ErrorResponse is a failed reply to a Request.
type ErrorResponse struct {
	ID    ID
	Error *WireError
}

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}
func (*ErrorResponse) isMessage() {}

// NewRequest builds a *Request, marshaling params. A nil params value
// produces no "params" field on the wire.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a *Notification, marshaling params.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResponse builds a *Response, marshaling result.
func NewResponse(id ID, result any) (*Response, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Result: raw}, nil
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	// "null" and "{}" both serialize to non-nil RawMessage; omit only true nils.
	return json.RawMessage(data), nil
}

// wireMessage is the union of all fields that can appear on the wire; it is
// used only for encoding and decoding, never exposed to callers.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

const wireVersion = "2.0"

// CodecError is returned for malformed JSON-RPC envelopes, distinct from
// McpError (a valid envelope reporting a remote failure).
type CodecError struct {
	msg string
	err error
}

func (e *CodecError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("jsonrpc codec: %s: %v", e.msg, e.err)
	}
	return fmt.Sprintf("jsonrpc codec: %s", e.msg)
}

func (e *CodecError) Unwrap() error { return e.err }

func codecErrorf(format string, args ...any) *CodecError {
	return &CodecError{msg: fmt.Sprintf(format, args...)}
}

func wrapCodecError(msg string, err error) *CodecError {
	return &CodecError{msg: msg, err: err}
}

// Decode parses one JSON value as a single JsonRpcMessage, applying the
// discrimination rule from the wire spec: method+id -> Request; method, no id
// -> Notification; id+error -> ErrorResponse; id+result -> Response.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, wrapCodecError("parse error", err)
	}
	if w.ID == nil {
		// encoding/json decodes "id":null to a nil pointer; tell that apart
		// from an absent id so a null id is rejected below.
		var keys map[string]json.RawMessage
		if json.Unmarshal(data, &keys) == nil {
			if _, ok := keys["id"]; ok {
				null := json.RawMessage("null")
				w.ID = &null
			}
		}
	}
	if w.Method != "" {
		if w.ID == nil {
			return &Notification{Method: w.Method, Params: w.Params}, nil
		}
		id, err := decodeID(*w.ID)
		if err != nil {
			return nil, err
		}
		if !id.IsValid() {
			return nil, codecErrorf("request id must not be null")
		}
		return &Request{ID: id, Method: w.Method, Params: w.Params}, nil
	}
	if w.ID == nil {
		return nil, codecErrorf("message has neither method nor id")
	}
	id, err := decodeID(*w.ID)
	if err != nil {
		return nil, err
	}
	if !id.IsValid() {
		return nil, codecErrorf("response id must not be null")
	}
	if w.Error != nil {
		return &ErrorResponse{ID: id, Error: w.Error}, nil
	}
	return &Response{ID: id, Result: w.Result}, nil
}

// DecodeBatch parses a JSON array of messages. Batches are a legacy feature,
// retained only so callers speaking older protocol versions can be served;
// the engine itself never emits one.
func DecodeBatch(data []byte) ([]Message, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, wrapCodecError("parse error", err)
	}
	if len(raws) == 0 {
		return nil, codecErrorf("empty batch")
	}
	msgs := make([]Message, len(raws))
	for i, raw := range raws {
		msg, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		msgs[i] = msg
	}
	return msgs, nil
}

// ParseID decodes a bare JSON value (a string or non-fractional number) as an
// ID. It is exported for callers that need to parse an ID-shaped value
// outside of a full message, such as an MCP progress token or the
// requestId field of a notifications/cancelled payload.
func ParseID(raw json.RawMessage) (ID, error) {
	return decodeID(raw)
}

func decodeID(raw json.RawMessage) (ID, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return ID{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ID{}, wrapCodecError("invalid id", err)
	}
	switch v := v.(type) {
	case string:
		return StringID(v), nil
	case float64:
		if v != float64(int64(v)) {
			return ID{}, codecErrorf("id %v is not a non-fractional number", v)
		}
		return Int64ID(int64(v)), nil
	default:
		return ID{}, codecErrorf("invalid id type %T", v)
	}
}

// Encode serializes msg to its canonical wire form: "jsonrpc" is always
// "2.0", the original string/number form of any ID is preserved exactly, and
// nil/empty fields are omitted, except that a Response always carries
// "result" (null when Result is nil).
func Encode(msg Message) ([]byte, error) {
	w := wireMessage{JSONRPC: wireVersion}
	switch m := msg.(type) {
	case *Request:
		w.Method = m.Method
		w.Params = m.Params
		if m.ID.IsValid() {
			raw, err := encodeID(m.ID)
			if err != nil {
				return nil, err
			}
			w.ID = &raw
		}
	case *Notification:
		w.Method = m.Method
		w.Params = m.Params
	case *Response:
		raw, err := encodeID(m.ID)
		if err != nil {
			return nil, err
		}
		w.ID = &raw
		w.Result = m.Result
		if w.Result == nil {
			w.Result = json.RawMessage("null")
		}
	case *ErrorResponse:
		raw, err := encodeID(m.ID)
		if err != nil {
			return nil, err
		}
		w.ID = &raw
		w.Error = m.Error
	default:
		return nil, codecErrorf("unknown message type %T", msg)
	}
	data, err := json.Marshal(&w)
	if err != nil {
		return nil, wrapCodecError("marshaling message", err)
	}
	return data, nil
}

func encodeID(id ID) (json.RawMessage, error) {
	var v any = id.Raw()
	data, err := json.Marshal(v)
	if err != nil {
		return nil, wrapCodecError("marshaling id", err)
	}
	return json.RawMessage(data), nil
}

// ReadOne decodes a single message from data, or the first message of a
// batch if data is a JSON array (see DecodeBatch). It reports whether data
// was a batch.
func ReadOne(data []byte) (first Message, rest []Message, isBatch bool, err error) {
	trimmed := trimLeadingSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		msgs, err := DecodeBatch(data)
		if err != nil {
			return nil, nil, true, err
		}
		return msgs[0], msgs[1:], true, nil
	}
	msg, err := Decode(data)
	if err != nil {
		return nil, nil, false, err
	}
	return msg, nil, false, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}
