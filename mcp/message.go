package mcp

import (
	"bytes"
	"encoding/json"
)

// Message is one JSON-RPC 2.0 envelope: request, response or notification.
// Classification follows id/method presence: id+method is a request, id
// without method is a response, method without id is a notification.
type Message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsNotification reports whether the message expects no response.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether the message answers a prior request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// Serialize encodes a message for the wire.
func Serialize(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Deserialize decodes one wire envelope. Malformed JSON yields a
// ParseError-coded *Error; structurally invalid envelopes (no method and no
// id, or a response carrying both result and error) yield InvalidRequest.
func Deserialize(data []byte) (*Message, *Error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, &Error{Code: ErrorCodeParseError, Message: "Parse error", Data: err.Error()}
	}
	if m.Method == "" && m.ID == nil {
		return nil, &Error{Code: ErrorCodeInvalidRequest, Message: "Invalid Request"}
	}
	if m.IsResponse() && (m.Result != nil) == (m.Error != nil) {
		return nil, &Error{Code: ErrorCodeInvalidRequest, Message: "Invalid Request",
			Data: "response must carry exactly one of result or error"}
	}
	return &m, nil
}

// newResponse builds a success envelope for the given request id. The result
// is marshalled immediately so shape problems surface here, not at push time.
func newResponse(id *json.RawMessage, result interface{}) *Message {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, ErrorCodeInternal, "Internal error", "failed to marshal result")
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: json.RawMessage(raw)}
}

// errorResponse is the single place error envelopes are constructed. Every
// component funnels error shaping through here so the result-xor-error
// invariant holds for all wire responses.
func errorResponse(id *json.RawMessage, code int, message string, data interface{}) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// newNotification builds a server-to-client notification envelope.
func newNotification(method string, params interface{}) (*Message, error) {
	m := &Message{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		m.Params = json.RawMessage(raw)
	}
	return m, nil
}
