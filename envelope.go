package vane

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ReqID is a request correlation token. The wire format allows both strings
// and numbers, so it normalizes to a string during JSON unmarshaling. An
// empty ReqID marks an envelope as a notification.
type ReqID string

// Envelope represents one protocol message. It can be a request, a response,
// or a notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type Envelope struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID ReqID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *Error `json:"error,omitempty"`
}

// Error represents a protocol-level error response. It follows the standard
// error object format defined in the JSON-RPC 2.0 specification.
type Error struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// methodKind is the closed set of method families the dispatcher routes on.
// New methods are added here and matched exhaustively, never by ad-hoc string
// comparison at the call sites.
type methodKind int

const (
	methodUnknown methodKind = iota
	methodInitialize
	methodInitialized
	methodPing
	methodCapabilityList
	methodCapabilityInvoke
)

const (
	// JSONRPCVersion specifies the protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize is the reserved method name for session bootstrap.
	MethodInitialize = "initialize"
	// MethodCapabilityList is the method name for retrieving capability descriptors.
	MethodCapabilityList = "capability-list"
	// MethodCapabilityInvoke is the method name for invoking a capability.
	MethodCapabilityInvoke = "capability-invoke"
	// MethodPing is a trivial request answered with an empty result.
	MethodPing = "ping"

	// MethodNotificationsInitialized is sent by clients to acknowledge a
	// completed bootstrap. It expects no reply.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsCapabilitiesChanged is broadcast to every live
	// session when the provider's capability catalog changes.
	MethodNotificationsCapabilitiesChanged = "notifications/capabilities/list_changed"
)

// Protocol error codes, mirrored by an HTTP status on request-scoped calls.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

func methodKindOf(name string) methodKind {
	switch name {
	case MethodInitialize:
		return methodInitialize
	case MethodNotificationsInitialized:
		return methodInitialized
	case MethodPing:
		return methodPing
	case MethodCapabilityList:
		return methodCapabilityList
	case MethodCapabilityInvoke:
		return methodCapabilityInvoke
	default:
		return methodUnknown
	}
}

// IsNotification reports whether the envelope carries no correlation token
// and therefore expects no reply.
func (e Envelope) IsNotification() bool {
	return e.ID == "" && e.Method != ""
}

// parseEnvelopes parses a raw request body into its envelopes, reporting
// whether the body was a batch. Batches preserve their input order. An empty
// batch is rejected as malformed.
func parseEnvelopes(body []byte) ([]Envelope, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty body")
	}

	if trimmed[0] == '[' {
		var envs []Envelope
		if err := json.Unmarshal(trimmed, &envs); err != nil {
			return nil, true, fmt.Errorf("decode batch: %w", err)
		}
		if len(envs) == 0 {
			return nil, true, errors.New("empty batch")
		}
		return envs, true, nil
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, false, fmt.Errorf("decode envelope: %w", err)
	}
	return []Envelope{env}, false, nil
}

func resultEnvelope(id ReqID, result any) Envelope {
	resBs, _ := json.Marshal(result)
	return Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}
}

func errorEnvelope(id ReqID, code int, message string) Envelope {
	return Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into ReqID,
// handling both string and numeric input formats.
func (r *ReqID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*r = ReqID(v)
	case float64:
		*r = ReqID(fmt.Sprintf("%d", int(v)))
	case nil:
		*r = ""
	default:
		return fmt.Errorf("invalid request id type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert ReqID into its JSON
// representation, always encoding as a string value.
func (r ReqID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

func (e Error) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}
