package stratum

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Stratum V1 method names
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodSetExtranonce = "mining.set_extranonce"
	MethodReconnect     = "client.reconnect"
	MethodShowMessage   = "client.show_message"
	MethodGetVersion    = "client.get_version"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts the JSON-RPC object form as well as the
// [code, message, traceback] array and bare string forms pools send.
func (e *Error) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case map[string]any:
		if code, ok := v["code"].(float64); ok {
			e.Code = int(code)
		}
		e.Message, _ = v["message"].(string)
		e.Data = v["data"]
	case []any:
		if len(v) > 0 {
			if code, ok := v[0].(float64); ok {
				e.Code = int(code)
			}
		}
		if len(v) > 1 {
			e.Message, _ = v[1].(string)
		}
		if len(v) > 2 {
			e.Data = v[2]
		}
	case string:
		e.Code = ErrorOther
		e.Message = v
	default:
		return fmt.Errorf("unsupported error representation: %s", string(data))
	}
	return nil
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	if params == nil {
		params = []any{}
	}
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// NewSubscribeRequest builds mining.subscribe with no session to resume
func NewSubscribeRequest(id uint64, userAgent string) *Message {
	return NewRequest(id, MethodSubscribe, []any{userAgent, nil})
}

// NewAuthorizeRequest builds mining.authorize
func NewAuthorizeRequest(id uint64, worker, password string) *Message {
	return NewRequest(id, MethodAuthorize, []any{worker, password})
}

// NewSubmitRequest builds mining.submit with parameters in wire order
func NewSubmitRequest(id uint64, worker, jobID, extraNonce2, nTime, nonce string) *Message {
	return NewRequest(id, MethodSubmit, []any{worker, jobID, extraNonce2, nTime, nonce})
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// NumericID returns the message id as an unsigned integer when it is one.
// Pools echo ids back as numbers or, occasionally, numeric strings.
func NumericID(id any) (uint64, bool) {
	switch v := id.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := [...]string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	for i, name := range names {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", name)
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}, nil
}

// ParseNotifyParams decodes the 9-element mining.notify parameter array.
// The merkle branch keeps the order it had on the wire.
func ParseNotifyParams(params []any) (*Job, error) {
	if len(params) < 9 {
		return nil, fmt.Errorf("mining.notify expects 9 parameters, got %d", len(params))
	}

	str := func(i int, name string) (string, error) {
		s, ok := params[i].(string)
		if !ok {
			return "", fmt.Errorf("%s must be string", name)
		}
		return s, nil
	}

	job := &Job{}
	var err error
	if job.JobID, err = str(0, "job_id"); err != nil {
		return nil, err
	}
	if job.PrevHash, err = str(1, "prevhash"); err != nil {
		return nil, err
	}
	if job.Coinb1, err = str(2, "coinb1"); err != nil {
		return nil, err
	}
	if job.Coinb2, err = str(3, "coinb2"); err != nil {
		return nil, err
	}

	branch, ok := params[4].([]any)
	if !ok && params[4] != nil {
		return nil, fmt.Errorf("merkle_branch must be an array")
	}
	job.MerkleBranch = make([]string, 0, len(branch))
	for i, h := range branch {
		s, ok := h.(string)
		if !ok {
			return nil, fmt.Errorf("merkle_branch[%d] must be string", i)
		}
		job.MerkleBranch = append(job.MerkleBranch, s)
	}

	if job.Version, err = str(5, "version"); err != nil {
		return nil, err
	}
	if job.NBits, err = str(6, "nbits"); err != nil {
		return nil, err
	}
	if job.NTime, err = str(7, "ntime"); err != nil {
		return nil, err
	}

	clean, ok := params[8].(bool)
	if !ok {
		return nil, fmt.Errorf("clean_jobs must be boolean")
	}
	job.CleanJobs = clean

	if job.JobID == "" {
		return nil, fmt.Errorf("job_id cannot be empty")
	}
	return job, nil
}

// ParseSetDifficulty extracts a positive difficulty from mining.set_difficulty
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}

	var diff float64
	switch v := params[0].(type) {
	case float64:
		diff = v
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("difficulty must be numeric: %w", err)
		}
		diff = parsed
	default:
		return 0, fmt.Errorf("difficulty must be numeric")
	}

	if diff <= 0 || math.IsNaN(diff) || math.IsInf(diff, 0) {
		return 0, fmt.Errorf("difficulty must be positive, got %v", diff)
	}
	return diff, nil
}

// ParseSubscribeResult extracts extranonce1 and extranonce2_size from a
// mining.subscribe result of the form [subscriptions, extranonce1, size].
func ParseSubscribeResult(result any) (string, int, error) {
	arr, ok := result.([]any)
	if !ok || len(arr) < 3 {
		return "", 0, fmt.Errorf("subscribe result must be a 3-element array")
	}

	extraNonce1, ok := arr[1].(string)
	if !ok {
		return "", 0, fmt.Errorf("extranonce1 must be string")
	}

	size, ok := arr[2].(float64)
	if !ok || size < 0 {
		return "", 0, fmt.Errorf("extranonce2_size must be a non-negative number")
	}

	return extraNonce1, int(size), nil
}

// ParseSetExtranonce extracts the values of mining.set_extranonce
func ParseSetExtranonce(params []any) (string, int, error) {
	if len(params) < 2 {
		return "", 0, fmt.Errorf("insufficient parameters")
	}
	return ParseSubscribeResult([]any{nil, params[0], params[1]})
}
