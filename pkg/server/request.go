package server

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Request is one decoded wire message. Fields that handlers must be
// able to distinguish between absent and empty are pointers.
type Request struct {
	Action       string                 `json:"action"`
	Key          *string                `json:"key,omitempty"`
	Value        *string                `json:"value,omitempty"`
	CFName       string                 `json:"cf_name,omitempty"`
	DefaultValue *string                `json:"default_value,omitempty"`
	Options      map[string]interface{} `json:"options,omitempty"`
	Token        string                 `json:"token,omitempty"`
	Txn          bool                   `json:"txn,omitempty"`
	BackupID     *uint32                `json:"backup_id,omitempty"`
	IteratorID   *int64                 `json:"iterator_id,omitempty"`
}

// Response is the single-line reply for every request
type Response struct {
	Success bool    `json:"success"`
	Result  *string `json:"result"`
}

func ok(result string) Response {
	return Response{Success: true, Result: &result}
}

func okNull() Response {
	return Response{Success: true}
}

func fail(format string, args ...interface{}) Response {
	msg := fmt.Sprintf(format, args...)
	return Response{Success: false, Result: &msg}
}

// decodeRequest parses one frame. Malformed JSON and wrong field types
// map to the protocol error strings.
func decodeRequest(frame []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		if typeErr, ok := err.(*json.UnmarshalTypeError); ok {
			resp := fail("type-mismatch: %s", typeErr.Field)
			return nil, &resp
		}
		resp := fail("malformed-json: %v", err)
		return nil, &resp
	}
	return &req, nil
}

// optString reads a string option; integers are stringified since
// clients send start values both ways.
func (r *Request) optString(name string) (string, bool) {
	v, ok := r.Options[name]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatInt(int64(t), 10), true
	default:
		return "", false
	}
}

// optInt reads an integer option, accepting JSON numbers and numeric
// strings.
func (r *Request) optInt(name string) (int64, bool, error) {
	v, ok := r.Options[name]
	if !ok {
		return 0, false, nil
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("type-mismatch: %s", name)
		}
		return n, true, nil
	default:
		return 0, true, fmt.Errorf("type-mismatch: %s", name)
	}
}

// iteratorHandle resolves the iterator id from the dedicated field or
// the options map.
func (r *Request) iteratorHandle() (int64, bool, error) {
	if r.IteratorID != nil {
		return *r.IteratorID, true, nil
	}
	return r.optInt("iterator_id")
}

// backupHandle resolves the backup id from the dedicated field or the
// options map.
func (r *Request) backupHandle() (uint32, bool, error) {
	if r.BackupID != nil {
		return *r.BackupID, true, nil
	}
	n, ok, err := r.optInt("backup_id")
	if err != nil || !ok {
		return 0, ok, err
	}
	if n < 0 {
		return 0, true, fmt.Errorf("type-mismatch: backup_id")
	}
	return uint32(n), true, nil
}
