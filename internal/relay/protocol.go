package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/remote"
)

// Request operations.
const (
	OpGet             = "get"
	OpUpdate          = "update"
	OpCreate          = "create"
	OpDelete          = "delete"
	OpWatchDoc        = "watch_doc"
	OpWatchCollection = "watch_collection"
	OpUnwatch         = "unwatch"
)

// Server-originated operations.
const (
	OpResult     = "result"
	OpSnapshot   = "snapshot"
	OpCollection = "collection"
)

// Error codes carried in result frames.
const (
	CodeNotFound   = "NOT_FOUND"
	CodeBadRequest = "BAD_REQUEST"
	CodeBackend    = "BACKEND_ERROR"
)

// Frame is the single wire message type.
type Frame struct {
	ID         uint64                     `json:"id,omitempty"`
	Op         string                     `json:"op"`
	Collection string                     `json:"collection,omitempty"`
	Doc        string                     `json:"doc,omitempty"`
	Fields     map[string]any             `json:"fields,omitempty"`
	Data       doc.Document               `json:"data,omitempty"`
	Sub        string                     `json:"sub,omitempty"`
	Snapshot   *remote.Snapshot           `json:"snapshot,omitempty"`
	Batch      *remote.CollectionSnapshot `json:"batch,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Code       string                     `json:"code,omitempty"`
}

// Error is a failure reported by the relay server.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay %s: %s", e.Code, e.Message)
}

// Is maps NOT_FOUND onto remote.ErrNotFound so callers can use errors.Is.
func (e *Error) Is(target error) bool {
	return e.Code == CodeNotFound && target == remote.ErrNotFound
}

func decodeFrame(payload []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Fields != nil {
		if fields, ok := remote.DecodeSentinels(f.Fields).(map[string]any); ok {
			f.Fields = fields
		}
	}
	if f.Data != nil {
		if data, ok := remote.DecodeSentinels(f.Data).(map[string]any); ok {
			f.Data = doc.Document(data)
		}
	}
	return f, nil
}

// errorFrame builds the reply for a failed request.
func errorFrame(id uint64, err error) Frame {
	code := CodeBackend
	var relayErr *Error
	switch {
	case errors.Is(err, remote.ErrNotFound):
		code = CodeNotFound
	case errors.As(err, &relayErr):
		code = relayErr.Code
	}
	return Frame{ID: id, Op: OpResult, Error: err.Error(), Code: code}
}

func badRequest(format string, args ...any) error {
	return &Error{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

func replyError(f Frame) error {
	if f.Error == "" && f.Code == "" {
		return nil
	}
	return &Error{Code: f.Code, Message: f.Error}
}
