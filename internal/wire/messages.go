package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CallType identifies worker request variants.
type CallType string

const (
	TypeExtract    CallType = "extract"
	TypeEcho       CallType = "echo"
	TypeCapability CallType = "capability"

	// TypeProgress marks uncorrelated frames broadcast by the worker while it
	// loads models or chews through a long document.
	TypeProgress = "progress"
)

var ErrBadFrame = errors.New("malformed worker frame")

// Request is the outbound envelope handed to the worker.
type Request struct {
	Type      CallType        `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// FrameError is the worker's structured failure payload for one request.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is the inbound envelope. Exactly one of the shapes applies:
// a correlated result ({request_id, result}), a correlated error
// ({request_id, error}) or an uncorrelated progress event
// ({type: "progress", payload}).
type Frame struct {
	Type      string          `json:"type,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *FrameError     `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsProgress reports whether the frame is an uncorrelated progress broadcast.
func (f Frame) IsProgress() bool {
	return strings.EqualFold(strings.TrimSpace(f.Type), TypeProgress)
}

// ParseFrame decodes and validates one inbound worker frame.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.IsProgress() {
		return f, nil
	}
	if strings.TrimSpace(f.RequestID) == "" {
		return Frame{}, fmt.Errorf("%w: missing request_id", ErrBadFrame)
	}
	if f.Error == nil && f.Result == nil {
		return Frame{}, fmt.Errorf("%w: neither result nor error", ErrBadFrame)
	}
	return f, nil
}

// ProgressEvent is broadcast to subscribers, never awaited.
type ProgressEvent struct {
	Subject     string  `json:"subject"`
	Phase       string  `json:"phase"`
	Percent     float64 `json:"percent"`
	BytesLoaded int64   `json:"bytes_loaded,omitempty"`
	BytesTotal  int64   `json:"bytes_total,omitempty"`
}

// DecodeProgress unpacks the payload of a progress frame.
func DecodeProgress(f Frame) (ProgressEvent, error) {
	var ev ProgressEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		return ProgressEvent{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return ev, nil
}

// ExtractRequest asks the worker to pull job-application fields out of text.
type ExtractRequest struct {
	Text string `json:"text"`
}

// ExtractResult is the worker's structured answer for an extract call.
type ExtractResult struct {
	Company    string  `json:"company"`
	Position   string  `json:"position"`
	Location   string  `json:"location,omitempty"`
	Salary     string  `json:"salary,omitempty"`
	URL        string  `json:"url,omitempty"`
	Confidence float64 `json:"confidence"`
}

// CapabilityResult answers the one-shot probe for the optional ML fast path.
type CapabilityResult struct {
	Available bool `json:"available"`
}
