package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/mcerruti/jobwatchd/internal/dispatch"
	"github.com/mcerruti/jobwatchd/internal/wire"
)

// MockLauncher provides a deterministic in-process worker when no model
// runner is available. Capability probes succeed, echo reflects its payload,
// and extraction returns a crude keyword scan so the rest of the service can
// be exercised end to end.
type MockLauncher struct{}

func NewMockLauncher() *MockLauncher { return &MockLauncher{} }

func (l *MockLauncher) Launch(ctx context.Context) (dispatch.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return &mockConn{frames: make(chan wire.Frame, 64)}, nil
}

type mockConn struct {
	mu     sync.Mutex
	frames chan wire.Frame
	closed bool
}

func (c *mockConn) Send(req wire.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return context.Canceled
	}

	var frame wire.Frame
	switch req.Type {
	case wire.TypeCapability:
		frame = wire.Frame{RequestID: req.RequestID, Result: mustJSON(wire.CapabilityResult{Available: true})}
	case wire.TypeEcho:
		payload := req.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		frame = wire.Frame{RequestID: req.RequestID, Result: payload}
	case wire.TypeExtract:
		var in wire.ExtractRequest
		_ = json.Unmarshal(req.Payload, &in)
		frame = wire.Frame{RequestID: req.RequestID, Result: mustJSON(mockExtract(in.Text))}
	default:
		frame = wire.Frame{
			RequestID: req.RequestID,
			Error:     &wire.FrameError{Code: "unsupported", Message: "unknown call type " + string(req.Type)},
		}
	}

	select {
	case c.frames <- frame:
	default:
	}
	return nil
}

func (c *mockConn) Frames() <-chan wire.Frame { return c.frames }

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.frames)
	return nil
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// mockExtract pulls labeled lines out of the pasted posting text. It is not
// meant to rival the model, only to give deterministic output in tests and
// development.
func mockExtract(text string) wire.ExtractResult {
	out := wire.ExtractResult{Confidence: 0.25}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "company:"):
			out.Company = strings.TrimSpace(line[len("company:"):])
		case strings.HasPrefix(lower, "position:"), strings.HasPrefix(lower, "title:"):
			out.Position = strings.TrimSpace(line[strings.Index(line, ":")+1:])
		case strings.HasPrefix(lower, "location:"):
			out.Location = strings.TrimSpace(line[len("location:"):])
		case strings.HasPrefix(lower, "salary:"):
			out.Salary = strings.TrimSpace(line[len("salary:"):])
		}
	}
	if out.Company != "" || out.Position != "" {
		out.Confidence = 0.6
	}
	return out
}
