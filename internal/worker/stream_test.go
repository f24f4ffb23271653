package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/mcerruti/jobwatchd/internal/wire"
)

func TestStreamConnSendWritesOneLine(t *testing.T) {
	pr, pw := io.Pipe()
	inR, inW := io.Pipe()
	conn := newStreamConn(inR, pw)
	defer conn.Close()
	defer inW.Close()

	go func() {
		_ = conn.Send(wire.Request{Type: wire.TypeEcho, RequestID: "req-1", Payload: json.RawMessage(`{"x":1}`)})
	}()

	line, err := bufio.NewReader(pr).ReadString('\n')
	if err != nil {
		t.Fatalf("read request line: %v", err)
	}
	var req wire.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.Fatalf("decode request line: %v", err)
	}
	if req.Type != wire.TypeEcho || req.RequestID != "req-1" {
		t.Fatalf("request = %+v", req)
	}
}

func TestStreamConnDeliversFramesAndSkipsGarbage(t *testing.T) {
	inR, inW := io.Pipe()
	conn := newStreamConn(inR, nopWriteCloser{})
	defer conn.Close()

	go func() {
		io.WriteString(inW, `{"request_id":"req-1","result":{"ok":true}}`+"\n")
		io.WriteString(inW, `{"request_id":"no-body-at-all"}`+"\n")
		io.WriteString(inW, `{"request_id":"req-2","error":{"code":"boom","message":"bad"}}`+"\n")
		inW.Close()
	}()

	frame := recvFrame(t, conn.Frames())
	if frame.RequestID != "req-1" || frame.Result == nil {
		t.Fatalf("first frame = %+v", frame)
	}

	// The frame with neither result nor error must be dropped, not surfaced.
	frame = recvFrame(t, conn.Frames())
	if frame.RequestID != "req-2" || frame.Error == nil || frame.Error.Code != "boom" {
		t.Fatalf("second frame = %+v", frame)
	}

	select {
	case _, ok := <-conn.Frames():
		if ok {
			t.Fatalf("unexpected extra frame")
		}
	case <-time.After(time.Second):
		t.Fatalf("frames channel not closed after stream end")
	}
}

func TestStreamConnSendAfterClose(t *testing.T) {
	inR, inW := io.Pipe()
	conn := newStreamConn(inR, nopWriteCloser{})
	defer inW.Close()

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.Send(wire.Request{Type: wire.TypeEcho, RequestID: "req-1"}); err == nil {
		t.Fatalf("Send() after close succeeded, want error")
	}
}

func TestMockConnAnswersCalls(t *testing.T) {
	conn, err := NewMockLauncher().Launch(context.Background())
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Send(wire.Request{Type: wire.TypeCapability, RequestID: "req-1"}); err != nil {
		t.Fatalf("Send(capability) error = %v", err)
	}
	frame := recvFrame(t, conn.Frames())
	var probe wire.CapabilityResult
	if err := json.Unmarshal(frame.Result, &probe); err != nil || !probe.Available {
		t.Fatalf("capability result = %s err = %v", frame.Result, err)
	}

	payload, _ := json.Marshal(wire.ExtractRequest{Text: "Company: Initech\nPosition: Engineer\nLocation: Remote"})
	if err := conn.Send(wire.Request{Type: wire.TypeExtract, RequestID: "req-2", Payload: payload}); err != nil {
		t.Fatalf("Send(extract) error = %v", err)
	}
	frame = recvFrame(t, conn.Frames())
	var res wire.ExtractResult
	if err := json.Unmarshal(frame.Result, &res); err != nil {
		t.Fatalf("decode extract result: %v", err)
	}
	if res.Company != "Initech" || res.Position != "Engineer" || res.Location != "Remote" {
		t.Fatalf("extract result = %+v", res)
	}
}

func recvFrame(t *testing.T, ch <-chan wire.Frame) wire.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatalf("frames channel closed early")
		}
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame within deadline")
		return wire.Frame{}
	}
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
