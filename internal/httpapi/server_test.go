package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcerruti/jobwatchd/internal/config"
	"github.com/mcerruti/jobwatchd/internal/dispatch"
	"github.com/mcerruti/jobwatchd/internal/observability"
	"github.com/mcerruti/jobwatchd/internal/store"
	"github.com/mcerruti/jobwatchd/internal/wire"
	"github.com/mcerruti/jobwatchd/internal/worker"
)

func newTestServer(t *testing.T, name string) (*httptest.Server, *dispatch.Dispatcher) {
	t.Helper()
	cfg := config.Config{
		CallTimeout:      5 * time.Second,
		ListDefaultLimit: 100,
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%s_%d", name, time.Now().UnixNano()))
	d := dispatch.New(worker.NewMockLauncher(), dispatch.Config{CallTimeout: cfg.CallTimeout}, metrics)
	t.Cleanup(func() { _ = d.Shutdown() })

	srv := New(cfg, d, store.NewInMemoryStore(), metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, d
}

func TestExtractEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "extract")

	body, _ := json.Marshal(map[string]any{
		"text": "Company: Initech\nPosition: Staff Engineer\nLocation: Remote\nSalary: $180k",
		"save": true,
	})
	res, err := http.Post(ts.URL+"/v1/extract", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("extract request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("extract status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload struct {
		Company     string             `json:"company"`
		Position    string             `json:"position"`
		Application *store.Application `json:"application"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode extract response: %v", err)
	}
	if payload.Company != "Initech" || payload.Position != "Staff Engineer" {
		t.Fatalf("extract result = %+v", payload)
	}
	if payload.Application == nil || payload.Application.ID == "" {
		t.Fatalf("save=true did not persist an application: %+v", payload.Application)
	}

	listRes, err := http.Get(ts.URL + "/v1/applications")
	if err != nil {
		t.Fatalf("list request error = %v", err)
	}
	defer listRes.Body.Close()
	var list struct {
		Applications []store.Application `json:"applications"`
	}
	if err := json.NewDecoder(listRes.Body).Decode(&list); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(list.Applications) != 1 {
		t.Fatalf("listed %d applications, want 1", len(list.Applications))
	}
}

func TestExtractRejectsEmptyText(t *testing.T) {
	ts, _ := newTestServer(t, "extract_empty")

	res, err := http.Post(ts.URL+"/v1/extract", "application/json", bytes.NewReader([]byte(`{"text":"  "}`)))
	if err != nil {
		t.Fatalf("extract request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("extract status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestApplicationsCRUD(t *testing.T) {
	ts, _ := newTestServer(t, "crud")

	body, _ := json.Marshal(store.Application{Company: "Globex", Position: "SRE"})
	res, err := http.Post(ts.URL+"/v1/applications", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created store.Application
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" || created.Status != store.StatusSaved {
		t.Fatalf("created = %+v", created)
	}

	created.Status = store.StatusApplied
	updBody, _ := json.Marshal(created)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/applications/"+created.ID, bytes.NewReader(updBody))
	req.Header.Set("Content-Type", "application/json")
	updRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("update request error = %v", err)
	}
	defer updRes.Body.Close()
	if updRes.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want %d", updRes.StatusCode, http.StatusOK)
	}

	getRes, err := http.Get(ts.URL + "/v1/applications/" + created.ID)
	if err != nil {
		t.Fatalf("get request error = %v", err)
	}
	defer getRes.Body.Close()
	var got store.Application
	if err := json.NewDecoder(getRes.Body).Decode(&got); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if got.Status != store.StatusApplied {
		t.Fatalf("status after update = %q, want %q", got.Status, store.StatusApplied)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/applications/"+created.ID, nil)
	delRes, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("delete request error = %v", err)
	}
	defer delRes.Body.Close()
	if delRes.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", delRes.StatusCode, http.StatusOK)
	}

	missingRes, err := http.Get(ts.URL + "/v1/applications/" + created.ID)
	if err != nil {
		t.Fatalf("get-after-delete request error = %v", err)
	}
	defer missingRes.Body.Close()
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("get-after-delete status = %d, want %d", missingRes.StatusCode, http.StatusNotFound)
	}
}

func TestCapabilityEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "capability")

	res, err := http.Get(ts.URL + "/v1/capability?wait=1")
	if err != nil {
		t.Fatalf("capability request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("capability status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload struct {
		State     string `json:"state"`
		Available bool   `json:"available"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode capability response: %v", err)
	}
	if !payload.Available || payload.State != "available" {
		t.Fatalf("capability = %+v, want available", payload)
	}

	// The non-blocking form must agree once the probe has concluded.
	peekRes, err := http.Get(ts.URL + "/v1/capability")
	if err != nil {
		t.Fatalf("capability peek error = %v", err)
	}
	defer peekRes.Body.Close()
	if err := json.NewDecoder(peekRes.Body).Decode(&payload); err != nil {
		t.Fatalf("decode capability peek: %v", err)
	}
	if !payload.Available {
		t.Fatalf("capability peek = %+v after concluded probe", payload)
	}
}

func TestProgressWSUpgrades(t *testing.T) {
	ts, _ := newTestServer(t, "progress_ws")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/progress/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial progress ws: %v", err)
	}
	defer conn.Close()
	if res.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("upgrade status = %d", res.StatusCode)
	}
}

// brokenSendConn launches fine but fails every send, like a worker whose
// stdin pipe broke underneath a live process.
type brokenSendConn struct {
	frames chan wire.Frame
}

func (c *brokenSendConn) Send(wire.Request) error   { return errors.New("pipe broken") }
func (c *brokenSendConn) Frames() <-chan wire.Frame { return c.frames }
func (c *brokenSendConn) Close() error              { return nil }

type brokenSendLauncher struct{}

func (brokenSendLauncher) Launch(ctx context.Context) (dispatch.Conn, error) {
	return &brokenSendConn{frames: make(chan wire.Frame)}, nil
}

func TestExtractSendFailureHasDistinctCode(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_sendfail_%d", time.Now().UnixNano()))
	d := dispatch.New(brokenSendLauncher{}, dispatch.Config{CallTimeout: 5 * time.Second}, metrics)
	t.Cleanup(func() { _ = d.Shutdown() })

	srv := New(config.Config{CallTimeout: 5 * time.Second, ListDefaultLimit: 100}, d, store.NewInMemoryStore(), metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	res, err := http.Post(ts.URL+"/v1/extract", "application/json", bytes.NewReader([]byte(`{"text":"Company: Initech"}`)))
	if err != nil {
		t.Fatalf("extract request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("extract status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if payload.Code != "transport_send_failed" {
		t.Fatalf("error code = %q, want transport_send_failed", payload.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	ts, d := newTestServer(t, "health")

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	readyRes, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz error = %v", err)
	}
	defer readyRes.Body.Close()
	// Uninitialized is still ready; the worker starts lazily on first call.
	if readyRes.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want %d", readyRes.StatusCode, http.StatusOK)
	}
}
