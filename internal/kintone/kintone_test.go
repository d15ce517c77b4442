package kintone

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

const testToken = "secret-token"

// fakeApp is an in-memory kintone app.
type fakeApp struct {
	mu       sync.Mutex
	nextID   int
	records  map[string]Record
	requests []string
	// failNext makes the next n requests answer with failStatus.
	failNext   int
	failStatus int
}

func newFakeApp() *fakeApp {
	return &fakeApp{records: make(map[string]Record), nextID: 100}
}

func (a *fakeApp) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, r.Method+" "+r.URL.Path)

	if r.Header.Get("X-Cybozu-API-Token") != testToken {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(APIError{Code: "GAIA_IA02", Message: "invalid token"})
		return
	}
	if a.failNext > 0 {
		a.failNext--
		w.WriteHeader(a.failStatus)
		_, _ = w.Write([]byte(`{"code":"CB_TEMP","message":"try again"}`))
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/k/v1/app.json":
		if r.Header.Get("Content-Type") != "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"appId":"` + r.URL.Query().Get("id") + `","name":"AOI不良"}`))

	case r.Method == http.MethodPost && r.URL.Path == "/k/v1/records.json":
		var body struct {
			Records []Record `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var ids []string
		for _, rec := range body.Records {
			a.nextID++
			id := strconv.Itoa(a.nextID)
			a.records[id] = rec
			ids = append(ids, id)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ids": ids})

	case r.Method == http.MethodPut && r.URL.Path == "/k/v1/records.json":
		var body struct {
			Records []RecordUpdate `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, u := range body.Records {
			if _, ok := a.records[u.ID]; !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"code":"GAIA_RE01","message":"record not found"}`))
				return
			}
			a.records[u.ID] = u.Record
		}
		_, _ = w.Write([]byte(`{"records":[]}`))

	case r.Method == http.MethodDelete && r.URL.Path == "/k/v1/records.json":
		for i := 0; ; i++ {
			id := r.URL.Query().Get("ids[" + strconv.Itoa(i) + "]")
			if id == "" {
				break
			}
			delete(a.records, id)
		}
		_, _ = w.Write([]byte(`{}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (a *fakeApp) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func (a *fakeApp) field(id, code string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records[id][code].Value
}

func (a *fakeApp) requestCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func setupClient(t *testing.T, app *fakeApp, token string) *Client {
	t.Helper()
	return setupClientHandler(t, app, token)
}

func setupClientHandler(t *testing.T, h http.Handler, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{
		BaseURL:  srv.URL,
		AppID:    "42",
		APIToken: token,
		Retry:    RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return client
}

func testDefects(n int) []schema.Defect {
	out := make([]schema.Defect, n)
	for i := range out {
		d := schema.Defect{
			ModelCode:    "Y8470722R",
			LotNumber:    "1234567-10",
			BoardIndex:   1,
			DefectNumber: i + 1,
			Reference:    "U" + strconv.Itoa(i+1),
			DefectName:   "コテ不足",
			Coord:        &schema.Point{X: 0.42, Y: 0.77},
		}
		d.AssignID()
		out[i] = d
	}
	return out
}

type recordingMetrics struct {
	mu  sync.Mutex
	ops []string
}

func (m *recordingMetrics) RemoteRequest(op string, err error, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ops = append(m.ops, op+":"+outcome)
}

func TestNewClient_NotConfigured(t *testing.T) {
	tests := []Config{
		{},
		{Subdomain: "ktec", AppID: "1"},
		{Subdomain: "ktec", APIToken: "x"},
		{AppID: "1", APIToken: "x"},
	}
	for _, cfg := range tests {
		if _, err := NewClient(cfg, quietLogger()); !errors.Is(err, ErrNotConfigured) {
			t.Errorf("NewClient(%+v) error = %v, want ErrNotConfigured", cfg, err)
		}
	}
}

func TestNewClient_SubdomainURL(t *testing.T) {
	c, err := NewClient(Config{Subdomain: "ktec", AppID: "1", APIToken: "x"}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL() != "https://ktec.cybozu.com" {
		t.Errorf("BaseURL() = %q", c.BaseURL())
	}
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// TestCheckConnection tests the connection check sets the connectivity flag both ways
func TestCheckConnection(t *testing.T) {
	app := newFakeApp()
	metrics := &recordingMetrics{}

	s := NewSyncer(setupClient(t, app, testToken), metrics, quietLogger())
	ok, err := s.CheckConnection(context.Background())
	if err != nil || !ok || !s.Connected() {
		t.Fatalf("CheckConnection() = %v, %v; Connected() = %v", ok, err, s.Connected())
	}

	bad := NewSyncer(setupClient(t, app, "wrong"), nil, quietLogger())
	bad.SetConnected(true)
	ok, err = bad.CheckConnection(context.Background())
	if ok || bad.Connected() || !IsAuthError(err) {
		t.Errorf("CheckConnection() with bad token = %v, %v", ok, err)
	}

	if len(metrics.ops) != 1 || metrics.ops[0] != "check:ok" {
		t.Errorf("metrics = %v", metrics.ops)
	}
}

func TestCheckConnection_Unconfigured(t *testing.T) {
	s := NewSyncer(nil, nil, quietLogger())
	ok, err := s.CheckConnection(context.Background())
	if ok || !errors.Is(err, ErrNotConfigured) {
		t.Errorf("CheckConnection() = %v, %v", ok, err)
	}
}

// TestPostRecords_CreateThenUpdate tests remote references are assigned once and reused
func TestPostRecords_CreateThenUpdate(t *testing.T) {
	app := newFakeApp()
	s := NewSyncer(setupClient(t, app, testToken), nil, quietLogger())
	s.SetConnected(true)
	ctx := context.Background()

	in := testDefects(2)
	posted, err := s.PostRecords(ctx, in)
	if err != nil {
		t.Fatalf("PostRecords() failed: %v", err)
	}
	for i, d := range posted {
		if d.RemoteID == "" {
			t.Errorf("record %d has no remote id", i)
		}
		if in[i].RemoteID != "" {
			t.Error("PostRecords() mutated its input")
		}
	}

	posted[0].Reference = "R9"
	again, err := s.PostRecords(ctx, posted)
	if err != nil {
		t.Fatalf("second PostRecords() failed: %v", err)
	}
	if again[0].RemoteID != posted[0].RemoteID {
		t.Errorf("remote id changed on update: %q -> %q", posted[0].RemoteID, again[0].RemoteID)
	}
	if app.count() != 2 {
		t.Errorf("remote records = %d, want 2", app.count())
	}
	if got := app.field(posted[0].RemoteID, FieldReference); got != "R9" {
		t.Errorf("remote reference = %q, want R9", got)
	}
}

// TestPostRecords_Batches tests requests are split at the API limit
func TestPostRecords_Batches(t *testing.T) {
	app := newFakeApp()
	s := NewSyncer(setupClient(t, app, testToken), nil, quietLogger())
	s.SetConnected(true)

	posted, err := s.PostRecords(context.Background(), testDefects(MaxRecordsPerRequest+5))
	if err != nil {
		t.Fatalf("PostRecords() failed: %v", err)
	}
	if app.requestCount() != 2 {
		t.Errorf("requests = %d, want 2", app.requestCount())
	}
	seen := make(map[string]bool)
	for _, d := range posted {
		if d.RemoteID == "" || seen[d.RemoteID] {
			t.Fatalf("bad remote id %q", d.RemoteID)
		}
		seen[d.RemoteID] = true
	}
}

// TestPostRecords_NotConnected tests a false flag returns at once without touching records
func TestPostRecords_NotConnected(t *testing.T) {
	app := newFakeApp()
	s := NewSyncer(setupClient(t, app, testToken), nil, quietLogger())

	in := testDefects(1)
	out, err := s.PostRecords(context.Background(), in)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PostRecords() error = %v, want ErrNotConnected", err)
	}
	if out[0].RemoteID != "" {
		t.Error("remote reference set while disconnected")
	}
	if app.requestCount() != 0 {
		t.Errorf("requests = %d, want 0", app.requestCount())
	}
	if err := s.DeleteRecord(context.Background(), "7"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DeleteRecord() error = %v, want ErrNotConnected", err)
	}
}

// TestPostRecords_RetriesTransient tests 5xx and 429 responses are retried
func TestPostRecords_RetriesTransient(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			app := newFakeApp()
			app.failNext = 2
			app.failStatus = status
			s := NewSyncer(setupClient(t, app, testToken), nil, quietLogger())
			s.SetConnected(true)

			out, err := s.PostRecords(context.Background(), testDefects(1))
			if err != nil {
				t.Fatalf("PostRecords() failed: %v", err)
			}
			if out[0].RemoteID == "" {
				t.Error("no remote id after retry")
			}
			if app.requestCount() != 3 {
				t.Errorf("requests = %d, want 3", app.requestCount())
			}
		})
	}
}

func TestPostRecords_GivesUp(t *testing.T) {
	app := newFakeApp()
	app.failNext = 10
	app.failStatus = http.StatusServiceUnavailable
	s := NewSyncer(setupClient(t, app, testToken), nil, quietLogger())
	s.SetConnected(true)

	_, err := s.PostRecords(context.Background(), testDefects(1))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("PostRecords() error = %v, want 503 APIError", err)
	}
	if app.requestCount() != 3 {
		t.Errorf("requests = %d, want 3", app.requestCount())
	}
	if !s.Connected() {
		t.Error("transient failure flipped the connectivity flag")
	}
}

// dropOnce stores the first matching request in app, then drops the
// connection before the response reaches the client.
type dropOnce struct {
	app     *fakeApp
	method  string
	dropped atomic.Bool
}

func (d *dropOnce) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != d.method || !d.dropped.CompareAndSwap(false, true) {
		d.app.ServeHTTP(w, r)
		return
	}
	d.app.ServeHTTP(httptest.NewRecorder(), r)
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

func TestPostRecords_LostCreateResponseNotRepeated(t *testing.T) {
	app := newFakeApp()
	s := NewSyncer(setupClientHandler(t, &dropOnce{app: app, method: http.MethodPost}, testToken), nil, quietLogger())
	s.SetConnected(true)

	out, err := s.PostRecords(context.Background(), testDefects(1))
	if err == nil {
		t.Fatal("PostRecords() succeeded after the connection was dropped")
	}
	if app.count() != 1 {
		t.Errorf("remote records = %d, want 1", app.count())
	}
	if app.requestCount() != 1 {
		t.Errorf("requests = %d, want 1", app.requestCount())
	}
	if out[0].RemoteID != "" {
		t.Errorf("RemoteID = %q, want none", out[0].RemoteID)
	}
}

func TestPostRecords_CreateNotRetriedOnServerError(t *testing.T) {
	app := newFakeApp()
	app.failNext = 1
	app.failStatus = http.StatusBadGateway
	s := NewSyncer(setupClient(t, app, testToken), nil, quietLogger())
	s.SetConnected(true)

	if _, err := s.PostRecords(context.Background(), testDefects(1)); err == nil {
		t.Fatal("PostRecords() error = nil, want 502")
	}
	if app.requestCount() != 1 {
		t.Errorf("requests = %d, want 1", app.requestCount())
	}
}

func TestUpdateRecords_RetriedAfterDroppedConnection(t *testing.T) {
	app := newFakeApp()
	client := setupClientHandler(t, &dropOnce{app: app, method: http.MethodPut}, testToken)
	s := NewSyncer(client, nil, quietLogger())
	s.SetConnected(true)

	created, err := s.PostRecords(context.Background(), testDefects(1))
	if err != nil {
		t.Fatalf("PostRecords() failed: %v", err)
	}
	created[0].DefectName = "ブリッジ"
	updated, err := s.PostRecords(context.Background(), created)
	if err != nil {
		t.Fatalf("update PostRecords() failed: %v", err)
	}
	if updated[0].RemoteID != created[0].RemoteID {
		t.Errorf("RemoteID changed on update: %q -> %q", created[0].RemoteID, updated[0].RemoteID)
	}
	// POST, dropped PUT, retried PUT
	if app.requestCount() != 3 {
		t.Errorf("requests = %d, want 3", app.requestCount())
	}
	if app.count() != 1 {
		t.Errorf("remote records = %d, want 1", app.count())
	}
}

// TestPostRecords_AuthFailureDisconnects tests a rejected token suspends syncing
func TestPostRecords_AuthFailureDisconnects(t *testing.T) {
	app := newFakeApp()
	s := NewSyncer(setupClient(t, app, "wrong"), nil, quietLogger())
	s.SetConnected(true)

	_, err := s.PostRecords(context.Background(), testDefects(1))
	if !IsAuthError(err) {
		t.Fatalf("PostRecords() error = %v, want auth error", err)
	}
	if s.Connected() {
		t.Error("Connected() = true after auth failure")
	}
	if app.requestCount() != 1 {
		t.Errorf("requests = %d, want 1 (auth errors are not retried)", app.requestCount())
	}
}

func TestDeleteRecord(t *testing.T) {
	app := newFakeApp()
	metrics := &recordingMetrics{}
	s := NewSyncer(setupClient(t, app, testToken), metrics, quietLogger())
	s.SetConnected(true)
	ctx := context.Background()

	posted, err := s.PostRecords(ctx, testDefects(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRecord(ctx, posted[0].RemoteID); err != nil {
		t.Fatalf("DeleteRecord() failed: %v", err)
	}
	if app.count() != 0 {
		t.Errorf("remote records = %d, want 0", app.count())
	}
	if err := s.DeleteRecord(ctx, ""); err != nil {
		t.Errorf("DeleteRecord(\"\") = %v, want nil", err)
	}
	if len(metrics.ops) != 2 || metrics.ops[1] != "delete:ok" {
		t.Errorf("metrics = %v", metrics.ops)
	}
}

// TestCheckConnection_Concurrent tests concurrent checks share one request
func TestCheckConnection_Concurrent(t *testing.T) {
	app := newFakeApp()
	s := NewSyncer(setupClient(t, app, testToken), nil, quietLogger())

	var wg sync.WaitGroup
	var okCount atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.CheckConnection(context.Background()); ok {
				okCount.Add(1)
			}
		}()
	}
	wg.Wait()
	if okCount.Load() != 8 {
		t.Errorf("successful checks = %d, want 8", okCount.Load())
	}
	if n := app.requestCount(); n < 1 || n > 8 {
		t.Errorf("requests = %d", n)
	}
}

func TestRecordFromDefect(t *testing.T) {
	d := testDefects(1)[0]
	r := RecordFromDefect(d)
	if r[FieldDefectID].Value != d.ID || r[FieldDefectNumber].Value != "1" {
		t.Errorf("record = %+v", r)
	}
	if r[FieldX].Value != "0.42" || r[FieldY].Value != "0.77" {
		t.Errorf("coordinates = %q, %q", r[FieldX].Value, r[FieldY].Value)
	}

	d.Coord = nil
	if _, ok := RecordFromDefect(d)[FieldX]; ok {
		t.Error("x field present without coordinates")
	}
}
