package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"reviewline/internal/app"
	"reviewline/internal/codec"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/ingest"
	"reviewline/internal/migrate"
	"reviewline/internal/store"
	"reviewline/internal/topics"
	"reviewline/internal/viz"
)

type testServer struct {
	URL    string
	Store  *store.Store
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(conn)
	s.PollInterval = 5 * time.Millisecond
	return s
}

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	s := newTestStore(t)
	handler, err := New(Config{Broker: s, Driver: config.DriverSQLite, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  s,
		client: &http.Client{},
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(ctx)
			ln.Close()
			s.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	var body HealthResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Broker != config.DriverSQLite {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestSubmitDocumentAppendsTasks(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"doc_id": "doc-1",
		"text":   "First paragraph.\n\n  Second paragraph.  \n",
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var sub ingest.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatal(err)
	}
	if sub.DocID != "doc-1" || sub.Chunks != 2 || len(sub.EntryIDs) != 2 {
		t.Fatalf("unexpected submission %+v", sub)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/topics/"+topics.Tasks+"/entries?limit=10", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("entries status %d: %s", res.StatusCode, data)
	}
	var entries []EntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// newest first
	if entries[0].Fields["text"] != "Second paragraph." || entries[1].Fields["chunk_id"] != "p-0" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/topics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("topics status %d: %s", res.StatusCode, data)
	}
	var list []TopicResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, tp := range list {
		if tp.Name == topics.Tasks {
			found = tp.Length == 2 && tp.Kind == viz.CoordinatorJob && tp.LastID == sub.EntryIDs[1]
		}
	}
	if !found {
		t.Fatalf("intake topic not listed correctly: %+v", list)
	}
}

func TestSubmitSimulatedChunks(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/documents", map[string]any{"chunks": 3}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var sub ingest.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sub.DocID, "doc-") || sub.Chunks != 3 {
		t.Fatalf("unexpected submission %+v", sub)
	}
}

func TestSubmitDocumentValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	for name, body := range map[string]map[string]any{
		"empty":    {"doc_id": "doc-1"},
		"blank":    {"text": "   \n  "},
		"too many": {"chunks": 5000},
		"negative": {"chunks": -1},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", body, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", name, res.StatusCode, data)
			continue
		}
		var envelope apiError
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Body.Code != "bad_request" {
			t.Errorf("%s: unexpected error body %s", name, data)
		}
	}
}

func TestSubmitRequiresTokenWhenSecretSet(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()
	body := map[string]any{"text": "Hello world"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", body, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", res.StatusCode)
	}
	token, err := IssueToken(secret, "tester", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", body, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/topics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reads stay open, got %d", res.StatusCode)
	}
}

func TestIssueTokenRejectsOtherSecret(t *testing.T) {
	token, err := IssueToken("a", "tester", 0, "producer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := authenticateJWT(token, "b"); err == nil {
		t.Fatalf("token signed with another secret accepted")
	}
	p, err := authenticateJWT(token, "a")
	if err != nil || p.Subject != "tester" || len(p.Roles) != 1 {
		t.Fatalf("unexpected principal %+v: %v", p, err)
	}
}

func appendSummary(t *testing.T, s *store.Store, docID, chunkID string, sp domain.Specialty) {
	t.Helper()
	f := domain.Finding{
		DocID: docID, ChunkID: chunkID, SuggestionID: docID + chunkID + string(sp), Type: sp,
		OriginalText: "Hello world", SuggestedText: "Hello world.", Severity: domain.SeverityLow,
		SourceAgent: "test", CreatedAt: time.Now().UTC(),
	}
	env, err := codec.NewEnvelope(f, topics.Suggestions(sp), time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(context.Background(), topics.Summary, codec.EncodeEnvelope(env)); err != nil {
		t.Fatal(err)
	}
}

func TestSummaryFiltersByDocument(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	appendSummary(t, srv.Store, "d1", "c1", domain.Grammar)
	appendSummary(t, srv.Store, "d2", "c1", domain.Tone)
	appendSummary(t, srv.Store, "d1", "c2", domain.Clarity)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/summary?doc_id=d1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, data)
	}
	var items []app.SummaryItem
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Finding.ChunkID != "c2" || items[1].Finding.Type != domain.Grammar {
		t.Fatalf("unexpected summary %+v", items)
	}
	if items[1].OriginalStream != topics.Suggestions(domain.Grammar) {
		t.Fatalf("unexpected original stream %q", items[1].OriginalStream)
	}
}

func TestPipelineReportsMissingGroups(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	if err := srv.Store.EnsureGroup(context.Background(), topics.Tasks, topics.CoordinatorGroup); err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/pipeline", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pipeline status %d: %s", res.StatusCode, data)
	}
	var status []app.GroupStatus
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	if len(status) != len(topics.Subscriptions()) {
		t.Fatalf("expected %d groups, got %d", len(topics.Subscriptions()), len(status))
	}
	for _, st := range status {
		wantMissing := st.Group != topics.CoordinatorGroup
		if st.Missing != wantMissing {
			t.Fatalf("unexpected status %+v", st)
		}
	}
}

func TestStreamDeliversNewEntries(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	if _, err := srv.Store.Append(context.Background(), topics.Tasks, map[string]string{"doc_id": "old"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// The tail is positioned when the request arrives, so keep appending
	// until one entry is delivered.
	go func() {
		for ctx.Err() == nil {
			srv.Store.Append(context.Background(), topics.Tasks, map[string]string{"doc_id": "new"})
			time.Sleep(50 * time.Millisecond)
		}
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/stream?topics="+topics.Tasks, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if !strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", res.Header.Get("Content-Type"))
	}

	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev viz.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		if ev.Type != viz.CoordinatorJob || ev.Content["doc_id"] != "new" {
			t.Fatalf("unexpected event %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", scanner.Err())
}

func TestWebhookDispatcherForwardsMatchingEvents(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var mu sync.Mutex
	var got []viz.Event
	var secrets []string
	attempts := 0
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		var ev viz.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			got = append(got, ev)
			secrets = append(secrets, r.Header.Get("X-Reviewline-Secret"))
		}
	})
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	hs := &http.Server{Handler: hook}
	go hs.Serve(ln)
	defer hs.Close()

	d := NewWebhookDispatcher(s, []config.WebhookConfig{{
		URL:    "http://" + ln.Addr().String() + "/hook",
		Events: []string{viz.AggregatorResult},
		Secret: "shh",
	}}, nil)
	d.RetryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Run positions at the current end; wait for it before appending.
	time.Sleep(100 * time.Millisecond)
	if _, err := s.Append(context.Background(), topics.Tasks, map[string]string{"doc_id": "d1"}); err != nil {
		t.Fatal(err)
	}
	appendSummary(t, s, "d1", "c1", domain.Structure)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != viz.AggregatorResult || got[0].Stream != topics.Summary {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if secrets[0] != "shh" || attempts != 2 {
		t.Fatalf("expected retry with secret, got attempts=%d secrets=%v", attempts, secrets)
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match(viz.DeadLetter) {
		t.Fatalf("empty filter should match everything")
	}
	only := newEventFilter([]string{" dead_letter ", ""})
	if !only.match(viz.DeadLetter) || only.match(viz.AggregatorResult) {
		t.Fatalf("unexpected filter result")
	}
}
