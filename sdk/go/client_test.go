package reviewlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitTextSendsBearerAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/documents" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "a\nb" || body["doc_id"] != "d1" {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Submission{DocID: "d1", Status: "processing", Chunks: 2, EntryIDs: []string{"1-1", "1-2"}})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	sub, err := c.SubmitText(context.Background(), "d1", "a\nb")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Chunks != 2 || len(sub.EntryIDs) != 2 {
		t.Fatalf("unexpected submission %+v", sub)
	}
}

func TestSummaryQueryAndAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/summary":
			if r.URL.Query().Get("doc_id") != "d1" || r.URL.Query().Get("limit") != "5" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			json.NewEncoder(w).Encode([]SummaryItem{{ID: "1-1", Finding: Finding{DocID: "d1", Type: "grammar"}}})
		default:
			http.Error(w, `{"error":{"code":"not_found"}}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	items, err := c.Summary(context.Background(), "d1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Finding.Type != "grammar" {
		t.Fatalf("unexpected items %+v", items)
	}
	_, err = c.Pipeline(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected APIError 404, got %v", err)
	}
}
