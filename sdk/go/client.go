package reviewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reviewline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Submission reports the tasks appended for a document.
type Submission struct {
	DocID    string   `json:"doc_id"`
	Status   string   `json:"status"`
	Chunks   int      `json:"chunks"`
	EntryIDs []string `json:"entry_ids"`
}

type Health struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
}

type Topic struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Length int64  `json:"length"`
	LastID string `json:"last_id"`
}

type Entry struct {
	ID     string            `json:"id"`
	Topic  string            `json:"topic"`
	Fields map[string]string `json:"fields"`
}

// Finding is one specialist suggestion.
type Finding struct {
	DocID         string    `json:"doc_id"`
	ChunkID       string    `json:"chunk_id"`
	SuggestionID  string    `json:"suggestion_id"`
	Type          string    `json:"type"`
	OriginalText  string    `json:"original_text"`
	SuggestedText string    `json:"suggested_text"`
	Explanation   string    `json:"explanation"`
	Severity      string    `json:"severity"`
	SourceAgent   string    `json:"source_agent"`
	CreatedAt     time.Time `json:"created_at"`
}

type SummaryItem struct {
	ID             string    `json:"id"`
	OriginalStream string    `json:"original_stream"`
	ProcessedAt    time.Time `json:"processed_at"`
	Finding        Finding   `json:"finding"`
}

type GroupStatus struct {
	Topic           string `json:"topic"`
	Group           string `json:"group"`
	Length          int64  `json:"length"`
	LastDeliveredID string `json:"last_delivered_id"`
	Pending         int64  `json:"pending"`
	Missing         bool   `json:"missing"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitText submits a document split into one chunk per non-blank line.
// An empty docID lets the server generate one.
func (c *Client) SubmitText(ctx context.Context, docID, text string) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, "documents", map[string]any{"doc_id": docID, "text": text}, &resp)
	return resp, err
}

// SubmitSimulated submits n simulated chunks.
func (c *Client) SubmitSimulated(ctx context.Context, docID string, n int) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, "documents", map[string]any{"doc_id": docID, "chunks": n}, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

func (c *Client) Topics(ctx context.Context) ([]Topic, error) {
	var resp []Topic
	err := c.do(ctx, http.MethodGet, "topics", nil, &resp)
	return resp, err
}

// Entries returns the newest entries of a topic.
func (c *Client) Entries(ctx context.Context, topic string, limit int) ([]Entry, error) {
	endpoint := fmt.Sprintf("topics/%s/entries", url.PathEscape(topic))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Entry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Summary returns aggregated findings, newest first, optionally for one document.
func (c *Client) Summary(ctx context.Context, docID string, limit int) ([]SummaryItem, error) {
	q := url.Values{}
	if docID != "" {
		q.Set("doc_id", docID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "summary"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []SummaryItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Pipeline(ctx context.Context) ([]GroupStatus, error) {
	var resp []GroupStatus
	err := c.do(ctx, http.MethodGet, "pipeline", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
