package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/localmind/internal/history"
)

// dailySuffix marks an index name that should roll over per UTC day,
// e.g. "localmind-history-*" becomes "localmind-history-2026.10.19".
const dailySuffix = "-*"

// Sink indexes history events as OpenSearch (or Elasticsearch) documents.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

// document is the indexed shape; @timestamp lets dashboards pick the time field.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	history.Event
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

func (s *Sink) indexFor(t time.Time) string {
	if prefix, ok := strings.CutSuffix(s.index, dailySuffix); ok {
		return prefix + "-" + t.UTC().Format("2006.01.02")
	}
	return s.index
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	body, err := json.Marshal(document{Timestamp: at.UTC(), Event: e})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	target := s.baseURL + "/" + s.indexFor(at) + "/_doc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("opensearch index %s: status %d: %s", s.indexFor(at), resp.StatusCode, strings.TrimSpace(string(msg)))
}
