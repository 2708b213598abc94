package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client is a thin HTTP client for Qdrant's REST API. Only the operations
// the assistant needs are implemented: ensure-collection, upsert, filtered
// query and retrieve-by-id.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[QDRANT] ", log.LstdFlags)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Point is a vector with its payload, as stored in a collection.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ScoredPoint is a query result.
type ScoredPoint struct {
	ID      string                 `json:"-"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("qdrant returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse qdrant response: %w", err)
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance if it does
// not already exist.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension int) error {
	err := c.do(ctx, "GET", "/collections/"+name, nil, nil)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "status 404") {
		return err
	}

	c.logger.Printf("creating collection %q with dimension %d", name, dimension)
	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	return c.do(ctx, "PUT", "/collections/"+name, body, nil)
}

// Upsert writes points into the collection, waiting for the write to land.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]interface{}{"points": points}
	return c.do(ctx, "PUT", "/collections/"+collection+"/points?wait=true", body, nil)
}

// Query runs a vector similarity search restricted to one user's points.
func (c *Client) Query(ctx context.Context, collection string, vector []float32, userID int64, limit int) ([]ScoredPoint, error) {
	body := map[string]interface{}{
		"query":        vector,
		"limit":        limit,
		"with_payload": true,
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "user_id", "match": map[string]interface{}{"value": userID}},
			},
		},
	}

	var parsed struct {
		Result struct {
			Points []struct {
				ID      json.RawMessage        `json:"id"`
				Score   float64                `json:"score"`
				Payload map[string]interface{} `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	if err := c.do(ctx, "POST", "/collections/"+collection+"/points/query", body, &parsed); err != nil {
		return nil, err
	}

	points := make([]ScoredPoint, 0, len(parsed.Result.Points))
	for _, p := range parsed.Result.Points {
		points = append(points, ScoredPoint{
			ID:      decodePointID(p.ID),
			Score:   p.Score,
			Payload: p.Payload,
		})
	}
	return points, nil
}

// Retrieve fetches points by ID. Qdrant's retrieve endpoint does not
// support filters, so callers must check payload ownership themselves.
func (c *Client) Retrieve(ctx context.Context, collection string, ids []string) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := map[string]interface{}{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  false,
	}

	var parsed struct {
		Result []struct {
			ID      json.RawMessage        `json:"id"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := c.do(ctx, "POST", "/collections/"+collection+"/points", body, &parsed); err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(parsed.Result))
	for _, p := range parsed.Result {
		points = append(points, Point{ID: decodePointID(p.ID), Payload: p.Payload})
	}
	return points, nil
}

// decodePointID handles Qdrant returning ids as either strings or numbers.
func decodePointID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}
