package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/DeafMist/talent-digest/internal/models"
)

// ErrDigestNotFound is returned by GetDigest for unknown ids.
var ErrDigestNotFound = errors.New("digest not found")

const maxCandidates = 500

// Client wraps go-elasticsearch for the candidate (read-only) and digest indices.
type Client struct {
	es             *elasticsearch.Client
	candidateIndex string
	digestIndex    string
	log            *slog.Logger
}

// New instantiates the Elasticsearch client.
func New(addr, candidateIndex, digestIndex string, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, candidateIndex: candidateIndex, digestIndex: digestIndex, log: logger}, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// EnsureDigestIndex creates the digest index with its mapping when missing.
func (c *Client) EnsureDigestIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.digestIndex}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check digest index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	mapping := `{"mappings":{"properties":{
		"request_id":{"type":"keyword"},
		"audience":{"type":"keyword"},
		"generated_at":{"type":"date"},
		"entity_count":{"type":"integer"},
		"template_version":{"type":"keyword"},
		"blocks":{"type":"object","enabled":false},
		"pages":{"type":"object","enabled":false},
		"body":{"type":"text","index":false}
	}}}`
	res, err = c.es.Indices.Create(c.digestIndex,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("create digest index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		// Another replica may have created it first.
		if strings.Contains(string(data), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create digest index failed: %s", strings.TrimSpace(string(data)))
	}
	c.log.Info("digest index created", slog.String("index", c.digestIndex))
	return nil
}

// SearchCandidates returns at most limit snapshots matching filters, best
// ranked first with the id as tie-breaker.
func (c *Client) SearchCandidates(ctx context.Context, filters models.Filters, limit int) ([]models.CandidateSnapshot, error) {
	if limit <= 0 {
		return []models.CandidateSnapshot{}, nil
	}
	if limit > maxCandidates {
		limit = maxCandidates
	}

	payload, err := json.Marshal(candidateQuery(filters, limit))
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.candidateIndex),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search candidates failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID     string                   `json:"_id"`
				Source models.CandidateSnapshot `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]models.CandidateSnapshot, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		snap := hit.Source
		if snap.ID == "" {
			snap.ID = hit.ID
		}
		items = append(items, snap)
	}
	return items, nil
}

func candidateQuery(f models.Filters, limit int) map[string]any {
	filters := make([]map[string]any, 0, 4)

	if f.UpdatedAfter != nil || f.UpdatedBefore != nil {
		rangeQuery := map[string]any{}
		if f.UpdatedAfter != nil {
			rangeQuery["gte"] = f.UpdatedAfter.UTC().Format(time.RFC3339)
		}
		if f.UpdatedBefore != nil {
			rangeQuery["lte"] = f.UpdatedBefore.UTC().Format(time.RFC3339)
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{"updated_at": rangeQuery},
		})
	}

	if len(f.Locations) > 0 {
		filters = append(filters, map[string]any{
			"terms": map[string]any{"location": f.Locations},
		})
	}

	// Bands overlap when the candidate's range intersects the requested one.
	if f.CompensationMin != nil {
		filters = append(filters, map[string]any{
			"range": map[string]any{"compensation_max": map[string]any{"gte": *f.CompensationMin}},
		})
	}
	if f.CompensationMax != nil {
		filters = append(filters, map[string]any{
			"range": map[string]any{"compensation_min": map[string]any{"lte": *f.CompensationMax}},
		})
	}

	boolQuery := map[string]any{}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	} else {
		boolQuery["must"] = []map[string]any{
			{"match_all": map[string]any{}},
		}
	}

	return map[string]any{
		"size":  limit,
		"query": map[string]any{"bool": boolQuery},
		"sort": []map[string]any{
			{"rank_score": map[string]any{"order": "desc"}},
			{"id": map[string]any{"order": "asc"}},
		},
	}
}

// IndexDigest stores doc under its request id, so re-running a request
// overwrites rather than duplicates. The returned id is the result reference.
func (c *Client) IndexDigest(ctx context.Context, doc models.DigestDocument) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal digest: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      c.digestIndex,
		DocumentID: doc.RequestID,
		Body:       bytes.NewReader(payload),
		Refresh:    "wait_for",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return "", fmt.Errorf("index digest: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("index digest failed: %s", strings.TrimSpace(string(body)))
	}

	return doc.RequestID, nil
}

// GetDigest loads a stored document by result reference.
func (c *Client) GetDigest(ctx context.Context, id string) (models.DigestDocument, error) {
	res, err := c.es.Get(c.digestIndex, id, c.es.Get.WithContext(ctx))
	if err != nil {
		return models.DigestDocument{}, fmt.Errorf("get digest: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return models.DigestDocument{}, ErrDigestNotFound
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return models.DigestDocument{}, fmt.Errorf("get digest failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Found  bool                  `json:"found"`
		Source models.DigestDocument `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return models.DigestDocument{}, fmt.Errorf("decode digest: %w", err)
	}
	if !parsed.Found {
		return models.DigestDocument{}, ErrDigestNotFound
	}
	return parsed.Source, nil
}

// DeleteOlderThan removes digests generated before now-maxAge in batches of
// batchSize, looping until a batch comes back short.
func (c *Client) DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339)
	totalDeleted := int64(0)

	for {
		body := map[string]any{
			"query": map[string]any{
				"range": map[string]any{
					"generated_at": map[string]any{
						"lte": cutoff,
					},
				},
			},
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return totalDeleted, fmt.Errorf("marshal delete body: %w", err)
		}

		res, err := c.es.DeleteByQuery(
			[]string{c.digestIndex},
			bytes.NewReader(payload),
			c.es.DeleteByQuery.WithContext(ctx),
			c.es.DeleteByQuery.WithWaitForCompletion(true),
			c.es.DeleteByQuery.WithConflicts("proceed"),
			c.es.DeleteByQuery.WithMaxDocs(batchSize),
		)
		if err != nil {
			return totalDeleted, fmt.Errorf("delete by query: %w", err)
		}

		if res.IsError() {
			data, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return totalDeleted, fmt.Errorf("delete by query failed: %s", strings.TrimSpace(string(data)))
		}

		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			res.Body.Close()
			return totalDeleted, fmt.Errorf("decode delete response: %w", err)
		}
		res.Body.Close()

		totalDeleted += parsed.Deleted

		if parsed.Deleted < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}

// Health checks cluster health.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}
