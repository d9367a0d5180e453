// Package search keeps a Meilisearch catalog of archived photos.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meilisearch/meilisearch-go"

	"trapper-data-collection/internal/models"
)

// DefaultIndex is the photo index uid
const DefaultIndex = "photos"

// PhotoDocument is the indexed form of an archived photo
type PhotoDocument struct {
	ID         string `json:"id"`
	FileName   string `json:"file_name"`
	Layer      string `json:"layer"`
	ObjectID   int64  `json:"object_id"`
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	Size       int64  `json:"size"`
	RunID      string `json:"run_id"`
	ArchivedAt int64  `json:"archived_at"`
}

// SearchClient talks to the photo index
type SearchClient struct {
	client *meilisearch.Client
	index  string
}

func NewSearchClient(host, apiKey, index string) *SearchClient {
	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:   host,
		APIKey: apiKey,
	})
	if index == "" {
		index = DefaultIndex
	}

	return &SearchClient{
		client: client,
		index:  index,
	}
}

// InitIndex creates the index and its settings. Index creation is queued by
// the server, so an existing index is not an error here.
func (s *SearchClient) InitIndex() error {
	if _, err := s.client.CreateIndex(&meilisearch.IndexConfig{
		Uid:        s.index,
		PrimaryKey: "id",
	}); err != nil {
		return fmt.Errorf("failed to create index %s: %w", s.index, err)
	}

	idx := s.client.Index(s.index)
	if _, err := idx.UpdateSearchableAttributes(&[]string{"file_name", "key", "layer"}); err != nil {
		return err
	}
	if _, err := idx.UpdateFilterableAttributes(&[]string{"layer", "run_id", "object_id", "bucket"}); err != nil {
		return err
	}
	if _, err := idx.UpdateSortableAttributes(&[]string{"archived_at", "size"}); err != nil {
		return err
	}
	return nil
}

// DocumentID derives a stable document id from the object location, so
// re-indexing a photo replaces its document
func DocumentID(bucket, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("s3://"+bucket+"/"+key)).String()
}

// NewPhotoDocument converts a ledger row
func NewPhotoDocument(p models.ArchivedPhoto) PhotoDocument {
	return PhotoDocument{
		ID:         DocumentID(p.Bucket, p.Key),
		FileName:   p.FileName,
		Layer:      p.Layer,
		ObjectID:   p.ObjectID,
		Bucket:     p.Bucket,
		Key:        p.Key,
		Size:       p.Size,
		RunID:      p.RunID,
		ArchivedAt: p.ArchivedAt.Unix(),
	}
}

// IndexPhotos adds or replaces documents for the given photos
func (s *SearchClient) IndexPhotos(_ context.Context, photos []models.ArchivedPhoto) error {
	if len(photos) == 0 {
		return nil
	}
	docs := make([]PhotoDocument, len(photos))
	for i, p := range photos {
		docs[i] = NewPhotoDocument(p)
	}
	_, err := s.client.Index(s.index).AddDocuments(docs, "id")
	return err
}

// SearchRequest represents photo search parameters
type SearchRequest struct {
	Query  string
	Layer  string
	RunID  string
	Limit  int64
	Offset int64
}

// SearchResult represents one page of hits
type SearchResult struct {
	Hits           []PhotoDocument `json:"hits"`
	TotalHits      int64           `json:"total_hits"`
	ProcessingTime int64           `json:"processing_time_ms"`
}

// Search searches the photo index
func (s *SearchClient) Search(_ context.Context, req SearchRequest) (*SearchResult, error) {
	if req.Limit == 0 {
		req.Limit = 20
	}

	searchReq := &meilisearch.SearchRequest{
		Limit:  req.Limit,
		Offset: req.Offset,
		Sort:   []string{"archived_at:desc"},
	}
	if filter := buildFilter(req); filter != "" {
		searchReq.Filter = filter
	}

	searchRes, err := s.client.Index(s.index).Search(req.Query, searchReq)
	if err != nil {
		return nil, err
	}

	hits := make([]PhotoDocument, 0, len(searchRes.Hits))
	for _, hit := range searchRes.Hits {
		doc, err := decodeHit(hit)
		if err != nil {
			return nil, err
		}
		hits = append(hits, doc)
	}

	return &SearchResult{
		Hits:           hits,
		TotalHits:      searchRes.EstimatedTotalHits,
		ProcessingTime: searchRes.ProcessingTimeMs,
	}, nil
}

func buildFilter(req SearchRequest) string {
	var filters []string
	if req.Layer != "" {
		filters = append(filters, fmt.Sprintf("layer = %s", quote(req.Layer)))
	}
	if req.RunID != "" {
		filters = append(filters, fmt.Sprintf("run_id = %s", quote(req.RunID)))
	}
	return strings.Join(filters, " AND ")
}

func quote(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

func decodeHit(hit interface{}) (PhotoDocument, error) {
	var doc PhotoDocument
	raw, err := json.Marshal(hit)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("failed to decode search hit: %w", err)
	}
	return doc, nil
}

// ArchivedTime converts the indexed timestamp back to time
func (d PhotoDocument) ArchivedTime() time.Time {
	return time.Unix(d.ArchivedAt, 0).UTC()
}
