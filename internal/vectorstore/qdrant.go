package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
)

// Payload keys beyond the tenant triple.
const (
	payloadDocumentID = "document_id"
	payloadFilePath   = "file_path"
	payloadHeaderPath = "header_path"
	payloadContent    = "content"
)

// QdrantStore implements Store over one Qdrant collection.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantClient connects to Qdrant over gRPC.
func NewQdrantClient(host string, port int) (*qdrant.Client, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return client, nil
}

// NewQdrantStore wraps a client for one collection. The documents and
// external corpora each get their own store over a shared client.
func NewQdrantStore(client *qdrant.Client, collection string) *QdrantStore {
	return &QdrantStore{client: client, collection: collection}
}

// EnsureCollection creates the collection with cosine distance if missing.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", s.collection, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", s.collection, err)
	}
	return nil
}

// Upsert indexes points. Point ids are chunk UUIDs, so re-indexing the same
// chunk overwrites rather than duplicates.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if err := p.Filter.Validate(); err != nil {
			return err
		}
		payload := map[string]*qdrant.Value{
			payloadDocumentID:         qdrant.NewValueString(p.DocumentID),
			payloadFilePath:           qdrant.NewValueString(p.FilePath),
			payloadHeaderPath:         qdrant.NewValueString(p.HeaderPath),
			payloadContent:            qdrant.NewValueString(p.Content),
			tenant.MetaProjectName:    qdrant.NewValueString(p.Filter.ProjectName),
			tenant.MetaBranchName:     qdrant.NewValueString(p.Filter.BranchName),
			tenant.MetaPathHash:       qdrant.NewValueString(p.Filter.PathHash),
			tenant.MetaPromotionLevel: qdrant.NewValueString(string(p.Promotion)),
		}

		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ChunkID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// tenantConditions builds the payload predicate for the full triple.
func tenantConditions(filter tenant.Filter) []*qdrant.Condition {
	return []*qdrant.Condition{
		qdrant.NewMatch(tenant.MetaProjectName, filter.ProjectName),
		qdrant.NewMatch(tenant.MetaBranchName, filter.BranchName),
		qdrant.NewMatch(tenant.MetaPathHash, filter.PathHash),
	}
}

// promotionLevelsAtOrAbove lists the levels a floor admits.
func promotionLevelsAtOrAbove(floor repository.PromotionLevel) []string {
	all := []repository.PromotionLevel{
		repository.PromotionStandard,
		repository.PromotionImportant,
		repository.PromotionCritical,
	}
	var out []string
	for _, level := range all {
		if level.Rank() >= floor.Rank() {
			out = append(out, string(level))
		}
	}
	return out
}

// Search performs filtered k-NN with cosine similarity. Results come back
// sorted by score descending; Qdrant never returns a point twice.
func (s *QdrantStore) Search(ctx context.Context, filter tenant.Filter, vector []float32, topK int, opts SearchOptions) ([]SearchResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	must := tenantConditions(filter)
	if opts.PromotionFloor != "" && opts.PromotionFloor.Rank() > 0 {
		must = append(must, qdrant.NewMatchKeywords(tenant.MetaPromotionLevel, promotionLevelsAtOrAbove(opts.PromotionFloor)...))
	}

	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if opts.MinScore > 0 {
		query.ScoreThreshold = qdrant.PtrOf(opts.MinScore)
	}

	response, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		result := SearchResult{
			ChunkID:  point.Id.GetUuid(),
			Score:    point.Score,
			Metadata: make(map[string]string),
		}
		for k, v := range point.Payload {
			switch k {
			case payloadDocumentID:
				result.DocumentID = v.GetStringValue()
			case payloadFilePath:
				result.FilePath = v.GetStringValue()
			case payloadContent:
				result.Content = v.GetStringValue()
			default:
				result.Metadata[k] = v.GetStringValue()
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// DeleteByDocumentID removes every point of one document. The tenant filter
// is part of the predicate so a stray document id can never cross tenants.
func (s *QdrantStore) DeleteByDocumentID(ctx context.Context, filter tenant.Filter, documentID string) error {
	if err := filter.Validate(); err != nil {
		return err
	}

	conditions := append(tenantConditions(filter), qdrant.NewMatch(payloadDocumentID, documentID))
	return s.deleteByFilter(ctx, conditions)
}

// UpdatePromotion rewrites the promotion payload on every point of the
// document in place.
func (s *QdrantStore) UpdatePromotion(ctx context.Context, filter tenant.Filter, documentID string, level repository.PromotionLevel) error {
	if err := filter.Validate(); err != nil {
		return err
	}

	conditions := append(tenantConditions(filter), qdrant.NewMatch(payloadDocumentID, documentID))
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.collection,
		Payload: map[string]*qdrant.Value{
			tenant.MetaPromotionLevel: qdrant.NewValueString(string(level)),
		},
		PointsSelector: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{Must: conditions},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update promotion payload: %w", err)
	}
	return nil
}

// DeleteByTenant removes every point of the tenant.
func (s *QdrantStore) DeleteByTenant(ctx context.Context, filter tenant.Filter) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	return s.deleteByFilter(ctx, tenantConditions(filter))
}

func (s *QdrantStore) deleteByFilter(ctx context.Context, conditions []*qdrant.Condition) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{Must: conditions},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// Ensure QdrantStore implements Store
var _ Store = (*QdrantStore)(nil)
