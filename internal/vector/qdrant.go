// Package vector implements the similarity index on Qdrant. The record
// store stays authoritative; every point here is derived from one active
// memory item and carries a filterable payload.
package vector

import (
	"context"
	"fmt"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
)

type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dim        int
	logger     *zap.Logger
}

func NewQdrantIndex(cfg Config, logger *zap.Logger) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		logger:     logger,
	}, nil
}

// EnsureSchema creates the collection when missing and verifies the
// configured vector dimension against the embedder's. A mismatch returns
// domain.ErrSchemaMismatch; the caller decides whether to disable the
// vector stage or fail startup.
func (q *QdrantIndex) EnsureSchema(ctx context.Context, dim int) error {
	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}

	exists := false
	for _, name := range collections {
		if name == q.collection {
			exists = true
			break
		}
	}

	if !exists {
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", q.collection, err)
		}
		q.logger.Info("created qdrant collection",
			zap.String("collection", q.collection),
			zap.Int("dim", dim))
		q.dim = dim
		return nil
	}

	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("get collection info: %w", err)
	}
	size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if size != uint64(dim) {
		return fmt.Errorf("%w: collection %s has dim %d, embedder emits %d",
			domain.ErrSchemaMismatch, q.collection, size, dim)
	}
	q.dim = dim
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, p domain.VectorPoint) error {
	return q.UpsertBatch(ctx, []domain.VectorPoint{p})
}

func (q *QdrantIndex) UpsertBatch(ctx context.Context, ps []domain.VectorPoint) error {
	if len(ps) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(ps))
	for i := range ps {
		if q.dim > 0 && len(ps[i].Vector) != q.dim {
			return fmt.Errorf("%w: vector for %s has dim %d, collection expects %d",
				domain.ErrSchemaMismatch, ps[i].ID, len(ps[i].Vector), q.dim)
		}
		points = append(points, q.toPoint(&ps[i]))
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, s domain.VectorSearch) ([]domain.VectorHit, error) {
	query := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(s.Vector...),
		Limit:          qdrant.PtrOf(uint64(s.Limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         q.buildFilter(s),
	}
	if s.MinScore > 0 {
		query.ScoreThreshold = qdrant.PtrOf(float32(s.MinScore))
	}

	scored, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	hits := make([]domain.VectorHit, 0, len(scored))
	for _, sp := range scored {
		id, err := uuid.Parse(sp.GetId().GetUuid())
		if err != nil {
			continue
		}
		hits = append(hits, domain.VectorHit{
			ID:      id,
			Score:   float64(sp.GetScore()),
			Payload: payloadFromValues(sp.GetPayload()),
		})
	}
	return hits, nil
}

// FilterByEntities returns ids of points whose entity payload overlaps
// any of the query's entity words.
func (q *QdrantIndex) FilterByEntities(ctx context.Context, userID string, entityWords []string, limit int) ([]uuid.UUID, error) {
	if len(entityWords) == 0 {
		return nil, nil
	}
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			matchKeyword("user_id", userID),
			matchKeyword("status", string(domain.StatusActive)),
			matchAnyKeyword("entities", entityWords),
		},
	}
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("entity filter scroll: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(points))
	for _, p := range points {
		if id, err := uuid.Parse(p.GetId().GetUuid()); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id.String())
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("delete %d points: %w", len(ids), err)
	}
	return nil
}

func (q *QdrantIndex) DeleteByFilter(ctx context.Context, userID string, tier *domain.Tier, status *domain.Status) error {
	must := []*qdrant.Condition{matchKeyword("user_id", userID)}
	if tier != nil {
		must = append(must, matchKeyword("tier", string(*tier)))
	}
	if status != nil {
		must = append(must, matchKeyword("status", string(*status)))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{Must: must},
			},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("delete by filter: %w", err)
	}
	return nil
}

// Scroll pages through one user's points in id order. The returned
// cursor is the id to pass on the next call; "" means done.
func (q *QdrantIndex) Scroll(ctx context.Context, userID string, pageSize int, cursor string) ([]domain.VectorHit, string, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{matchKeyword("user_id", userID)},
		},
		Limit:       qdrant.PtrOf(uint32(pageSize + 1)),
		WithPayload: qdrant.NewWithPayload(true),
	}
	if cursor != "" {
		req.Offset = qdrant.NewIDUUID(cursor)
	}

	points, err := q.client.Scroll(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("scroll: %w", err)
	}

	next := ""
	if len(points) > pageSize {
		next = points[pageSize].GetId().GetUuid()
		points = points[:pageSize]
	}

	hits := make([]domain.VectorHit, 0, len(points))
	for _, p := range points {
		id, err := uuid.Parse(p.GetId().GetUuid())
		if err != nil {
			continue
		}
		hits = append(hits, domain.VectorHit{
			ID:      id,
			Payload: payloadFromValues(p.GetPayload()),
		})
	}
	return hits, next, nil
}

func (q *QdrantIndex) Count(ctx context.Context, userID string) (uint64, error) {
	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{matchKeyword("user_id", userID)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

func (q *QdrantIndex) toPoint(p *domain.VectorPoint) *qdrant.PointStruct {
	payload := map[string]*qdrant.Value{
		"user_id":       stringValue(p.Payload.UserID),
		"tier":          stringValue(string(p.Payload.Tier)),
		"status":        stringValue(string(p.Payload.Status)),
		"quality_score": {Kind: &qdrant.Value_DoubleValue{DoubleValue: p.Payload.QualityScore}},
	}
	if len(p.Payload.Tags) > 0 {
		payload["tags"] = listValue(p.Payload.Tags)
	}
	if len(p.Payload.Entities) > 0 {
		payload["entities"] = listValue(p.Payload.Entities)
	}
	if p.Payload.ContentHash != "" {
		payload["content_hash"] = stringValue(p.Payload.ContentHash)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID.String()),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: payload,
	}
}

func (q *QdrantIndex) buildFilter(s domain.VectorSearch) *qdrant.Filter {
	must := []*qdrant.Condition{matchKeyword("user_id", s.UserID)}

	statuses := s.Statuses
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusActive}
	}
	must = append(must, matchAnyKeyword("status", statusStrings(statuses)))

	if len(s.Tiers) > 0 {
		tiers := make([]string, len(s.Tiers))
		for i, t := range s.Tiers {
			tiers[i] = string(t)
		}
		must = append(must, matchAnyKeyword("tier", tiers))
	}
	if len(s.Tags) > 0 {
		must = append(must, matchAnyKeyword("tags", s.Tags))
	}
	if len(s.FilterIDs) > 0 {
		ids := make([]*qdrant.PointId, len(s.FilterIDs))
		for i, id := range s.FilterIDs {
			ids[i] = qdrant.NewIDUUID(id.String())
		}
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_HasId{
				HasId: &qdrant.HasIdCondition{HasId: ids},
			},
		})
	}
	return &qdrant.Filter{Must: must}
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func matchKeyword(field, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   field,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func matchAnyKeyword(field string, values []string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keywords{
						Keywords: &qdrant.RepeatedStrings{Strings: values},
					},
				},
			},
		},
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func listValue(items []string) *qdrant.Value {
	values := make([]*qdrant.Value, len(items))
	for i, s := range items {
		values[i] = stringValue(s)
	}
	return &qdrant.Value{Kind: &qdrant.Value_ListValue{
		ListValue: &qdrant.ListValue{Values: values},
	}}
}

func payloadFromValues(values map[string]*qdrant.Value) domain.PointPayload {
	p := domain.PointPayload{
		UserID:      getString(values, "user_id"),
		Tier:        domain.Tier(getString(values, "tier")),
		Status:      domain.Status(getString(values, "status")),
		ContentHash: getString(values, "content_hash"),
	}
	if v, ok := values["quality_score"]; ok {
		p.QualityScore = v.GetDoubleValue()
	}
	p.Tags = getStringList(values, "tags")
	p.Entities = getStringList(values, "entities")
	return p
}

func getString(values map[string]*qdrant.Value, key string) string {
	if v, ok := values[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func getStringList(values map[string]*qdrant.Value, key string) []string {
	v, ok := values[key]
	if !ok {
		return nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.Values))
	for _, item := range list.Values {
		if s := item.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}
