package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"entitylink/internal/config"
	"entitylink/internal/embeddings"
	apperrors "entitylink/internal/errors"
	"entitylink/internal/logging"
	"entitylink/internal/retry"
	"entitylink/internal/types"
)

const (
	defaultQdrantCollection = "entitylink_records"
	defaultVectorSize       = 1536 // text-embedding-3-small dimension
)

// QdrantSemanticIndex implements SemanticIndex on a Qdrant collection. Every
// search embeds the query value first; index writes carry the record type and
// id in the payload so results map back to stored records.
type QdrantSemanticIndex struct {
	client         *qdrant.Client
	config         *config.QdrantConfig
	embedder       embeddings.Service
	retrier        *retry.Retrier
	logger         logging.Logger
	collectionName string
}

// NewQdrantSemanticIndex creates a Qdrant-backed semantic index.
func NewQdrantSemanticIndex(cfg *config.QdrantConfig, embedder embeddings.Service, logger logging.Logger) *QdrantSemanticIndex {
	collectionName := cfg.Collection
	if collectionName == "" {
		collectionName = defaultQdrantCollection
	}

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}

	return &QdrantSemanticIndex{
		config:         cfg,
		embedder:       embedder,
		logger:         logger,
		collectionName: collectionName,
		retrier: retry.New(&retry.Config{
			MaxAttempts:     attempts,
			InitialDelay:    100 * time.Millisecond,
			MaxDelay:        2 * time.Second,
			Multiplier:      2.0,
			RandomizeFactor: 0.1,
		}),
	}
}

// Initialize connects and creates the collection if it doesn't exist.
func (qs *QdrantSemanticIndex) Initialize(ctx context.Context) error {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   qs.config.Host,
		Port:   qs.config.Port,
		APIKey: qs.config.APIKey,
		UseTLS: qs.config.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("failed to create Qdrant client: %w", err)
	}
	qs.client = client

	collections, err := qs.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	collectionExists := false
	for _, collectionName := range collections {
		if collectionName == qs.collectionName {
			collectionExists = true
			break
		}
	}

	if !collectionExists {
		err = qs.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: qs.collectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(defaultVectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", qs.collectionName, err)
		}
		qs.logger.Info("Created Qdrant collection", "collection", qs.collectionName)
	}

	return nil
}

// Search embeds the value and queries the collection, filtered to the record
// type. Provider or index failures come back as typed errors; the engine
// treats them as an empty result and falls back to the record store.
func (qs *QdrantSemanticIndex) Search(ctx context.Context, recordType, value string, limit int) ([]types.Candidate, error) {
	if qs.client == nil {
		return nil, apperrors.NewStandardError(apperrors.ErrorCodeSearchUnavailable, "semantic index not initialized", nil)
	}

	vector, err := qs.embedder.Embed(ctx, value)
	if err != nil {
		return nil, apperrors.NewStandardError(apperrors.ErrorCodeEmbeddingError, "failed to embed search value", err.Error())
	}

	if limit <= 0 {
		limit = 10
	}

	var points []*qdrant.ScoredPoint
	result := qs.retrier.Do(ctx, func(ctx context.Context) error {
		var queryErr error
		points, queryErr = qs.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: qs.collectionName,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{
					qdrant.NewMatchKeyword("record_type", recordType),
				},
			},
		})
		return queryErr
	})
	if result.Err != nil {
		return nil, apperrors.NewStandardError(apperrors.ErrorCodeSearchUnavailable, "semantic search failed", result.Err.Error())
	}

	candidates := make([]types.Candidate, 0, len(points))
	for _, point := range points {
		candidate, err := qs.pointToCandidate(point)
		if err != nil {
			qs.logger.Error("Failed to convert point to candidate", "error", err, "point_id", point.GetId())
			continue
		}
		candidates = append(candidates, *candidate)
	}

	qs.logger.Debug("Semantic search completed",
		"record_type", recordType,
		"results", len(candidates),
	)
	return candidates, nil
}

// Index upserts one record's embedding with its identifying payload.
func (qs *QdrantSemanticIndex) Index(ctx context.Context, recordType, id, text string, data types.FieldMap) error {
	if qs.client == nil {
		return apperrors.NewStandardError(apperrors.ErrorCodeSearchUnavailable, "semantic index not initialized", nil)
	}

	vector, err := qs.embedder.Embed(ctx, text)
	if err != nil {
		return apperrors.NewStandardError(apperrors.ErrorCodeEmbeddingError, "failed to embed record text", err.Error())
	}

	payload := map[string]any{
		"record_type": recordType,
		"record_id":   id,
		"text":        text,
	}
	for k, v := range data {
		if s, ok := v.(string); ok {
			payload["field_"+k] = s
		}
	}

	result := qs.retrier.Do(ctx, func(ctx context.Context) error {
		_, upsertErr := qs.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: qs.collectionName,
			Points: []*qdrant.PointStruct{
				{
					Id:      qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(recordType+"/"+id)).String()),
					Vectors: qdrant.NewVectors(vector...),
					Payload: qdrant.NewValueMap(payload),
				},
			},
		})
		return upsertErr
	})
	if result.Err != nil {
		return apperrors.NewStandardError(apperrors.ErrorCodeSearchUnavailable, "semantic index write failed", result.Err.Error())
	}

	qs.logger.Debug("Indexed record", "record_type", recordType, "id", id)
	return nil
}

// pointToCandidate maps a scored Qdrant point back to a candidate.
func (qs *QdrantSemanticIndex) pointToCandidate(point *qdrant.ScoredPoint) (*types.Candidate, error) {
	payload := point.GetPayload()
	idValue, ok := payload["record_id"]
	if !ok {
		return nil, fmt.Errorf("point %v has no record_id payload", point.GetId())
	}
	recordID := idValue.GetStringValue()
	if recordID == "" {
		return nil, fmt.Errorf("point %v has an empty record_id", point.GetId())
	}

	data := make(types.FieldMap)
	for key, value := range payload {
		if len(key) > 6 && key[:6] == "field_" {
			data[key[6:]] = value.GetStringValue()
		}
	}

	score := float64(point.GetScore())
	// Cosine similarity can drift fractionally outside [0,1].
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return &types.Candidate{
		ID:     recordID,
		Data:   data,
		Score:  score,
		Source: types.SourceSemantic,
	}, nil
}

// HealthCheck verifies a round trip to the index.
func (qs *QdrantSemanticIndex) HealthCheck(ctx context.Context) error {
	if qs.client == nil {
		return apperrors.NewStandardError(apperrors.ErrorCodeSearchUnavailable, "semantic index not initialized", nil)
	}
	if _, err := qs.client.ListCollections(ctx); err != nil {
		return apperrors.NewStandardError(apperrors.ErrorCodeSearchUnavailable, "qdrant unreachable", err.Error())
	}
	return nil
}

// Close closes the client connection.
func (qs *QdrantSemanticIndex) Close() error {
	if qs.client == nil {
		return nil
	}
	return qs.client.Close()
}
