package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantStore is the remote vector backend.
type QdrantStore struct {
	conn       *grpc.ClientConn
	points     pb.PointsClient
	collection string
	batchSize  int
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewQdrant(ctx context.Context, host string, port int, collection string, logger *slog.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &QdrantStore{
		conn:       conn,
		points:     pb.NewPointsClient(conn),
		collection: collection,
		batchSize:  defaultBatchSize,
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, records []Record) (UpsertResult, error) {
	if len(records) == 0 {
		return UpsertResult{}, nil
	}
	result := batchedUpsert(ctx, records, s.batchSize, s.retryDelay, s.upsertBatch, s.logger)
	return result, nil
}

func (s *QdrantStore) upsertBatch(ctx context.Context, batch []Record) error {
	points := make([]*pb.PointStruct, len(batch))
	for i, r := range batch {
		payload := make(map[string]*pb.Value, len(r.Metadata))
		for k, v := range r.Metadata {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Values}}},
			Payload: payload,
		}
	}

	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert batch: %w", err)
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, embedding []float32, userID, fileID string, topK int) ([]Match, error) {
	if err := validateQuery(embedding, topK); err != nil {
		return nil, err
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		Filter:         scopeFilter(userID, fileID),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	matches := make([]Match, len(resp.Result))
	for i, pt := range resp.Result {
		meta := make(map[string]string, len(pt.Payload))
		for k, v := range pt.Payload {
			meta[k] = v.GetStringValue()
		}
		matches[i] = Match{
			ID:       pt.Id.GetUuid(),
			Score:    float64(pt.Score),
			Metadata: meta,
		}
	}
	return matches, nil
}

// scopeFilter restricts hits to one tenant+document scope. The filter is
// built server-side; there is no unscoped query path.
func scopeFilter(userID, fileID string) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{
			keywordCondition("userId", userID),
			keywordCondition("fileId", fileID),
		},
	}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func (s *QdrantStore) Close() error {
	return s.conn.Close()
}
