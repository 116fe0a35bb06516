package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// idPayloadKey keeps the caller's record ID. Qdrant point IDs must be UUIDs
// or integers, so other IDs are mapped to a name-based UUID.
const idPayloadKey = "_id"

// QdrantStore implements Index using Qdrant
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore creates a new Qdrant vector store client over gRPC.
func NewQdrantStore(host string, port int) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates a cosine-distance collection if it is missing.
// An existing collection must have the requested vector size.
func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return classify("failed to check collection existence", err)
	}
	if exists {
		info, err := s.client.GetCollectionInfo(ctx, collection)
		if err != nil {
			return classify("failed to get collection info", err)
		}
		return checkDimension(collection, info, dimension)
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return classify("failed to create collection", err)
	}

	return nil
}

// checkDimension compares the single unnamed vector size of info with
// dimension. Named vector configs are never created by this store.
func checkDimension(collection string, info *qdrant.CollectionInfo, dimension int) error {
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return fmt.Errorf("%w: collection %s has no single vector config", ErrDimensionMismatch, collection)
	}
	if size := params.GetSize(); size != uint64(dimension) {
		return fmt.Errorf("%w: collection %s has %d, requested %d", ErrDimensionMismatch, collection, size, dimension)
	}
	return nil
}

// DropCollection deletes a collection
func (s *QdrantStore) DropCollection(ctx context.Context, collection string) error {
	if err := s.client.DeleteCollection(ctx, collection); err != nil {
		err = classify("failed to delete collection", err)
		if errors.Is(err, ErrCollectionNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Insert upserts records and waits for the write to be applied, so a
// following Query observes it
func (s *QdrantStore) Insert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(r.ID)),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: toQdrantPayload(r.ID, r.Payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return classify("failed to upsert points", err)
	}

	return nil
}

// Query performs similarity search
func (s *QdrantStore) Query(ctx context.Context, collection string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classify("failed to search", err)
	}

	matches := make([]Match, 0, len(response))
	for _, point := range response {
		id, payload := fromQdrantPayload(point.Id.GetUuid(), point.Payload)
		matches = append(matches, Match{
			ID:         id,
			Payload:    payload,
			Similarity: point.Score,
		})
	}

	return matches, nil
}

// Delete removes specific records by their IDs
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(PointID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return classify("failed to delete by IDs", err)
	}

	return nil
}

// List scrolls the whole collection with vectors and payloads
func (s *QdrantStore) List(ctx context.Context, collection string) ([]Record, error) {
	n, err := s.Count(ctx, collection)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          qdrant.PtrOf(uint32(n)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, classify("failed to scroll points", err)
	}

	records := make([]Record, 0, len(points))
	for _, point := range points {
		id, payload := fromQdrantPayload(point.Id.GetUuid(), point.Payload)
		records = append(records, Record{
			ID:      id,
			Vector:  point.Vectors.GetVector().GetData(),
			Payload: payload,
		})
	}
	return records, nil
}

// Count returns the exact number of points in the collection
func (s *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, classify("failed to count points", err)
	}
	return int(n), nil
}

// PointID maps a record ID to the UUID used as the Qdrant point ID.
func PointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String()
}

func toQdrantPayload(id string, payload map[string]string) map[string]*qdrant.Value {
	out := make(map[string]*qdrant.Value, len(payload)+1)
	for k, v := range payload {
		out[k] = qdrant.NewValueString(v)
	}
	out[idPayloadKey] = qdrant.NewValueString(id)
	return out
}

func fromQdrantPayload(pointID string, payload map[string]*qdrant.Value) (string, map[string]string) {
	id := pointID
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		if k == idPayloadKey {
			id = v.GetStringValue()
			continue
		}
		out[k] = v.GetStringValue()
	}
	return id, out
}

// classify wraps err, mapping gRPC NotFound to ErrCollectionNotFound.
func classify(msg string, err error) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
		return fmt.Errorf("%s: %w: %v", msg, ErrCollectionNotFound, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

var _ Index = (*QdrantStore)(nil)
