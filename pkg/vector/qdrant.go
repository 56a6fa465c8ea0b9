package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

// QdrantConfig configures the Qdrant provider.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
	Collection string `yaml:"collection,omitempty"`
}

// QdrantProvider implements Provider against a Qdrant server over gRPC.
// Sidecar keys are mapped to deterministic UUIDs since Qdrant point ids
// must be UUIDs or integers.
type QdrantProvider struct {
	client *qdrant.Client
	cfg    QdrantConfig
}

func NewQdrantProvider(cfg QdrantConfig) (*QdrantProvider, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "amnesic-sidecar"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		APIKey:      cfg.APIKey,
		UseTLS:      cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{grpc.WithUserAgent("amnesic-sidecar")},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &QdrantProvider{client: client, cfg: cfg}, nil
}

func (p *QdrantProvider) Name() string {
	return "qdrant"
}

func pointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (p *QdrantProvider) ensureCollection(ctx context.Context, dim int) error {
	exists, err := p.client.CollectionExists(ctx, p.cfg.Collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: p.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Upsert(ctx context.Context, id string, vec []float32, content string, metadata map[string]string) error {
	if err := p.ensureCollection(ctx, len(vec)); err != nil {
		return err
	}

	payload := map[string]*qdrant.Value{
		"key":     qdrant.NewValueString(id),
		"content": qdrant.NewValueString(content),
	}
	for k, v := range metadata {
		payload[k] = qdrant.NewValueString(v)
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: p.cfg.Collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointID(id)),
			Vectors: qdrant.NewVectors(vec...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point %s: %w", id, err)
	}
	return nil
}

func (p *QdrantProvider) Search(ctx context.Context, vec []float32, topK int) ([]Result, error) {
	limit := uint64(topK)
	points, err := p.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: p.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		if strings.Contains(err.Error(), "doesn't exist") || strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	out := make([]Result, 0, len(points))
	for _, pt := range points {
		res := Result{Score: float64(pt.Score), Metadata: map[string]string{}}
		for k, v := range pt.Payload {
			switch k {
			case "key":
				res.ID = v.GetStringValue()
			case "content":
				res.Content = v.GetStringValue()
			default:
				res.Metadata[k] = v.GetStringValue()
			}
		}
		out = append(out, res)
	}
	return out, nil
}

func (p *QdrantProvider) Delete(ctx context.Context, id string) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: p.cfg.Collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(pointID(id))),
	})
	if err != nil {
		return fmt.Errorf("failed to delete point %s: %w", id, err)
	}
	return nil
}

func (p *QdrantProvider) Reset(ctx context.Context) error {
	if err := p.client.DeleteCollection(ctx, p.cfg.Collection); err != nil &&
		!strings.Contains(err.Error(), "doesn't exist") && !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

var _ Provider = (*QdrantProvider)(nil)
