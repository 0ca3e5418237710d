package knowledge

import (
	"context"
	"log/slog"
	"strings"

	"github.com/eleven-am/call-orchestrator/internal/shared"
	"github.com/qdrant/go-client/qdrant"
)

const chunkSize = 1200

// Ingestor embeds agent documents and upserts them into the vector
// collection the Retriever queries.
type Ingestor struct {
	client     *qdrant.Client
	embedder   Embedder
	collection string
	log        *slog.Logger
}

func NewIngestor(client *qdrant.Client, embedder Embedder, collection string, log *slog.Logger) *Ingestor {
	return &Ingestor{
		client:     client,
		embedder:   embedder,
		collection: collection,
		log:        log.With("component", "knowledge_ingestor"),
	}
}

// EnsureCollection creates the vector collection if it does not exist yet.
func (i *Ingestor) EnsureCollection(ctx context.Context, vectorSize uint64) error {
	exists, err := i.client.CollectionExists(ctx, i.collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	return i.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

// IngestDocument splits a document into chunks, embeds each one, and
// upserts the chunks tagged with the owning agent.
func (i *Ingestor) IngestDocument(ctx context.Context, agentID, documentID, content string) (int, error) {
	chunks := splitChunks(content, chunkSize)

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, chunk := range chunks {
		embedding, err := i.embedder.Embed(ctx, chunk)
		if err != nil {
			return 0, err
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(shared.NewUUID()),
			Vectors: qdrant.NewVectors(embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"agent_id":    agentID,
				"document_id": documentID,
				"content":     chunk,
			}),
		})
	}

	if len(points) == 0 {
		return 0, nil
	}

	_, err := i.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: i.collection,
		Points:         points,
	})
	if err != nil {
		return 0, err
	}

	i.log.Info("document ingested",
		"agent_id", agentID,
		"document_id", documentID,
		"chunks", len(points))
	return len(points), nil
}

// DeleteAgentDocuments drops every chunk belonging to an agent, used when
// the agent itself is deleted.
func (i *Ingestor) DeleteAgentDocuments(ctx context.Context, agentID string) error {
	_, err := i.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: i.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("agent_id", agentID),
			},
		}),
	})
	return err
}

func splitChunks(content string, size int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var chunks []string
	paragraphs := strings.Split(content, "\n\n")
	current := strings.Builder{}
	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para) > size {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
