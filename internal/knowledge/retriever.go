package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"
)

const defaultCollection = "agent_knowledge"

// Embedder turns query text into a vector for the similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Provider is what the turn pipeline consumes: a context lookup that may be
// served from cache or from the knowledge store.
type Provider interface {
	Context(ctx context.Context, agentID, query string) (*Context, error)
}

// Retriever runs similarity search over the agent's ingested documents.
type Retriever struct {
	qdrant     *qdrant.Client
	embedder   Embedder
	collection string
	limit      uint64
	log        *slog.Logger
}

type RetrieverConfig struct {
	Qdrant     *qdrant.Client
	Embedder   Embedder
	Collection string
	Limit      int
	Log        *slog.Logger
}

func NewRetriever(cfg RetrieverConfig) *Retriever {
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 5
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Retriever{
		qdrant:     cfg.Qdrant,
		embedder:   cfg.Embedder,
		collection: cfg.Collection,
		limit:      uint64(cfg.Limit),
		log:        cfg.Log.With("component", "knowledge_retriever"),
	}
}

func (r *Retriever) Retrieve(ctx context.Context, agentID, query string) (*Context, error) {
	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := r.qdrant.Query(ctx, &qdrant.QueryPoints{
		CollectionName: r.collection,
		Query:          qdrant.NewQuery(embedding...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("agent_id", agentID),
			},
		},
		Limit:       qdrant.PtrOf(r.limit),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query knowledge store: %w", err)
	}

	docs := make([]Document, 0, len(results))
	for _, res := range results {
		doc := Document{RelevanceScore: float64(res.Score)}
		if res.Id != nil {
			doc.DocumentID = res.Id.GetUuid()
		}
		if payload := res.Payload; payload != nil {
			if v, ok := payload["content"]; ok {
				doc.Content = v.GetStringValue()
			}
			if doc.DocumentID == "" {
				if v, ok := payload["document_id"]; ok {
					doc.DocumentID = v.GetStringValue()
				}
			}
		}
		docs = append(docs, doc)
	}

	r.log.Debug("knowledge retrieved",
		"agent_id", agentID,
		"documents", len(docs))

	return &Context{
		Query:          query,
		Documents:      docs,
		TotalDocuments: len(docs),
	}, nil
}

// CachedRetriever fronts the retriever with the LRU cache.
type CachedRetriever struct {
	cache     *Cache
	retriever *Retriever
}

func NewCachedRetriever(cache *Cache, retriever *Retriever) *CachedRetriever {
	return &CachedRetriever{cache: cache, retriever: retriever}
}

func (c *CachedRetriever) Context(ctx context.Context, agentID, query string) (*Context, error) {
	if kc, ok := c.cache.Get(agentID, query); ok {
		return kc, nil
	}

	kc, err := c.retriever.Retrieve(ctx, agentID, query)
	if err != nil {
		return nil, err
	}

	c.cache.Put(agentID, query, kc)
	return kc, nil
}
