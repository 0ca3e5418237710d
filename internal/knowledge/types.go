package knowledge

// Document is one retrieved chunk with its relevance to the query.
type Document struct {
	DocumentID     string  `json:"document_id"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Context is the cacheable result of one retrieval query. Derived data,
// never a source of truth.
type Context struct {
	Query          string     `json:"query"`
	Documents      []Document `json:"documents"`
	TotalDocuments int        `json:"total_documents"`
}
