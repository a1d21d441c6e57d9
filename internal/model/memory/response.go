package memory

// Category is a summarized memory category.
type Category struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// Item is a single memory item.
type Item struct {
	ID         string  `json:"id,omitempty"`
	MemoryType string  `json:"memoryType,omitempty"`
	Summary    string  `json:"summary"`
	Similarity float32 `json:"similarity,omitempty"`
}

// QueryResult is returned per retrieval call and never stored locally.
type QueryResult struct {
	Categories []Category `json:"categories"`
	Items      []Item     `json:"items"`
}

// Summaries returns every non-empty summary, categories before items.
func (r *QueryResult) Summaries() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Categories)+len(r.Items))
	for _, c := range r.Categories {
		if c.Summary != "" {
			out = append(out, c.Summary)
		}
	}
	for _, it := range r.Items {
		if it.Summary != "" {
			out = append(out, it.Summary)
		}
	}
	return out
}
