package types //nolint:revive // package name is intentional

// Usage holds token counts for one call. Total may exceed Input+Output when
// the provider bills reasoning tokens separately.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add accumulates u2 into u, field by field.
func (u *Usage) Add(u2 Usage) {
	u.Input += u2.Input
	u.Output += u2.Output
	u.Total += u2.Total
}

// IsZero reports whether no token counts were recorded.
func (u Usage) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.Total == 0
}

// Response is the normalized result of a non-streaming call.
type Response struct {
	Content  string         `json:"content"`
	Tokens   Usage          `json:"tokens"`
	Cost     float64        `json:"cost"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Role     string         `json:"role,omitempty"`
	Latency  int64          `json:"latencyMs"`
	Cached   bool           `json:"cached"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SetMeta writes a metadata entry, allocating the map on first use.
func (r *Response) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any, 4)
	}
	r.Metadata[key] = value
}

// Clone returns a copy with its own metadata map.
func (r *Response) Clone() *Response {
	out := *r
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// EstimateTokens approximates a token count from text length when the
// provider response carries no usage block: one token per four bytes,
// rounded up. Callers should flag the response metadata with estimated=true.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}
