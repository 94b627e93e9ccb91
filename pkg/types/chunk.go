package types //nolint:revive // package name is intentional

// Chunk is one increment of a streaming response. Non-final chunks carry
// partial content; the final chunk has Done=true, empty content, and the
// aggregate metadata for the whole stream.
type Chunk struct {
	Content  string     `json:"content,omitempty"`
	Provider string     `json:"provider"`
	Model    string     `json:"model"`
	Role     string     `json:"role,omitempty"`
	Index    int        `json:"chunkIndex"`
	Done     bool       `json:"done"`
	Metadata *ChunkMeta `json:"metadata,omitempty"`
}

// ChunkMeta is the terminal-chunk summary of a completed stream.
type ChunkMeta struct {
	Tokens        Usage   `json:"tokens"`
	Cost          float64 `json:"cost"`
	Latency       int64   `json:"latencyMs"`
	ChunkCount    int     `json:"chunkCount"`
	CorrelationID string  `json:"correlationId,omitempty"`
	FinishReason  string  `json:"finishReason,omitempty"`
}
