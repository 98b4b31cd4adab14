package memory

// MemoryType classifies where a chunk came from.
type MemoryType string

const (
	MemoryDocument     MemoryType = "document"
	MemoryConversation MemoryType = "conversation"
	MemoryInsight      MemoryType = "insight"
	MemoryConsolidated MemoryType = "consolidated"
)

// MemoryChunk is the atomic unit of retrievable knowledge.
type MemoryChunk struct {
	ID               string
	Content          string
	Embedding        []float32
	SourceID         string
	SourceName       string
	DocumentType     string
	Type             MemoryType
	Importance       float64
	Tags             []string
	DimensionScores  map[string]float64
	Confidence       float64
	CreatedAtMS      int64
	LastAccessedAtMS int64
	AccessCount      int64
	PageNumber       int
	SectionTitle     string
	OffsetFraction   float64
	Locked           bool
}

// Pinned reports whether the chunk carries maximum user priority.
func (c MemoryChunk) Pinned() bool {
	return c.Importance >= 1.0
}

// Candidate is one ANN index hit: a chunk id with its index-native distance.
// Distance is not assumed to lie in [0,1]; smaller is more similar.
type Candidate struct {
	ChunkID  string
	Distance float64
}

// DimensionFilter is a sparse dimension-name to weight vector produced by an
// external parser. The engine never inspects the raw qualifier text.
type DimensionFilter map[string]float64

// AuthContext carries caller identity and capabilities for gate checks.
type AuthContext struct {
	SubjectID    string
	Capabilities []string
}

// HasCapability reports whether the context carries the named capability.
func (a AuthContext) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// ComponentScore records one relevance factor's raw value, the profile weight
// applied to it, and the weighted contribution to the final score.
type ComponentScore struct {
	Raw      float64
	Weight   float64
	Weighted float64
}

// ComponentScores holds the independent relevance factors for one chunk.
// Every field is normalized to [0,1], higher is better.
type ComponentScores struct {
	Semantic   float64
	Recency    float64
	Confidence float64
	Priority   float64
	Usage      float64
	Dimension  float64

	// DimensionScored marks whether dimension alignment was computed at all;
	// when false the dimension component contributes nothing.
	DimensionScored bool
}

// ScoreBreakdown is the per-component explanation attached to every result.
type ScoreBreakdown struct {
	Semantic   ComponentScore
	Recency    ComponentScore
	Confidence ComponentScore
	Priority   ComponentScore
	Usage      ComponentScore
	Dimension  ComponentScore
}

// RankedResult is the ephemeral per-query ranking output. Never persisted.
type RankedResult struct {
	Chunk      MemoryChunk
	FinalScore float64
	Breakdown  ScoreBreakdown
	Citation   *Citation
}

// Citation points at the most relevant quoted span of a ranked chunk.
type Citation struct {
	ChunkID        string
	Quote          string
	Confidence     float64
	FromSummary    bool
	PageNumber     int
	SectionTitle   string
	OffsetFraction float64
}

// RetrieveOptions controls one retrieval call.
type RetrieveOptions struct {
	Profile         string
	TopN            int
	Auth            AuthContext
	DimensionFilter DimensionFilter
	WithCitations   bool
	NowMS           int64
}

// StoreStats summarizes corpus state for diagnostics.
type StoreStats struct {
	ChunkCount     int64
	TombstoneCount int64
	MaxAccessCount int64
	TotalAccesses  int64
}
