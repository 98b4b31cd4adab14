package memory

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
)

// CitationConfig tunes span selection.
type CitationConfig struct {
	// MinConfidence is the floor a span must clear to be quoted; below it
	// the chunk is cited by summary instead.
	MinConfidence float64
	// MaxSpans caps how many candidate spans are scored per chunk.
	MaxSpans int
	// SummaryChars bounds the fallback summary length.
	SummaryChars int
}

func DefaultCitationConfig() CitationConfig {
	return CitationConfig{
		MinConfidence: 0.3,
		MaxSpans:      64,
		SummaryChars:  200,
	}
}

// CitationSelector extracts the most relevant quoted span from each ranked
// chunk and attaches confidence-scored citation metadata.
type CitationSelector struct {
	embedder Embedder
	cfg      CitationConfig
	logger   *log.Logger
}

func NewCitationSelector(embedder Embedder, cfg CitationConfig, logger *log.Logger) *CitationSelector {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.3
	}
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = 64
	}
	if cfg.SummaryChars <= 0 {
		cfg.SummaryChars = 200
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CitationSelector{embedder: embedder, cfg: cfg, logger: logger}
}

// Select picks the best quoted span of chunk for the query. Chunks with no
// span above the confidence floor are cited by summary, never omitted.
// Locator metadata passes through from the chunk unmodified.
func (s *CitationSelector) Select(query string, queryVec []float32, chunk MemoryChunk) Citation {
	cit := Citation{
		ChunkID:        chunk.ID,
		PageNumber:     chunk.PageNumber,
		SectionTitle:   chunk.SectionTitle,
		OffsetFraction: chunk.OffsetFraction,
	}

	spans, ok := s.extractSpans(chunk)
	if !ok {
		s.logger.Warn("span extraction failed, citing by summary", "chunk_id", chunk.ID)
		cit.Quote = summarize(chunk.Content, s.cfg.SummaryChars)
		cit.FromSummary = true
		return cit
	}

	best := ""
	bestScore := -1.0
	for _, span := range spans {
		spanVec := s.embedder.Embed(span)
		// Same mapping the scoring engine's semantic primitive uses for
		// cosine in [-1,1].
		score := (cosineSimilarity(queryVec, spanVec) + 1) / 2
		if score > bestScore {
			best, bestScore = span, score
		}
	}

	if bestScore >= s.cfg.MinConfidence {
		cit.Quote = best
		cit.Confidence = bestScore
		return cit
	}
	cit.Quote = summarize(chunk.Content, s.cfg.SummaryChars)
	cit.Confidence = bestScore
	cit.FromSummary = true
	return cit
}

// extractSpans splits content on sentence and paragraph boundaries. Returns
// ok=false when the content cannot be segmented (empty, invalid encoding).
func (s *CitationSelector) extractSpans(chunk MemoryChunk) ([]string, bool) {
	content := strings.TrimSpace(chunk.Content)
	if content == "" || !utf8.ValidString(content) {
		return nil, false
	}
	spans := make([]string, 0, 16)
	for _, para := range strings.Split(content, "\n") {
		for _, sentence := range splitSentences(para) {
			sentence = strings.TrimSpace(sentence)
			if utf8.RuneCountInString(sentence) < 8 {
				continue
			}
			spans = append(spans, sentence)
			if len(spans) >= s.cfg.MaxSpans {
				return spans, true
			}
		}
	}
	if len(spans) == 0 {
		// Single short blob; treat the whole content as one span.
		spans = append(spans, content)
	}
	return spans, true
}

func splitSentences(text string) []string {
	out := make([]string, 0, 8)
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' || r == ';' {
			if i+1 > start {
				out = append(out, string(runes[start:i+1]))
			}
			start = i + 1
		}
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// summarize truncates content at a word boundary near limit characters.
func summarize(content string, limit int) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	cut := limit
	for cut > 0 && runes[cut] != ' ' && runes[cut] != '\n' {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}
