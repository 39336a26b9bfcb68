// Package chunk splits documents into overlapping chunks for indexing.
// Boundaries prefer semantic breakpoints (blank lines, headings, function
// starts) and fall back to size-bounded splits.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Token accounting uses the common 4-chars-per-token approximation; exact
// BPE counts would drag in a tokenizer download for marginal gain.
const (
	DefaultChunkTokens   = 512
	DefaultOverlapTokens = 50
	MinChunkTokens       = 64
	MaxChunkTokens       = 2048
	charsPerToken        = 4
)

// Chunk is one indexable slice of a document with its back-references.
type Chunk struct {
	ID          string
	Text        string
	Source      string
	SourceType  string
	Language    string
	StartOffset int
	EndOffset   int
	StartLine   int
	EndLine     int
	ContentHash string
}

// Options configures a Chunker. Zero values take defaults; out-of-range
// sizes are clamped.
type Options struct {
	ChunkTokens   int
	OverlapTokens int
}

// Chunker splits documents. Safe for concurrent use.
type Chunker struct {
	chunkChars   int
	overlapChars int
}

func New(opts Options) *Chunker {
	tokens := opts.ChunkTokens
	if tokens <= 0 {
		tokens = DefaultChunkTokens
	}
	if tokens < MinChunkTokens {
		tokens = MinChunkTokens
	}
	if tokens > MaxChunkTokens {
		tokens = MaxChunkTokens
	}

	overlap := opts.OverlapTokens
	if overlap < 0 {
		overlap = 0
	}
	if opts.OverlapTokens == 0 {
		overlap = DefaultOverlapTokens
	}
	if overlap >= tokens {
		overlap = tokens / 4
	}

	return &Chunker{
		chunkChars:   tokens * charsPerToken,
		overlapChars: overlap * charsPerToken,
	}
}

// functionStart matches common function and class openings across the
// supported languages, used as preferred code breakpoints.
var functionStart = regexp.MustCompile(`^(func |def |fn |class |public |private |function )`)

// Split chunks one document. Empty chunks are never emitted; a document of
// only whitespace yields nil.
func (c *Chunker) Split(text, source, sourceType, language string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + c.chunkChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.breakpoint(text, start, end)
		}

		slice := text[start:end]
		if strings.TrimSpace(slice) != "" {
			chunks = append(chunks, c.build(text, slice, start, end, source, sourceType, language))
		}

		if end == len(text) {
			break
		}
		// Guarantee at least half-window progress even when a semantic
		// breakpoint pulled the end close to the overlap region.
		next := end - c.overlapChars
		if min := start + (end-start)/2 + 1; next < min {
			next = min
		}
		start = next
	}
	return chunks
}

// breakpoint searches backward from the size-bounded end for a semantic
// boundary: paragraph break, then line start that opens a function or a
// heading, then any newline. Never moves before the midpoint of the chunk.
func (c *Chunker) breakpoint(text string, start, end int) int {
	floor := start + (end-start)/2

	if idx := strings.LastIndex(text[floor:end], "\n\n"); idx != -1 {
		return floor + idx + 2
	}

	// Scan line starts between floor and end for structural openings.
	best := -1
	for i := end - 1; i > floor; i-- {
		if text[i] != '\n' || i+1 >= len(text) {
			continue
		}
		line := text[i+1:]
		if nl := strings.IndexByte(line, '\n'); nl != -1 {
			line = line[:nl]
		}
		trimmed := strings.TrimSpace(line)
		if functionStart.MatchString(trimmed) || strings.HasPrefix(trimmed, "#") {
			best = i + 1
			break
		}
	}
	if best != -1 {
		return best
	}

	if idx := strings.LastIndexByte(text[floor:end], '\n'); idx != -1 {
		return floor + idx + 1
	}
	return end
}

func (c *Chunker) build(full, slice string, start, end int, source, sourceType, language string) Chunk {
	hash := sha256.Sum256([]byte(slice))
	contentHash := hex.EncodeToString(hash[:])

	idHash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", source, start)))
	startLine := 1 + strings.Count(full[:start], "\n")
	endLine := startLine + strings.Count(slice, "\n")

	return Chunk{
		ID:          hex.EncodeToString(idHash[:])[:16],
		Text:        slice,
		Source:      source,
		SourceType:  sourceType,
		Language:    language,
		StartOffset: start,
		EndOffset:   end,
		StartLine:   startLine,
		EndLine:     endLine,
		ContentHash: contentHash,
	}
}
