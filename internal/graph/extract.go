package graph

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agent-brain/agent-brain/internal/chunk"
	"github.com/agent-brain/agent-brain/internal/provider"
	"github.com/agent-brain/agent-brain/internal/store"
)

// DefaultMaxTriplets caps extraction per chunk across both extractors.
const DefaultMaxTriplets = 10

// Extractor turns one chunk into triplets.
type Extractor interface {
	Extract(ctx context.Context, c chunk.Chunk) ([]Triplet, error)
}

// Code declaration and import patterns for the rule-based extractor.
var (
	goFuncPattern     = regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)`)
	goTypePattern     = regexp.MustCompile(`(?m)^type\s+([A-Za-z_][A-Za-z0-9_]*)`)
	pyDefPattern      = regexp.MustCompile(`(?m)^\s*def\s+([A-Za-z_][A-Za-z0-9_]*)`)
	pyClassPattern    = regexp.MustCompile(`(?m)^\s*class\s+([A-Za-z_][A-Za-z0-9_]*)`)
	importPattern     = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_./"-]*)`)
	headingPattern    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	markdownLinkRegex = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// RuleExtractor derives triplets from code declarations and markdown
// structure; no model calls, runs on every chunk.
type RuleExtractor struct{}

func (RuleExtractor) Extract(ctx context.Context, c chunk.Chunk) ([]Triplet, error) {
	file := filepath.Base(c.Source)
	var out []Triplet

	add := func(subject, relation, object string) {
		out = append(out, Triplet{Subject: subject, Relation: relation, Object: object})
	}

	if c.SourceType == store.SourceTypeCode {
		for _, pat := range []*regexp.Regexp{goFuncPattern, pyDefPattern} {
			for _, m := range pat.FindAllStringSubmatch(c.Text, -1) {
				add(file, "defines", m[1])
			}
		}
		for _, pat := range []*regexp.Regexp{goTypePattern, pyClassPattern} {
			for _, m := range pat.FindAllStringSubmatch(c.Text, -1) {
				add(file, "declares", m[1])
			}
		}
		for _, m := range importPattern.FindAllStringSubmatch(c.Text, -1) {
			add(file, "imports", strings.Trim(m[1], `"`))
		}
		return out, nil
	}

	for _, m := range headingPattern.FindAllStringSubmatch(c.Text, -1) {
		add(file, "describes", strings.TrimSpace(m[1]))
	}
	for _, m := range markdownLinkRegex.FindAllStringSubmatch(c.Text, -1) {
		add(file, "references", m[1])
	}
	return out, nil
}

const llmExtractionPrompt = `Extract up to %d factual (subject, relation, object) triplets from the text.
One per line, pipe-separated. Example:

FastAPI|is a|web framework
uvicorn|serves|FastAPI

Only output triplets, nothing else.

Text:
%s`

// LLMExtractor asks a summarization model for few-shot triplets. Failures
// degrade to no triplets; the rule extractor still contributes.
type LLMExtractor struct {
	model provider.Summarizer
	max   int
}

func NewLLMExtractor(model provider.Summarizer, maxTriplets int) *LLMExtractor {
	if maxTriplets <= 0 {
		maxTriplets = DefaultMaxTriplets
	}
	return &LLMExtractor{model: model, max: maxTriplets}
}

func (e *LLMExtractor) Extract(ctx context.Context, c chunk.Chunk) ([]Triplet, error) {
	response, err := e.model.Summarize(ctx, fmt.Sprintf(llmExtractionPrompt, e.max, c.Text))
	if err != nil {
		return nil, err
	}
	return ParseTriplets(response, e.max), nil
}

// ParseTriplets parses pipe-separated triplet lines, dropping malformed
// ones, capped at max.
func ParseTriplets(response string, max int) []Triplet {
	var out []Triplet
	for _, line := range strings.Split(response, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) != 3 {
			continue
		}
		t := Triplet{
			Subject:  strings.TrimSpace(parts[0]),
			Relation: strings.TrimSpace(parts[1]),
			Object:   strings.TrimSpace(parts[2]),
		}
		if t.Subject == "" || t.Relation == "" || t.Object == "" {
			continue
		}
		out = append(out, t)
		if len(out) >= max {
			break
		}
	}
	return out
}

// Builder feeds extracted triplets into the index during indexing.
type Builder struct {
	index      *Index
	extractors []Extractor
	max        int
}

// NewBuilder combines the rule extractor with an optional LLM extractor.
func NewBuilder(index *Index, llm Extractor, maxTriplets int) *Builder {
	if maxTriplets <= 0 {
		maxTriplets = DefaultMaxTriplets
	}
	extractors := []Extractor{RuleExtractor{}}
	if llm != nil {
		extractors = append(extractors, llm)
	}
	return &Builder{index: index, extractors: extractors, max: maxTriplets}
}

// AddChunks extracts and records triplets for a batch. Extractor failures
// are logged and skipped.
func (b *Builder) AddChunks(ctx context.Context, chunks []chunk.Chunk) {
	for _, c := range chunks {
		var triplets []Triplet
		for _, ex := range b.extractors {
			got, err := ex.Extract(ctx, c)
			if err != nil {
				slog.Warn("graph_extraction_failed", "chunk_id", c.ID, "error", err)
				continue
			}
			triplets = append(triplets, got...)
			if len(triplets) >= b.max {
				triplets = triplets[:b.max]
				break
			}
		}
		b.index.AddTriplets(c.ID, triplets)
	}
}

// Flush persists the index.
func (b *Builder) Flush() error { return b.index.Save() }
