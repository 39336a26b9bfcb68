// Package pipeline orchestrates indexing: loader, chunker, embedder and
// backend upsert, with progress checkpoints and cooperative cancellation.
package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agent-brain/agent-brain/internal/chunk"
	"github.com/agent-brain/agent-brain/internal/graph"
	"github.com/agent-brain/agent-brain/internal/jobs"
	"github.com/agent-brain/agent-brain/internal/loader"
	"github.com/agent-brain/agent-brain/internal/provider"
	"github.com/agent-brain/agent-brain/internal/store"
)

// Options tunes batching and checkpointing. Graph is the optional entity
// index builder; nil when graph mode is disabled.
type Options struct {
	EmbeddingBatchSize int
	CheckpointInterval int
	DefaultChunkSize   int
	DefaultOverlap     int
	Graph              *graph.Builder
}

func (o *Options) defaults() {
	if o.EmbeddingBatchSize <= 0 {
		o.EmbeddingBatchSize = 32
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 50
	}
	if o.DefaultChunkSize <= 0 {
		o.DefaultChunkSize = chunk.DefaultChunkTokens
	}
	if o.DefaultOverlap <= 0 {
		o.DefaultOverlap = chunk.DefaultOverlapTokens
	}
}

// Pipeline implements jobs.Runner.
type Pipeline struct {
	backend  store.Backend
	embedder provider.Embedder
	opts     Options
}

var _ jobs.Runner = (*Pipeline)(nil)

func New(backend store.Backend, embedder provider.Embedder, opts Options) *Pipeline {
	opts.defaults()
	return &Pipeline{backend: backend, embedder: embedder, opts: opts}
}

// Run indexes the job's folder. probe is consulted between files and at
// checkpoints; on cancellation the current batch is flushed first.
func (p *Pipeline) Run(ctx context.Context, job *jobs.Job, probe func() bool, progress func(jobs.Progress)) (jobs.RunResult, error) {
	if err := p.checkProvenance(ctx); err != nil {
		return jobs.RunResult{}, err
	}

	req := job.Request
	l := loader.New(loader.Options{
		Recursive:   req.Recursive,
		IncludeCode: req.IncludeCode,
	})

	filesTotal, err := l.CountFiles(ctx, req.FolderPath)
	if err != nil {
		return jobs.RunResult{}, err
	}

	// The walker goroutine blocks on the results channel; cancelling its
	// context on any early return below releases it.
	walkCtx, cancelWalk := context.WithCancel(ctx)
	defer cancelWalk()
	docs, err := l.Walk(walkCtx, req.FolderPath)
	if err != nil {
		return jobs.RunResult{}, err
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = p.opts.DefaultChunkSize
	}
	overlap := req.ChunkOverlap
	if overlap <= 0 {
		overlap = p.opts.DefaultOverlap
	}
	chunker := chunk.New(chunk.Options{ChunkTokens: chunkSize, OverlapTokens: overlap})

	state := jobs.Progress{FilesTotal: filesTotal}
	titles := map[string]string{}
	summaries := map[string]string{}
	var buffer []chunk.Chunk
	flush := func() error {
		n, err := p.flush(ctx, buffer, titles, summaries)
		if err != nil {
			return err
		}
		state.ChunksCreated += n
		buffer = buffer[:0]
		return nil
	}

	for result := range docs {
		if result.Err != nil {
			slog.Warn("skipping unreadable file", "error", result.Err)
			continue
		}
		if ctx.Err() != nil {
			return jobs.RunResult{}, ctx.Err()
		}
		if probe() {
			if err := flush(); err != nil {
				return jobs.RunResult{}, err
			}
			return jobs.RunResult{
				FilesProcessed: state.FilesProcessed,
				ChunksCreated:  state.ChunksCreated,
				Cancelled:      true,
			}, nil
		}

		doc := result.Doc
		titles[doc.Path], summaries[doc.Path] = describeDocument(doc)
		buffer = append(buffer, chunker.Split(string(doc.Content), doc.Path, doc.SourceType, doc.Language)...)
		state.FilesProcessed++
		state.CurrentFile = doc.Path

		for len(buffer) >= p.opts.EmbeddingBatchSize {
			batch := buffer[:p.opts.EmbeddingBatchSize]
			n, err := p.flush(ctx, batch, titles, summaries)
			if err != nil {
				return jobs.RunResult{}, err
			}
			state.ChunksCreated += n
			buffer = append(buffer[:0], buffer[p.opts.EmbeddingBatchSize:]...)
		}

		if state.FilesProcessed%p.opts.CheckpointInterval == 0 {
			if err := flush(); err != nil {
				return jobs.RunResult{}, err
			}
			progress(state)
		}
	}

	if err := flush(); err != nil {
		return jobs.RunResult{}, err
	}
	progress(state)

	if err := p.writeProvenanceIfAbsent(ctx); err != nil {
		return jobs.RunResult{}, err
	}
	if p.opts.Graph != nil {
		if err := p.opts.Graph.Flush(); err != nil {
			slog.Warn("graph_flush_failed", "error", err)
		}
	}

	return jobs.RunResult{
		FilesProcessed: state.FilesProcessed,
		ChunksCreated:  state.ChunksCreated,
	}, nil
}

// checkProvenance aborts on dimension mismatch and logs a warning on a
// provider/model-only mismatch.
func (p *Pipeline) checkProvenance(ctx context.Context) error {
	meta, err := p.backend.GetEmbeddingMetadata(ctx)
	if err != nil {
		return err
	}
	dims := p.embedder.Dimensions()
	if meta != nil && dims == 0 {
		// Lazy providers only learn their dimensionality from the first
		// embed; warm one up so a mismatch aborts the job before any
		// chunk is written.
		vec, err := p.embedder.Embed(ctx, "dimension check")
		if err != nil {
			return err
		}
		dims = len(vec)
	}
	warning, err := store.ValidateCompatibility(
		p.embedder.ProviderName(), p.embedder.ModelName(), dims, meta)
	if err != nil {
		return err
	}
	if warning != "" {
		slog.Warn("embedding_provenance_mismatch", "detail", warning)
	}
	return nil
}

// ensureProvenance records provider/model/dimensions before the first
// upsert; backends that derive their schema from the dimensionality need
// it in place when rows arrive.
func (p *Pipeline) ensureProvenance(ctx context.Context, dims int) error {
	meta, err := p.backend.GetEmbeddingMetadata(ctx)
	if err != nil {
		return err
	}
	if meta != nil {
		return nil
	}
	return p.backend.SetEmbeddingMetadata(ctx, store.EmbeddingMetadata{
		Provider:   p.embedder.ProviderName(),
		Model:      p.embedder.ModelName(),
		Dimensions: dims,
	})
}

func (p *Pipeline) writeProvenanceIfAbsent(ctx context.Context) error {
	dims := p.embedder.Dimensions()
	if dims == 0 {
		// Nothing was embedded; leave provenance unset.
		return nil
	}
	return p.ensureProvenance(ctx, dims)
}

// maxSummaryRunes caps the derived document summary.
const maxSummaryRunes = 240

// describeDocument derives the title and summary stored on a document's
// chunks, which keyword search indexes at higher weight than the body.
// The title is the first markdown heading when there is one, otherwise
// the filename stem. The summary is the first prose paragraph; code
// files carry none.
func describeDocument(doc *loader.Document) (title, summary string) {
	base := filepath.Base(doc.Path)
	title = strings.TrimSuffix(base, filepath.Ext(base))
	if doc.SourceType == "code" {
		return title, ""
	}

	haveHeading := false
	var para []string
	for _, line := range strings.Split(string(doc.Content), "\n") {
		trimmed := strings.TrimSpace(line)
		if h, ok := headingText(trimmed); ok {
			if !haveHeading && h != "" {
				title = h
				haveHeading = true
			}
			if len(para) > 0 {
				break
			}
			continue
		}
		if trimmed == "" {
			if len(para) > 0 {
				break
			}
			continue
		}
		para = append(para, trimmed)
	}

	summary = strings.Join(para, " ")
	if runes := []rune(summary); len(runes) > maxSummaryRunes {
		summary = strings.TrimSpace(string(runes[:maxSummaryRunes]))
	}
	return title, summary
}

// headingText extracts the text of an ATX markdown heading, false for
// any other line.
func headingText(line string) (string, bool) {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || n == len(line) || line[n] != ' ' {
		return "", false
	}
	return strings.TrimSpace(line[n:]), true
}

// flush embeds and upserts one batch. Chunks from the same file keep
// their offset order.
func (p *Pipeline) flush(ctx context.Context, batch []chunk.Chunk, titles, summaries map[string]string) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	// Provider errors keep their own codes so the worker can tell
	// retryable timeouts from hard failures.
	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	// Provenance has to exist before the first row lands: the postgres
	// backend sizes its vector column from it.
	if err := p.ensureProvenance(ctx, len(embeddings[0])); err != nil {
		return 0, err
	}

	ids := make([]string, len(batch))
	docs := make([]string, len(batch))
	metas := make([]map[string]string, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
		docs[i] = c.Text
		metas[i] = map[string]string{
			store.MetaSource:      c.Source,
			store.MetaSourceType:  c.SourceType,
			store.MetaLanguage:    c.Language,
			store.MetaFilename:    filepath.Base(c.Source),
			store.MetaStartOffset: strconv.Itoa(c.StartOffset),
			store.MetaEndOffset:   strconv.Itoa(c.EndOffset),
			store.MetaStartLine:   strconv.Itoa(c.StartLine),
			store.MetaEndLine:     strconv.Itoa(c.EndLine),
			store.MetaContentHash: c.ContentHash,
		}
		if t := titles[c.Source]; t != "" {
			metas[i][store.MetaTitle] = t
		}
		if s := summaries[c.Source]; s != "" {
			metas[i][store.MetaSummary] = s
		}
	}

	n, err := p.backend.UpsertDocuments(ctx, ids, embeddings, docs, metas)
	if err != nil {
		return 0, err
	}
	if p.opts.Graph != nil {
		p.opts.Graph.AddChunks(ctx, batch)
	}
	return n, nil
}
