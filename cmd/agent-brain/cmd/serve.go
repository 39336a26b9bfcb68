package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-brain/agent-brain/internal/config"
	"github.com/agent-brain/agent-brain/internal/graph"
	"github.com/agent-brain/agent-brain/internal/jobs"
	"github.com/agent-brain/agent-brain/internal/logging"
	"github.com/agent-brain/agent-brain/internal/pipeline"
	"github.com/agent-brain/agent-brain/internal/provider"
	"github.com/agent-brain/agent-brain/internal/query"
	"github.com/agent-brain/agent-brain/internal/runtime"
	"github.com/agent-brain/agent-brain/internal/server"
	"github.com/agent-brain/agent-brain/internal/store"
	"github.com/agent-brain/agent-brain/internal/telemetry"
	"github.com/agent-brain/agent-brain/internal/watcher"
)

func newServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the retrieval service",
		Long: `Start the HTTP service: acquires the instance lock, opens the storage
backend, launches the indexing worker and serves the retrieval API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), host, port)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Bind host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Bind port (overrides config)")
	return cmd
}

func runServe(ctx context.Context, hostFlag string, portFlag int) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(stateDir)
	if err != nil {
		return err
	}
	if hostFlag != "" {
		cfg.Server.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}

	logCfg := logging.DefaultConfig(stateDir)
	logCfg.Level = cfg.Logging.Level
	_, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	defer logCleanup()

	lock := runtime.NewLock(stateDir)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	embedder, err := provider.NewEmbedder(cfg.Embedding)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	backend, err := store.NewBackend(cfg, stateDir)
	if err != nil {
		return err
	}
	if err := backend.Initialize(ctx); err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	serverOpts := server.Options{}
	pipelineOpts := pipeline.Options{
		EmbeddingBatchSize: cfg.Limits.EmbeddingBatchSize,
		CheckpointInterval: cfg.Limits.CheckpointInterval,
		DefaultChunkSize:   cfg.Limits.ChunkSize,
		DefaultOverlap:     cfg.Limits.ChunkOverlap,
	}

	var graphIdx *graph.Index
	if cfg.Graph.Enabled {
		graphIdx, err = graph.Open(filepath.Join(stateDir, graph.DirName))
		if err != nil {
			return err
		}
		var llm graph.Extractor
		summarizer, err := provider.NewSummarizer(cfg.Summarization)
		if err != nil {
			return err
		}
		if summarizer != nil {
			defer func() { _ = summarizer.Close() }()
			llm = graph.NewLLMExtractor(summarizer, cfg.Graph.MaxTriplets)
		}
		pipelineOpts.Graph = graph.NewBuilder(graphIdx, llm, cfg.Graph.MaxTriplets)
		serverOpts.Graph = graphIdx
	}

	tel, err := telemetry.Open(stateDir)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Close() }()
	serverOpts.Telemetry = tel

	jobStore, err := jobs.NewStore(stateDir)
	if err != nil {
		return err
	}
	pipe := pipeline.New(backend, embedder, pipelineOpts)
	countFn := func(ctx context.Context) (int, error) { return backend.Count(ctx, nil) }
	queue := jobs.NewQueue(jobStore, pipe, countFn, jobs.Options{
		MaxQueue:       cfg.Limits.MaxQueue,
		MaxRetries:     cfg.Limits.MaxRetries,
		RetryBaseDelay: cfg.Limits.RetryBaseDelay,
		JobTimeout:     cfg.Limits.JobTimeout,
	})

	querySvc := query.NewService(backend, embedder, query.Options{
		MaxTopK:               cfg.Limits.MaxTopK,
		MaxQueryLength:        cfg.Limits.MaxQueryLength,
		CandidateMultiple:     cfg.Limits.CandidateMultiple,
		RerankerMaxCandidates: cfg.Limits.RerankerMaxCandidates,
		RRFConstant:           cfg.Graph.RRFConstant,
		GraphTraversalDepth:   cfg.Graph.TraversalDepth,
	}).WithRecorder(tel)
	if graphIdx != nil {
		querySvc.WithGraph(graphIdx)
	}
	reranker, err := provider.NewReranker(cfg.Reranker)
	if err != nil {
		return err
	}
	if reranker != nil {
		defer func() { _ = reranker.Close() }()
		querySvc.WithReranker(reranker)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue.Start(ctx)
	defer queue.Stop()

	if cfg.Watch.Enabled {
		for _, w := range startWatchers(ctx, jobStore, queue, cfg.Watch.Debounce) {
			defer w.Stop()
		}
	}

	cwd, _ := os.Getwd()
	descriptor := runtime.NewDescriptor("http", cfg.Server.Host, cfg.Server.Port, cwd)
	if err := descriptor.Write(stateDir); err != nil {
		return err
	}

	srv := server.New(cfg, backend, embedder, queue, querySvc, serverOpts)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// startWatchers re-watches the folders of previously completed index
// jobs so watch mode survives restarts.
func startWatchers(ctx context.Context, jobStore *jobs.Store, queue *jobs.Queue, debounce time.Duration) []*watcher.Watcher {
	all, _, _ := jobStore.List(0, 0)
	seen := map[string]bool{}
	var watchers []*watcher.Watcher
	for _, j := range all {
		if j.Status != jobs.StatusCompleted || seen[j.Request.FolderPath] {
			continue
		}
		seen[j.Request.FolderPath] = true

		w, err := watcher.New(queue, watcher.Options{
			Folder:      j.Request.FolderPath,
			Recursive:   j.Request.Recursive,
			IncludeCode: j.Request.IncludeCode,
			Debounce:    debounce,
		})
		if err != nil {
			slog.Warn("watch_setup_failed", "folder", j.Request.FolderPath, "error", err)
			continue
		}
		w.Start(ctx)
		watchers = append(watchers, w)
		slog.Info("watching_folder", "folder", j.Request.FolderPath)
	}
	return watchers
}
