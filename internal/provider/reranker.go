package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/agent-brain/agent-brain/internal/errors"
)

// STReranker talks to a sentence-transformers cross-encoder served behind
// an HTTP /rerank endpoint (the common text-embeddings-inference shape).
type STReranker struct {
	baseURL string
	model   string
	client  *http.Client
	retry   errors.RetryConfig
}

func NewSTReranker(baseURL, model string) *STReranker {
	return &STReranker{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
		retry:   errors.DefaultRetryConfig(),
	}
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankEntry struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func (r *STReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	return errors.RetryWithResult(ctx, r.retry, func() ([]float64, error) {
		body, err := json.Marshal(rerankRequest{Query: query, Texts: documents})
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err)
		}

		var entries []rerankEntry
		if err := postJSON(ctx, r.client, r.baseURL+"/rerank", nil, body, &entries); err != nil {
			return nil, err
		}

		scores := make([]float64, len(documents))
		for _, e := range entries {
			if e.Index < 0 || e.Index >= len(scores) {
				return nil, errors.Newf(errors.ErrCodeSearchFailed, "rerank index %d out of range", e.Index)
			}
			scores[e.Index] = e.Score
		}
		return scores, nil
	})
}

func (r *STReranker) ModelName() string { return r.model }
func (r *STReranker) Close() error      { return nil }
