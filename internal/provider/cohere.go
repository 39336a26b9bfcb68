package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agent-brain/agent-brain/internal/errors"
)

const defaultCohereURL = "https://api.cohere.com/v2"

// CohereEmbedder speaks the Cohere v2 /embed API.
type CohereEmbedder struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	retry   errors.RetryConfig

	mu   sync.Mutex
	dims int
}

func NewCohereEmbedder(baseURL, model, apiKey string) *CohereEmbedder {
	if baseURL == "" {
		baseURL = defaultCohereURL
	}
	return &CohereEmbedder{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
		retry:   errors.DefaultRetryConfig(),
	}
}

type cohereEmbedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
}

type cohereEmbedResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
}

func (c *CohereEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *CohereEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	return errors.RetryWithResult(ctx, c.retry, func() ([][]float32, error) {
		body, err := json.Marshal(cohereEmbedRequest{
			Model:          c.model,
			Texts:          texts,
			InputType:      "search_document",
			EmbeddingTypes: []string{"float"},
		})
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err)
		}

		var resp cohereEmbedResponse
		headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
		if err := postJSON(ctx, c.client, c.baseURL+"/embed", headers, body, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings.Float) != len(texts) {
			return nil, errors.Newf(errors.ErrCodeEmbeddingFailed,
				"cohere returned %d embeddings for %d inputs", len(resp.Embeddings.Float), len(texts))
		}

		c.mu.Lock()
		if c.dims == 0 && len(resp.Embeddings.Float[0]) > 0 {
			c.dims = len(resp.Embeddings.Float[0])
		}
		c.mu.Unlock()
		return resp.Embeddings.Float, nil
	})
}

func (c *CohereEmbedder) Dimensions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dims
}

func (c *CohereEmbedder) ModelName() string    { return c.model }
func (c *CohereEmbedder) ProviderName() string { return "cohere" }
func (c *CohereEmbedder) Close() error         { return nil }
