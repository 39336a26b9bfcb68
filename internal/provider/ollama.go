package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agent-brain/agent-brain/internal/errors"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaEmbedder talks to a local Ollama server's /api/embed endpoint.
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
	retry   errors.RetryConfig

	mu   sync.Mutex
	dims int
}

// NewOllamaEmbedder creates an embedder for the given model. An empty
// baseURL falls back to the local default.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaEmbedder{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
		retry:   errors.DefaultRetryConfig(),
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	return errors.RetryWithResult(ctx, o.retry, func() ([][]float32, error) {
		body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Input: texts})
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err)
		}

		var resp ollamaEmbedResponse
		if err := postJSON(ctx, o.client, o.baseURL+"/api/embed", nil, body, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(texts) {
			return nil, errors.Newf(errors.ErrCodeEmbeddingFailed,
				"ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
		}

		o.mu.Lock()
		if o.dims == 0 && len(resp.Embeddings[0]) > 0 {
			o.dims = len(resp.Embeddings[0])
		}
		o.mu.Unlock()
		return resp.Embeddings, nil
	})
}

func (o *OllamaEmbedder) Dimensions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dims
}

func (o *OllamaEmbedder) ModelName() string    { return o.model }
func (o *OllamaEmbedder) ProviderName() string { return "ollama" }
func (o *OllamaEmbedder) Close() error         { return nil }

// OllamaSummarizer uses /api/generate for short document summaries.
type OllamaSummarizer struct {
	baseURL string
	model   string
	client  *http.Client
	retry   errors.RetryConfig
}

func NewOllamaSummarizer(baseURL, model string) *OllamaSummarizer {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaSummarizer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
		retry:   errors.DefaultRetryConfig(),
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

func (o *OllamaSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	prompt := "Summarize the following document in one or two sentences. " +
		"Reply with the summary only.\n\n" + text

	return errors.RetryWithResult(ctx, o.retry, func() (string, error) {
		body, err := json.Marshal(ollamaGenerateRequest{Model: o.model, Prompt: prompt, Stream: false})
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeInternal, err)
		}
		var resp ollamaGenerateResponse
		if err := postJSON(ctx, o.client, o.baseURL+"/api/generate", nil, body, &resp); err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Response), nil
	})
}

func (o *OllamaSummarizer) ModelName() string { return o.model }
func (o *OllamaSummarizer) Close() error      { return nil }

// OllamaReranker scores (query, document) relevance by prompting a local
// model for a 0-10 rating. Coarser than a true cross-encoder but requires
// no extra serving infrastructure.
type OllamaReranker struct {
	baseURL string
	model   string
	client  *http.Client
	retry   errors.RetryConfig
}

func NewOllamaReranker(baseURL, model string) *OllamaReranker {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaReranker{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
		retry:   errors.DefaultRetryConfig(),
	}
}

func (o *OllamaReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	scores := make([]float64, len(documents))
	for i, doc := range documents {
		prompt := fmt.Sprintf(
			"Rate how relevant the document is to the query on a scale from 0 to 10. "+
				"Reply with a single number.\n\nQuery: %s\n\nDocument: %s", query, doc)

		score, err := errors.RetryWithResult(ctx, o.retry, func() (float64, error) {
			body, err := json.Marshal(ollamaGenerateRequest{Model: o.model, Prompt: prompt, Stream: false})
			if err != nil {
				return 0, errors.Wrap(errors.ErrCodeInternal, err)
			}
			var resp ollamaGenerateResponse
			if err := postJSON(ctx, o.client, o.baseURL+"/api/generate", nil, body, &resp); err != nil {
				return 0, err
			}
			return parseRating(resp.Response), nil
		})
		if err != nil {
			return nil, err
		}
		scores[i] = score / 10.0
	}
	return scores, nil
}

func (o *OllamaReranker) ModelName() string { return o.model }
func (o *OllamaReranker) Close() error      { return nil }

// parseRating extracts the first number from a model reply, clamped to [0,10].
func parseRating(s string) float64 {
	fields := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	for _, f := range fields {
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			if v < 0 {
				return 0
			}
			if v > 10 {
				return 10
			}
			return v
		}
	}
	return 0
}

// postJSON posts a JSON body and decodes the JSON response, classifying
// transport and HTTP failures into the provider error taxonomy.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New(errors.ErrCodeProviderUnavailable, fmt.Sprintf("post %s", url), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return errors.Wrap(errors.ErrCodeProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.Newf(errors.ErrCodeProviderRateLimited, "%s: rate limited", url)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return errors.Newf(errors.ErrCodeProviderTimeout, "%s: upstream timeout", url)
	case resp.StatusCode >= 500:
		return errors.Newf(errors.ErrCodeProviderUnavailable, "%s: status %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return errors.Newf(errors.ErrCodeInvalidInput, "%s: status %d: %s", url, resp.StatusCode, truncate(string(data), 200))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errors.New(errors.ErrCodeProviderUnavailable, "malformed provider response", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
