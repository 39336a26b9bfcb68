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

const defaultOpenAIURL = "https://api.openai.com/v1"

// OpenAIEmbedder speaks the OpenAI-compatible /embeddings API. Any
// compatible gateway works through baseURL.
type OpenAIEmbedder struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	retry   errors.RetryConfig

	mu   sync.Mutex
	dims int
}

func NewOpenAIEmbedder(baseURL, model, apiKey string) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	return &OpenAIEmbedder{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
		retry:   errors.DefaultRetryConfig(),
	}
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	return errors.RetryWithResult(ctx, o.retry, func() ([][]float32, error) {
		body, err := json.Marshal(openAIEmbedRequest{Model: o.model, Input: texts})
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err)
		}

		var resp openAIEmbedResponse
		headers := map[string]string{"Authorization": "Bearer " + o.apiKey}
		if err := postJSON(ctx, o.client, o.baseURL+"/embeddings", headers, body, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) != len(texts) {
			return nil, errors.Newf(errors.ErrCodeEmbeddingFailed,
				"provider returned %d embeddings for %d inputs", len(resp.Data), len(texts))
		}

		// The API may reorder; index restores input order.
		vecs := make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(vecs) {
				return nil, errors.Newf(errors.ErrCodeEmbeddingFailed, "embedding index %d out of range", d.Index)
			}
			vecs[d.Index] = d.Embedding
		}

		o.mu.Lock()
		if o.dims == 0 && len(vecs[0]) > 0 {
			o.dims = len(vecs[0])
		}
		o.mu.Unlock()
		return vecs, nil
	})
}

func (o *OpenAIEmbedder) Dimensions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dims
}

func (o *OpenAIEmbedder) ModelName() string    { return o.model }
func (o *OpenAIEmbedder) ProviderName() string { return "openai" }
func (o *OpenAIEmbedder) Close() error         { return nil }

// OpenAISummarizer uses the chat completions API. Gemini and Grok route
// through their OpenAI-compatible endpoints via baseURL.
type OpenAISummarizer struct {
	baseURL  string
	model    string
	apiKey   string
	provider string
	client   *http.Client
	retry    errors.RetryConfig
}

func NewOpenAISummarizer(provider, baseURL, model, apiKey string) *OpenAISummarizer {
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	return &OpenAISummarizer{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		model:    model,
		apiKey:   apiKey,
		provider: provider,
		client:   &http.Client{Timeout: 120 * time.Second},
		retry:    errors.DefaultRetryConfig(),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAISummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return errors.RetryWithResult(ctx, o.retry, func() (string, error) {
		body, err := json.Marshal(chatRequest{
			Model: o.model,
			Messages: []chatMessage{
				{Role: "system", Content: "Summarize the user's document in one or two sentences. Reply with the summary only."},
				{Role: "user", Content: text},
			},
		})
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeInternal, err)
		}

		var resp chatResponse
		headers := map[string]string{"Authorization": "Bearer " + o.apiKey}
		if err := postJSON(ctx, o.client, o.baseURL+"/chat/completions", headers, body, &resp); err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.Newf(errors.ErrCodeProviderUnavailable, "%s returned no choices", o.provider)
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	})
}

func (o *OpenAISummarizer) ModelName() string { return o.model }
func (o *OpenAISummarizer) Close() error      { return nil }
