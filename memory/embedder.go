package memory

import (
	"context"
	"net/http"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/taleweave/memoria/config"
	"github.com/taleweave/memoria/errors"
)

type (
	// Embedder produces embedding vectors for texts under one model version.
	Embedder interface {
		Embed(ctx context.Context, texts ...string) ([][]float32, error)
		ModelVersion() string
		Dimension() int
	}

	// OpenAIEmbedder backs Embedder with the OpenAI embeddings API.
	OpenAIEmbedder struct {
		client openai.Client
		model  string
		dim    int
	}
)

var _ Embedder = (*OpenAIEmbedder)(nil)

func NewOpenAIEmbedder(conf *config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv(conf.APIKeyEnv)
	if apiKey == "" {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "embedding credential env %s is empty", conf.APIKeyEnv)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if conf.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(conf.BaseURL))
	}

	return &OpenAIEmbedder{
		client: openai.NewClient(opts...),
		model:  conf.Model,
		dim:    conf.Dimension,
	}, nil
}

func (e *OpenAIEmbedder) ModelVersion() string { return e.model }

func (e *OpenAIEmbedder) Dimension() int { return e.dim }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts ...string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, classifyEmbedError(err)
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		embeddings[i] = vec
	}

	return embeddings, nil
}

// classifyEmbedError maps service failures onto the error taxonomy: rate
// limits, timeouts and 5xx are retriable (ErrServiceUnavailable); malformed
// input is terminal (ErrInvalidInput).
func classifyEmbedError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusBadRequest || apierr.StatusCode == http.StatusUnprocessableEntity:
			return errors.Wrapf(errors.ErrInvalidInput, "embedding service rejected input: %v", apierr)
		case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
			return errors.Wrapf(errors.ErrInvalidConfig, "embedding service rejected credentials: %v", apierr)
		default:
			return errors.Wrapf(errors.ErrServiceUnavailable, "embedding service error: %v", apierr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return errors.WithStack(err)
	}
	// Network failures and deadline hits are retriable.
	return errors.Wrapf(errors.ErrServiceUnavailable, "embedding call failed: %v", err)
}
