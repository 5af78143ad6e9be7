// Package llm wraps the OpenAI chat-completions API for the capabilities
// that use a language model as a helper (music prompt composition and
// natural-language-to-SQL translation).
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"

	"toolgate/internal/domain"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// Completer produces one completion for a system + user prompt pair.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Config selects the endpoint and model. An empty Endpoint means the public
// OpenAI API; AzureEndpoint switches to an Azure OpenAI resource, where Model
// is the deployment name.
type Config struct {
	APIKey        string
	Model         string
	Endpoint      string
	AzureEndpoint string
	MaxTokens     int32
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client is a Completer backed by azopenai.
type Client struct {
	client    *azopenai.Client
	model     string
	maxTokens int32
}

// New builds a client. It does not contact the API.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	keyCredential := azcore.NewKeyCredential(cfg.APIKey)

	// Retries belong to the dispatcher, not the SDK pipeline.
	opts := &azopenai.ClientOptions{}
	opts.Retry = policy.RetryOptions{MaxRetries: -1}
	if cfg.HTTPClient != nil {
		opts.Transport = cfg.HTTPClient
	}

	var (
		client *azopenai.Client
		err    error
	)
	if cfg.AzureEndpoint != "" {
		client, err = azopenai.NewClientWithKeyCredential(cfg.AzureEndpoint, keyCredential, opts)
	} else {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOpenAIEndpoint
		}
		client, err = azopenai.NewClientForOpenAI(endpoint, keyCredential, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("llm: create client: %w", err)
	}
	return &Client{client: client, model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
}

// Complete sends one chat completion request. Failures are classified as
// ToolErrors so callers can return them unchanged.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	messages := []azopenai.ChatRequestMessageClassification{
		&azopenai.ChatRequestUserMessage{
			Content: azopenai.NewChatRequestUserMessageContent(prompt),
		},
	}
	if system != "" {
		messages = append([]azopenai.ChatRequestMessageClassification{
			&azopenai.ChatRequestSystemMessage{
				Content: azopenai.NewChatRequestSystemMessageContent(system),
			},
		}, messages...)
	}

	resp, err := c.client.GetChatCompletions(ctx, azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(c.model),
		Messages:       messages,
		MaxTokens:      to.Ptr(c.maxTokens),
		Temperature:    to.Ptr[float32](0.2),
	}, nil)
	if err != nil {
		return "", classify(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
		return "", domain.UpstreamError("language model returned no completion", nil)
	}
	out := strings.TrimSpace(*resp.Choices[0].Message.Content)
	if out == "" {
		return "", domain.UpstreamError("language model returned an empty completion", nil)
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.Unavailable("language model did not respond in time", err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= 500:
			return domain.Unavailable("language model is temporarily unavailable", err)
		default:
			return domain.UpstreamError(fmt.Sprintf("language model rejected the request (HTTP %d)", respErr.StatusCode), err)
		}
	}
	return domain.Unavailable("language model could not be reached", err)
}
