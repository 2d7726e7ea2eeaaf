package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/freeshell/conductor/pkg/config"
)

// Provider is one OpenAI-compatible endpoint.
type Provider struct {
	Name       string
	Model      string
	ImageModel string
	Timeout    time.Duration

	apiKeyEnv string
	client    *openai.Client
}

// NewProvider builds a provider from its configuration. The API key is read
// from the environment at call time so rotated keys apply without a restart.
func NewProvider(cfg config.ProviderConfig) *Provider {
	oc := openai.DefaultConfig("")
	oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	p := &Provider{
		Name:       cfg.Name,
		Model:      cfg.Model,
		ImageModel: cfg.ImageModel,
		Timeout:    cfg.TimeoutDuration(),
		apiKeyEnv:  cfg.APIKeyEnv,
	}
	oc.HTTPClient = &http.Client{Transport: &bearer{provider: p, next: http.DefaultTransport}}
	p.client = openai.NewClientWithConfig(oc)
	return p
}

// Available reports whether the provider can be called. A provider that
// names an API key variable is unavailable while that variable is empty.
func (p *Provider) Available() bool {
	return p.apiKeyEnv == "" || os.Getenv(p.apiKeyEnv) != ""
}

// completion is the text returned by a chat call.
type completion struct {
	Content string
	Model   string
	Tokens  int
}

func (p *Provider) chat(ctx context.Context, system, prompt string, maxTokens int) (*completion, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.Model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, describe(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("empty completion")
	}
	return &completion{Content: content, Model: resp.Model, Tokens: resp.Usage.TotalTokens}, nil
}

func (p *Provider) image(ctx context.Context, prompt, size string) ([]byte, error) {
	if p.ImageModel == "" {
		return nil, errors.New("provider has no image model")
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          p.ImageModel,
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, describe(err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, errors.New("no image in response")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return data, nil
}

// describe flattens client errors into a message that names the HTTP status.
func describe(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("status %d: %w", reqErr.HTTPStatusCode, reqErr.Err)
	}
	return err
}

// bearer injects the provider's current API key.
type bearer struct {
	provider *Provider
	next     http.RoundTripper
}

func (b *bearer) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if b.provider.apiKeyEnv != "" {
		req.Header.Set("Authorization", "Bearer "+os.Getenv(b.provider.apiKeyEnv))
	} else {
		req.Header.Del("Authorization")
	}
	return b.next.RoundTrip(req)
}
