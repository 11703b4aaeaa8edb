package responder

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config configures an OpenAI-compatible chat completion backend.
type Config struct {
	Endpoint string // base URL, e.g. https://api.deepinfra.com/v1/openai/
	APIKey   string
	Model    string
	// Timeout bounds each HTTP request.  Zero leaves only the caller's
	// context in charge.
	Timeout time.Duration
}

// OpenAI sends each prompt as a single user message to a
// /chat/completions endpoint.
type OpenAI struct {
	client openai.Client
	model  string
	name   string
}

// NewOpenAI builds the backend.  SDK-level retries are disabled; use
// [NewResilient] for retry policy.
func NewOpenAI(cfg Config) *OpenAI {
	endpoint := cfg.Endpoint
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	opts := []option.RequestOption{
		option.WithBaseURL(endpoint),
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		name:   backendName(endpoint),
	}
}

// Name returns a human label for the endpoint, used in sentinels.
func (o *OpenAI) Name() string { return o.name }

// Complete returns the first choice's content, trimmed.
func (o *OpenAI) Complete(ctx context.Context, text string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Respond implements Responder without retries.
func (o *OpenAI) Respond(ctx context.Context, text string) string {
	return Adapt(o).Respond(ctx, text)
}

func backendName(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return "the AI backend"
	}
	host := u.Hostname()
	if strings.Contains(host, "deepinfra") {
		return "DeepInfra"
	}
	return host
}
