// Package openai generates flashcards and quiz questions with the OpenAI
// chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

const (
	// APIBaseURL is the base URL for the OpenAI API
	APIBaseURL = "https://api.openai.com/v1"

	// DefaultModel is the default chat model
	DefaultModel = "gpt-4o-mini"

	DefaultTemperature = 0.7
	DefaultMaxTokens   = 3000

	maxResponseBytes = 4 << 20
)

// Config contains configuration for the OpenAI provider
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int

	// RequestTimeout bounds one API call (default: 60 seconds)
	RequestTimeout time.Duration

	Logger genquota.Logger
}

// Provider implements genquota.Generator using OpenAI
type Provider struct {
	config Config
	client *http.Client
	logger genquota.Logger
}

// New creates a new OpenAI provider
func New(config Config) (*Provider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = APIBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Temperature == 0 {
		config.Temperature = DefaultTemperature
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 60 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = &genquota.NoopLogger{}
	}

	return &Provider{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate implements genquota.Generator. API and parsing failures come back as
// a failure envelope; only caller cancellation is returned as an error.
func (p *Provider) Generate(ctx context.Context, req *genquota.GenerateRequest) (*genquota.GenerateResponse, error) {
	data, err := p.generate(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.logger.Warn("openai generation failed",
			genquota.Field{Key: "type", Value: string(req.Type)},
			genquota.Field{Key: "error", Value: err},
		)
		return &genquota.GenerateResponse{Success: false, Error: err.Error()}, nil
	}
	return &genquota.GenerateResponse{Success: true, Data: data}, nil
}

func (p *Provider) generate(ctx context.Context, req *genquota.GenerateRequest) (json.RawMessage, error) {
	count := req.Count
	if count <= 0 {
		count = 10
	}
	prompt, err := systemPrompt(req.Type, count)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatRequest{
		Model: p.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: userPrompt(req.Content)},
		},
		Temperature: p.config.Temperature,
		MaxTokens:   p.config.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenAI API error: %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, errors.New("OpenAI API returned no choices")
	}

	return parseContent(chat.Choices[0].Message.Content)
}

var fencePattern = regexp.MustCompile("```json\\n?|\\n?```")

// parseContent strips markdown code fences and checks the remainder is JSON
func parseContent(content string) (json.RawMessage, error) {
	clean := strings.TrimSpace(fencePattern.ReplaceAllString(content, ""))
	if !json.Valid([]byte(clean)) {
		return nil, errors.New("failed to parse AI response as JSON")
	}
	return json.RawMessage(clean), nil
}
