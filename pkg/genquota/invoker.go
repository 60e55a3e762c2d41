package genquota

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenerateRequest is the wire request sent to a content generator
type GenerateRequest struct {
	Content string         `json:"content"`
	Type    GenerationType `json:"type"`
	Count   int            `json:"count"`
}

// GenerateResponse is the wire response of a content generator.
// On success Data holds a JSON array of items; on failure Error explains why.
type GenerateResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Generator produces study items from source content
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

func (f GeneratorFunc) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	return f(ctx, req)
}

// InvokerConfig holds invoker configuration
type InvokerConfig struct {
	// Timeout bounds a single generator call (default: no timeout beyond the caller's context)
	Timeout time.Duration

	// Metrics is used for tracking generator calls (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// Invoker calls the generator and decodes its response into typed items
type Invoker struct {
	generator Generator
	timeout   time.Duration
	metrics   Metrics
	logger    Logger
}

// NewInvoker creates an invoker over generator
func NewInvoker(generator Generator, config *InvokerConfig) (*Invoker, error) {
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if config == nil {
		config = &InvokerConfig{}
	}
	i := &Invoker{
		generator: generator,
		timeout:   config.Timeout,
		metrics:   config.Metrics,
		logger:    config.Logger,
	}
	if i.metrics == nil {
		i.metrics = &NoopMetrics{}
	}
	if i.logger == nil {
		i.logger = &NoopLogger{}
	}
	return i, nil
}

// Invoke requests count items of type t generated from content.
// Any failure is returned as *InvokeError. A successful call may return zero items.
func (i *Invoker) Invoke(ctx context.Context, t GenerationType, content string, count int) (*GeneratedItems, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	start := time.Now()
	items, err := i.invoke(ctx, t, content, count)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		i.metrics.RecordGeneration(string(t), OutcomeFailed, elapsed)
		i.logger.Warn("generation failed", typeField(t), errField(err))
	case items.Len() == 0:
		i.metrics.RecordGeneration(string(t), OutcomeEmpty, elapsed)
	default:
		i.metrics.RecordGeneration(string(t), OutcomeSuccess, elapsed)
	}
	return items, err
}

func (i *Invoker) invoke(ctx context.Context, t GenerationType, content string, count int) (*GeneratedItems, error) {
	resp, err := i.generator.Generate(ctx, &GenerateRequest{
		Content: content,
		Type:    t,
		Count:   count,
	})
	if err != nil {
		return nil, &InvokeError{Type: t, Err: err}
	}
	if resp == nil {
		return nil, &InvokeError{Type: t, Message: "empty response"}
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "generator reported failure"
		}
		return nil, &InvokeError{Type: t, Message: msg}
	}

	items, err := DecodeItems(t, resp.Data)
	if err != nil {
		return nil, &InvokeError{Type: t, Err: err}
	}
	return items, nil
}

// DecodeItems decodes a generator data payload into typed items and checks their shape.
// A missing or null payload decodes to zero items.
func DecodeItems(t GenerationType, data json.RawMessage) (*GeneratedItems, error) {
	items := &GeneratedItems{Type: t}
	if len(data) == 0 || string(data) == "null" {
		return items, nil
	}

	switch t {
	case Flashcards:
		if err := json.Unmarshal(data, &items.Flashcards); err != nil {
			return nil, fmt.Errorf("decoding flashcards: %w", err)
		}
		for idx, card := range items.Flashcards {
			if strings.TrimSpace(card.Front) == "" || strings.TrimSpace(card.Back) == "" {
				return nil, fmt.Errorf("flashcard %d is missing front or back", idx)
			}
		}
	case Quiz:
		if err := json.Unmarshal(data, &items.Questions); err != nil {
			return nil, fmt.Errorf("decoding quiz: %w", err)
		}
		for idx, q := range items.Questions {
			if strings.TrimSpace(q.Question) == "" {
				return nil, fmt.Errorf("quiz question %d has no text", idx)
			}
			if len(q.Options) != QuizOptionCount {
				return nil, fmt.Errorf("quiz question %d has %d options, want %d", idx, len(q.Options), QuizOptionCount)
			}
			if q.CorrectAnswer < 0 || q.CorrectAnswer >= QuizOptionCount {
				return nil, fmt.Errorf("quiz question %d has correct answer %d out of range", idx, q.CorrectAnswer)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidGenerationType, t)
	}
	return items, nil
}
