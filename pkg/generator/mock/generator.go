// Package mock provides a canned genquota.Generator for tests and local development.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// Step scripts the outcome of one Generate call
type Step struct {
	Response *genquota.GenerateResponse
	Err      error
}

// Generator is a mock generator with call tracking
type Generator struct {
	mu sync.Mutex

	// Configurable responses for testing. Script is consumed one step per call;
	// once it is exhausted Err, then Response, then the canned items apply.
	Script   []Step
	Response *genquota.GenerateResponse
	Err      error

	calls    int
	requests []genquota.GenerateRequest
}

// New creates a new mock generator
func New() *Generator {
	return &Generator{}
}

// Failing returns a generator whose every call fails with err
func Failing(err error) *Generator {
	return &Generator{Err: err}
}

// Empty returns a generator that succeeds with zero items
func Empty() *Generator {
	return &Generator{Response: &genquota.GenerateResponse{Success: true, Data: json.RawMessage(`[]`)}}
}

// Generate implements genquota.Generator
func (g *Generator) Generate(ctx context.Context, req *genquota.GenerateRequest) (*genquota.GenerateResponse, error) {
	g.mu.Lock()
	g.calls++
	g.requests = append(g.requests, *req)

	var step *Step
	if len(g.Script) > 0 {
		step = &g.Script[0]
		g.Script = g.Script[1:]
	}
	resp, err := g.Response, g.Err
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step != nil {
		if step.Err != nil || step.Response != nil {
			return step.Response, step.Err
		}
	} else if err != nil {
		return nil, err
	} else if resp != nil {
		return resp, nil
	}
	return Canned(req.Type, req.Count)
}

// Calls returns how many times Generate was invoked
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Requests returns copies of every request received
func (g *Generator) Requests() []genquota.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]genquota.GenerateRequest, len(g.requests))
	copy(out, g.requests)
	return out
}

// Reset clears call counters and custom responses for testing
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = 0
	g.requests = nil
	g.Script = nil
	g.Response = nil
	g.Err = nil
}

// Canned builds a successful response with count placeholder items of type t
func Canned(t genquota.GenerationType, count int) (*genquota.GenerateResponse, error) {
	var items interface{}
	switch t {
	case genquota.Flashcards:
		cards := make([]genquota.Flashcard, count)
		for i := range cards {
			cards[i] = genquota.Flashcard{
				Front:      fmt.Sprintf("Question %d", i+1),
				Back:       fmt.Sprintf("Answer %d", i+1),
				Difficulty: "medium",
			}
		}
		items = cards
	case genquota.Quiz:
		questions := make([]genquota.QuizQuestion, count)
		for i := range questions {
			questions[i] = genquota.QuizQuestion{
				Question:      fmt.Sprintf("Question %d", i+1),
				Options:       []string{"A", "B", "C", "D"},
				CorrectAnswer: i % genquota.QuizOptionCount,
				Explanation:   "Canned explanation",
			}
		}
		items = questions
	default:
		return &genquota.GenerateResponse{Success: false, Error: "unsupported type"}, nil
	}

	data, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return &genquota.GenerateResponse{Success: true, Data: data}, nil
}
