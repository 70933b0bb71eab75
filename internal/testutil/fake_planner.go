package testutil

import (
	"context"

	"github.com/andersh/bifrost/internal/clarify"
)

// FakePlanner is a configurable clarify.Client for testing.
type FakePlanner struct {
	ProviderName string
	ModelName    string
	ClarifyFn    func(ctx context.Context, prompt string) ([]clarify.Question, int, float64, error)

	// Prompts records every prompt seen, in order.
	Prompts []string
}

// Clarify delegates to ClarifyFn or returns one canned question.
func (f *FakePlanner) Clarify(ctx context.Context, prompt string) ([]clarify.Question, int, float64, error) {
	f.Prompts = append(f.Prompts, prompt)
	if f.ClarifyFn != nil {
		return f.ClarifyFn(ctx, prompt)
	}
	return []clarify.Question{{ID: "q1", Text: "Which account?", Kind: "free_text"}}, 40, 0.002, nil
}

// Provider returns the configured provider name, defaulting to "fake".
func (f *FakePlanner) Provider() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

// Model returns the configured model name, defaulting to "fake-planner".
func (f *FakePlanner) Model() string {
	if f.ModelName == "" {
		return "fake-planner"
	}
	return f.ModelName
}
