// Package clarify guards planner clarification calls with the LLM budget
// and response cache. The planner itself lives behind the Client interface;
// this package decides whether a call may happen and whether it is needed
// at all.
package clarify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	connector "github.com/andersh/bifrost/internal"
	"github.com/andersh/bifrost/internal/budget"
	"github.com/andersh/bifrost/internal/tokencount"
)

// QA is one answered clarification question from an earlier round.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Input is one clarification request against a user's automation intent.
type Input struct {
	OrgID      string `json:"orgId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
	Prompt     string `json:"prompt"`
	History    []QA   `json:"history,omitempty"`
}

// Question is one follow-up the planner wants answered before compiling.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Kind    string   `json:"kind,omitempty"` // free_text, choice, confirm
	Options []string `json:"options,omitempty"`
}

// Result carries the planner's questions plus what the call cost.
type Result struct {
	Questions  []Question `json:"questions"`
	Cached     bool       `json:"cached"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
	TokensUsed int        `json:"tokensUsed"`
	CostUSD    float64    `json:"costUSD"`
}

// Client is the external planner boundary.
type Client interface {
	// Clarify returns follow-up questions for the prompt, plus actual token
	// and dollar cost of the call.
	Clarify(ctx context.Context, prompt string) (questions []Question, tokensUsed int, costUSD float64, err error)
	// Provider and Model identify the backing LLM for cache keys and usage
	// records.
	Provider() string
	Model() string
}

// Service runs the estimate, budget check, cache lookup, planner call,
// record sequence for one clarification round.
type Service struct {
	client  Client
	budgets *budget.Manager
}

// NewService returns a Service guarding client with budgets.
func NewService(client Client, budgets *budget.Manager) *Service {
	return &Service{client: client, budgets: budgets}
}

// Rough planner call pricing used for the pre-call estimate; the recorded
// usage carries the client's actual numbers.
const (
	estimateUSDPerKTokens = 0.01
	estimateFloorUSD      = 0.001
)

var counter = tokencount.NewCounter()

// EstimateCost predicts the cost of clarifying prompt, used only to decide
// whether the call may start.
func EstimateCost(prompt string, history []QA) float64 {
	turns := make([]string, 0, len(history)*2)
	for _, qa := range history {
		turns = append(turns, qa.Question, qa.Answer)
	}
	tokens := counter.EstimateConversation(prompt, turns...)
	est := float64(tokens) / 1000 * estimateUSDPerKTokens
	if est < estimateFloorUSD {
		est = estimateFloorUSD
	}
	return est
}

// Clarify returns the planner's follow-up questions for in. Budget denials
// come back as quota-kind errors before any planner traffic; cached rounds
// cost nothing and record no usage.
func (s *Service) Clarify(ctx context.Context, in Input) (*Result, error) {
	prompt := canonicalPrompt(in)

	decision := s.budgets.CheckBudget(ctx, EstimateCost(in.Prompt, in.History), in.UserID, in.WorkflowID)
	if !decision.Allowed {
		return nil, &connector.Error{
			Kind:    connector.KindQuota,
			Code:    connector.CodeBudgetExceeded,
			Message: decision.Reason,
			Err:     connector.ErrBudgetExceeded,
		}
	}

	provider, model := s.client.Provider(), s.client.Model()
	if entry, ok := s.budgets.GetCachedResponse(provider, model, prompt); ok {
		questions, err := decodeQuestions(entry.Response)
		if err == nil {
			return &Result{
				Questions: questions,
				Cached:    true,
				Provider:  provider,
				Model:     model,
			}, nil
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "discarding undecodable cached clarification",
			slog.String("key", entry.Key),
			slog.String("error", err.Error()),
		)
	}

	questions, tokensUsed, costUSD, err := s.client.Clarify(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("planner clarify: %w", err)
	}

	if encoded, err := json.Marshal(questions); err == nil {
		s.budgets.CacheResponse(provider, model, prompt, string(encoded), tokensUsed, costUSD)
	}
	s.budgets.RecordUsage(ctx, connector.UsageRecord{
		UserID:         in.UserID,
		WorkflowID:     in.WorkflowID,
		OrganizationID: in.OrgID,
		Provider:       provider,
		Model:          model,
		TokensUsed:     tokensUsed,
		CostUSD:        costUSD,
		ExecutionID:    connector.RequestIDFromContext(ctx),
	})

	return &Result{
		Questions:  questions,
		Provider:   provider,
		Model:      model,
		TokensUsed: tokensUsed,
		CostUSD:    costUSD,
	}, nil
}

// canonicalPrompt folds the conversation history into the prompt so each
// clarification round has its own cache identity.
func canonicalPrompt(in Input) string {
	if len(in.History) == 0 {
		return in.Prompt
	}
	out := in.Prompt
	for _, qa := range in.History {
		out += "\nQ: " + qa.Question + "\nA: " + qa.Answer
	}
	return out
}

func decodeQuestions(raw string) ([]Question, error) {
	var questions []Question
	if err := json.Unmarshal([]byte(raw), &questions); err != nil {
		return nil, err
	}
	return questions, nil
}
