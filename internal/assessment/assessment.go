// Package assessment implements the single-shot LLM call that classifies a
// task's complexity and optionally proposes subtasks or a review comment.
// A parse failure surfaces as an error, never as a default classification,
// and the engine itself never retries; retry policy belongs to the caller.
package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ajfrai/agent-queue/internal/llm"
)

// Input is the task context handed to Assess.
type Input struct {
	Title            string
	Description      string
	ParentTitle      string // empty if the task has no parent
	ParentComplexity string
}

// Result is the parsed assessment.
type Result struct {
	Complexity       string   `json:"complexity"`
	RecommendedModel string   `json:"recommended_model"`
	ShouldDecompose  bool     `json:"should_decompose"`
	Subtasks         []string `json:"subtasks"`
	Comment          string   `json:"comment"`
	Reasoning        string   `json:"reasoning"`
}

// Engine assesses tasks via an LLM provider at a fixed, deterministic
// configuration regardless of the task's own content.
type Engine struct {
	provider llm.LLMProvider
	model    string
	timeout  time.Duration
}

// New builds an Engine. model is the fixed assessment model label; it
// overrides whatever model the provider defaults to.
func New(provider llm.LLMProvider, model string) *Engine {
	return &Engine{provider: provider, model: model, timeout: 60 * time.Second}
}

// Assess issues one deterministic (temperature 0) completion call and
// parses its JSON response. A malformed or missing JSON response is
// returned as an error; the caller (Scheduler) owns retry policy.
func (e *Engine) Assess(ctx context.Context, in Input) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := llm.CompletionRequest{
		Model:            e.model,
		MaxTokens:        2000,
		Temperature:      0,
		ForceTemperature: true,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildPrompt(in)},
		},
	}

	resp, err := e.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("assessment completion failed: %w", err)
	}

	result, err := parseResponse(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("assessment response parse failed: %w", err)
	}

	return result, nil
}

func buildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Analyze this coding task and provide an assessment.\n\n")
	fmt.Fprintf(&b, "Task Title: %s\n\n", in.Title)
	b.WriteString("Task Description:\n")
	b.WriteString(in.Description)
	b.WriteString("\n\n")
	if in.ParentTitle != "" {
		fmt.Fprintf(&b, "Parent task: %s (complexity: %s)\n\n", in.ParentTitle, in.ParentComplexity)
	}
	b.WriteString(`Respond with a JSON object containing:
1. complexity: "simple", "medium", or "complex"
2. recommended_model: a model label hint for the execution agent
3. should_decompose: boolean - whether this should be broken into independent subtasks
4. subtasks: array of strings - subtask titles, only meaningful if should_decompose is true
5. comment: string - an optional note to attach to the task, empty string if none
6. reasoning: string explaining the assessment

Request decomposition only for clearly independent, multi-session work; a
task that can be done in one sitting should not be decomposed.

Respond ONLY with valid JSON, no additional text:`)
	return b.String()
}

func parseResponse(text string) (*Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if text == "" {
		return nil, fmt.Errorf("empty assessment response")
	}

	var r Result
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return nil, fmt.Errorf("invalid assessment json: %w", err)
	}
	if r.Complexity == "" {
		return nil, fmt.Errorf("assessment response missing complexity")
	}

	return &r, nil
}
