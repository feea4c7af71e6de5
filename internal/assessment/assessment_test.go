package assessment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajfrai/agent-queue/internal/llm"
)

type fakeProvider struct {
	text    string
	err     error
	lastReq llm.CompletionRequest
}

func (f *fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Text: f.text}, nil
}

func (f *fakeProvider) Stream(context.Context, llm.CompletionRequest, chan<- llm.Token) error {
	return nil
}

func (f *fakeProvider) ModelID() string { return "fake" }
func (f *fakeProvider) MaxTokens() int  { return 4096 }

func TestAssess_ParsesJSON(t *testing.T) {
	p := &fakeProvider{text: `{"complexity":"simple","recommended_model":"sonnet","should_decompose":false,"subtasks":[],"reasoning":"small"}`}
	e := New(p, "sonnet-assess")

	result, err := e.Assess(context.Background(), Input{Title: "Add README", Description: "Create README.md"})
	require.NoError(t, err)
	assert.Equal(t, "simple", result.Complexity)
	assert.Equal(t, "sonnet", result.RecommendedModel)
	assert.False(t, result.ShouldDecompose)
	assert.True(t, p.lastReq.ForceTemperature)
	assert.Equal(t, float64(0), p.lastReq.Temperature)
}

func TestAssess_StripsCodeFence(t *testing.T) {
	p := &fakeProvider{text: "```json\n{\"complexity\":\"complex\",\"recommended_model\":\"opus\"}\n```"}
	e := New(p, "sonnet-assess")

	result, err := e.Assess(context.Background(), Input{Title: "t", Description: "d"})
	require.NoError(t, err)
	assert.Equal(t, "complex", result.Complexity)
}

func TestAssess_MalformedJSONIsError(t *testing.T) {
	p := &fakeProvider{text: "not json at all"}
	e := New(p, "sonnet-assess")

	_, err := e.Assess(context.Background(), Input{Title: "t", Description: "d"})
	assert.Error(t, err)
}

func TestAssess_ProviderErrorPropagates(t *testing.T) {
	p := &fakeProvider{err: assert.AnError}
	e := New(p, "sonnet-assess")

	_, err := e.Assess(context.Background(), Input{Title: "t", Description: "d"})
	assert.Error(t, err)
}
