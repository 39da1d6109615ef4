package aiagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/executor"
	"github.com/jobctl/orchestrator/internal/value"
)

type fakeLLM struct {
	gotMessages []Message
	gotTools    []ToolDescriptor
	resp        *ChatResponse
	err         error
}

func (f *fakeLLM) Chat(ctx context.Context, messages []Message) (string, *LLMCallStats, error) {
	return "", nil, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan *LLMCallStats, <-chan error) {
	return nil, nil, nil
}

func (f *fakeLLM) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDescriptor) (*ChatResponse, *LLMCallStats, error) {
	f.gotMessages = messages
	f.gotTools = tools
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.resp, &LLMCallStats{}, nil
}

func TestRunnerSendsSystemAndUserTurns(t *testing.T) {
	fake := &fakeLLM{resp: &ChatResponse{Content: "hi there"}}
	r := NewRunner(fake)

	res, err := r.Run(context.Background(), executor.RunRequest{
		Content: "you are a helpful assistant",
		Args:    value.Args{"user_message": value.MustOf("what's the weather")},
	})
	require.NoError(t, err)

	require.Len(t, fake.gotMessages, 2)
	require.Equal(t, "system", fake.gotMessages[0].Role)
	require.Equal(t, "you are a helpful assistant", fake.gotMessages[0].Content)
	require.Equal(t, "user", fake.gotMessages[1].Role)
	require.Equal(t, "what's the weather", fake.gotMessages[1].Content)

	decoded, err := res.Result.Any()
	require.NoError(t, err)
	m := decoded.(map[string]any)
	require.Equal(t, "hi there", m["content"])
}

func TestRunnerPassesToolNames(t *testing.T) {
	fake := &fakeLLM{resp: &ChatResponse{Content: "ok"}}
	r := NewRunner(fake)

	_, err := r.Run(context.Background(), executor.RunRequest{
		Content: "system prompt",
		Args:    value.Args{"tools": value.MustOf([]any{"search", "calculator"})},
	})
	require.NoError(t, err)

	require.Len(t, fake.gotTools, 2)
	require.Equal(t, "search", fake.gotTools[0].Name)
	require.Equal(t, "calculator", fake.gotTools[1].Name)
}

func TestRunnerNilServiceReturnsExecutionError(t *testing.T) {
	r := NewRunner(nil)
	_, err := r.Run(context.Background(), executor.RunRequest{Content: "system prompt"})
	require.Error(t, err)
}

func TestRunnerPropagatesLLMError(t *testing.T) {
	fake := &fakeLLM{err: context.DeadlineExceeded}
	r := NewRunner(fake)
	_, err := r.Run(context.Background(), executor.RunRequest{Content: "system prompt"})
	require.Error(t, err)
}
