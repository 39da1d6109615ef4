package aiagent

import (
	"context"

	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/executor"
	"github.com/jobctl/orchestrator/internal/apierr"
	"github.com/jobctl/orchestrator/internal/value"
)

// Runner adapts an LLMService into the executor.Runner interface so
// the dispatcher can run an AIAgent flow module (store.PayloadAIAgent)
// through the same pull/execute/complete path as any other job,
// instead of special-casing it.
type Runner struct {
	llm LLMService
}

// NewRunner builds an aiagent.Runner. svc is nil-safe: a disabled
// AIAgent config (Config.Enabled == false) means no LLMService was
// constructed, and Run reports that as an execution error rather than
// panicking, so a workspace without AI configured still gets a clear
// failure instead of the process crashing.
func NewRunner(svc LLMService) *Runner {
	return &Runner{llm: svc}
}

// Run sends req.Content as the system prompt and the job's resolved
// "user_message" arg (if any) as the user turn, offering req's tool
// names (threaded through RunRequest.Env as "tool:<name>" markers is
// too fragile, so tools ride in Args instead) as function-call
// candidates, and returns the assistant's content as the job result.
// Tool-call loops (the agent invoking a tool, getting its result back,
// and continuing) are driven by the caller feeding the tool's output
// back in as a subsequent RunRequest — AIAgent modules are multi-turn
// at the flow-engine level, not single-shot, the same way a
// ForloopFlow iterates rather than unrolling in one call.
func (r *Runner) Run(ctx context.Context, req executor.RunRequest) (executor.RunResult, error) {
	if r.llm == nil {
		return executor.RunResult{}, apierr.New(apierr.ExecutionErr, "AI agent support is not configured for this workspace")
	}

	messages := []Message{{Role: "system", Content: req.Content}}
	if userTurn, ok := req.Args["user_message"]; ok {
		if text, err := userTurn.Any(); err == nil {
			if s, ok := text.(string); ok && s != "" {
				messages = append(messages, Message{Role: "user", Content: s})
			}
		}
	}

	tools := toolDescriptors(req.Args)

	resp, _, err := r.llm.ChatWithTools(ctx, messages, tools)
	if err != nil {
		return executor.RunResult{}, apierr.Wrap(err, apierr.ExecutionErr, "AI agent chat call failed")
	}

	result, err := value.Of(map[string]any{
		"content":    resp.Content,
		"tool_calls": resp.ToolCalls,
	})
	if err != nil {
		return executor.RunResult{}, errors.Wrap(err, "encode AI agent result")
	}
	return executor.RunResult{Result: result}, nil
}

// toolDescriptors reads the tool name list the flow engine threads
// through Payload.Tools/Args["tools"] and turns it into the bare
// name/description pairs ChatWithTools expects; parameter schemas are
// resolved by the caller from the flow module's own tool sub-modules,
// out of scope for this adapter.
func toolDescriptors(args value.Args) []ToolDescriptor {
	raw, ok := args["tools"]
	if !ok {
		return nil
	}
	decoded, err := raw.Any()
	if err != nil {
		return nil
	}
	names, ok := decoded.([]any)
	if !ok {
		return nil
	}
	tools := make([]ToolDescriptor, 0, len(names))
	for _, n := range names {
		name, ok := n.(string)
		if !ok {
			continue
		}
		tools = append(tools, ToolDescriptor{Name: name})
	}
	return tools
}
