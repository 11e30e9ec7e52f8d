package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"appforge/pkg/agent"
	"appforge/pkg/tools"
)

// maxToolIterations bounds the implementer/tester tool loop. A role
// that cannot converge within this many completions has failed.
const maxToolIterations = 20

const plannerSystemPrompt = `You are the planning role of a code-generation pipeline.
Produce a concrete implementation plan for the request: the files to
create, the commands to run, and the order of work.
Respond with a tagged envelope:
PLAN:
<numbered plan>`

const coderSystemPrompt = `You are the implementation role of a code-generation pipeline.
You work inside a sandbox through the provided tools: run_command,
write_files, read_files. Implement the plan, verify with run_command,
then stop calling tools and respond with:
SUMMARY:
<what was built and how it was verified>`

const reviewerSystemPrompt = `You are the review role of a code-generation pipeline.
Judge the implementation summary and artifacts against the plan.
Respond with a tagged envelope:
VERDICT: APPROVE or REQUEST_CHANGES
ISSUES:
- <one bullet per problem, omit when approving>
REASONING: <one short paragraph>`

const testerSystemPrompt = `You are the testing role of a code-generation pipeline.
Use run_command to build, lint, and test the implementation in the
sandbox. When finished, stop calling tools and respond with:
VERDICT: PASS or FAIL
ISSUES:
- <one bullet per build/lint/test failure, omit on PASS>`

const fixerSystemPrompt = `You are the fix role of a code-generation pipeline.
The listed issues must be resolved. Use the tools to inspect, change,
and verify the code, then stop calling tools and respond with:
SUMMARY:
<what was changed to resolve each issue>`

const triagerSystemPrompt = `You are the triage role of a code-generation pipeline.
Decide whether the reported issue needs a code-generation run.
Respond with a tagged envelope:
ACTION: CODEGEN or NONE
SUMMARY: <one-line restatement of the work needed>`

// roleError marks a role failure (bad envelope, tool-loop overrun,
// completion failure). Callers map it to a retryable step result.
func roleError(role string, err error) error {
	return fmt.Errorf("%s role failed: %w", role, err)
}

// runVerdictRole runs a single completion and parses a verdict
// envelope. Used by review.
func runVerdictRole(ctx context.Context, client agent.CompletionClient, system, prompt string, maxTokens int) (*Envelope, error) {
	req := agent.NewCompletionRequest([]agent.CompletionMessage{
		agent.NewSystemMessage(system),
		agent.NewUserMessage(prompt),
	})
	req.MaxTokens = maxTokens

	resp, err := client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return ParseEnvelope(resp.Content)
}

// toolLoopResult is what a tool-using role produced.
type toolLoopResult struct {
	envelope *Envelope
	// files accumulates every write_files payload the role issued,
	// newest write of a path winning. This becomes the Fragment.
	files map[string]string
}

// runToolLoop drives a tool-using role: completions alternate with
// tool executions until the model stops calling tools, then the final
// text is parsed as an envelope. Tool results are fed back verbatim as
// the next user turn so the role can reason about partial failures.
func runToolLoop(ctx context.Context, client agent.CompletionClient, registry *tools.Registry, system, prompt string, maxTokens int) (*toolLoopResult, error) {
	messages := []agent.CompletionMessage{
		agent.NewSystemMessage(system),
		agent.NewUserMessage(prompt),
	}
	out := &toolLoopResult{files: make(map[string]string)}

	for i := 0; i < maxToolIterations; i++ {
		req := agent.NewCompletionRequest(messages)
		req.MaxTokens = maxTokens
		req.Temperature = agent.TemperatureDeterministic
		req.Tools = registry.Definitions()

		resp, err := client.Complete(ctx, req)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			env, err := ParseEnvelope(resp.Content)
			if err != nil {
				return nil, err
			}
			out.envelope = env
			return out, nil
		}

		messages = append(messages, agent.NewAssistantMessage(renderAssistantTurn(resp)))
		for _, call := range resp.ToolCalls {
			recordWrittenFiles(out.files, call)
			messages = append(messages, agent.NewUserMessage(execToolCall(ctx, registry, call)))
		}
	}

	return nil, fmt.Errorf("tool loop did not terminate within %d iterations", maxToolIterations)
}

// execToolCall runs one tool call and renders its structured result
// for the conversation. Malformed arguments come back as an error
// payload the model can correct; in-sandbox failures are already
// structured results.
func execToolCall(ctx context.Context, registry *tools.Registry, call agent.ToolCall) string {
	tool, err := registry.Get(call.Name)
	if err != nil {
		return fmt.Sprintf("tool %q: %v", call.Name, err)
	}
	result, err := tool.Exec(ctx, call.Parameters)
	if err != nil {
		return fmt.Sprintf("tool %q rejected arguments: %v", call.Name, err)
	}
	rendered, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("tool %q: result not serializable: %v", call.Name, err)
	}
	return fmt.Sprintf("result of %s: %s", call.Name, rendered)
}

// renderAssistantTurn folds text plus tool-call intents into one
// assistant message so the transcript keeps strict alternation.
func renderAssistantTurn(resp agent.CompletionResponse) string {
	var b strings.Builder
	if resp.Content != "" {
		b.WriteString(resp.Content)
	}
	for _, call := range resp.ToolCalls {
		args, _ := json.Marshal(call.Parameters)
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[calling %s %s]", call.Name, args)
	}
	if b.Len() == 0 {
		b.WriteString("[no content]")
	}
	return b.String()
}

// recordWrittenFiles captures write_files payloads for the Fragment.
func recordWrittenFiles(files map[string]string, call agent.ToolCall) {
	if call.Name != tools.ToolWriteFiles {
		return
	}
	raw, ok := call.Parameters["files"].([]any)
	if !ok {
		return
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		path, _ := entry["path"].(string)
		content, _ := entry["content"].(string)
		if path != "" {
			files[path] = content
		}
	}
}
