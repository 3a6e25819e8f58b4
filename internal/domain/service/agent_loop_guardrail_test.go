package service

import (
	"context"
	"testing"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
)

// fakeLLM always returns a canned response, ignoring the request, and
// counts how many times it was called.
type fakeLLM struct {
	responses []LLMResponse
	calls     int
}

func (f *fakeLLM) Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	return f.nextResponse(), nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	resp := f.nextResponse()
	if resp.Content != "" {
		deltaCh <- StreamChunk{DeltaText: resp.Content}
	}
	return resp, nil
}

func (f *fakeLLM) nextResponse() *LLMResponse {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	resp := f.responses[idx]
	return &resp
}

type fakeTools struct{}

func (fakeTools) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Output: "ok", Success: true}, nil
}
func (fakeTools) GetDefinitions() []domaintool.Definition { return nil }
func (fakeTools) GetToolKind(name string) domaintool.Kind { return domaintool.KindRead }

func drain(eventCh <-chan entity.AgentEvent) []entity.AgentEvent {
	var events []entity.AgentEvent
	for ev := range eventCh {
		events = append(events, ev)
	}
	return events
}

func TestAgentLoop_MaxIterationsHardCeiling(t *testing.T) {
	// Every response calls a tool, so the loop would run forever without
	// the max_iterations ceiling.
	llm := &fakeLLM{responses: []LLMResponse{
		{Content: "", ToolCalls: []entity.ToolCallInfo{{ID: "1", Name: "noop", Arguments: map[string]interface{}{}}}},
	}}
	cfg := DefaultAgentLoopConfig()
	cfg.MaxIterations = 3
	cfg.Model = "test-model"
	loop := NewAgentLoop(llm, fakeTools{}, cfg, testLogger())

	result, eventCh := loop.Run(context.Background(), "", "do it", nil, "")
	events := drain(eventCh)

	var sawMaxIterError bool
	for _, ev := range events {
		if ev.Type == entity.EventError {
			sawMaxIterError = true
		}
	}
	if !sawMaxIterError {
		t.Fatal("expected an error event when max_iterations is exceeded")
	}
	if result.TotalSteps == 0 {
		t.Fatal("expected at least one recorded step before stopping")
	}
}

func TestAgentLoop_IntentWithoutActionGetsOneNudgeThenFinalizes(t *testing.T) {
	llm := &fakeLLM{responses: []LLMResponse{
		{Content: "Let me check the file for you."},
		{Content: "Let me check the file for you."}, // still no tool call after the nudge
	}}
	cfg := DefaultAgentLoopConfig()
	cfg.Model = "test-model"
	loop := NewAgentLoop(llm, fakeTools{}, cfg, testLogger())

	result, eventCh := loop.Run(context.Background(), "", "please help", nil, "")
	drain(eventCh)

	if llm.calls < 2 {
		t.Fatalf("expected the model to be nudged and called again, got %d calls", llm.calls)
	}
	if result.FinalContent == "" {
		t.Fatal("expected a final answer after the one-retry-then-accept policy")
	}
}

func TestAgentLoop_StepTimeoutIsBounded(t *testing.T) {
	cfg := DefaultAgentLoopConfig()
	cfg.StepTimeoutSecs = 1
	loop := NewAgentLoop(&fakeLLM{responses: []LLMResponse{{Content: "done"}}}, fakeTools{}, cfg, testLogger())
	if loop.config.StepTimeoutSecs != 1 {
		t.Fatalf("expected configured step timeout to stick, got %d", loop.config.StepTimeoutSecs)
	}

	// A zero/negative value must fall back to the 300s default, never to
	// an immediately-expired timeout.
	cfg2 := AgentLoopConfig{Model: "m"}
	loop2 := NewAgentLoop(&fakeLLM{responses: []LLMResponse{{Content: "done"}}}, fakeTools{}, cfg2, testLogger())
	if loop2.config.StepTimeoutSecs != 300 {
		t.Fatalf("expected default step timeout 300, got %d", loop2.config.StepTimeoutSecs)
	}
	if loop2.config.MaxIterations != 100 {
		t.Fatalf("expected default max iterations 100, got %d", loop2.config.MaxIterations)
	}
}
