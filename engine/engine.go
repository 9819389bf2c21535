package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

var ErrReasoning = errors.New("reasoning service failed")

const (
	defaultReasonTimeout = 60 * time.Second
	defaultToolTimeout   = 30 * time.Second
	defaultMaxTokens     = 4096
)

// Reasoner is the external reasoning service: given the conversation and
// the available tool contracts, it answers with text, tool calls, or both.
type Reasoner interface {
	Complete(ctx context.Context, req ReasonRequest) (ReasonResponse, error)
}

type ReasonRequest struct {
	System    string
	Messages  []Message
	Tools     []ToolInfo
	MaxTokens int
}

type ReasonResponse struct {
	Text      string
	ToolCalls []ToolCall
}

// Option customizes an Engine.
type Option func(*Engine)

func WithSystemPrompt(system string) Option {
	return func(e *Engine) {
		e.system = system
	}
}

func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

func WithReasonTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.reasonTimeout = d
		}
	}
}

func WithToolTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.toolTimeout = d
		}
	}
}

func WithEngineLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// Engine runs the step loop. The loop is sequential; tool dispatch within a
// step fans out concurrently and joins before the next step.
type Engine struct {
	registry *Registry
	reasoner Reasoner
	log      zerolog.Logger

	system        string
	maxTokens     int
	reasonTimeout time.Duration
	toolTimeout   time.Duration
}

func New(reasoner Reasoner, registry *Registry, opts ...Option) (*Engine, error) {
	if reasoner == nil {
		return nil, errors.New("reasoner is required")
	}
	if registry == nil {
		registry = NewRegistry()
	}

	e := &Engine{
		registry:      registry,
		reasoner:      reasoner,
		log:           zerolog.Nop(),
		maxTokens:     defaultMaxTokens,
		reasonTimeout: defaultReasonTimeout,
		toolTimeout:   defaultToolTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// RegisterTool adds a tool to the engine's registry (last registration
// wins).
func (e *Engine) RegisterTool(tool Tool) error {
	return e.registry.Register(tool)
}

// Run drives the conversation until the reasoning service answers without
// tool calls or maxSteps reasoning round-trips have happened. A reasoning
// failure is fatal and wraps ErrReasoning; budget exhaustion is not an
// error and returns the best text available from the last response.
func (e *Engine) Run(ctx context.Context, messages []Message, maxSteps int) (Result, error) {
	if maxSteps <= 0 {
		return Result{}, errors.New("max steps must be positive")
	}

	conversation := make([]Message, len(messages))
	copy(conversation, messages)

	var records []StepRecord
	lastText := ""

	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		resp, err := e.reason(ctx, conversation)
		if err != nil {
			return Result{}, fmt.Errorf("%w: step=%d: %v", ErrReasoning, step, err)
		}
		lastText = resp.Text

		if len(resp.ToolCalls) == 0 {
			records = append(records, StepRecord{Index: step, StopReason: StopFinalAnswer})
			e.log.Debug().Int("steps", step).Msg("run converged")
			return Result{Content: resp.Text, Steps: step, Records: records}, nil
		}

		calls := withCallIDs(resp.ToolCalls)
		results := e.dispatch(ctx, calls)
		records = append(records, StepRecord{
			Index:      step,
			StopReason: StopToolUse,
			Calls:      calls,
			Results:    results,
		})

		conversation = append(conversation, Message{
			Role:      RoleAssistant,
			Content:   resp.Text,
			ToolCalls: calls,
		})
		for _, res := range results {
			content := res.Output
			if res.IsError {
				content = res.ErrorMessage
			}
			conversation = append(conversation, Message{
				Role:       RoleTool,
				Content:    content,
				ToolCallID: res.CallID,
				IsError:    res.IsError,
			})
		}
	}

	if len(records) > 0 {
		records[len(records)-1].StopReason = StopBudget
	}
	e.log.Warn().Int("steps", maxSteps).Msg("run exhausted step budget")
	return Result{Content: lastText, Steps: maxSteps, Records: records}, nil
}

func (e *Engine) reason(ctx context.Context, conversation []Message) (ReasonResponse, error) {
	rctx, cancel := context.WithTimeout(ctx, e.reasonTimeout)
	defer cancel()

	return e.reasoner.Complete(rctx, ReasonRequest{
		System:    e.system,
		Messages:  conversation,
		Tools:     e.registry.Infos(),
		MaxTokens: e.maxTokens,
	})
}

// dispatch executes all calls of one step concurrently and joins them. One
// call's failure never cancels or blocks its siblings.
func (e *Engine) dispatch(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	var wg conc.WaitGroup
	for i, call := range calls {
		i, call := i, call
		wg.Go(func() {
			results[i] = e.invoke(ctx, call)
		})
	}
	wg.Wait()

	return results
}

func (e *Engine) invoke(ctx context.Context, call ToolCall) ToolResult {
	rt, ok := e.registry.lookup(call.Name)
	if !ok {
		return errorResult(call, fmt.Sprintf("tool %q is not registered", call.Name))
	}

	if err := rt.validateArgs(call.Arguments); err != nil {
		return errorResult(call, err.Error())
	}

	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return errorResult(call, fmt.Sprintf("decode arguments: %v", err))
		}
	}

	tctx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		recovered := panics.Try(func() {
			out.output, out.err = rt.Handler(tctx, args)
		})
		if recovered != nil {
			out.err = recovered.AsError()
		}
		done <- out
	}()

	select {
	case <-tctx.Done():
		// a timed-out handler is abandoned; its buffered channel send
		// cannot block
		e.log.Warn().Str("tool", call.Name).Msg("tool call timed out")
		return errorResult(call, fmt.Sprintf("tool %q timed out after %s", call.Name, e.toolTimeout))
	case out := <-done:
		if out.err != nil {
			e.log.Debug().Err(out.err).Str("tool", call.Name).Msg("tool call failed")
			return errorResult(call, out.err.Error())
		}
		output, err := serializeOutput(out.output)
		if err != nil {
			return errorResult(call, fmt.Sprintf("serialize output: %v", err))
		}
		return ToolResult{CallID: call.ID, Name: call.Name, Output: output}
	}
}

func withCallIDs(calls []ToolCall) []ToolCall {
	out := make([]ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
	}
	return out
}

func errorResult(call ToolCall, message string) ToolResult {
	return ToolResult{
		CallID:       call.ID,
		Name:         call.Name,
		ErrorMessage: message,
		IsError:      true,
	}
}

func serializeOutput(output any) (string, error) {
	switch v := output.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}
