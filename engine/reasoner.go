package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ReasonerConfig targets any OpenAI-compatible endpoint (OpenAI, OpenRouter,
// a local gateway). SiteURL/SiteName become the attribution headers some
// gateways expect.
type ReasonerConfig struct {
	BaseURL     string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.openai.com/v1"`
	APIKey      string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model       string        `envconfig:"MODEL" split_words:"true" required:"true"`
	Temperature float64       `envconfig:"TEMPERATURE" split_words:"true" default:"0.3"`
	Timeout     time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
	SiteURL     string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName    string        `envconfig:"SITE_NAME" split_words:"true"`
}

// OpenAIReasoner implements Reasoner over the chat-completions API with
// native tool definitions.
type OpenAIReasoner struct {
	client      openaisdk.Client
	model       string
	temperature float64
}

var _ Reasoner = (*OpenAIReasoner)(nil)

func NewOpenAIReasoner(cfg ReasonerConfig) (*OpenAIReasoner, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("reasoner api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("reasoner model is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.SiteURL != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", cfg.SiteURL))
	}
	if cfg.SiteName != "" {
		opts = append(opts, option.WithHeader("X-Title", cfg.SiteName))
	}

	return &OpenAIReasoner{
		client:      openaisdk.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

func (r *OpenAIReasoner) Complete(ctx context.Context, req ReasonRequest) (ReasonResponse, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model:       openaisdk.ChatModel(r.model),
		Messages:    toChatMessages(req.System, req.Messages),
		Temperature: openaisdk.Float(r.temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}
	if tools := toToolParams(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	completion, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return ReasonResponse{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return ReasonResponse{}, errors.New("chat completion returned no choices")
	}

	message := completion.Choices[0].Message
	out := ReasonResponse{Text: message.Content}
	for _, call := range message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return out, nil
}

func toChatMessages(system string, messages []Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, openaisdk.SystemMessage(system))
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openaisdk.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openaisdk.UserMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openaisdk.AssistantMessage(m.Content))
				continue
			}
			assistant := openaisdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = openaisdk.String(m.Content)
			}
			for _, call := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openaisdk.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			out = append(out, openaisdk.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func toToolParams(tools []ToolInfo) []openaisdk.ChatCompletionToolParam {
	out := make([]openaisdk.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		fn := openaisdk.FunctionDefinitionParam{
			Name:       tool.Name,
			Parameters: openaisdk.FunctionParameters(tool.Parameters),
		}
		if tool.Description != "" {
			fn.Description = openaisdk.String(tool.Description)
		}
		out = append(out, openaisdk.ChatCompletionToolParam{Function: fn})
	}
	return out
}
