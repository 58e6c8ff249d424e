package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	log    *slog.Logger
}

// NewAnthropicClient creates a client. An empty apiKey falls back to
// the ANTHROPIC_API_KEY environment variable.
func NewAnthropicClient(apiKey string, log *slog.Logger) *AnthropicClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if log == nil {
		log = slog.Default()
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...), log: log}
}

// Chat sends a non-streaming request.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msg, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	return c.parseMessage(msg), nil
}

// ChatStream sends a streaming request and forwards provider events as
// StreamEvents on the returned channel.
func (c *AnthropicClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		var acc anthropic.Message

		for stream.Next() {
			ev := stream.Current()
			if err := acc.Accumulate(ev); err != nil {
				c.log.Warn("anthropic stream accumulate failed", "error", err)
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" {
					ch <- StreamEvent{Kind: StreamText, Text: ev.Delta.Text}
				}
			case "content_block_start":
				if ev.ContentBlock.Type == "tool_use" {
					ch <- StreamEvent{
						Kind: StreamToolStart,
						ToolCall: &ToolCall{
							ID:   ev.ContentBlock.ID,
							Name: ev.ContentBlock.Name,
						},
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Kind: StreamError, Err: fmt.Errorf("anthropic stream: %w", err)}
			return
		}
		ch <- StreamEvent{Kind: StreamDone, Response: c.parseMessage(&acc)}
	}()

	return ch, nil
}

func (c *AnthropicClient) buildParams(req ChatRequest) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			if m.ToolResult != nil {
				messages = append(messages, anthropic.NewUserMessage(
					anthropic.NewToolResultBlock(m.ToolResult.ToolUseID, m.ToolResult.Content, m.ToolResult.IsError),
				))
			} else {
				messages = append(messages, anthropic.NewUserMessage(
					anthropic.NewTextBlock(m.Content),
				))
			}
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				messages = append(messages, anthropic.NewAssistantMessage(
					anthropic.NewTextBlock(m.Content),
				))
				continue
			}
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema, err := json.Marshal(t.InputSchema)
			if err != nil {
				c.log.Warn("skipping tool with unmarshalable schema", "tool", t.Name, "error", err)
				continue
			}
			tools = append(tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: param.NewOpt(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: json.RawMessage(schema),
					},
				},
			})
		}
		params.Tools = tools
	}

	return params
}

func (c *AnthropicClient) parseMessage(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		StopReason: mapStopReason(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			input := make(map[string]any)
			if err := json.Unmarshal(block.Input, &input); err != nil {
				c.log.Warn("tool input did not parse", "tool", block.Name, "id", block.ID, "error", err)
				input = map[string]any{"_parse_error": err.Error()}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return resp
}

func mapStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopEndTurn
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonStopSequence:
		return StopStopSequence
	default:
		return StopReason(string(reason))
	}
}
