// Package anthropic implements provider.Client against the Anthropic Claude
// Messages API, adapted from features/model/anthropic/client.go: the
// system-message-hoisting, tool_use/tool_result encoding, and tool-name
// sanitization logic carry over unchanged in spirit, retargeted from
// model.Request/model.Message onto generation.Request/message.Message.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
	"goa.design/conduit/message"
	"goa.design/conduit/provider"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, satisfied by *sdk.MessageService or a test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the Anthropic adapter's defaults.
type Options struct {
	DefaultModel   string
	MaxTokens      int
	Temperature    float64
	ThinkingBudget int64
}

// Client implements provider.Client on top of the Anthropic Messages API.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTok       int
	temp         float64
	think        int64
}

var _ provider.Client = (*Client)(nil)

// New builds an Anthropic-backed Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        opts.ThinkingBudget,
	}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP
// transport, authenticating with apiKey via option.WithAPIKey.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete implements provider.Client.
func (c *Client) Complete(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
	params, nameMap, cerr := c.prepareRequest(req)
	if cerr != nil {
		return nil, cerr
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeRateLimited, "anthropic rate limited", err)
		}
		return nil, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeProvider5xx, "anthropic messages.new failed", err)
	}
	return translateResponse(msg, nameMap)
}

// Stream implements provider.Client. Event decoding lives in stream.go.
func (c *Client) Stream(ctx context.Context, req generation.Request) (provider.Streamer, *conduiterr.Error) {
	params, nameMap, cerr := c.prepareRequest(req)
	if cerr != nil {
		return nil, cerr
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeRateLimited, "anthropic rate limited", err)
		}
		return nil, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeProvider5xx, "anthropic messages.new stream", err)
	}
	return newStreamer(ctx, stream, nameMap), nil
}

// Tokenize implements provider.Client using a conservative local estimate;
// Anthropic's Messages API does not expose a free-standing tokenizer
// endpoint, so precise counts only become known in a Response.Metadata
// after a real call.
func (c *Client) Tokenize(_ context.Context, _ string, payload any) (int, *conduiterr.Error) {
	switch v := payload.(type) {
	case string:
		return estimateTokens(v), nil
	case []message.Message:
		total := 0
		for _, m := range v {
			total += estimateTokens(m.Content) + 4 // role marker + turn separator overhead
			for _, b := range m.Blocks {
				if t, ok := b.(message.TextBlock); ok {
					total += estimateTokens(t.Text)
				}
			}
		}
		return total, nil
	default:
		return 0, conduiterr.ValidationError("anthropic: tokenize payload must be a string or []message.Message")
	}
}

func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func (c *Client) prepareRequest(req generation.Request) (*sdk.MessageNewParams, map[string]string, *conduiterr.Error) {
	if len(req.Messages) == 0 {
		return nil, nil, conduiterr.ValidationError("anthropic: messages are required")
	}
	modelID := req.Params.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	tools, canonToSan, sanToCanon, cerr := encodeTools(req.Tools)
	if cerr != nil {
		return nil, nil, cerr
	}
	msgs, system, cerr := encodeMessages(req.Messages, canonToSan)
	if cerr != nil {
		return nil, nil, cerr
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, nil, conduiterr.ValidationError("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := c.temp
	if req.Params.Temperature != nil {
		temp = *req.Params.Temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if req.ToolChoice != nil {
		tc, cerr := encodeToolChoice(req.ToolChoice, canonToSan, req.Tools)
		if cerr != nil {
			return nil, nil, cerr
		}
		params.ToolChoice = tc
	}
	return &params, sanToCanon, nil
}

func encodeMessages(msgs []message.Message, nameMap map[string]string) ([]sdk.MessageParam, []sdk.TextBlockParam, *conduiterr.Error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m.Role == message.RoleSystem {
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
			continue
		}
		if m.Role == message.RoleTool {
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks)+1)
		if m.Content != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Content))
		}
		for _, part := range m.Blocks {
			switch v := part.(type) {
			case message.TextBlock:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case message.ImageBlock:
				blocks = append(blocks, encodeImage(v))
			case message.DocumentBlock:
				blocks = append(blocks, encodeDocument(v))
			case message.AudioBlock:
				return nil, nil, conduiterr.New(conduiterr.CategoryClient, conduiterr.CodeUnsupportedModality,
					"anthropic: audio input/output is not supported")
			}
		}
		for _, tc := range m.ToolCalls {
			sanitized, ok := nameMap[tc.Function]
			if !ok {
				return nil, nil, conduiterr.ValidationError(
					fmt.Sprintf("anthropic: tool_use references %q which is not in the current tool configuration", tc.Function))
			}
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Arguments, sanitized))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case message.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case message.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, conduiterr.ValidationError(fmt.Sprintf("anthropic: unsupported message role %q", m.Role))
		}
	}
	if len(out) == 0 {
		return nil, nil, conduiterr.ValidationError("anthropic: at least one user/assistant message is required")
	}
	return out, system, nil
}

func encodeImage(v message.ImageBlock) sdk.ContentBlockParamUnion {
	if strings.HasPrefix(v.URLOrDataURI, "data:") {
		mediaType, data, ok := splitDataURI(v.URLOrDataURI)
		if ok {
			return sdk.NewImageBlockBase64(mediaType, data)
		}
	}
	return sdk.NewImageBlock(sdk.URLImageSourceParam{URL: v.URLOrDataURI})
}

func encodeDocument(v message.DocumentBlock) sdk.ContentBlockParamUnion {
	return sdk.NewDocumentBlock(sdk.Base64PDFSourceParam{Data: v.Base64Data})
}

func splitDataURI(uri string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimSuffix(parts[0], ";base64")
	return meta, parts[1], true
}

func encodeTools(defs []generation.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, *conduiterr.Error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, conduiterr.ValidationError(
				fmt.Sprintf("anthropic: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev))
		}
		sanToCanon[sanitized] = def.Name
		canonToSan[def.Name] = sanitized
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, nil, conduiterr.Wrap(conduiterr.CategoryClient, conduiterr.CodeValidationError,
				fmt.Sprintf("anthropic: tool %q schema", def.Name), err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, canonToSan, sanToCanon, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice *generation.ToolChoice, canonToSan map[string]string, defs []generation.ToolDefinition) (sdk.ToolChoiceUnionParam, *conduiterr.Error) {
	switch choice.Mode {
	case "", generation.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case generation.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case generation.ToolChoiceAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case generation.ToolChoiceTool:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, conduiterr.ValidationError("anthropic: tool choice mode 'tool' requires a name")
		}
		sanitized, ok := canonToSan[choice.Name]
		if !ok {
			return sdk.ToolChoiceUnionParam{}, conduiterr.ValidationError(
				fmt.Sprintf("anthropic: tool choice name %q does not match any tool", choice.Name))
		}
		return sdk.ToolChoiceParamOfTool(sanitized), nil
	default:
		return sdk.ToolChoiceUnionParam{}, conduiterr.ValidationError(fmt.Sprintf("anthropic: unsupported tool choice mode %q", choice.Mode))
	}
}

// sanitizeToolName maps a canonical tool identifier ("toolset.tool") to the
// character set Anthropic allows in tool names, preferring the segment
// after the final '.' and falling back to rune substitution.
func sanitizeToolName(in string) string {
	if in == "" {
		return in
	}
	base := in
	if idx := strings.LastIndex(in, "."); idx >= 0 && idx+1 < len(in) {
		base = in[idx+1:]
	}
	if isProviderSafeToolName(base) {
		return base
	}
	out := make([]rune, 0, len(base))
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func translateResponse(msg *sdk.Message, nameMap map[string]string) (*generation.Response, *conduiterr.Error) {
	if msg == nil {
		return nil, conduiterr.New(conduiterr.CategoryParsing, conduiterr.CodeMalformedProviderResponse, "anthropic: nil response")
	}
	var text strings.Builder
	var toolCalls []message.ToolCallBlock
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			name := block.Name
			if canonical, ok := nameMap[block.Name]; ok {
				name = canonical
			}
			var args map[string]any
			_ = json.Unmarshal(block.Input, &args)
			toolCalls = append(toolCalls, message.ToolCallBlock{ID: block.ID, Function: name, Arguments: args})
		}
	}
	assistant := message.NewAssistant(text.String(), toolCalls...)
	usage := generation.Metadata{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}
	return &generation.Response{Message: assistant, Metadata: usage}, nil
}
