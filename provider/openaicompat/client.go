// Package openaicompat implements provider.Client against any OpenAI
// Chat-Completions-compatible endpoint: OpenAI itself, Google and
// Perplexity via their OpenAI-compatible base URLs, and Ollama's OpenAI
// compatibility layer. A single adapter covers all four per SPEC_FULL.md
// §4.1: only the base URL and, for Perplexity, an extra response field
// (search_results) differ.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
	"goa.design/conduit/message"
	"goa.design/conduit/provider"
)

// ChatClient captures the subset of the openai-go SDK used by the adapter.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Vendor distinguishes response-shape quirks across OpenAI-compatible
// backends that otherwise share the same request format.
type Vendor string

const (
	VendorOpenAI     Vendor = "openai"
	VendorGoogle     Vendor = "google"
	VendorPerplexity Vendor = "perplexity"
	VendorOllama     Vendor = "ollama"
)

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
	Vendor       Vendor
}

// Client implements provider.Client against an OpenAI-compatible endpoint.
type Client struct {
	chat         ChatClient
	defaultModel string
	maxTok       int
	temp         float64
	vendor       Vendor
}

var _ provider.Client = (*Client)(nil)

// New builds a Client from an already-configured ChatClient (so callers
// control base URL/API key via option.WithBaseURL/option.WithAPIKey).
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openaicompat: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openaicompat: default model is required")
	}
	vendor := opts.Vendor
	if vendor == "" {
		vendor = VendorOpenAI
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature, vendor: vendor}, nil
}

// NewFromBaseURL constructs a Client pointed at an arbitrary OpenAI-compatible
// base URL (Google's Gemini OpenAI endpoint, Perplexity, a local Ollama
// server's /v1 path).
func NewFromBaseURL(apiKey, baseURL, defaultModel string, vendor Vendor) (*Client, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	cl := openai.NewClient(opts...)
	return New(&cl.Chat.Completions, Options{DefaultModel: defaultModel, Vendor: vendor})
}

// Complete implements provider.Client.
func (c *Client) Complete(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
	params, cerr := c.prepareRequest(req)
	if cerr != nil {
		return nil, cerr
	}
	comp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeRateLimited, "openaicompat rate limited", err)
		}
		return nil, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeProvider5xx, "openaicompat chat.completions.new failed", err)
	}
	return c.translateResponse(comp)
}

// Stream implements provider.Client. Event decoding lives in stream.go.
func (c *Client) Stream(ctx context.Context, req generation.Request) (provider.Streamer, *conduiterr.Error) {
	params, cerr := c.prepareRequest(req)
	if cerr != nil {
		return nil, cerr
	}
	return c.stream(ctx, *params)
}

// Tokenize implements provider.Client with a conservative local estimate;
// OpenAI-compatible Chat Completions exposes no free-standing tokenizer
// endpoint (Ollama's is covered separately by provider/ollama).
func (c *Client) Tokenize(_ context.Context, _ string, payload any) (int, *conduiterr.Error) {
	switch v := payload.(type) {
	case string:
		return estimateTokens(v), nil
	case []message.Message:
		total := 0
		for _, m := range v {
			total += estimateTokens(m.Content) + 4
		}
		return total, nil
	default:
		return 0, conduiterr.ValidationError("openaicompat: tokenize payload must be a string or []message.Message")
	}
}

func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func (c *Client) prepareRequest(req generation.Request) (*openai.ChatCompletionNewParams, *conduiterr.Error) {
	if len(req.Messages) == 0 {
		return nil, conduiterr.ValidationError("openaicompat: messages are required")
	}
	modelID := req.Params.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, cerr := encodeMessages(req.Messages)
	if cerr != nil {
		return nil, cerr
	}
	params := &openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: msgs,
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	temp := c.temp
	if req.Params.Temperature != nil {
		temp = *req.Params.Temperature
	}
	if temp > 0 {
		params.Temperature = openai.Float(temp)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, conduiterr.Wrap(conduiterr.CategoryClient, conduiterr.CodeValidationError, "openaicompat: tool schema", err)
		}
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		params.ToolChoice = encodeToolChoice(req.ToolChoice)
	}
	return params, nil
}

func encodeMessages(msgs []message.Message) ([]openai.ChatCompletionMessageParamUnion, *conduiterr.Error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case message.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case message.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case message.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)},
					ToolCalls: calls,
				},
			})
		case message.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, conduiterr.ValidationError(fmt.Sprintf("openaicompat: unsupported message role %q", m.Role))
		}
	}
	return out, nil
}

func encodeTools(defs []generation.ToolDefinition) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var params map[string]any
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("tool %q: %w", def.Name, err)
			}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}

func encodeToolChoice(choice *generation.ToolChoice) openai.ChatCompletionToolChoiceOptionUnionParam {
	switch choice.Mode {
	case generation.ToolChoiceNone:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}
	case generation.ToolChoiceAny:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}
	case generation.ToolChoiceTool:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}
	}
}

func isRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// searchResult mirrors Perplexity's search_results response extension,
// decoded from the raw JSON the openai-go SDK otherwise discards because it
// is not part of the standard Chat Completions schema.
type searchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Date  string `json:"date"`
}

func (c *Client) translateResponse(comp *openai.ChatCompletion) (*generation.Response, *conduiterr.Error) {
	if comp == nil || len(comp.Choices) == 0 {
		return nil, conduiterr.New(conduiterr.CategoryParsing, conduiterr.CodeMalformedProviderResponse, "openaicompat: empty response")
	}
	choice := comp.Choices[0]
	var toolCalls []message.ToolCallBlock
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		toolCalls = append(toolCalls, message.ToolCallBlock{ID: tc.ID, Function: tc.Function.Name, Arguments: args})
	}

	assistant := message.NewAssistant(choice.Message.Content, toolCalls...)

	if c.vendor == VendorPerplexity {
		var raw struct {
			SearchResults []searchResult `json:"search_results"`
		}
		if err := json.Unmarshal([]byte(comp.RawJSON()), &raw); err == nil && len(raw.SearchResults) > 0 {
			citations := make([]message.Citation, 0, len(raw.SearchResults))
			for _, sr := range raw.SearchResults {
				citations = append(citations, message.Citation{DocumentTitle: sr.Title, URL: sr.URL})
			}
			assistant.Blocks = append(assistant.Blocks, message.CitationsBlock{Text: choice.Message.Content, Citations: citations})
		}
	}

	return &generation.Response{
		Message: assistant,
		Metadata: generation.Metadata{
			InputTokens:  int(comp.Usage.PromptTokens),
			OutputTokens: int(comp.Usage.CompletionTokens),
			StopReason:   string(choice.FinishReason),
		},
	}, nil
}
