// Package ollama implements provider.Client against a local Ollama daemon.
// Chat completion reuses the daemon's OpenAI-compatible endpoint via
// provider/openaicompat; this package adds Ollama-specific pieces the
// compatibility layer does not cover: a model-name-keyed context window
// table, tag enumeration against the daemon's native API, and a tokenizer
// that invokes the daemon with num_predict=0 and reads prompt_eval_count,
// per spec.md §4.1.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
	"goa.design/conduit/message"
	"goa.design/conduit/provider"
	"goa.design/conduit/provider/openaicompat"
)

// defaultContextWindow is used for any model absent from the configured
// context window table.
const defaultContextWindow = 32768

// Client implements provider.Client against a local Ollama daemon.
type Client struct {
	chat           *openaicompat.Client
	httpClient     *http.Client
	baseURL        string
	contextWindows map[string]int
}

var _ provider.Client = (*Client)(nil)

// Options configures the Ollama adapter.
type Options struct {
	// BaseURL is the daemon's HTTP root (e.g. "http://localhost:11434").
	BaseURL string
	// DefaultModel is used when a request does not specify one.
	DefaultModel string
	// ContextWindows overrides the context-window table per model name;
	// any model absent here falls back to defaultContextWindow.
	ContextWindows map[string]int
	// HTTPClient is used for native daemon calls (tags, tokenize); defaults
	// to http.DefaultClient.
	HTTPClient *http.Client
}

// New builds a Client talking to a local Ollama daemon.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("ollama: base url is required")
	}
	if opts.DefaultModel == "" {
		return nil, fmt.Errorf("ollama: default model is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	chat, err := openaicompat.NewFromBaseURL("ollama", opts.BaseURL+"/v1", opts.DefaultModel, openaicompat.VendorOllama)
	if err != nil {
		return nil, err
	}
	return &Client{
		chat:           chat,
		httpClient:     httpClient,
		baseURL:        opts.BaseURL,
		contextWindows: opts.ContextWindows,
	}, nil
}

// Complete implements provider.Client by delegating to the OpenAI-compatible
// chat endpoint.
func (c *Client) Complete(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
	return c.chat.Complete(ctx, req)
}

// Stream implements provider.Client by delegating to the OpenAI-compatible
// chat endpoint.
func (c *Client) Stream(ctx context.Context, req generation.Request) (provider.Streamer, *conduiterr.Error) {
	return c.chat.Stream(ctx, req)
}

// ContextWindow returns the configured context window for model, falling
// back to defaultContextWindow when the model is not in the table.
func (c *Client) ContextWindow(model string) int {
	if w, ok := c.contextWindows[model]; ok {
		return w
	}
	return defaultContextWindow
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Tags enumerates the models currently pulled into the local daemon, via its
// native /api/tags endpoint. Intended to be called once at startup and the
// result persisted by the caller (per spec.md §4.1); this method performs
// only the query.
func (c *Client) Tags(ctx context.Context) ([]string, *conduiterr.Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, conduiterr.Wrap(conduiterr.CategoryClient, conduiterr.CodeValidationError, "ollama: build tags request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, conduiterr.Wrap(conduiterr.CategoryNetwork, conduiterr.CodeConnectionError, "ollama: tags request failed", err)
	}
	defer resp.Body.Close()
	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, conduiterr.Wrap(conduiterr.CategoryParsing, conduiterr.CodeMalformedProviderResponse, "ollama: decode tags response", err)
	}
	out := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		out = append(out, m.Name)
	}
	return out, nil
}

type generateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Options struct {
		NumPredict int `json:"num_predict"`
	} `json:"options"`
}

type generateResponse struct {
	PromptEvalCount int `json:"prompt_eval_count"`
}

// Tokenize implements provider.Client by invoking the daemon's native
// /api/generate with num_predict=0 and reading prompt_eval_count, the only
// token-counting mechanism the native daemon exposes.
func (c *Client) Tokenize(ctx context.Context, model string, payload any) (int, *conduiterr.Error) {
	prompt, cerr := promptText(payload)
	if cerr != nil {
		return 0, cerr
	}
	body := generateRequest{Model: model, Prompt: prompt, Stream: false}
	body.Options.NumPredict = 0
	data, err := json.Marshal(body)
	if err != nil {
		return 0, conduiterr.Wrap(conduiterr.CategoryClient, conduiterr.CodeValidationError, "ollama: marshal tokenize request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return 0, conduiterr.Wrap(conduiterr.CategoryClient, conduiterr.CodeValidationError, "ollama: build tokenize request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, conduiterr.Wrap(conduiterr.CategoryNetwork, conduiterr.CodeConnectionError, "ollama: tokenize request failed", err)
	}
	defer resp.Body.Close()
	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, conduiterr.Wrap(conduiterr.CategoryParsing, conduiterr.CodeMalformedProviderResponse, "ollama: decode tokenize response", err)
	}
	return parsed.PromptEvalCount, nil
}

func promptText(payload any) (string, *conduiterr.Error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case []message.Message:
		var buf bytes.Buffer
		for _, m := range v {
			buf.WriteString(string(m.Role))
			buf.WriteString(": ")
			buf.WriteString(m.Content)
			buf.WriteString("\n")
		}
		return buf.String(), nil
	default:
		return "", conduiterr.ValidationError("ollama: tokenize payload must be a string or []message.Message")
	}
}
