// Package generation defines the request/response contract between a
// Conduit caller and a provider Client: GenerationParams, ConduitOptions,
// GenerationRequest (deterministically hashable for cache keys), and
// GenerationResponse. Grounded on runtime/agent/model/model.go's
// Request/Response shape, narrowed to spec.md §3's field set.
package generation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"goa.design/conduit/message"
)

// Verbosity controls display/telemetry chattiness, per spec.md §3.
type Verbosity string

const (
	VerbositySilent   Verbosity = "silent"
	VerbosityProgress Verbosity = "progress"
	VerbositySummary  Verbosity = "summary"
	VerbosityDetailed Verbosity = "detailed"
	VerbosityComplete Verbosity = "complete"
	VerbosityDebug    Verbosity = "debug"
)

// PersistenceMode controls how Conduit treats a prior conversation on load.
type PersistenceMode string

const (
	PersistenceResume    PersistenceMode = "resume"
	PersistenceOverwrite PersistenceMode = "overwrite"
)

// OutputType selects the generation modality requested of the provider.
type OutputType string

const (
	OutputText          OutputType = "text"
	OutputImage         OutputType = "image"
	OutputAudio         OutputType = "audio"
	OutputTranscription OutputType = "transcription"
)

// Params holds per-call generation parameters (spec.md's GenerationParams).
type Params struct {
	Model         string
	System        string
	Temperature   *float64
	TopP          *float64
	MaxTokens     int
	Stream        bool
	ResponseModel json.RawMessage // a JSON Schema, not a class reference (see cache key rule)
	ClientParams  map[string]any
	OutputType    OutputType
	Timeout       time.Duration
}

// ToolRegistry looks up a tool by name for the Engine's EXECUTE state and
// enumerates ToolDefinitions so the Engine's GENERATE state can advertise
// them to the provider. Defined here (rather than in a separate import
// cycle back from toolregistry) because ConduitOptions must reference it
// by interface.
type ToolRegistry interface {
	Lookup(name string) (Tool, bool)
	Definitions() []ToolDefinition
}

// Tool is a single invocable tool. Implementations live in package
// toolregistry; this is the minimal shape generation/engine need.
type Tool interface {
	Name() string
	Invoke(arguments map[string]any) (string, error)
}

// Cache is the minimal shape middleware needs from package cache, defined
// here to avoid a generation<->cache import cycle.
type Cache interface {
	Get(key string) (*Response, bool)
	Set(key string, resp *Response)
}

// Options is the subset of spec.md's ConduitOptions that a provider Client
// and the middleware chain need to see. The full caller-facing options
// struct, which also threads a conversation.Repository and a display
// console, is conduit.Options (package conduit imports both generation and
// conversation, so it is the right place to tie those types together
// without an import cycle here).
type Options struct {
	ProjectName     string
	Verbosity       Verbosity
	Cache           Cache           `json:"-"`
	PersistenceMode PersistenceMode
	MaxHistory      int
	ToolRegistry    ToolRegistry `json:"-"`

	// Cache and ToolRegistry are tagged json:"-": they are live process
	// wiring (a running cache client, a tool dispatch table), never part
	// of the semantic request a cache.Store persists. Without the tag, a
	// cache.Store serializing a whole Response (which embeds the
	// original Request, Options included) would try to round-trip these
	// interfaces and fail on decode, since JSON carries no concrete type
	// to unmarshal a bare interface into.

	// Repository and Console are not declared here: their concrete
	// interfaces (conversation.Repository, a display console) live in
	// their own packages and are threaded through by package conduit,
	// which imports both generation and conversation. Declaring them
	// here would force an import cycle; conduit.Options (see package
	// conduit) embeds this struct, adds both fields, and is the
	// fully-typed options struct callers actually construct.
}

// ToolDefinition describes a tool the model may call, derived from the
// active ConduitOptions.ToolRegistry at GENERATE time so each provider
// adapter can advertise it in its native tool-calling wire format.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolChoiceMode constrains which tool, if any, the model must call.
type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice selects tool-calling behavior for a request.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // set when Mode == ToolChoiceTool
}

// Request is the full input to a provider Client: the message history plus
// params and options. It must be deterministically hashable for the cache
// key (spec.md §3), which CacheKey implements.
type Request struct {
	Messages   []message.Message
	Params     Params
	Options    Options
	Tools      []ToolDefinition
	ToolChoice *ToolChoice
}

// Metadata describes a completed generation.
type Metadata struct {
	InputTokens  int
	OutputTokens int
	StopReason   string
	Duration     time.Duration
	Timestamp    time.Time
}

// Response is the outcome of a successful generation.
type Response struct {
	Message  message.Message
	Request  Request
	Metadata Metadata
}

// canonicalRequest is the subset of Request that participates in the cache
// key: message content, model-affecting params, and the response schema —
// never options (cache/repository/tool registry are process wiring, not
// part of the semantic request).
type canonicalRequest struct {
	Messages      []canonicalMessage `json:"messages"`
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	ResponseSchema json.RawMessage   `json:"response_schema,omitempty"`
	OutputType    OutputType         `json:"output_type,omitempty"`
	Tools         []ToolDefinition   `json:"tools,omitempty"`
}

type canonicalMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	Blocks     []map[string]any `json:"blocks,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []map[string]any `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// CacheKey derives the content-addressed cache key for req: SHA-256 of the
// sorted-key, null-omitting canonical JSON encoding, per spec.md §4.3 step
// 1 and §4.8. response_model participates via its JSON Schema bytes, never
// as an opaque class reference, so two requests with structurally
// identical schemas hash identically regardless of how the schema was
// constructed in the caller's process.
func (r Request) CacheKey() string {
	c := canonicalRequest{
		Model:          r.Params.Model,
		System:         r.Params.System,
		Temperature:    r.Params.Temperature,
		TopP:           r.Params.TopP,
		MaxTokens:      r.Params.MaxTokens,
		ResponseSchema: canonicalizeJSON(r.Params.ResponseModel),
		OutputType:     r.Params.OutputType,
		Tools:          r.Tools,
	}
	c.Messages = make([]canonicalMessage, len(r.Messages))
	for i, m := range r.Messages {
		c.Messages[i] = canonicalizeMessage(m)
	}
	// encoding/json already sorts map keys; marshaling the struct gives a
	// stable field order since struct field order is fixed by declaration.
	b, err := json.Marshal(c)
	if err != nil {
		// Marshal only fails on unsupported types (channels, funcs), none
		// of which appear in this struct; a panic here means a
		// programming error, not a runtime condition to recover from.
		panic("generation: cache key marshal: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func canonicalizeMessage(m message.Message) canonicalMessage {
	out := canonicalMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, b := range m.Blocks {
		out.Blocks = append(out.Blocks, blockToMap(b))
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, map[string]any{
			"id": tc.ID, "function": tc.Function, "arguments": tc.Arguments,
		})
	}
	return out
}

func blockToMap(b message.Block) map[string]any {
	switch v := b.(type) {
	case message.TextBlock:
		return map[string]any{"kind": "text", "text": v.Text}
	case message.ImageBlock:
		return map[string]any{"kind": "image", "url_or_data_uri": v.URLOrDataURI, "detail": v.Detail}
	case message.AudioBlock:
		return map[string]any{"kind": "audio", "base64_data": v.Base64Data, "format": v.Format}
	case message.ToolCallBlock:
		return map[string]any{"kind": "tool_call", "id": v.ID, "function": v.Function, "arguments": v.Arguments}
	case message.ToolResultBlock:
		return map[string]any{"kind": "tool_result", "tool_call_id": v.ToolCallID, "content": v.Content}
	case message.DocumentBlock:
		return map[string]any{"kind": "document", "title": v.Title, "media_type": v.MediaType, "base64_data": v.Base64Data}
	case message.CitationsBlock:
		return map[string]any{"kind": "citations", "text": v.Text}
	case message.ThinkingBlock:
		return map[string]any{"kind": "thinking", "text": v.Text}
	case message.CacheCheckpointBlock:
		return map[string]any{"kind": "cache_checkpoint"}
	default:
		return map[string]any{"kind": "unknown"}
	}
}

// canonicalizeJSON re-marshals raw through a generic map/slice so object
// keys are sorted, guaranteeing the same schema produces the same bytes
// regardless of the caller's original field order. Returns nil for empty
// input so the "omitempty" JSON tag drops it entirely, matching "no
// nulls" in the cache key rule.
func canonicalizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	sortedBytes, err := json.Marshal(sortAny(v))
	if err != nil {
		return raw
	}
	return sortedBytes
}

// sortAny recursively rebuilds maps (inserting keys in sorted order) and
// slices, still as plain maps and slices. Go's encoding/json already sorts
// map[string]any keys on Marshal, so this is a pass-through that exists to
// make that guarantee explicit and testable independent of the stdlib's
// (documented) behavior.
func sortAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortAny(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortAny(e)
		}
		return out
	default:
		return v
	}
}
