// Package config loads ConduitOptions and provider credentials from the
// process environment, with an optional .env file underneath it, mirroring
// the teacher's small-Options-struct-per-client convention
// (anthropic.NewFromAPIKey, openaicompat.NewFromBaseURL) one layer up: a
// single Config carries every value those constructors need, so a
// composition root builds its provider.Client set from one Load() call
// instead of repeating os.Getenv everywhere.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Provider holds the credentials and defaults for one provider.Client
// constructor. BaseURL is only meaningful for the OpenAI-compatible and
// Ollama adapters; Anthropic's SDK dials its own endpoint.
type Provider struct {
	APIKey       string
	DefaultModel string
	BaseURL      string
}

// Config is every environment-sourced value Conduit's composition root
// needs, per spec.md §6's "Environment variables consumed" list.
type Config struct {
	OpenAI      Provider
	Anthropic   Provider
	Google      Provider
	Perplexity  Provider
	Ollama      Provider

	// BraveAPIKey and ExaAPIKey are not wired to a provider.Client — they
	// back caller-registered web-search tools (toolregistry.Register),
	// which spec.md treats as ordinary tool implementations, not a named
	// component — Load only plumbs the credentials through.
	BraveAPIKey string
	ExaAPIKey   string

	// DatabaseDSN configures dbpool.Manager, backing odometer's durable
	// layer and any other Postgres-backed component.
	DatabaseDSN string

	// RedisURL, when set, selects cache/rediscache over cache/memcache
	// for the generation.Cache backend. Empty means in-memory.
	RedisURL string

	// Host is stamped on every middleware.TokenEvent (spec.md §4.9), so
	// usage can be attributed to the machine/instance that generated it.
	Host string

	// LogLevel configures the telemetry.Logger implementation a caller
	// constructs (e.g. "debug", "info", "warn", "error"); Load only reads
	// it through, since the Logger itself is built in runtime/agent/telemetry.
	LogLevel string
}

// Load reads Config from the environment. It first loads a .env file in
// the working directory if one exists — using godotenv.Load, which only
// fills in variables not already set, so a real environment variable
// always wins over a .env default, matching SPEC_FULL.md §6's "layered
// under plain os.Getenv" ordering. A missing .env file is not an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, err
	}

	cfg := Config{
		OpenAI: Provider{
			APIKey:       getenv("OPENAI_API_KEY"),
			DefaultModel: firstNonEmpty(getenv("OPENAI_MODEL"), "gpt-4o-mini"),
			BaseURL:      getenv("OPENAI_BASE_URL"),
		},
		Anthropic: Provider{
			APIKey:       getenv("ANTHROPIC_API_KEY"),
			DefaultModel: firstNonEmpty(getenv("ANTHROPIC_MODEL"), "claude-sonnet-4-5"),
		},
		Google: Provider{
			APIKey:       getenv("GOOGLE_API_KEY"),
			DefaultModel: getenv("GOOGLE_MODEL"),
			BaseURL:      firstNonEmpty(getenv("GOOGLE_BASE_URL"), "https://generativelanguage.googleapis.com/v1beta/openai"),
		},
		Perplexity: Provider{
			APIKey:       getenv("PERPLEXITY_API_KEY"),
			DefaultModel: getenv("PERPLEXITY_MODEL"),
			BaseURL:      firstNonEmpty(getenv("PERPLEXITY_BASE_URL"), "https://api.perplexity.ai"),
		},
		Ollama: Provider{
			DefaultModel: getenv("OLLAMA_MODEL"),
			BaseURL:      firstNonEmpty(getenv("OLLAMA_BASE_URL"), "http://localhost:11434"),
		},
		BraveAPIKey: getenv("BRAVE_API_KEY"),
		ExaAPIKey:   getenv("EXA_API_KEY"),
		DatabaseDSN: getenv("DATABASE_URL"),
		RedisURL:    getenv("REDIS_URL"),
		Host:        firstNonEmpty(getenv("CONDUIT_HOST"), hostname()),
		LogLevel:    firstNonEmpty(getenv("LOG_LEVEL"), "info"),
	}
	return cfg, nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// EnvBool parses a boolean-ish environment variable ("true", "1", "yes"),
// defaulting to def when unset or unparseable — used by callers reading
// flags Config doesn't name directly (e.g. CONDUIT_VERBOSE).
func EnvBool(key string, def bool) bool {
	v := getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if strings.EqualFold(v, "yes") {
			return true
		}
		return def
	}
	return b
}
