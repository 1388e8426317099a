// Command conduit is a one-shot CLI wrapping package conduit: it renders a
// single prompt through a configured model and prints the assistant's
// reply to stdout, with progress lines on stderr. It is the composition
// root spec.md otherwise leaves to callers — wiring config, provider
// clients, cache, and telemetry together the way the teacher's own
// cmd/ entry points wire generated services together (flag parsing,
// goa.design/clue/log context setup, signal-driven shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"goa.design/clue/log"

	"goa.design/conduit/conduit"
	"goa.design/conduit/config"
	"goa.design/conduit/dbpool"
	"goa.design/conduit/generation"
	"goa.design/conduit/llmmodel"
	"goa.design/conduit/message"
	"goa.design/conduit/middleware"
	"goa.design/conduit/odometer"
	"goa.design/conduit/runtime/agent/telemetry"
)

func main() {
	var (
		modelF        = flag.String("model", "", "model name to run (defaults to the first configured provider's default model)")
		systemF       = flag.String("system", "", "system prompt")
		maxStepsF     = flag.Int("max-steps", 0, "engine max_steps (0 uses the package default)")
		conversationF = flag.String("conversation", "cli", "conversation id to run under (no repository is wired, so nothing is persisted under it)")
		dbgF          = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()
	prompt := strings.Join(flag.Args(), " ")
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: conduit [flags] <prompt...>")
		os.Exit(2)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	if err := run(ctx, *modelF, *systemF, *conversationF, prompt, *maxStepsF); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, model, system, conversationID, prompt string, maxSteps int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	catalog, err := config.NewModelCatalog(os.Getenv("MODEL_CATALOG_PATH"))
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}
	store := llmmodel.NewModelStore(catalog)
	if err := config.RegisterProviders(cfg, store, llmmodel.ExecutionSync); err != nil {
		return fmt.Errorf("register providers: %w", err)
	}
	if model == "" {
		model = firstConfiguredModel(cfg)
	}
	if model == "" {
		return fmt.Errorf("no provider configured: set one of ANTHROPIC_API_KEY/OPENAI_API_KEY/GOOGLE_API_KEY/PERPLEXITY_API_KEY/OLLAMA_BASE_URL")
	}

	cache, err := config.NewCache(cfg)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}

	var durable odometer.Durable
	if cfg.DatabaseDSN != "" {
		mgr := dbpool.New(dbpool.Options{DSN: cfg.DatabaseDSN, Migrate: odometer.Migrate})
		durable = odometer.NewPostgresDurable(mgr)
	}
	meter := odometer.NewRegistry(durable)

	logger := telemetry.NewClueLogger()

	c := conduit.New(store)
	c.Logger = logger
	c.MaxSteps = maxSteps
	c.Middleware = middleware.Chain{
		Cache:     cache,
		Display:   middleware.NewPlainConsole(),
		Telemetry: meter,
		Provider:  store.IdentifyProvider,
		Host:      cfg.Host,
	}

	params := generation.Params{Model: model, System: system}
	out, cerr := c.RunPrompt(ctx, conversationID, prompt, params, conduit.Options{})
	if cerr != nil {
		return cerr
	}

	last, ok := out.Last()
	if !ok || last.Role != message.RoleAssistant {
		return fmt.Errorf("conduit: conversation ended without a final assistant message")
	}
	fmt.Println(last.Content)
	return nil
}

// firstConfiguredModel picks a default model from whichever provider has
// credentials configured, in the same precedence RegisterProviders wires
// them: Anthropic, OpenAI, Google, Perplexity, Ollama.
func firstConfiguredModel(cfg config.Config) string {
	switch {
	case cfg.Anthropic.APIKey != "":
		return cfg.Anthropic.DefaultModel
	case cfg.OpenAI.APIKey != "":
		return cfg.OpenAI.DefaultModel
	case cfg.Google.APIKey != "":
		return cfg.Google.DefaultModel
	case cfg.Perplexity.APIKey != "":
		return cfg.Perplexity.DefaultModel
	case cfg.Ollama.BaseURL != "" && cfg.Ollama.DefaultModel != "":
		return cfg.Ollama.DefaultModel
	default:
		return ""
	}
}
