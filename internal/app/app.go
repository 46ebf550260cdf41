// Package app is the composition root: it builds every service from a
// config.Config and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/memclaw/internal/actor"
	"github.com/nextlevelbuilder/memclaw/internal/bus"
	"github.com/nextlevelbuilder/memclaw/internal/cache"
	"github.com/nextlevelbuilder/memclaw/internal/config"
	"github.com/nextlevelbuilder/memclaw/internal/correlation"
	"github.com/nextlevelbuilder/memclaw/internal/executive"
	"github.com/nextlevelbuilder/memclaw/internal/heartbeat"
	"github.com/nextlevelbuilder/memclaw/internal/llm"
	"github.com/nextlevelbuilder/memclaw/internal/memory"
	"github.com/nextlevelbuilder/memclaw/internal/notify"
	"github.com/nextlevelbuilder/memclaw/internal/retry"
	"github.com/nextlevelbuilder/memclaw/internal/store"
	"github.com/nextlevelbuilder/memclaw/internal/store/file"
	"github.com/nextlevelbuilder/memclaw/internal/store/sqlstore"
	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

// Collection names.
const (
	CollectionRules         = "rules"
	CollectionLongTerm      = "memories"
	CollectionWorking       = "working"
	CollectionWorkingBackup = "working_backup"
)

// ErrNoLLM is returned by Generator users when no provider is configured.
var ErrNoLLM = errors.New("no llm provider configured")

// App holds every built service. Fields are nil until the stage that
// builds them has run.
type App struct {
	Config *config.Config

	Backend  store.Backend
	Rules    *memory.Adapter
	LongTerm *memory.Adapter
	Working  *memory.Adapter

	LLM       *llm.Client // nil when no provider is configured
	Executive *executive.Executive
	Composer  *executive.Composer

	Cache        *cache.Client
	Bus          bus.Bus
	Correlation  *correlation.Store
	Limiter      *actor.RateLimiter
	Memory       *actor.MemoryActor
	Conversation *actor.ConversationActor
	Heartbeat    *heartbeat.Service

	// OnNotice, if set before Init, receives system notices delivered to
	// the conversation actor.
	OnNotice func(protocol.SystemMessage)
	// Gen, if set before Init, replaces the configured LLM for generation.
	Gen llm.Generator

	closers []func() error
}

// New creates an unbuilt App.
func New(cfg *config.Config) *App {
	return &App{Config: cfg}
}

// Init builds everything and starts the actors.
func (a *App) Init(ctx context.Context) error {
	if err := a.InitStores(ctx); err != nil {
		return err
	}
	if err := a.initRuntime(ctx); err != nil {
		return err
	}
	return a.start()
}

// InitStores opens the durable backend and builds the category adapters,
// the executive and the composer. Offline commands stop here.
func (a *App) InitStores(ctx context.Context) error {
	if a.Backend != nil {
		return nil
	}
	cfg := a.Config

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	a.Backend = backend
	a.closers = append(a.closers, backend.Close)

	if cfg.LLMEnabled() {
		client, err := llm.NewClient(llm.Config{
			Provider:       cfg.LLM.Provider,
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
			Temperature:    cfg.LLM.Temperature,
			MaxTokens:      cfg.LLM.MaxTokens,
		})
		if err != nil {
			return fmt.Errorf("llm client: %w", err)
		}
		a.LLM = client
		slog.Info("app: llm configured", "provider", cfg.LLM.Provider, "model", client.Model())
	}

	extractor, err := a.extractor()
	if err != nil {
		return err
	}
	scorer, err := a.scorer()
	if err != nil {
		return err
	}

	open := func(name string) (store.Collection, error) {
		c, err := backend.Collection(name)
		if err != nil {
			return nil, fmt.Errorf("open collection %s: %w", name, err)
		}
		return c, nil
	}
	rules, err := open(CollectionRules)
	if err != nil {
		return err
	}
	longTerm, err := open(CollectionLongTerm)
	if err != nil {
		return err
	}
	working, err := open(CollectionWorking)
	if err != nil {
		return err
	}
	backup, err := open(CollectionWorkingBackup)
	if err != nil {
		return err
	}

	a.Rules = memory.NewAdapter(memory.AdapterConfig{
		Category: memory.CategoryRule, Collection: rules,
		Extractor: extractor, Scorer: scorer, TrackReferences: true,
	})
	a.LongTerm = memory.NewAdapter(memory.AdapterConfig{
		Category: memory.CategoryLongTerm, Collection: longTerm,
		Extractor: extractor, Scorer: scorer, TrackReferences: true,
	})
	a.Working = memory.NewAdapter(memory.AdapterConfig{
		Category: memory.CategoryWorking, Collection: working, Backup: backup,
		Scorer: scorer, MaxRecords: cfg.Memory.WorkingCap,
	})

	stores := a.Stores()
	a.Executive = executive.New(stores, a.classifier(), Thresholds(cfg)).
		WithGuard(executive.NewInputGuard(executive.GuardAction(cfg.Memory.InjectionGuard)))
	a.Composer = executive.NewComposer(stores, executive.ComposerConfig{
		RuleLimit:    cfg.Memory.RuleLimit,
		RelatedLimit: cfg.Memory.RelatedLimit,
		RecentTurns:  cfg.Memory.RecentTurns,
	})
	return nil
}

// Stores returns the adapters as executive tiers.
func (a *App) Stores() executive.Stores {
	return executive.Stores{Rules: a.Rules, LongTerm: a.LongTerm, Working: a.Working}
}

// Adapter returns the adapter for category c.
func (a *App) Adapter(c memory.Category) *memory.Adapter {
	switch c {
	case memory.CategoryRule:
		return a.Rules
	case memory.CategoryLongTerm:
		return a.LongTerm
	default:
		return a.Working
	}
}

func (a *App) initRuntime(ctx context.Context) error {
	cfg := a.Config

	b, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	a.Bus = b
	a.closers = append(a.closers, b.Close)

	a.Cache = cache.New(cache.Config{
		URL:              cfg.Cache.URL,
		AltURL:           cfg.Cache.AltURL,
		DialTimeout:      2 * time.Second,
		OpTimeout:        2 * time.Second,
		ProbeTimeout:     200 * time.Millisecond,
		Retry:            RetryConfig(cfg),
		FallbackMaxItems: cfg.Cache.FallbackMaxItems,
		FallbackTTL:      time.Duration(cfg.Cache.FallbackTTLSec) * time.Second,
	}, notify.Multi{notify.Log{}, notify.Group{Bus: b, Group: protocol.GroupConversation}})
	if err := a.Cache.Init(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	a.closers = append(a.closers, a.Cache.Close)

	a.Correlation = correlation.New(a.Cache, correlation.Config{
		TTL:          time.Duration(cfg.Correlation.TTLSec) * time.Second,
		PollInterval: config.Seconds(cfg.Correlation.PollIntervalSec),
		WaitTimeout:  cfg.WaitTimeout(),
	})

	a.Limiter = actor.NewRateLimiter(cfg.Conversation.RateLimitPerMinute, cfg.Conversation.RateLimitBurst)

	a.Memory = actor.NewMemoryActor(b, a.Correlation, a.Executive, a.Composer, actor.MemoryConfig{
		ComposeRetries: cfg.Memory.ComposeRetries,
		DedupeWindow:   time.Duration(cfg.Memory.DedupeWindowMin) * time.Minute,
	})

	if cfg.Heartbeat.IntervalSec > 0 {
		a.Heartbeat = heartbeat.NewService(heartbeat.Config{
			Target:   protocol.GroupMemory,
			ReplyTo:  protocol.GroupConversation,
			Interval: time.Duration(cfg.Heartbeat.IntervalSec) * time.Second,
			Misses:   cfg.Heartbeat.Misses,
		}, b)
	}

	convCfg := actor.ConversationConfig{
		SystemPrompt: cfg.Conversation.SystemPrompt,
		OnNotice:     a.OnNotice,
	}
	if a.Heartbeat != nil {
		convCfg.OnPong = a.Heartbeat.Observe
	}
	a.Conversation = actor.NewConversationActor(b, a.Correlation, a.Generator(), a.Limiter, convCfg)
	return nil
}

func (a *App) start() error {
	if err := a.Memory.Start(); err != nil {
		return fmt.Errorf("start memory actor: %w", err)
	}
	if err := a.Conversation.Start(); err != nil {
		a.Memory.Stop()
		return fmt.Errorf("start conversation actor: %w", err)
	}
	if a.Heartbeat != nil {
		a.Heartbeat.Start()
	}
	return nil
}

// Generator returns the configured generator, or one that always reports
// ErrNoLLM so the conversation actor answers with its failure reply.
func (a *App) Generator() llm.Generator {
	if a.Gen != nil {
		return a.Gen
	}
	if a.LLM != nil {
		return a.LLM
	}
	return llm.GeneratorFunc(func(context.Context, []llm.Message) llm.Result {
		return llm.Result{Err: ErrNoLLM.Error()}
	})
}

// Apply pushes the live-reloadable settings of cfg into running services.
func (a *App) Apply(cfg *config.Config) {
	if a.Executive != nil {
		a.Executive.SetThresholds(Thresholds(cfg))
	}
	if a.Correlation != nil {
		a.Correlation.SetWaitTimeout(cfg.WaitTimeout())
	}
	slog.Info("app: settings applied",
		"rule_merge", cfg.Memory.RuleMergeThreshold,
		"rule_update", cfg.Memory.RuleUpdateThreshold,
		"long_term", cfg.Memory.LongTermThreshold,
		"wait_timeout", cfg.WaitTimeout())
}

// Close stops the actors and releases resources in reverse build order.
func (a *App) Close() error {
	if a.Heartbeat != nil {
		a.Heartbeat.Stop()
	}
	if a.Conversation != nil {
		a.Conversation.Stop()
	}
	if a.Memory != nil {
		a.Memory.Stop()
	}
	if a.Limiter != nil {
		a.Limiter.Stop()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Thresholds converts the memory section of cfg.
func Thresholds(cfg *config.Config) executive.Thresholds {
	return executive.Thresholds{
		RuleMerge:  cfg.Memory.RuleMergeThreshold,
		RuleUpdate: cfg.Memory.RuleUpdateThreshold,
		LongTerm:   cfg.Memory.LongTermThreshold,
	}
}

// RetryConfig converts the cache retry settings.
func RetryConfig(cfg *config.Config) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Cache.RetryAttempts
	rc.BaseDelay = config.Seconds(cfg.Cache.RetryBaseSec)
	if cfg.Cache.RetryBackoff == "exponential" {
		rc.Backoff = retry.Exponential
	}
	return rc
}

func (a *App) extractor() (memory.Extractor, error) {
	mode := a.Config.Memory.Extraction
	if a.LLM == nil || mode == config.ModeHeuristic {
		if mode == config.ModeModel {
			slog.Warn("app: model extraction requested without an llm, using heuristics")
		}
		return memory.HeuristicExtractor{}, nil
	}

	var ex memory.Extractor = memory.ModelExtractor{Generator: a.LLM}
	if mode == config.ModeAuto {
		ex = memory.FallbackExtractor{Primary: ex, Fallback: memory.HeuristicExtractor{}}
	}
	cached, err := memory.NewCachedExtractor(ex, 0)
	if err != nil {
		return nil, fmt.Errorf("extractor cache: %w", err)
	}
	return cached, nil
}

func (a *App) scorer() (memory.Scorer, error) {
	if a.Config.Memory.Similarity != config.ModeEmbedding {
		return memory.TextScorer{}, nil
	}
	if a.LLM == nil || a.Config.LLM.EmbeddingModel == "" {
		slog.Warn("app: embedding similarity needs an llm embedding model, using text similarity")
		return memory.TextScorer{}, nil
	}
	es, err := memory.NewEmbeddingScorer(a.LLM, 0)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return memory.FallbackScorer{Primary: es, Fallback: memory.TextScorer{}}, nil
}

func (a *App) classifier() executive.Classifier {
	if a.Config.Memory.Classifier == config.ModeModel && a.LLM != nil {
		return executive.ModelClassifier{Generator: a.LLM}
	}
	return executive.HeuristicClassifier{}
}

func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Backend {
	case store.KindSQLite:
		return sqlstore.OpenSQLite(filepath.Join(cfg.DataDir(), "memclaw.db"))
	case store.KindPostgres:
		return sqlstore.OpenPostgres(ctx, cfg.Store.PostgresDSN)
	default:
		b, err := file.NewBackend(cfg.DataDir())
		if err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		return b, nil
	}
}

func openBus(ctx context.Context, cfg *config.Config) (bus.Bus, error) {
	if cfg.Bus.Transport != config.TransportRedis {
		return bus.NewLocal(), nil
	}
	b, err := bus.NewRedis(ctx, cfg.BusURL(), cfg.Bus.ChannelPrefix)
	if err != nil {
		return nil, fmt.Errorf("redis bus: %w", err)
	}
	return b, nil
}
