package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/moneta-advisor/agent/agents/catalog"
	"github.com/tanpawarit/moneta-advisor/agent/agents/orchestrator"
	"github.com/tanpawarit/moneta-advisor/agent/agents/specialist"
	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/agent/handoff"
	"github.com/tanpawarit/moneta-advisor/agent/hosting"
	"github.com/tanpawarit/moneta-advisor/agent/llm"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
	toolx "github.com/tanpawarit/moneta-advisor/agent/tool"
	"github.com/tanpawarit/moneta-advisor/pkg/agentregistry"
	configx "github.com/tanpawarit/moneta-advisor/pkg/config"
	openrouterx "github.com/tanpawarit/moneta-advisor/pkg/openrouter"
	qstashx "github.com/tanpawarit/moneta-advisor/pkg/qstash"
	"github.com/tanpawarit/moneta-advisor/pkg/tracing"
)

const (
	storeMemory   = "memory"
	storeUpstash  = "upstash"
	storeBolt     = "bolt"
	storeSQLite   = "sqlite"
	storePostgres = "postgres"
)

type AppConfig struct {
	HostingMode        string        `envconfig:"HOSTING_MODE" split_words:"true" default:"ephemeral"`
	StoreDriver        string        `envconfig:"STORE_DRIVER" split_words:"true" default:"memory"`
	LockDriver         string        `envconfig:"LOCK_DRIVER" split_words:"true" default:"memory"`
	LockTTL            time.Duration `envconfig:"LOCK_TTL" split_words:"true" default:"2m"`
	ToolTimeout        time.Duration `envconfig:"TOOL_TIMEOUT" split_words:"true" default:"20s"`
	ToolMaxParallel    int           `envconfig:"TOOL_MAX_PARALLEL" split_words:"true" default:"4"`
	ModelTimeout       time.Duration `envconfig:"MODEL_TIMEOUT" split_words:"true" default:"60s"`
	MaxToolCalls       int           `envconfig:"MAX_TOOL_CALLS" split_words:"true" default:"8"`
	MaxHistoryMessages int           `envconfig:"MAX_HISTORY_MESSAGES" split_words:"true" default:"40"`
	AgentsFile         string        `envconfig:"AGENTS_FILE" split_words:"true"`
}

// app owns every long-lived component of one process.
type app struct {
	cfg          AppConfig
	orchestrator *orchestrator.Orchestrator
	sets         map[contractx.UseCase]contractx.AgentSet
	closers      []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadAppConfig() (*AppConfig, error) {
	cfg, err := configx.New[AppConfig]("APP")
	if err != nil {
		return nil, fmt.Errorf("load app config: %w", err)
	}
	return cfg, nil
}

// newApp wires the store, tools, agents and orchestrator from the environment.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadAppConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: *cfg}

	shutdownTracing, err := openTracing(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	store, closeStore, err := openStore(ctx, cfg.StoreDriver)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	locker, err := openLocker(cfg.LockDriver, cfg.LockTTL)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	deps, err := openToolDependencies(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if deps.MCP != nil {
		a.closers = append(a.closers, deps.MCP.Close)
	}

	sets, err := catalog.Load(cfg.AgentsFile)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load agent sets: %w", err)
	}
	if deps.MCP != nil {
		for useCase, set := range sets {
			sets[useCase] = catalog.WithExtraTools(set, deps.MCP.ToolNamesFor)
		}
	}
	a.sets = sets

	routers := make(map[statex.UseCase]orchestrator.Router, len(sets))
	for useCase, set := range sets {
		router, err := a.buildRouter(ctx, useCase, set, deps)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		routers[useCase] = router
	}

	opts := []orchestrator.Option{
		orchestrator.WithLocker(locker),
		orchestrator.WithMaxToolCalls(cfg.MaxToolCalls),
	}
	if publisher, err := openPublisher(); err != nil {
		_ = a.Close()
		return nil, err
	} else if publisher != nil {
		opts = append(opts, orchestrator.WithPublisher(publisher))
	}

	orch, err := orchestrator.New(store, routers, opts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.orchestrator = orch
	return a, nil
}

// buildRouter gives each use case its own tool registry so MCP tools shared by
// both sets never collide.
func (a *app) buildRouter(ctx context.Context, useCase contractx.UseCase, set contractx.AgentSet, deps toolx.Dependencies) (*handoff.Router, error) {
	registry, err := toolx.NewRegistry(toolx.DomainTools(useCase, deps)...)
	if err != nil {
		return nil, fmt.Errorf("register %s tools: %w", useCase, err)
	}
	executor := newExecutor(a.cfg, registry, deps)

	adapter, err := newAdapter(a.cfg, registry, executor)
	if err != nil {
		return nil, err
	}
	agents, err := adapter.Build(ctx, set)
	if err != nil {
		return nil, fmt.Errorf("build %s agents: %w", useCase, err)
	}
	return handoff.NewRouter(set, agents)
}

func newExecutor(cfg AppConfig, registry *toolx.Registry, deps toolx.Dependencies) *toolx.Executor {
	var opts []toolx.ExecutorOption
	if deps.News != nil {
		opts = append(opts, toolx.WithRateLimit(toolx.ToolFetchNews, deps.NewsRate, 1))
	}
	return toolx.NewExecutor(registry, toolx.ExecutorConfig{
		Timeout:     cfg.ToolTimeout,
		MaxParallel: cfg.ToolMaxParallel,
	}, opts...)
}

func specialistOptions(cfg AppConfig) []specialist.Option {
	return []specialist.Option{
		specialist.WithModelTimeout(cfg.ModelTimeout),
		specialist.WithHistoryWindow(cfg.MaxHistoryMessages),
	}
}

func newAdapter(cfg AppConfig, registry *toolx.Registry, gateway contractx.ToolGateway) (hosting.Adapter, error) {
	mode, err := hosting.ParseMode(cfg.HostingMode)
	if err != nil {
		return nil, err
	}
	llmCfg, err := configx.New[llm.Config]("LLM")
	if err != nil {
		return nil, fmt.Errorf("load llm config: %w", err)
	}
	if err := llmCfg.Validate(); err != nil {
		return nil, err
	}

	if mode == hosting.ModeEphemeral {
		return hosting.NewEphemeral(llmCfg.NewChatModel, registry, gateway, specialistOptions(cfg)...), nil
	}
	return newHostedAdapter(cfg, *llmCfg, registry, gateway)
}

func newHostedAdapter(cfg AppConfig, llmCfg llm.Config, registry *toolx.Registry, gateway contractx.ToolGateway) (*hosting.Hosted, error) {
	regCfg, err := configx.New[agentregistry.Config]("AGENT_REGISTRY")
	if err != nil {
		return nil, fmt.Errorf("load agent registry config: %w", err)
	}
	agents, err := agentregistry.NewClient(*regCfg)
	if err != nil {
		return nil, err
	}
	client := openrouterx.NewClient(llmCfg.OpenRouterFor(contractx.AgentDefinition{}))
	if client == nil {
		return nil, fmt.Errorf("%w: hosted mode needs LLM_API_KEY", contractx.ErrValidation)
	}
	return hosting.NewHosted(agents, client, registry, gateway, hosting.HostedConfig{
		ModelFor: llmCfg.ModelFor,
		Version:  regCfg.Version,
		ForceNew: regCfg.ForceNewVersion,
	}, specialistOptions(cfg)...), nil
}

func openTracing(ctx context.Context) (func() error, error) {
	conf, err := configx.New[tracing.Config]("TRACING")
	if err != nil {
		return nil, fmt.Errorf("load tracing config: %w", err)
	}
	shutdown, err := tracing.Init(ctx, *conf)
	if err != nil {
		return nil, err
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	}, nil
}

func openStore(ctx context.Context, driver string) (statex.Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", storeMemory:
		return statex.NewMemoryStore(), nil, nil
	case storeUpstash:
		conf, err := configx.New[statex.UpstashRedisConfig]("UPSTASH")
		if err != nil {
			return nil, nil, fmt.Errorf("load upstash config: %w", err)
		}
		store, err := statex.NewUpstashRedisStore(*conf)
		return store, nil, err
	case storeBolt:
		conf, err := configx.New[statex.BoltConfig]("BOLT")
		if err != nil {
			return nil, nil, fmt.Errorf("load bolt config: %w", err)
		}
		store, err := statex.OpenBoltStore(*conf)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case storeSQLite:
		conf, err := configx.New[statex.SQLiteConfig]("SQLITE")
		if err != nil {
			return nil, nil, fmt.Errorf("load sqlite config: %w", err)
		}
		store, err := statex.OpenSQLiteStore(*conf)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	case storePostgres:
		conf, err := configx.New[statex.PostgresConfig]("POSTGRES")
		if err != nil {
			return nil, nil, fmt.Errorf("load postgres config: %w", err)
		}
		store, err := statex.OpenPostgresStore(ctx, *conf)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown store driver %q", contractx.ErrValidation, driver)
	}
}

func openLocker(driver string, ttl time.Duration) (statex.Locker, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", storeMemory:
		return statex.NewKeyedMutex(), nil
	case storeUpstash:
		conf, err := configx.New[statex.UpstashRedisConfig]("UPSTASH")
		if err != nil {
			return nil, fmt.Errorf("load upstash config: %w", err)
		}
		return statex.NewUpstashLeaseLocker(*conf, ttl)
	default:
		return nil, fmt.Errorf("%w: unknown lock driver %q", contractx.ErrValidation, driver)
	}
}

// openToolDependencies connects the backends of the domain tools. Search and
// news stay nil when unconfigured; their tools then report UNAVAILABLE.
func openToolDependencies(ctx context.Context) (toolx.Dependencies, error) {
	var deps toolx.Dependencies

	crmCfg, err := configx.New[toolx.CRMConfig]("CRM")
	if err != nil {
		return deps, fmt.Errorf("load crm config: %w", err)
	}
	if deps.BankingClients, err = toolx.BankingClients(crmCfg.DataPath); err != nil {
		return deps, err
	}
	if deps.InsuranceClients, err = toolx.InsuranceClients(crmCfg.InsuranceDataPath); err != nil {
		return deps, err
	}

	searchCfg, err := configx.New[toolx.SearchConfig]("SEARCH")
	if err != nil {
		return deps, fmt.Errorf("load search config: %w", err)
	}
	deps.SearchConfig = *searchCfg
	if strings.TrimSpace(searchCfg.Endpoint) != "" {
		if deps.Search, err = toolx.NewSearchClient(*searchCfg); err != nil {
			return deps, err
		}
	} else {
		log.Warn().Str("component", "app").Msg("SEARCH_ENDPOINT is empty, search tools are unavailable")
	}

	newsCfg, err := configx.New[toolx.NewsConfig]("NEWS")
	if err != nil {
		return deps, fmt.Errorf("load news config: %w", err)
	}
	if deps.News, err = toolx.NewNewsFetcher(*newsCfg); err != nil {
		return deps, err
	}
	deps.NewsRate = newsCfg.RatePerSecond

	mcpCfg, err := configx.New[toolx.MCPConfig]("MCP")
	if err != nil {
		return deps, fmt.Errorf("load mcp config: %w", err)
	}
	if len(mcpCfg.Servers) > 0 {
		if deps.MCP, err = toolx.OpenMCPToolset(ctx, *mcpCfg); err != nil {
			return deps, err
		}
	}
	return deps, nil
}

func openPublisher() (contractx.TurnPublisher, error) {
	conf, err := configx.New[qstashx.Config]("QSTASH")
	if err != nil {
		return nil, fmt.Errorf("load qstash config: %w", err)
	}
	if !conf.Enabled() {
		return nil, nil
	}
	client, err := qstashx.NewClient(*conf)
	if err != nil {
		return nil, err
	}
	return newTurnPublisher(client, conf.Destination), nil
}
