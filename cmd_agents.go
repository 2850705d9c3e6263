package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tanpawarit/moneta-advisor/agent/agents/catalog"
	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/agent/hosting"
	"github.com/tanpawarit/moneta-advisor/agent/llm"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
	toolx "github.com/tanpawarit/moneta-advisor/agent/tool"
	"github.com/tanpawarit/moneta-advisor/pkg/agentregistry"
	configx "github.com/tanpawarit/moneta-advisor/pkg/config"
)

func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Maintain hosted agent definitions in the agent registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newAgentsListCommand(),
		newAgentsRegisterCommand(),
		newAgentsDeleteCommand(),
	)
	return cmd
}

func openAgentRegistry() (*agentregistry.Client, *agentregistry.Config, error) {
	conf, err := configx.New[agentregistry.Config]("AGENT_REGISTRY")
	if err != nil {
		return nil, nil, fmt.Errorf("load agent registry config: %w", err)
	}
	client, err := agentregistry.NewClient(*conf)
	if err != nil {
		return nil, nil, err
	}
	return client, conf, nil
}

func newAgentsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered agents and their latest version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := openAgentRegistry()
			if err != nil {
				return err
			}
			agents, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			printAgents(cmd.OutOrStdout(), agents)
			return nil
		},
	}
}

func printAgents(w io.Writer, agents []agentregistry.Agent) {
	if len(agents) == 0 {
		fmt.Fprintln(w, "no agents registered")
		return
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	for _, a := range agents {
		latest := "-"
		model := "-"
		if v := a.Versions.Latest; v != nil {
			latest = v.Version
			if v.Definition.Model != "" {
				model = v.Definition.Model
			}
		}
		fmt.Fprintf(w, "%-24s version=%s model=%s\n", a.Name, latest, model)
	}
}

type registerOptions struct {
	useCase  string
	version  string
	forceNew bool
	latest   bool
}

func newAgentsRegisterCommand() *cobra.Command {
	var opts registerOptions

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create or resolve the registry version of every agent",
		Example: `moneta agents register --use-case banking
moneta agents register --force-new-version
moneta agents register --version 3`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.latest && (opts.version != "" || opts.forceNew) {
				return fmt.Errorf("%w: --latest excludes --version and --force-new-version", contractx.ErrValidation)
			}
			return registerAgents(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.useCase, "use-case", "", "only register this agent set")
	cmd.Flags().StringVar(&opts.version, "version", "", "resolve this pinned version instead of the latest")
	cmd.Flags().BoolVar(&opts.forceNew, "force-new-version", false, "always create a new version")
	cmd.Flags().BoolVar(&opts.latest, "latest", false, "ignore AGENT_REGISTRY_VERSION and use the latest version")
	return cmd
}

func registerAgents(ctx context.Context, w io.Writer, opts registerOptions) error {
	appCfg, err := loadAppConfig()
	if err != nil {
		return err
	}
	client, regCfg, err := openAgentRegistry()
	if err != nil {
		return err
	}
	llmCfg, err := configx.New[llm.Config]("LLM")
	if err != nil {
		return fmt.Errorf("load llm config: %w", err)
	}

	hostedCfg := hosting.HostedConfig{
		ModelFor: llmCfg.ModelFor,
		Version:  regCfg.Version,
		ForceNew: regCfg.ForceNewVersion || opts.forceNew,
	}
	if opts.version != "" {
		hostedCfg.Version = opts.version
	}
	if opts.latest {
		hostedCfg.Version = ""
		hostedCfg.ForceNew = false
	}

	sets, err := selectSets(appCfg.AgentsFile, opts.useCase)
	if err != nil {
		return err
	}
	deps, err := openToolDependencies(ctx)
	if err != nil {
		return err
	}
	if deps.MCP != nil {
		defer deps.MCP.Close()
	}

	for _, set := range sets {
		if deps.MCP != nil {
			set = catalog.WithExtraTools(set, deps.MCP.ToolNamesFor)
		}
		registry, err := toolx.NewRegistry(toolx.DomainTools(set.UseCase, deps)...)
		if err != nil {
			return fmt.Errorf("register %s tools: %w", set.UseCase, err)
		}
		hosted := hosting.NewHosted(client, nil, registry, nil, hostedCfg)
		regs, err := hosted.Register(ctx, set)
		if err != nil {
			return err
		}
		for _, r := range regs {
			state := "created"
			if r.Reused {
				state = "reused"
			}
			fmt.Fprintf(w, "%-24s version=%s %s\n", r.Agent, r.Version.Version, state)
		}
	}
	return nil
}

// selectSets returns the configured agent sets, or only the one named by useCase.
func selectSets(agentsFile, useCase string) ([]contractx.AgentSet, error) {
	all, err := catalog.Load(agentsFile)
	if err != nil {
		return nil, fmt.Errorf("load agent sets: %w", err)
	}
	if strings.TrimSpace(useCase) != "" {
		uc, err := statex.ParseUseCase(useCase)
		if err != nil {
			return nil, err
		}
		set, ok := all[uc]
		if !ok {
			return nil, fmt.Errorf("%w: no agent set for %s", contractx.ErrValidation, uc)
		}
		return []contractx.AgentSet{set}, nil
	}
	out := make([]contractx.AgentSet, 0, len(all))
	for _, set := range all {
		out = append(out, set)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UseCase < out[j].UseCase })
	return out, nil
}

func newAgentsDeleteCommand() *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:     "delete <agent>",
		Aliases: []string{"rm"},
		Short:   "Delete an agent, or one version of it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := openAgentRegistry()
			if err != nil {
				return err
			}
			name := strings.TrimSpace(args[0])
			if version != "" {
				err = client.DeleteVersion(cmd.Context(), name, version)
			} else {
				err = client.Delete(cmd.Context(), name)
			}
			if errors.Is(err, agentregistry.ErrNotFound) || errors.Is(err, agentregistry.ErrVersionNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s not found\n", name)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "delete only this version")
	return cmd
}
