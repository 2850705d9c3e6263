package catalog

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	promptx "github.com/tanpawarit/moneta-advisor/agent/prompt"
	toolx "github.com/tanpawarit/moneta-advisor/agent/tool"
	configx "github.com/tanpawarit/moneta-advisor/pkg/config"
)

const (
	BankCoordinator contractx.AgentID = "bank-coordinator"
	BankCRM         contractx.AgentID = "bank-crm-agent"
	BankCIO         contractx.AgentID = "bank-cio-agent"
	BankFunds       contractx.AgentID = "bank-funds-agent"
	BankNews        contractx.AgentID = "bank-news-agent"

	InsCoordinator contractx.AgentID = "ins-coordinator"
	InsCRM         contractx.AgentID = "ins-crm-agent"
	InsPolicies    contractx.AgentID = "ins-policies-agent"
)

func Banking() contractx.AgentSet {
	back := []contractx.AgentID{BankCoordinator}
	return contractx.AgentSet{
		UseCase:      contractx.UseCaseBanking,
		Coordinator:  BankCoordinator,
		DeepResearch: BankCIO,
		Agents: []contractx.AgentDefinition{
			{
				ID:           BankCoordinator,
				Description:  "Routes banking requests to the right specialist",
				Instructions: promptx.MustInstructions(BankCoordinator),
				Handoffs:     []contractx.AgentID{BankCRM, BankCIO, BankFunds, BankNews},
			},
			{
				ID:           BankCRM,
				Description:  "Client data, account details and portfolio information",
				Instructions: promptx.MustInstructions(BankCRM),
				Tools:        []string{toolx.ToolLoadClientByFullname, toolx.ToolLoadClientByID},
				Handoffs:     back,
			},
			{
				ID:           BankCIO,
				Description:  "Investment research, market analysis and CIO views",
				Instructions: promptx.MustInstructions(BankCIO),
				Tools:        []string{toolx.ToolSearchCIO},
				Handoffs:     back,
			},
			{
				ID:           BankFunds,
				Description:  "Funds, ETFs and fund performance",
				Instructions: promptx.MustInstructions(BankFunds),
				Tools:        []string{toolx.ToolSearchFundsDetails, toolx.ToolCalculate},
				Handoffs:     back,
			},
			{
				ID:           BankNews,
				Description:  "Latest news for portfolio positions",
				Instructions: promptx.MustInstructions(BankNews),
				Tools:        []string{toolx.ToolFetchNews},
				Handoffs:     back,
			},
		},
	}
}

func Insurance() contractx.AgentSet {
	back := []contractx.AgentID{InsCoordinator}
	return contractx.AgentSet{
		UseCase:      contractx.UseCaseInsurance,
		Coordinator:  InsCoordinator,
		DeepResearch: InsPolicies,
		Agents: []contractx.AgentDefinition{
			{
				ID:           InsCoordinator,
				Description:  "Routes insurance requests to the right specialist",
				Instructions: promptx.MustInstructions(InsCoordinator),
				Handoffs:     []contractx.AgentID{InsCRM, InsPolicies},
			},
			{
				ID:           InsCRM,
				Description:  "Client insurance data, policies and coverage summaries",
				Instructions: promptx.MustInstructions(InsCRM),
				Tools: []string{
					toolx.ToolLoadInsuranceClientByFullname,
					toolx.ToolLoadInsuranceClientByID,
					toolx.ToolGetClientPolicyDetails,
				},
				Handoffs: back,
			},
			{
				ID:           InsPolicies,
				Description:  "Insurance product research and policy wording",
				Instructions: promptx.MustInstructions(InsPolicies),
				Tools:        []string{toolx.ToolSearchInsurancePolicies, toolx.ToolCalculate},
				Handoffs:     back,
			},
		},
	}
}

func ForUseCase(useCase contractx.UseCase) (contractx.AgentSet, error) {
	switch useCase {
	case contractx.UseCaseBanking:
		return Banking(), nil
	case contractx.UseCaseInsurance:
		return Insurance(), nil
	default:
		return contractx.AgentSet{}, fmt.Errorf("%w: no agent set for use case %q", contractx.ErrValidation, useCase)
	}
}

// File is the optional agents override file.
type File struct {
	Sets []SetOverride `mapstructure:"sets"`
}

type SetOverride struct {
	UseCase      string          `mapstructure:"use_case"`
	DeepResearch string          `mapstructure:"deep_research"`
	Agents       []AgentOverride `mapstructure:"agents"`
}

// AgentOverride replaces the non-empty fields of a built-in agent, or adds a
// new agent when the id is unknown.
type AgentOverride struct {
	ID           string   `mapstructure:"id"`
	Description  string   `mapstructure:"description"`
	Instructions string   `mapstructure:"instructions"`
	Model        string   `mapstructure:"model"`
	Tools        []string `mapstructure:"tools"`
	Handoffs     []string `mapstructure:"handoffs"`
}

// Load returns the built-in sets with the overrides of path applied. An
// empty path returns the built-in sets.
func Load(path string) (map[contractx.UseCase]contractx.AgentSet, error) {
	sets := map[contractx.UseCase]contractx.AgentSet{
		contractx.UseCaseBanking:   Banking(),
		contractx.UseCaseInsurance: Insurance(),
	}
	if strings.TrimSpace(path) != "" {
		file, err := configx.LoadFile[File](path)
		if err != nil {
			return nil, err
		}
		if err := Apply(sets, *file); err != nil {
			return nil, err
		}
	}
	for _, set := range sets {
		if err := Validate(set); err != nil {
			return nil, err
		}
	}
	return sets, nil
}

func Apply(sets map[contractx.UseCase]contractx.AgentSet, file File) error {
	for _, so := range file.Sets {
		useCase := contractx.UseCase(strings.ToLower(strings.TrimSpace(so.UseCase)))
		set, ok := sets[useCase]
		if !ok {
			return fmt.Errorf("%w: override for unknown use case %q", contractx.ErrValidation, so.UseCase)
		}
		if v := strings.TrimSpace(so.DeepResearch); v != "" {
			set.DeepResearch = contractx.AgentID(v)
		}
		agents := append([]contractx.AgentDefinition(nil), set.Agents...)
		for _, ao := range so.Agents {
			id := contractx.AgentID(strings.TrimSpace(ao.ID))
			if id == "" {
				return fmt.Errorf("%w: agent override without id", contractx.ErrValidation)
			}
			idx := -1
			for i := range agents {
				if agents[i].ID == id {
					idx = i
					break
				}
			}
			if idx < 0 {
				agents = append(agents, contractx.AgentDefinition{ID: id})
				idx = len(agents) - 1
			}
			merge(&agents[idx], ao)
		}
		set.Agents = agents
		sets[useCase] = set
	}
	return nil
}

func merge(def *contractx.AgentDefinition, ao AgentOverride) {
	if v := strings.TrimSpace(ao.Description); v != "" {
		def.Description = v
	}
	if v := strings.TrimSpace(ao.Instructions); v != "" {
		def.Instructions = v
	}
	if v := strings.TrimSpace(ao.Model); v != "" {
		def.Model = v
	}
	if ao.Tools != nil {
		def.Tools = append([]string(nil), ao.Tools...)
	}
	if ao.Handoffs != nil {
		def.Handoffs = make([]contractx.AgentID, 0, len(ao.Handoffs))
		for _, h := range ao.Handoffs {
			def.Handoffs = append(def.Handoffs, contractx.AgentID(strings.TrimSpace(h)))
		}
	}
}

// Validate checks that every referenced agent exists and every agent has instructions.
func Validate(set contractx.AgentSet) error {
	if _, ok := set.Lookup(set.Coordinator); !ok {
		return fmt.Errorf("%w: %s coordinator %s is not defined", contractx.ErrValidation, set.UseCase, set.Coordinator)
	}
	if !set.DeepResearch.IsNone() {
		if _, ok := set.Lookup(set.DeepResearch); !ok {
			return fmt.Errorf("%w: %s deep research agent %s is not defined", contractx.ErrValidation, set.UseCase, set.DeepResearch)
		}
	}
	for _, def := range set.Agents {
		if strings.TrimSpace(def.Instructions) == "" {
			return fmt.Errorf("%w: agent %s", contractx.ErrPromptMissing, def.ID)
		}
		for _, target := range def.Handoffs {
			if target == def.ID {
				return fmt.Errorf("%w: agent %s hands off to itself", contractx.ErrValidation, def.ID)
			}
			if _, ok := set.Lookup(target); !ok {
				return fmt.Errorf("%w: agent %s hands off to unknown agent %s", contractx.ErrValidation, def.ID, target)
			}
		}
	}
	return nil
}

// WithExtraTools appends tools (MCP tools bound per agent) to each definition.
func WithExtraTools(set contractx.AgentSet, extra func(agentID string) []string) contractx.AgentSet {
	if extra == nil {
		return set
	}
	agents := make([]contractx.AgentDefinition, 0, len(set.Agents))
	for _, def := range set.Agents {
		if names := extra(string(def.ID)); len(names) > 0 {
			def.Tools = append(append([]string(nil), def.Tools...), names...)
		}
		agents = append(agents, def)
	}
	set.Agents = agents
	return set
}
