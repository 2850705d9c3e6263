package tool

import (
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

// Dependencies are the backends domain tools call into. A nil backend still
// yields the tool; calling it reports UNAVAILABLE.
type Dependencies struct {
	BankingClients   *ClientDirectory
	InsuranceClients *ClientDirectory
	Search           *SearchClient
	SearchConfig     SearchConfig
	News             *NewsFetcher
	NewsRate         float64
	MCP              *MCPToolset
}

// DomainTools returns every domain tool of a use case, MCP tools included.
func DomainTools(useCase statex.UseCase, deps Dependencies) []Tool {
	var out []Tool
	switch useCase {
	case statex.UseCaseBanking:
		clients := deps.BankingClients
		if clients == nil {
			clients = &ClientDirectory{}
		}
		out = append(out, NewBankingCRMTools(clients)...)
		out = append(out, NewBankingSearchTools(deps.Search, deps.SearchConfig)...)
		out = append(out, NewNewsTool(deps.News), NewCalculatorTool())
	case statex.UseCaseInsurance:
		clients := deps.InsuranceClients
		if clients == nil {
			clients = &ClientDirectory{}
		}
		out = append(out, NewInsuranceCRMTools(clients)...)
		out = append(out, NewInsuranceSearchTools(deps.Search, deps.SearchConfig)...)
		out = append(out, NewCalculatorTool())
	}
	if deps.MCP != nil {
		out = append(out, deps.MCP.Tools()...)
	}
	return out
}
