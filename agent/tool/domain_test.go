package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

func toolByName(t *testing.T, tools []Tool, name string) Tool {
	t.Helper()
	for _, tl := range tools {
		if tl.Info().Name == name {
			return tl
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func TestBankingCRMTools(t *testing.T) {
	t.Parallel()

	dir, err := BankingClients("")
	require.NoError(t, err)
	tools := NewBankingCRMTools(dir)

	out, err := toolByName(t, tools, ToolLoadClientByFullname).Invoke(context.Background(), `{"client_fullname":"pete MITCHELL"}`)
	require.NoError(t, err)
	var payload struct {
		Status string         `json:"status"`
		Client map[string]any `json:"client"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "success", payload.Status)
	assert.Equal(t, "123456", payload.Client["clientID"])
	assert.Contains(t, payload.Client, "portfolio")

	_, err = toolByName(t, tools, ToolLoadClientByID).Invoke(context.Background(), `{"client_id":"999"}`)
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Contains(t, MessageOf(err), "Client with ID '999' not found in CRM")
}

func TestInsuranceCRMPolicyDetails(t *testing.T) {
	t.Parallel()

	dir, err := InsuranceClients("")
	require.NoError(t, err)
	tools := NewInsuranceCRMTools(dir)
	details := toolByName(t, tools, ToolGetClientPolicyDetails)

	out, err := details.Invoke(context.Background(), `{"client_id":"INS-1001","policy_no":"AUTO-112233"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Motor Comprehensive")
	assert.NotContains(t, out, "HOME-778899")

	_, err = details.Invoke(context.Background(), `{"client_id":"INS-1001","policy_no":"NOPE"}`)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestParseClientDirectoryAcceptsSingleObject(t *testing.T) {
	t.Parallel()

	dir, err := ParseClientDirectory([]byte(`{"id":"1","fullName":"Ada Lovelace"}`))
	require.NoError(t, err)
	_, ok := dir.ByFullName("ada lovelace")
	assert.True(t, ok)
	_, ok = dir.ByID("1")
	assert.True(t, ok)

	_, err = ParseClientDirectory([]byte(`{broken`))
	assert.Error(t, err)
}

func TestSearchToolStripsInternalFields(t *testing.T) {
	t.Parallel()

	var got searchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if r.URL.Path != "/indexes/cio-index/docs/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("api-key") != "secret" {
			t.Errorf("api-key header = %q", r.Header.Get("api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		fmt.Fprint(w, `{"value":[{"title":"Outlook 2026","chunk":"equities overweight","parent_id":"p","chunk_id":"c","contentVector":[0.1,0.2]}]}`)
	}))
	t.Cleanup(server.Close)

	cfg := SearchConfig{Endpoint: server.URL, APIKey: "secret", CIOIndex: "cio-index", VectorField: "contentVector"}
	client, err := NewSearchClient(cfg)
	require.NoError(t, err)

	tools := NewBankingSearchTools(client, cfg)
	out, err := toolByName(t, tools, ToolSearchCIO).Invoke(context.Background(), `{"query":"equity outlook"}`)
	require.NoError(t, err)

	assert.Equal(t, "equity outlook", got.Search)
	assert.Equal(t, "semantic", got.QueryType)
	assert.Equal(t, 3, got.Top)
	assert.Contains(t, out, "Outlook 2026")
	assert.NotContains(t, out, "parent_id")
	assert.NotContains(t, out, "contentVector")
}

func TestSearchToolUnconfigured(t *testing.T) {
	t.Parallel()

	tools := NewInsuranceSearchTools(nil, SearchConfig{})
	_, err := tools[0].Invoke(context.Background(), `{"query":"flood cover"}`)
	assert.Equal(t, CodeUnavailable, CodeOf(err))
}

const newsPage = `<html><body>
<table class="fullview-news-outer">
<tr><td>Oct-14-26 09:30AM</td><td><a href="https://news.example/1">First headline</a></td></tr>
<tr><td>08:15AM</td><td><a href="https://news.example/2">Second headline</a></td></tr>
<tr><td>Oct-13-26 04:00PM</td><td><a href="https://news.example/3">Third headline</a></td></tr>
<tr><td>03:00PM</td><td><a href="https://news.example/4">Fourth headline</a></td></tr>
<tr><td>02:00PM</td><td><a href="https://news.example/5">Fifth headline</a></td></tr>
<tr><td>01:00PM</td><td><a href="https://news.example/6">Sixth headline</a></td></tr>
</table></body></html>`

func TestParseNewsTableCarriesDateForward(t *testing.T) {
	t.Parallel()

	items, err := ParseNewsTable(strings.NewReader(newsPage), "MSFT", 5)
	require.NoError(t, err)
	require.Len(t, items, 5)

	assert.Equal(t, "Oct-14-26", items[0].Date)
	assert.Equal(t, "09:30AM", items[0].Time)
	assert.Equal(t, "Oct-14-26", items[1].Date)
	assert.Equal(t, "08:15AM", items[1].Time)
	assert.Equal(t, "Oct-13-26", items[4].Date)
	assert.Equal(t, "https://news.example/3", items[2].Link)
	assert.Equal(t, "Fifth headline", items[4].Headline)
}

func TestParseNewsTableMissing(t *testing.T) {
	t.Parallel()

	_, err := ParseNewsTable(strings.NewReader(`<html><body><p>nothing</p></body></html>`), "MSFT", 5)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestNewsToolFetches(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("t") != "AAPL" {
			t.Errorf("ticker = %q", r.URL.Query().Get("t"))
		}
		fmt.Fprint(w, newsPage)
	}))
	t.Cleanup(server.Close)

	fetcher, err := NewNewsFetcher(NewsConfig{BaseURL: server.URL + "/quote.ashx"})
	require.NoError(t, err)

	out, err := NewNewsTool(fetcher).Invoke(context.Background(), `{"position":"aapl"}`)
	require.NoError(t, err)

	var res NewsResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "AAPL", res.Ticker)
	assert.Equal(t, 5, res.NewsCount)
}

func TestDomainToolsPerUseCase(t *testing.T) {
	t.Parallel()

	banking := DomainTools(statex.UseCaseBanking, Dependencies{})
	names := make([]string, 0, len(banking))
	for _, tl := range banking {
		names = append(names, tl.Info().Name)
	}
	assert.ElementsMatch(t, []string{
		ToolLoadClientByFullname, ToolLoadClientByID, ToolSearchCIO, ToolSearchFundsDetails, ToolFetchNews, ToolCalculate,
	}, names)

	insurance := DomainTools(statex.UseCaseInsurance, Dependencies{})
	assert.Len(t, insurance, 5)
}

func TestCalculatorTool(t *testing.T) {
	t.Parallel()

	calc := NewCalculatorTool()
	out, err := calc.Invoke(context.Background(), `{"expression":"(60 + 40) * 0.25"}`)
	require.NoError(t, err)
	var res CalculationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "(60 + 40) * 0.25", res.Expression)
	assert.InDelta(t, 25.0, res.Result, 1e-9)

	cases := map[string]float64{
		"2^3^2":     512,
		"-2^2":      4,
		"7 % 4":     3,
		"1 - -1":    2,
		"10 / 4":    2.5,
		"+(3)":      3,
		"1.5 * 2":   3,
		"2 * (3+4)": 14,
	}
	for expr, want := range cases {
		got, err := Evaluate(expr)
		require.NoError(t, err, expr)
		assert.InDelta(t, want, got, 1e-9, expr)
	}

	for _, bad := range []string{"", "1 / 0", "2 +", "(1 + 2", "1 2", "abs(1)", "1..2"} {
		_, err := Evaluate(bad)
		require.Error(t, err, bad)
		assert.Equal(t, CodeValidation, CodeOf(err), bad)
	}
}
