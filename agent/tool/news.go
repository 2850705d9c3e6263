package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	ToolFetchNews = "fetch_news"

	newsTableClass = "fullview-news-outer"
	newsLimit      = 5
)

type NewsConfig struct {
	BaseURL       string        `envconfig:"BASE_URL" split_words:"true" default:"https://finviz.com/quote.ashx"`
	RatePerSecond float64       `envconfig:"RATE_PER_SECOND" split_words:"true" default:"1"`
	Timeout       time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"15s"`
	UserAgent     string        `envconfig:"USER_AGENT" split_words:"true" default:"Mozilla/5.0 (compatible; moneta-advisor)"`
}

type NewsItem struct {
	Ticker   string `json:"Ticker"`
	Date     string `json:"Date"`
	Time     string `json:"Time"`
	Headline string `json:"Headline"`
	Link     string `json:"Link"`
}

type NewsResult struct {
	Status    string     `json:"status"`
	Ticker    string     `json:"ticker"`
	NewsCount int        `json:"news_count"`
	News      []NewsItem `json:"news"`
}

// NewsFetcher scrapes the quote page news table for a ticker.
type NewsFetcher struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

func NewNewsFetcher(cfg NewsConfig) (*NewsFetcher, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("news base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid news base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &NewsFetcher{
		baseURL:    base,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (f *NewsFetcher) Fetch(ctx context.Context, ticker string) (NewsResult, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return NewsResult{}, err
	}
	q := u.Query()
	q.Set("t", ticker)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return NewsResult{}, fmt.Errorf("build news request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return NewsResult{}, fmt.Errorf("fetch news page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return NewsResult{}, fmt.Errorf("news http status=%d", resp.StatusCode)
	}

	items, err := ParseNewsTable(resp.Body, ticker, newsLimit)
	if err != nil {
		return NewsResult{}, err
	}
	return NewsResult{Status: "success", Ticker: ticker, NewsCount: len(items), News: items}, nil
}

// ParseNewsTable reads the first limit rows of the news table. Rows that only
// carry a time inherit the date of the previous row.
func ParseNewsTable(r io.Reader, ticker string, limit int) ([]NewsItem, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse news page: %w", err)
	}
	table := findNode(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Table && hasClass(n, newsTableClass)
	})
	if table == nil {
		return nil, NewError(CodeNotFound, "news table not found for %s", ticker)
	}

	rows := collect(table, func(n *html.Node) bool { return n.DataAtom == atom.Tr })
	if len(rows) > limit {
		rows = rows[:limit]
	}

	items := make([]NewsItem, 0, len(rows))
	lastDate := ""
	for _, row := range rows {
		cell := findNode(row, func(n *html.Node) bool { return n.DataAtom == atom.Td })
		if cell == nil {
			continue
		}
		parts := strings.Fields(textOf(cell))
		var date, clock string
		switch len(parts) {
		case 0:
			continue
		case 1:
			date, clock = lastDate, parts[0]
		default:
			date, clock = parts[0], parts[1]
			lastDate = date
		}

		link := findNode(row, func(n *html.Node) bool { return n.DataAtom == atom.A })
		if link == nil {
			continue
		}
		items = append(items, NewsItem{
			Ticker:   ticker,
			Date:     date,
			Time:     clock,
			Headline: strings.TrimSpace(textOf(link)),
			Link:     attr(link, "href"),
		})
	}
	return items, nil
}

func NewNewsTool(fetcher *NewsFetcher) *FunctionTool {
	return NewFunctionTool(
		ToolFetchNews,
		"Fetch the latest investment news for a position (ticker) of the client's portfolio.",
		map[string]*schema.ParameterInfo{
			"position": {Type: schema.String, Desc: "The position (ticker) of the client's portfolio", Required: true},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			if fetcher == nil {
				return nil, NewError(CodeUnavailable, "news source is not configured")
			}
			res, err := fetcher.Fetch(ctx, StringArg(args, "position"))
			if err != nil {
				var te *Error
				if errors.As(err, &te) {
					return nil, err
				}
				return nil, &Error{Code: CodeUnavailable, Message: "Failed to fetch news", Err: err}
			}
			return res, nil
		},
	)
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func collect(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
