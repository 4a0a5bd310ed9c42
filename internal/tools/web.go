package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/adapters"
)

// DefaultNewsQuery is searched when a news step carries no query.
const DefaultNewsQuery = `"housing law" OR "eviction" OR "rent increase" OR "tenant rights" OR "rent control" OR "affordable housing" OR "landlord" OR "security deposit"`

// Article is one news hit.
type Article struct {
	Title     string `json:"title"`
	Link      string `json:"link"`
	Source    string `json:"source,omitempty"`
	Published string `json:"published,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary,omitempty"`
}

// getJSON issues a GET and decodes a successful JSON body into out. The body
// is decoded by hand because several of these APIs mislabel their content
// type.
func getJSON(ctx context.Context, c *resty.Client, path string, params map[string]string, out any) error {
	resp, err := c.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), clip(resp.String(), 200))
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// News searches NewsAPI for recent articles.
func News(cfg Config) *adapters.CapabilityAdapter {
	client := newClient(cfg.NewsAPIURL, cfg.Timeout).SetHeader("X-Api-Key", cfg.NewsAPIKey)

	return adapters.NewCapability(rights2roof.ToolNews,
		func(ctx context.Context, input map[string]any) (any, error) {
			q := adapters.StringInput(input, "query")
			if q == "" {
				q = DefaultNewsQuery
			}
			var out struct {
				Status   string `json:"status"`
				Message  string `json:"message"`
				Articles []struct {
					Title       string `json:"title"`
					URL         string `json:"url"`
					PublishedAt string `json:"publishedAt"`
					Source      struct {
						Name string `json:"name"`
					} `json:"source"`
				} `json:"articles"`
			}
			err := getJSON(ctx, client, "/v2/everything", map[string]string{
				"q":        q,
				"language": "en",
				"sortBy":   "relevancy",
				"pageSize": "10",
			}, &out)
			if err != nil {
				return nil, err
			}
			if out.Status != "" && out.Status != "ok" {
				return nil, fmt.Errorf("news api: %s", out.Message)
			}

			articles := make([]Article, 0, len(out.Articles))
			for _, a := range out.Articles {
				if a.Title == "" || a.Title == "[Removed]" {
					continue
				}
				articles = append(articles, Article{
					Title:     a.Title,
					Link:      a.URL,
					Source:    a.Source.Name,
					Published: a.PublishedAt,
				})
			}
			return articles, nil
		},
		adapters.WithDescription("Finds recent news articles about housing, evictions, rent and tenant rights."),
		adapters.WithCategory("News"),
		adapters.WithParameters(map[string]string{
			"query": "Search terms, e.g. a neighborhood plus a housing topic",
		}),
		adapters.WithReturns("A list of articles with title, link, source and published date."),
		adapters.WithExamples([]string{"recent housing news in Brooklyn"}),
	)
}

// Tavily runs a general web search through the Tavily API.
func Tavily(cfg Config) *adapters.CapabilityAdapter {
	client := newClient(cfg.TavilyURL, cfg.Timeout).SetHeader("Content-Type", "application/json")

	return adapters.NewCapability(rights2roof.ToolTavily,
		func(ctx context.Context, input map[string]any) (any, error) {
			var out struct {
				Results []struct {
					Title   string `json:"title"`
					URL     string `json:"url"`
					Content string `json:"content"`
				} `json:"results"`
			}
			resp, err := client.R().
				SetContext(ctx).
				SetBody(map[string]any{
					"api_key":      cfg.TavilyAPIKey,
					"query":        adapters.StringInput(input, "query"),
					"max_results":  3,
					"topic":        "general",
					"search_depth": "basic",
				}).
				Post("/search")
			if err != nil {
				return nil, err
			}
			if resp.IsError() {
				return nil, fmt.Errorf("tavily: status %d: %s", resp.StatusCode(), clip(resp.String(), 200))
			}
			if err := json.Unmarshal(resp.Body(), &out); err != nil {
				return nil, fmt.Errorf("decode tavily response: %w", err)
			}

			results := make([]SearchResult, 0, len(out.Results))
			for _, r := range out.Results {
				results = append(results, SearchResult{Title: r.Title, URL: r.URL, Summary: clip(r.Content, 500)})
			}
			return results, nil
		},
		adapters.WithDescription("Searches the web for current information on a tenant or housing question."),
		adapters.WithCategory("Web"),
		adapters.WithParameters(map[string]string{
			"query": "Search query",
		}),
		adapters.WithReturns("Up to three results with title, url and summary."),
		queryInput(),
	)
}

// WikipediaSearch looks up background articles on Wikipedia.
func WikipediaSearch(cfg Config) *adapters.CapabilityAdapter {
	client := newClient(cfg.WikipediaURL, cfg.Timeout)
	base := strings.TrimRight(cfg.WikipediaURL, "/")

	return adapters.NewCapability(rights2roof.ToolWikipedia,
		func(ctx context.Context, input map[string]any) (any, error) {
			var out struct {
				Query struct {
					Search []struct {
						Title   string `json:"title"`
						Snippet string `json:"snippet"`
					} `json:"search"`
				} `json:"query"`
			}
			err := getJSON(ctx, client, "/w/api.php", map[string]string{
				"action":   "query",
				"list":     "search",
				"srsearch": adapters.StringInput(input, "query"),
				"srlimit":  "3",
				"format":   "json",
			}, &out)
			if err != nil {
				return nil, err
			}

			results := make([]SearchResult, 0, len(out.Query.Search))
			for _, s := range out.Query.Search {
				results = append(results, SearchResult{
					Title:   s.Title,
					URL:     base + "/wiki/" + url.PathEscape(strings.ReplaceAll(s.Title, " ", "_")),
					Summary: htmlText(s.Snippet),
				})
			}
			if len(results) == 0 {
				return "No Wikipedia articles matched.", nil
			}
			return results, nil
		},
		adapters.WithDescription("Looks up background on a legal or housing concept on Wikipedia."),
		adapters.WithCategory("Reference"),
		adapters.WithParameters(map[string]string{
			"query": "Topic to look up, e.g. 'rent control'",
		}),
		adapters.WithReturns("Up to three articles with title, url and summary."),
		queryInput(),
	)
}

// DuckDuckGoSearch queries the DuckDuckGo Instant Answer API. It needs no key
// and serves as the broad fallback search.
func DuckDuckGoSearch(cfg Config) *adapters.CapabilityAdapter {
	client := newClient(cfg.DuckDuckGoURL, cfg.Timeout)

	return adapters.NewCapability(rights2roof.ToolDuckDuckGo,
		func(ctx context.Context, input map[string]any) (any, error) {
			q := adapters.StringInput(input, "query")
			var out struct {
				Heading       string `json:"Heading"`
				AbstractText  string `json:"AbstractText"`
				AbstractURL   string `json:"AbstractURL"`
				Answer        string `json:"Answer"`
				RelatedTopics []struct {
					Text     string `json:"Text"`
					FirstURL string `json:"FirstURL"`
				} `json:"RelatedTopics"`
			}
			err := getJSON(ctx, client, "/", map[string]string{
				"q":             q,
				"format":        "json",
				"no_html":       "1",
				"skip_disambig": "1",
			}, &out)
			if err != nil {
				return nil, err
			}

			var results []SearchResult
			if out.AbstractText != "" || out.Answer != "" {
				summary := out.AbstractText
				if summary == "" {
					summary = out.Answer
				}
				title := out.Heading
				if title == "" {
					title = q
				}
				results = append(results, SearchResult{Title: title, URL: out.AbstractURL, Summary: summary})
			}
			for _, t := range out.RelatedTopics {
				if len(results) == 5 {
					break
				}
				if t.Text == "" {
					continue
				}
				results = append(results, SearchResult{Title: t.Text, URL: t.FirstURL})
			}
			if len(results) == 0 {
				return fmt.Sprintf("No instant answer found for %q.", q), nil
			}
			return results, nil
		},
		adapters.WithDescription("Broad web lookup for general questions no other tool covers."),
		adapters.WithCategory("Web"),
		adapters.WithParameters(map[string]string{
			"query": "Search query",
		}),
		adapters.WithReturns("An instant answer and related topics with links."),
		queryInput(),
	)
}

// htmlText strips markup from an HTML fragment.
func htmlText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBufferString(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
