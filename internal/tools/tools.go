// Package tools provides the tenant-rights capabilities the planner routes
// steps to: news, legislation and web search, location lookup, the knowledge
// base, follow-up chat and the rent and dispute-letter helpers.
package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/adapters"
	"github.com/OhziiiLov3/rights2roof/internal/expr"
)

// Config holds API keys and endpoints for the HTTP-backed tools. Blank base
// URLs fall back to the public services.
type Config struct {
	NewsAPIKey     string        `mapstructure:"news_api_key"`
	NewsAPIURL     string        `mapstructure:"news_api_url"`
	TavilyAPIKey   string        `mapstructure:"tavily_api_key"`
	TavilyURL      string        `mapstructure:"tavily_url"`
	LegiScanAPIKey string        `mapstructure:"legiscan_api_key"`
	LegiScanURL    string        `mapstructure:"legiscan_url"`
	LegiScanState  string        `mapstructure:"legiscan_state"`
	WikipediaURL   string        `mapstructure:"wikipedia_url"`
	DuckDuckGoURL  string        `mapstructure:"duckduckgo_url"`
	GeoURL         string        `mapstructure:"geo_url"`
	BingFeeds      []string      `mapstructure:"bing_feeds"`
	Timeout        time.Duration `mapstructure:"timeout"`

	// CPI is the regional inflation figure used for the statutory rent cap.
	CPI float64 `mapstructure:"cpi"`
}

// DefaultConfig returns the public endpoints with no keys set.
func DefaultConfig() Config {
	return Config{
		NewsAPIURL:    "https://newsapi.org",
		TavilyURL:     "https://api.tavily.com",
		LegiScanURL:   "https://api.legiscan.com",
		LegiScanState: "CA",
		WikipediaURL:  "https://en.wikipedia.org",
		DuckDuckGoURL: "https://api.duckduckgo.com",
		GeoURL:        "http://ip-api.com",
		BingFeeds: []string{
			"https://www.bing.com/news/search?q=california+tenant+rights&format=rss",
			"https://www.bing.com/news/search?q=california+eviction+moratorium&format=rss",
			"https://www.bing.com/news/search?q=california+rental+assistance+program&format=rss",
		},
		Timeout: 10 * time.Second,
		CPI:     3.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NewsAPIURL == "" {
		c.NewsAPIURL = d.NewsAPIURL
	}
	if c.TavilyURL == "" {
		c.TavilyURL = d.TavilyURL
	}
	if c.LegiScanURL == "" {
		c.LegiScanURL = d.LegiScanURL
	}
	if c.LegiScanState == "" {
		c.LegiScanState = d.LegiScanState
	}
	if c.WikipediaURL == "" {
		c.WikipediaURL = d.WikipediaURL
	}
	if c.DuckDuckGoURL == "" {
		c.DuckDuckGoURL = d.DuckDuckGoURL
	}
	if c.GeoURL == "" {
		c.GeoURL = d.GeoURL
	}
	if c.BingFeeds == nil {
		c.BingFeeds = d.BingFeeds
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// ChatFunc answers a follow-up question. The genkit chat flow's Run method
// satisfies it.
type ChatFunc func(ctx context.Context, req *rights2roof.ChatRequest) (string, error)

// Deps are the in-process collaborators of the local tools. A nil field
// leaves the tools that need it unregistered.
type Deps struct {
	KnowledgeBase rights2roof.KnowledgeBase
	History       *rights2roof.History
	Chat          ChatFunc
	Expressions   *expr.Registry
	Now           func() time.Time
	Logger        *slog.Logger
}

// SetupTools builds every capability that cfg and deps can support. Tools
// needing a missing API key or collaborator are skipped with a log line.
func SetupTools(cfg Config, deps Deps) []rights2roof.Capability {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	caps := []rights2roof.Capability{
		GeoLookup(cfg),
		WikipediaSearch(cfg),
		TimeTool(deps.Now),
		DuckDuckGoSearch(cfg),
		BingRSS(cfg, logger),
		RentCalculator(deps.Expressions, cfg.CPI),
		DisputeLetter(),
	}

	optional := []struct {
		name  rights2roof.ToolName
		ok    bool
		build func() rights2roof.Capability
	}{
		{rights2roof.ToolNews, cfg.NewsAPIKey != "", func() rights2roof.Capability { return News(cfg) }},
		{rights2roof.ToolTavily, cfg.TavilyAPIKey != "", func() rights2roof.Capability { return Tavily(cfg) }},
		{rights2roof.ToolLegiScan, cfg.LegiScanAPIKey != "", func() rights2roof.Capability { return LegiScan(cfg) }},
		{rights2roof.ToolKnowledgeBase, deps.KnowledgeBase != nil, func() rights2roof.Capability {
			return KnowledgeBaseSearch(deps.KnowledgeBase)
		}},
		{rights2roof.ToolChat, deps.Chat != nil, func() rights2roof.Capability {
			return Chat(deps.Chat, deps.History, deps.KnowledgeBase)
		}},
	}
	for _, o := range optional {
		if !o.ok {
			logger.Info("Tool disabled", "tool", o.name)
			continue
		}
		caps = append(caps, o.build())
	}
	return caps
}

func newClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "rights2roof/1.0")
}

func queryInput() adapters.CapabilityOption {
	return adapters.WithValidator(adapters.RequireKeys("query"))
}
