package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sourcegraph/conc/iter"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/adapters"
)

const entriesPerFeed = 5

type rssDocument struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

type feedResult struct {
	items []rssItem
	err   error
}

// BingRSS reads the configured Bing News feeds and keeps the leading entries
// whose titles mention the query.
func BingRSS(cfg Config, logger *slog.Logger) *adapters.CapabilityAdapter {
	client := newClient("", cfg.Timeout)
	feeds := cfg.BingFeeds

	fetch := func(ctx context.Context, feed string) ([]rssItem, error) {
		resp, err := client.R().SetContext(ctx).Get(feed)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("feed status %d", resp.StatusCode())
		}
		var doc rssDocument
		if err := xml.Unmarshal(resp.Body(), &doc); err != nil {
			return nil, fmt.Errorf("parse feed: %w", err)
		}
		items := doc.Channel.Items
		if len(items) > entriesPerFeed {
			items = items[:entriesPerFeed]
		}
		return items, nil
	}

	return adapters.NewCapability(rights2roof.ToolBingRSS,
		func(ctx context.Context, input map[string]any) (any, error) {
			if len(feeds) == 0 {
				return nil, fmt.Errorf("no feeds configured")
			}
			results := iter.Map(feeds, func(feed *string) feedResult {
				items, err := fetch(ctx, *feed)
				return feedResult{items: items, err: err}
			})

			terms := matchTerms(adapters.StringInput(input, "query"))
			articles := []Article{}
			seen := make(map[string]bool)
			failed := 0
			for i, r := range results {
				if r.err != nil {
					failed++
					logger.Warn("RSS feed failed", "feed", feeds[i], "error", r.err)
					continue
				}
				for _, item := range r.items {
					title := strings.TrimSpace(item.Title)
					if seen[item.Link] || !titleMatches(title, terms) {
						continue
					}
					seen[item.Link] = true
					articles = append(articles, Article{
						Title:     title,
						Link:      strings.TrimSpace(item.Link),
						Published: item.PubDate,
						Summary:   clip(htmlText(item.Description), 300),
					})
				}
			}
			if failed == len(results) {
				return nil, fmt.Errorf("all %d feeds failed: %w", failed, results[0].err)
			}
			return articles, nil
		},
		adapters.WithDescription("Reads Bing News RSS feeds on California tenant rights, eviction moratoriums and rental assistance."),
		adapters.WithCategory("News"),
		adapters.WithParameters(map[string]string{
			"query": "Words the headline should mention",
		}),
		adapters.WithReturns("Matching headlines with title and link."),
	)
}

// matchTerms lowercases the query into the words a headline may match.
// Short words are ignored.
func matchTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) >= 4 {
			terms = append(terms, w)
		}
	}
	return terms
}

// titleMatches reports whether title contains any term. No terms matches
// everything.
func titleMatches(title string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	lower := strings.ToLower(title)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
