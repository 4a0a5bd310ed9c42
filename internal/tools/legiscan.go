package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/adapters"
)

const maxBills = 10

// Bill is one LegiScan search hit.
type Bill struct {
	Title          string `json:"title"`
	URL            string `json:"url"`
	Number         string `json:"bill_number"`
	State          string `json:"state"`
	LastAction     string `json:"last_action,omitempty"`
	LastActionDate string `json:"last_action_date,omitempty"`
	Relevance      int    `json:"relevance,omitempty"`
}

// LegiScan searches state legislation. The state defaults to the configured
// one and can be overridden per step with the "state" input.
func LegiScan(cfg Config) *adapters.CapabilityAdapter {
	client := newClient(cfg.LegiScanURL, cfg.Timeout)

	return adapters.NewCapability(rights2roof.ToolLegiScan,
		func(ctx context.Context, input map[string]any) (any, error) {
			state := strings.ToUpper(adapters.StringInput(input, "state"))
			if state == "" {
				state = cfg.LegiScanState
			}

			var out struct {
				Status string `json:"status"`
				Alert  struct {
					Message string `json:"message"`
				} `json:"alert"`
				SearchResult map[string]json.RawMessage `json:"searchresult"`
			}
			err := getJSON(ctx, client, "/", map[string]string{
				"key":   cfg.LegiScanAPIKey,
				"op":    "search",
				"state": state,
				"query": adapters.StringInput(input, "query"),
			}, &out)
			if err != nil {
				return nil, err
			}
			if out.Status != "OK" {
				msg := out.Alert.Message
				if msg == "" {
					msg = "status " + out.Status
				}
				return nil, fmt.Errorf("legiscan: %s", msg)
			}
			return parseBills(out.SearchResult)
		},
		adapters.WithDescription("Searches state bills and laws about housing and tenants (default state CA)."),
		adapters.WithCategory("Legislation"),
		adapters.WithParameters(map[string]string{
			"query": "Bill search terms, e.g. 'rent cap'",
			"state": "Two-letter state code",
		}),
		adapters.WithReturns("Matching bills with number, title, url and last action."),
		adapters.WithExamples([]string{"new California laws on rent caps"}),
		queryInput(),
	)
}

// parseBills reads the numbered entries of a search result, skipping the
// "summary" entry, in result order.
func parseBills(raw map[string]json.RawMessage) ([]Bill, error) {
	keys := make([]int, 0, len(raw))
	for k := range raw {
		if n, err := strconv.Atoi(k); err == nil {
			keys = append(keys, n)
		}
	}
	sort.Ints(keys)

	bills := make([]Bill, 0, len(keys))
	for _, n := range keys {
		if len(bills) == maxBills {
			break
		}
		var b Bill
		if err := json.Unmarshal(raw[strconv.Itoa(n)], &b); err != nil {
			return nil, fmt.Errorf("decode bill %d: %w", n, err)
		}
		if b.Number != "" && !strings.Contains(b.Title, b.Number) {
			b.Title = b.Number + ": " + b.Title
		}
		bills = append(bills, b)
	}
	return bills, nil
}
