package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/adapters"
	"github.com/OhziiiLov3/rights2roof/internal/expr"
)

// Formulas evaluated by rent_calc_tool. The cap follows California's Tenant
// Protection Act: 5% plus regional CPI, at most 10%.
const (
	NewRentFormula  = "round(current_rent * (1 + increase_pct / 100), 2)"
	IncreaseFormula = "round(pct(new_rent - current_rent, current_rent), 2)"
	CapFormula      = "min(5 + cpi, 10)"
)

var (
	moneyPattern   = regexp.MustCompile(`\$\s?(\d[\d,]*(?:\.\d+)?)`)
	percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s?(?:%|percent)`)
)

// RentCalculator checks a rent increase against the statutory cap. Figures
// come from the current_rent, new_rent, increase_pct and cpi inputs, or are
// read from the query ("my $1,200 rent is going up 12%").
func RentCalculator(formulas *expr.Registry, defaultCPI float64) *adapters.CapabilityAdapter {
	if formulas == nil {
		formulas = expr.NewRegistry()
	}

	return adapters.NewCapability(rights2roof.ToolRentCalc,
		func(ctx context.Context, input map[string]any) (any, error) {
			params, err := rentParams(input, defaultCPI)
			if err != nil {
				return nil, err
			}

			if _, ok := params["new_rent"]; !ok {
				if params["new_rent"], err = formulas.Evaluate(NewRentFormula, params); err != nil {
					return nil, err
				}
			}
			if _, ok := params["increase_pct"]; !ok {
				if params["increase_pct"], err = formulas.Evaluate(IncreaseFormula, params); err != nil {
					return nil, err
				}
			}
			capPct, err := formulas.Evaluate(CapFormula, params)
			if err != nil {
				return nil, err
			}

			current := params["current_rent"].(float64)
			next := params["new_rent"].(float64)
			pct := params["increase_pct"].(float64)
			exceeds := pct > capPct

			verdict := "is within"
			if exceeds {
				verdict = "exceeds"
			}
			summary := fmt.Sprintf("A %.2f%% increase on $%.2f brings rent to $%.2f (+$%.2f a month). The statewide cap is %.1f%%, so this increase %s the cap.",
				pct, current, next, next-current, capPct, verdict)
			return map[string]any{
				"current_rent":    current,
				"new_rent":        next,
				"increase_pct":    pct,
				"increase_amount": next - current,
				"allowed_cap_pct": capPct,
				"exceeds_cap":     exceeds,
				"summary":         summary,
			}, nil
		},
		adapters.WithDescription("Calculates a rent increase and checks it against California's annual cap (5% plus CPI, at most 10%)."),
		adapters.WithCategory("Calculator"),
		adapters.WithParameters(map[string]string{
			"current_rent": "Monthly rent before the increase",
			"new_rent":     "Monthly rent after the increase",
			"increase_pct": "Increase in percent",
			"cpi":          "Regional CPI in percent",
		}),
		adapters.WithReturns("New rent, percent increase, allowed cap and whether it is exceeded."),
		adapters.WithExamples([]string{"my rent is $1,200 and my landlord wants 12% more"}),
	)
}

// rentParams collects current_rent plus new_rent or increase_pct, falling
// back to figures found in the query.
func rentParams(input map[string]any, defaultCPI float64) (map[string]interface{}, error) {
	params := map[string]interface{}{"cpi": defaultCPI}
	if v, ok := numberInput(input, "cpi"); ok {
		params["cpi"] = v
	}

	query := adapters.StringInput(input, "query")
	amounts := moneyPattern.FindAllStringSubmatch(query, -1)
	percents := percentPattern.FindAllStringSubmatch(query, -1)

	current, ok := numberInput(input, "current_rent")
	if !ok && len(amounts) > 0 {
		current, ok = parseNumber(amounts[0][1])
	}
	if !ok || current <= 0 {
		return nil, errors.New("missing required input: current_rent")
	}
	params["current_rent"] = current

	if v, ok := numberInput(input, "new_rent"); ok {
		params["new_rent"] = v
		return params, nil
	}
	if v, ok := numberInput(input, "increase_pct"); ok {
		params["increase_pct"] = v
		return params, nil
	}
	if len(percents) > 0 {
		if v, ok := parseNumber(percents[0][1]); ok {
			params["increase_pct"] = v
			return params, nil
		}
	}
	if len(amounts) > 1 {
		if v, ok := parseNumber(amounts[1][1]); ok {
			params["new_rent"] = v
			return params, nil
		}
	}
	return nil, errors.New("missing required input: new_rent or increase_pct")
}

func numberInput(input map[string]any, key string) (float64, bool) {
	switch v := input[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		return parseNumber(v)
	}
	return 0, false
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(strings.NewReplacer("$", "", ",", "", "%", "").Replace(s))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
