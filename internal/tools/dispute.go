package tools

import (
	"context"
	"errors"
	"strings"
	"text/template"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/adapters"
)

// Dispute letter types.
const (
	DisputeRepair       = "repair_request"
	DisputeDeposit      = "deposit_claim"
	DisputeRentIncrease = "rent_increase_dispute"
)

// ErrInvalidDisputeType is returned for a dispute_type outside the three
// supported letters.
var ErrInvalidDisputeType = errors.New("Invalid dispute type. Use: repair_request, deposit_claim, rent_increase_dispute.")

var letterTemplates = template.Must(template.New("letters").Parse(`
{{define "repair_request"}}Dear {{.Landlord}},

Please arrange repairs at {{.Address}} for this issue:
{{.Issue}}.

Thanks,
{{.Tenant}}{{end}}
{{define "deposit_claim"}}Dear {{.Landlord}},

I request the return of my security deposit ({{.Amount}}) for {{.Address}}.
Please provide an itemized list of any deductions.

Thanks,
{{.Tenant}}{{end}}
{{define "rent_increase_dispute"}}Dear {{.Landlord}},

I dispute the rent increase of {{.Amount}} for {{.Address}}.
Please provide documentation supporting this change.

Thanks,
{{.Tenant}}{{end}}
`))

type letterFields struct {
	Tenant   string
	Landlord string
	Address  string
	Issue    string
	Amount   string
}

// DisputeLetter drafts a letter to a landlord. Without a dispute_type the
// letter kind is inferred from the query.
func DisputeLetter() *adapters.CapabilityAdapter {
	return adapters.NewCapability(rights2roof.ToolDisputeLetter,
		func(ctx context.Context, input map[string]any) (any, error) {
			kind := strings.ToLower(adapters.StringInput(input, "dispute_type"))
			if kind == "" {
				kind = inferDisputeType(adapters.StringInput(input, "query"))
			}
			switch kind {
			case DisputeRepair, DisputeDeposit, DisputeRentIncrease:
			default:
				return nil, ErrInvalidDisputeType
			}

			fields := letterFields{
				Tenant:   orDefault(adapters.StringInput(input, "tenant_name"), "[Your Name]"),
				Landlord: orDefault(adapters.StringInput(input, "landlord_name"), "Landlord"),
				Address:  orDefault(adapters.StringInput(input, "property_address"), "[Property Address]"),
				Issue:    orDefault(adapters.StringInput(input, "issue_description"), "[Repair details]"),
				Amount:   orDefault(adapters.StringInput(input, "claim_amount"), "[Amount]"),
			}
			var b strings.Builder
			if err := letterTemplates.ExecuteTemplate(&b, kind, fields); err != nil {
				return nil, err
			}
			return map[string]any{
				"dispute_type": kind,
				"letter":       b.String(),
			}, nil
		},
		adapters.WithDescription("Drafts a letter to a landlord: repair requests, security deposit claims or rent increase disputes."),
		adapters.WithCategory("Documents"),
		adapters.WithParameters(map[string]string{
			"dispute_type":      "repair_request, deposit_claim or rent_increase_dispute",
			"tenant_name":       "Tenant's name",
			"landlord_name":     "Landlord's name",
			"property_address":  "Rental address",
			"issue_description": "What needs repair",
			"claim_amount":      "Deposit or increase amount",
		}),
		adapters.WithReturns("The letter text and its dispute_type."),
		adapters.WithExamples([]string{"write a letter asking my landlord to return my deposit"}),
	)
}

// inferDisputeType picks a letter kind from keywords. Rent increases are the
// default.
func inferDisputeType(query string) string {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "deposit"):
		return DisputeDeposit
	case strings.Contains(q, "repair"), strings.Contains(q, "fix"), strings.Contains(q, "broken"),
		strings.Contains(q, "mold"), strings.Contains(q, "leak"), strings.Contains(q, "heat"):
		return DisputeRepair
	default:
		return DisputeRentIncrease
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
