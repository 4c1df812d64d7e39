// Package product defines the purchasable license tiers.
package product

import "github.com/shopspring/decimal"

// Product is one purchasable license tier.
type Product struct {
	Code     string
	Name     string
	USDPrice decimal.Decimal
	TermDays int
	Features []string
}

var catalog = map[string]Product{
	"starter": {
		Code:     "starter",
		Name:     "SRPK Pro Starter",
		USDPrice: decimal.NewFromInt(99),
		TermDays: 30,
		Features: []string{"advanced_reports", "api_access"},
	},
	"professional": {
		Code:     "professional",
		Name:     "SRPK Pro Professional",
		USDPrice: decimal.NewFromInt(299),
		TermDays: 30,
		Features: []string{
			"advanced_reports", "api_access", "enterprise_connectors",
			"priority_support", "custom_rules", "team_collaboration",
		},
	},
	"enterprise": {
		Code:     "enterprise",
		Name:     "SRPK Pro Enterprise",
		USDPrice: decimal.NewFromInt(999),
		TermDays: 30,
		Features: []string{
			"advanced_reports", "api_access", "enterprise_connectors",
			"priority_support", "custom_rules", "team_collaboration",
			"sso", "audit_logs", "dedicated_support",
		},
	},
}

// Get resolves a product code.
func Get(code string) (Product, bool) {
	p, ok := catalog[code]
	return p, ok
}

// Codes lists the known product codes.
func Codes() []string {
	return []string{"starter", "professional", "enterprise"}
}

// All returns every catalog entry in Codes order.
func All() []Product {
	out := make([]Product, 0, len(catalog))
	for _, code := range Codes() {
		out = append(out, catalog[code])
	}
	return out
}
