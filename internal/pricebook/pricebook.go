// Package pricebook implements the static price table cloud.estimate
// reads, keyed by (provider, action) rather than the ambient-stack's
// token-based model pricing this is generalized from.
package pricebook

import "fmt"

// Price is one (provider, action) price point.
type Price struct {
	USDPerUnit float64
	Unit       string
}

// DefaultTable is the built-in provider/action price book. Operators can
// override entries via the admin config without recompiling, but an
// unconfigured deployment still answers cloud.estimate sensibly.
var DefaultTable = map[string]map[string]Price{
	"aws": {
		"ec2.run_instance":  {USDPerUnit: 0.096, Unit: "hour"},
		"s3.put_object":     {USDPerUnit: 0.000005, Unit: "request"},
		"lambda.invoke":     {USDPerUnit: 0.0000002, Unit: "invocation"},
		"rds.create_db":     {USDPerUnit: 0.145, Unit: "hour"},
	},
	"gcp": {
		"compute.create_instance": {USDPerUnit: 0.084, Unit: "hour"},
		"storage.insert_object":   {USDPerUnit: 0.000004, Unit: "request"},
		"functions.invoke":        {USDPerUnit: 0.0000004, Unit: "invocation"},
	},
	"azure": {
		"vm.create":           {USDPerUnit: 0.092, Unit: "hour"},
		"blob.put":            {USDPerUnit: 0.000005, Unit: "request"},
		"functions.invoke":    {USDPerUnit: 0.0000002, Unit: "invocation"},
	},
}

// defaultPrice is used for any (provider, action) pair absent from the
// table, so cloud.estimate never fails outright for an unrecognized
// combination — it reports a conservative fallback price instead.
var defaultPrice = Price{USDPerUnit: 0.10, Unit: "operation"}

// Estimate computes {estimated_cost_usd, unit, usd_per_unit, source} for
// quantity units of (provider, action), per spec.md §6's cloud.estimate
// contract. cloud.estimate is never gated for approval.
type Estimate struct {
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Unit             string  `json:"unit"`
	USDPerUnit       float64 `json:"usd_per_unit"`
	Source           string  `json:"source"`
}

// Lookup returns the price for (provider, action), using the table when
// present and defaultPrice otherwise.
func Lookup(table map[string]map[string]Price, provider, action string) (Price, string) {
	if table == nil {
		table = DefaultTable
	}
	if byAction, ok := table[provider]; ok {
		if p, ok := byAction[action]; ok {
			return p, fmt.Sprintf("pricebook:%s", provider)
		}
	}
	return defaultPrice, "pricebook:default"
}

// EstimateCost computes the estimate for quantity units of (provider,
// action) against table (nil uses DefaultTable).
func EstimateCost(table map[string]map[string]Price, provider, action string, quantity float64) Estimate {
	price, source := Lookup(table, provider, action)
	return Estimate{
		EstimatedCostUSD: price.USDPerUnit * quantity,
		Unit:             price.Unit,
		USDPerUnit:       price.USDPerUnit,
		Source:           source,
	}
}
