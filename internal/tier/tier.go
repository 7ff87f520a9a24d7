// Package tier maps Stripe catalog identifiers to local plan tiers.
// The mapping is injected so deployments can rename plans without a
// code change.
package tier

// DefaultPaid is the tier assumed for paid subscriptions whose product
// is not in the catalog.
const DefaultPaid = "pro"

// Free is the tier of every free subscription.
const Free = "free"

// Resolver maps a Stripe product/price pair to a tier name.
type Resolver interface {
	Resolve(productID, priceID string) string
}

// Catalog is a static Resolver backed by lookup tables. Price mappings
// win over product mappings, so a single product can carry differently
// tiered prices.
type Catalog struct {
	ByProduct map[string]string
	ByPrice   map[string]string

	// Default is returned when neither table matches. Empty means
	// DefaultPaid.
	Default string
}

func (c *Catalog) Resolve(productID, priceID string) string {
	if c != nil {
		if t, ok := c.ByPrice[priceID]; ok && priceID != "" {
			return t
		}
		if t, ok := c.ByProduct[productID]; ok && productID != "" {
			return t
		}
		if c.Default != "" {
			return c.Default
		}
	}
	return DefaultPaid
}
