// Package billing provides Lemon Squeezy billing integration: the product
// catalog, hosted checkout creation, and webhook verification and processing.
//
// All credit grants flow through the ledger with an external ref derived from
// the billing event, so replayed webhooks can never credit twice.
package billing

// CreditPackage is a one-time credit purchase product.
type CreditPackage struct {
	Key       string // catalog key: "starter", "popular", "pro"
	VariantID string // Lemon Squeezy variant ID
	Credits   int64
	Label     string
	Price     string
}

// SubscriptionPlan is a monthly credit grant product.
type SubscriptionPlan struct {
	Key            string // catalog key: "basic", "pro"
	VariantID      string // Lemon Squeezy variant ID
	MonthlyCredits int64
	Label          string
	Price          string
}

// CatalogConfig maps catalog entries to the store's variant IDs.
type CatalogConfig struct {
	VariantStarter  string
	VariantPopular  string
	VariantPro      string
	VariantBasicSub string
	VariantProSub   string
}

// Catalog resolves variant IDs to products. Variant IDs come from the store
// configuration, while credit amounts are fixed here.
type Catalog struct {
	packages []CreditPackage
	plans    []SubscriptionPlan
}

// NewCatalog builds the product catalog from configured variant IDs.
func NewCatalog(cfg CatalogConfig) *Catalog {
	return &Catalog{
		packages: []CreditPackage{
			{Key: "starter", VariantID: cfg.VariantStarter, Credits: 40, Label: "Starter — 40 Credits", Price: "$4.99"},
			{Key: "popular", VariantID: cfg.VariantPopular, Credits: 120, Label: "Popular — 120 Credits", Price: "$11.99"},
			{Key: "pro", VariantID: cfg.VariantPro, Credits: 400, Label: "Pro Pack — 400 Credits", Price: "$29.99"},
		},
		plans: []SubscriptionPlan{
			{Key: "basic", VariantID: cfg.VariantBasicSub, MonthlyCredits: 200, Label: "Basic — 200 credits/month", Price: "$9.99/mo"},
			{Key: "pro", VariantID: cfg.VariantProSub, MonthlyCredits: 600, Label: "Pro — 600 credits/month", Price: "$24.99/mo"},
		},
	}
}

// Packages returns the credit packages in display order.
func (c *Catalog) Packages() []CreditPackage {
	return c.packages
}

// Plans returns the subscription plans in display order.
func (c *Catalog) Plans() []SubscriptionPlan {
	return c.plans
}

// PackageByKey resolves a catalog key to a credit package.
func (c *Catalog) PackageByKey(key string) (CreditPackage, bool) {
	for _, p := range c.packages {
		if p.Key == key {
			return p, true
		}
	}
	return CreditPackage{}, false
}

// PlanByKey resolves a catalog key to a subscription plan.
func (c *Catalog) PlanByKey(key string) (SubscriptionPlan, bool) {
	for _, p := range c.plans {
		if p.Key == key {
			return p, true
		}
	}
	return SubscriptionPlan{}, false
}

// PackageByVariant resolves a Lemon Squeezy variant ID to a credit package.
func (c *Catalog) PackageByVariant(variantID string) (CreditPackage, bool) {
	for _, p := range c.packages {
		if p.VariantID != "" && p.VariantID == variantID {
			return p, true
		}
	}
	return CreditPackage{}, false
}

// PlanByVariant resolves a Lemon Squeezy variant ID to a subscription plan.
func (c *Catalog) PlanByVariant(variantID string) (SubscriptionPlan, bool) {
	for _, p := range c.plans {
		if p.VariantID != "" && p.VariantID == variantID {
			return p, true
		}
	}
	return SubscriptionPlan{}, false
}
