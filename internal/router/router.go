// Package router maps upscale categories to provider routes.
//
// The table is fixed by product contract: each category has a primary
// provider and a fallback. The base lifecycle uses only the primary; the
// fallback is an explicit extension point for retry-on-failure.
package router

import (
	"github.com/pixlift/pixlift/internal/domain"
)

// Route is a primary/fallback provider pair for one category.
type Route struct {
	Primary  domain.Provider
	Fallback domain.Provider
}

var routingTable = map[domain.Category]Route{
	domain.CategoryPortrait:    {Primary: domain.ProviderClaid, Fallback: domain.ProviderFal},
	domain.CategoryClarity:     {Primary: domain.ProviderFal, Fallback: domain.ProviderRunware},
	domain.CategoryProduct:     {Primary: domain.ProviderClaid, Fallback: domain.ProviderFal},
	domain.CategoryAnime:       {Primary: domain.ProviderFal, Fallback: domain.ProviderRunware},
	domain.CategoryRestoration: {Primary: domain.ProviderFal, Fallback: domain.ProviderRunware},
}

// RouteFor returns the provider route for a category.
//
// Callers are expected to validate category membership at the API boundary,
// but unknown input is still rejected here rather than silently defaulted.
func RouteFor(category domain.Category) (Route, error) {
	route, ok := routingTable[category]
	if !ok {
		return Route{}, domain.Errorf(domain.EINVALID, "router.route_for", "unknown category %q", category)
	}
	return route, nil
}
