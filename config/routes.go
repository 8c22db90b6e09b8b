package config

import (
	"fmt"
	"os"
	"strings"
)

// Route is the descriptor for one monetized backend route.
type Route struct {
	Key                 string
	Path                string
	BackendName         string
	BackendURL          string
	BackendAPIKey       string
	BackendAPIKeyHeader string
	Price               string // display price, e.g. "$0.01"
	PriceAtomic         string // integer string, base units at 6-decimal reference
	PayTo               string // EVM recipient
	PayToSol            string // SVM recipient
	Description         string
	MimeType            string
}

// routeSpec declares a builtin route; environment variables fill in the
// deployment-specific fields using the uppercased key as prefix.
type routeSpec struct {
	Key         string
	Path        string
	BackendName string
	Description string
	MimeType    string
}

var builtinRoutes = []routeSpec{
	{
		Key:         "myapi",
		Path:        "/v1/myapi",
		BackendName: "myapi",
		Description: "Paid API access",
		MimeType:    "application/json",
	},
	{
		Key:         "search",
		Path:        "/v1/search",
		BackendName: "search",
		Description: "Paid search queries",
		MimeType:    "application/json",
	},
}

// RouteTable maps route keys to descriptors.
type RouteTable struct {
	routes map[string]*Route
	order  []string
}

// BuildRouteTable builds the route table from the environment. A route is
// registered only when its backend URL is configured. Per-route recipient
// addresses fall back to the global PAY_TO_ADDRESS / PAY_TO_ADDRESS_SOL.
func BuildRouteTable(env EnvFunc) *RouteTable {
	if env == nil {
		env = os.Getenv
	}

	table := &RouteTable{routes: make(map[string]*Route)}

	for _, spec := range builtinRoutes {
		prefix := strings.ToUpper(spec.Key)

		backendURL := env(prefix + "_BACKEND_URL")
		if backendURL == "" {
			continue
		}

		payTo := env(prefix + "_PAY_TO_ADDRESS")
		if payTo == "" {
			payTo = env("PAY_TO_ADDRESS")
		}
		payToSol := env(prefix + "_PAY_TO_ADDRESS_SOL")
		if payToSol == "" {
			payToSol = env("PAY_TO_ADDRESS_SOL")
		}

		apiKeyHeader := env(prefix + "_BACKEND_API_KEY_HEADER")
		if apiKeyHeader == "" {
			apiKeyHeader = "Authorization"
		}

		price := env(prefix + "_PRICE")
		if price == "" {
			price = "$0.01"
		}
		priceAtomic := env(prefix + "_PRICE_ATOMIC")
		if priceAtomic == "" {
			priceAtomic = "10000"
		}

		table.Add(&Route{
			Key:                 spec.Key,
			Path:                spec.Path,
			BackendName:         spec.BackendName,
			BackendURL:          backendURL,
			BackendAPIKey:       env(prefix + "_BACKEND_API_KEY"),
			BackendAPIKeyHeader: apiKeyHeader,
			Price:               price,
			PriceAtomic:         priceAtomic,
			PayTo:               payTo,
			PayToSol:            payToSol,
			Description:         spec.Description,
			MimeType:            spec.MimeType,
		})
	}

	return table
}

// Add registers a route descriptor.
func (t *RouteTable) Add(r *Route) {
	if _, exists := t.routes[r.Key]; !exists {
		t.order = append(t.order, r.Key)
	}
	t.routes[r.Key] = r
}

// Resolve returns the route for a key. An unknown key is a configuration
// error, surfaced as 500 by the middleware.
func (t *RouteTable) Resolve(key string) (*Route, error) {
	r, ok := t.routes[key]
	if !ok {
		return nil, fmt.Errorf("Unknown route: %s", key)
	}
	return r, nil
}

// All returns registered routes in declaration order.
func (t *RouteTable) All() []*Route {
	out := make([]*Route, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.routes[key])
	}
	return out
}
