package remote

import (
	"fmt"
	"strings"
)

type EndpointMode string

const (
	ModeDevelopment EndpointMode = "development"
	ModeProduction  EndpointMode = "production"
)

// Endpoints is resolved once at startup. Nothing downstream branches on the
// mode again; it only uses the resolved values.
type Endpoints struct {
	Mode EndpointMode
	// sync backend: memory, postgres, nats
	Backend   string
	StoreURL  string
	IssuerURL string
	// only used in development mode
	AccountsFile string
}

func ParseEndpointMode(s string) (EndpointMode, error) {
	switch m := EndpointMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDevelopment, ModeProduction:
		return m, nil
	case "dev":
		return ModeDevelopment, nil
	case "prod":
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("unknown endpoint mode %q", s)
	}
}

// ResolveEndpoints picks the endpoint set for the given mode.
// Production requires a store url and an issuer.
//
//nolint:whitespace // can't make both editor and linter happy
func ResolveEndpoints(
	mode string, development, production Endpoints,
) (Endpoints, error) {
	m, err := ParseEndpointMode(mode)
	if err != nil {
		return Endpoints{}, err
	}
	if m == ModeDevelopment {
		development.Mode = m
		if development.Backend == "" {
			development.Backend = "memory"
		}
		return development, nil
	}
	production.Mode = m
	if production.Backend == "" || production.Backend == "memory" {
		return Endpoints{}, fmt.Errorf("production mode needs a persistent backend, got %q",
			production.Backend)
	}
	if production.StoreURL == "" {
		return Endpoints{}, fmt.Errorf("production mode needs a store url")
	}
	if production.IssuerURL == "" {
		return Endpoints{}, fmt.Errorf("production mode needs an issuer url")
	}
	return production, nil
}
