package app

import (
	"errors"
	"net/http"
	"strings"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/realtime"
)

// ValidateSecurityConfig enforces the push gateway policy at startup.
// Fail fast: a misconfigured gateway must not silently trust clients.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequirePartyHeader {
		if strings.TrimSpace(cfg.WSPartyHeader) == "" {
			return errors.New("security policy: RUNHUB_REQUIRE_PARTY_HEADER=true but RUNHUB_WS_PARTY_HEADER is missing")
		}
		if cfg.WSDevInsecure {
			return errors.New("security policy: RUNHUB_WS_DEV_INSECURE cannot be combined with RUNHUB_REQUIRE_PARTY_HEADER")
		}
	}

	if cfg.WSOriginRequired && len(cfg.WSAllowedOrigins) == 0 {
		return errors.New("security policy: RUNHUB_WS_ORIGIN_REQUIRED=true but RUNHUB_WS_ALLOWED_ORIGINS is empty")
	}
	for _, o := range cfg.WSAllowedOrigins {
		if o == "*" && !cfg.WSDevInsecure {
			return errors.New("security policy: wildcard origin requires RUNHUB_WS_DEV_INSECURE=true")
		}
	}
	return nil
}

// PartyHeaderAuthenticator trusts the party id an upstream auth proxy put in header.
func PartyHeaderAuthenticator(header string) realtime.Authenticator {
	return func(r *http.Request) (string, error) {
		party := strings.TrimSpace(r.Header.Get(header))
		if party == "" {
			return "", errors.New("missing party header")
		}
		return party, nil
	}
}
