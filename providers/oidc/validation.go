package oidc

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/giantswarm/tokensync/internal/util"
)

const (
	maxScopes         = 50
	maxGroups         = 100
	maxItemLength     = 256
	maxConnectorIDLen = 64
)

var connectorIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateIssuerURL rejects issuer URLs that are not HTTPS or that point at
// loopback, private or link-local addresses.
//
// Hostnames are not resolved; the check only covers IP literals.
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		switch util.ClassifyIP(ip) {
		case util.IPLoopback:
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		case util.IPPrivate:
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		case util.IPLinkLocal:
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		case util.IPUnspecified:
			return fmt.Errorf("issuer URL must not point to an unspecified address")
		}
	}

	return nil
}

// ValidateConnectorID validates a Dex connector_id. Empty is allowed.
func ValidateConnectorID(connectorID string) error {
	if connectorID == "" {
		return nil
	}
	if !connectorIDPattern.MatchString(connectorID) {
		return fmt.Errorf("connector_id contains invalid characters (allowed: a-z, A-Z, 0-9, _, -)")
	}
	if len(connectorID) > maxConnectorIDLen {
		return fmt.Errorf("connector_id exceeds maximum length of %d characters", maxConnectorIDLen)
	}
	return nil
}

// ValidateScopes validates requested scopes. Scopes are space-joined on
// the wire, so they must be non-empty and free of whitespace.
func ValidateScopes(scopes []string) error {
	if err := validateList("scopes", scopes, maxScopes); err != nil {
		return err
	}
	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if strings.ContainsAny(scope, " \t\r\n") {
			return fmt.Errorf("scope at index %d contains whitespace", i)
		}
	}
	return nil
}

// ValidateGroups bounds a groups claim received from a provider.
func ValidateGroups(groups []string) error {
	return validateList("groups", groups, maxGroups)
}

func validateList(name string, items []string, maxItems int) error {
	if len(items) > maxItems {
		return fmt.Errorf("%s exceeds maximum of %d items (got %d)", name, maxItems, len(items))
	}
	for i, item := range items {
		if len(item) > maxItemLength {
			return fmt.Errorf("%s entry at index %d exceeds maximum length of %d characters", name, i, maxItemLength)
		}
	}
	return nil
}
