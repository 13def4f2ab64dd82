package escl

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// SecurityPolicy controls which transports the server offers and the
// client accepts.
type SecurityPolicy uint8

const (
	ServerDisableHTTPS SecurityPolicy = 1 << iota
	ServerRequireHTTPS
	ClientDisableHTTPS
	ClientRequireHTTPS
	ClientRequireTrustedCertificate
)

// Presets.
const (
	PolicyAutoSecurity        SecurityPolicy = 0
	PolicyDisableHTTPS                       = ServerDisableHTTPS | ClientDisableHTTPS
	PolicyRequireHTTPS                       = ServerRequireHTTPS | ClientRequireHTTPS
	PolicyRequireTrustedHTTPS                = PolicyRequireHTTPS | ClientRequireTrustedCertificate
)

var policyNames = []struct {
	name string
	p    SecurityPolicy
}{
	{"auto", PolicyAutoSecurity},
	{"disable-https", PolicyDisableHTTPS},
	{"require-https", PolicyRequireHTTPS},
	{"require-trusted-https", PolicyRequireTrustedHTTPS},
}

// ParseSecurityPolicy parses a preset name such as "require-https".
func ParseSecurityPolicy(s string) (SecurityPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PolicyAutoSecurity, nil
	}
	for _, n := range policyNames {
		if n.name == s {
			return n.p, nil
		}
	}
	return 0, fmt.Errorf("escl: unknown security policy %q", s)
}

func (p SecurityPolicy) String() string {
	for _, n := range policyNames {
		if n.p == p {
			return n.name
		}
	}
	return fmt.Sprintf("SecurityPolicy(%#x)", uint8(p))
}

func (p SecurityPolicy) has(f SecurityPolicy) bool { return p&f != 0 }

// ServerOffersHTTP reports whether a plain HTTP listener is allowed.
func (p SecurityPolicy) ServerOffersHTTP() bool { return !p.has(ServerRequireHTTPS) }

// ServerOffersHTTPS reports whether a TLS listener is allowed.
func (p SecurityPolicy) ServerOffersHTTPS() bool { return !p.has(ServerDisableHTTPS) }

// ClientAllowsHTTP reports whether the client may talk to a plain HTTP service.
func (p SecurityPolicy) ClientAllowsHTTP() bool { return !p.has(ClientRequireHTTPS) }

// ClientAllowsHTTPS reports whether the client may talk to a TLS service.
func (p SecurityPolicy) ClientAllowsHTTPS() bool { return !p.has(ClientDisableHTTPS) }

// ClientTLSConfig returns the TLS configuration used for HTTPS scanners.
// Self-signed certificates are accepted unless ClientRequireTrustedCertificate is set.
func (p SecurityPolicy) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !p.has(ClientRequireTrustedCertificate), //nolint:gosec // scanners ship self-signed certs
	}
}
