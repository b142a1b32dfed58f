// Package identity canonicalizes user identities across native-directory and
// AD-trust forms and talks to the IDM directory for authentication.
package identity

import (
	"fmt"
	"strings"
)

// Input formats recognised by Normalize.
const (
	FormatBare    = "bare"
	FormatUPN     = "upn"
	FormatNTStyle = "nt_style"
)

// NormalizedIdentity is the canonical form of a user reference. Immutable
// once built.
type NormalizedIdentity struct {
	CanonicalPrincipal string `json:"canonical_principal"`
	Username           string `json:"username"`
	Realm              string `json:"realm"`
	Domain             string `json:"domain"`
	IsADTrust          bool   `json:"is_ad_trust"`
	OriginalInput      string `json:"original_input"`
	OriginalFormat     string `json:"original_format"`
}

// Normalizer resolves the three accepted input shapes against the configured
// domain topology.
type Normalizer struct {
	// TrustedDomains are AD-trust domains in priority order; bare inputs
	// resolve against these first, the native domain last.
	TrustedDomains []string
	// NativeDomain is the native directory's domain (lower-case).
	NativeDomain string
	// NetbiosAliases maps known NETBIOS names to full domains. Checked before
	// first-label matching on NT-style inputs.
	NetbiosAliases map[string]string
	// Permissive, when set, assumes AD trust for UPN domains that match
	// neither the native domain nor any trusted domain. Off by default; the
	// convenience is not worth silent misclassification in most fleets.
	Permissive bool
}

// NewNormalizer builds a normalizer with the default NETBIOS alias table.
func NewNormalizer(trustedDomains []string, nativeDomain string) *Normalizer {
	return &Normalizer{
		TrustedDomains: trustedDomains,
		NativeDomain:   strings.ToLower(nativeDomain),
		NetbiosAliases: map[string]string{},
	}
}

// Normalize canonicalizes one user reference. Bare inputs pick the first
// domain in the priority list; NT-style inputs resolve the NETBIOS prefix via
// the alias table first, then by first-label match against trusted domains.
func (n *Normalizer) Normalize(input string) (*NormalizedIdentity, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("empty identity input")
	}

	switch {
	case strings.Contains(trimmed, "\\"):
		return n.normalizeNTStyle(trimmed)
	case strings.Contains(trimmed, "@"):
		return n.normalizeUPN(trimmed)
	default:
		return n.normalizeBare(trimmed)
	}
}

func (n *Normalizer) normalizeBare(input string) (*NormalizedIdentity, error) {
	domain := n.NativeDomain
	if len(n.TrustedDomains) > 0 {
		domain = strings.ToLower(n.TrustedDomains[0])
	}
	if domain == "" {
		return nil, fmt.Errorf("no domain configured to qualify bare identity %q", input)
	}
	return n.build(input, strings.ToLower(input), domain, FormatBare), nil
}

func (n *Normalizer) normalizeUPN(input string) (*NormalizedIdentity, error) {
	parts := strings.SplitN(input, "@", 2)
	if parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("malformed UPN identity %q", input)
	}
	return n.build(input, strings.ToLower(parts[0]), strings.ToLower(parts[1]), FormatUPN), nil
}

func (n *Normalizer) normalizeNTStyle(input string) (*NormalizedIdentity, error) {
	parts := strings.SplitN(input, "\\", 2)
	if parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("malformed NT-style identity %q", input)
	}

	netbios := strings.ToUpper(parts[0])
	domain, err := n.resolveNetbios(netbios)
	if err != nil {
		return nil, err
	}
	return n.build(input, strings.ToLower(parts[1]), domain, FormatNTStyle), nil
}

func (n *Normalizer) resolveNetbios(netbios string) (string, error) {
	if mapped, ok := n.NetbiosAliases[netbios]; ok {
		return strings.ToLower(mapped), nil
	}

	// Fall back to matching the first label of any configured trusted domain.
	for _, d := range n.TrustedDomains {
		labels := strings.SplitN(d, ".", 2)
		if strings.EqualFold(labels[0], netbios) {
			return strings.ToLower(d), nil
		}
	}

	if n.NativeDomain != "" {
		labels := strings.SplitN(n.NativeDomain, ".", 2)
		if strings.EqualFold(labels[0], netbios) {
			return n.NativeDomain, nil
		}
	}

	return "", fmt.Errorf("unknown NETBIOS domain %q", netbios)
}

func (n *Normalizer) build(original, username, domain, format string) *NormalizedIdentity {
	realm := strings.ToUpper(domain)
	return &NormalizedIdentity{
		CanonicalPrincipal: username + "@" + realm,
		Username:           username,
		Realm:              realm,
		Domain:             domain,
		IsADTrust:          n.isADTrust(domain),
		OriginalInput:      original,
		OriginalFormat:     format,
	}
}

func (n *Normalizer) isADTrust(domain string) bool {
	for _, d := range n.TrustedDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	if domain == n.NativeDomain {
		return false
	}
	// Domain matches neither side. In permissive mode with no configured
	// trusts, assume the foreign domain came through a trust.
	return n.Permissive && len(n.TrustedDomains) == 0
}

// GroupMatches reports whether group reference a refers to group b. Both
// sides are canonicalized first: the first cn= value is extracted from a
// distinguished name, any DOMAIN\ prefix and any @domain suffix are stripped,
// then a case-insensitive substring match decides.
func GroupMatches(a, b string) bool {
	ca := CanonicalGroupName(a)
	cb := CanonicalGroupName(b)
	if ca == "" || cb == "" {
		return false
	}
	return strings.Contains(ca, cb)
}

// CanonicalGroupName reduces a group reference (plain name, DN, NT-style or
// UPN-suffixed) to its lower-case bare name.
func CanonicalGroupName(ref string) string {
	name := strings.TrimSpace(strings.ToLower(ref))

	if idx := strings.Index(name, "cn="); idx >= 0 {
		rest := name[idx+3:]
		if comma := strings.Index(rest, ","); comma >= 0 {
			rest = rest[:comma]
		}
		name = rest
	}

	if idx := strings.Index(name, "\\"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.Index(name, "@"); idx >= 0 {
		name = name[:idx]
	}

	return strings.TrimSpace(name)
}
