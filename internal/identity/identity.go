// Package identity normalizes directory principals across a native LDAP
// realm and its trusted AD domains, and provides group-name matching for
// IdM-style group-mapping tables.
package identity

import (
	"regexp"
	"strings"
)

// Format is the shape an identity was supplied in.
type Format string

const (
	// FormatBare is a plain username: "jsmith"
	FormatBare Format = "bare"
	// FormatUPN is user@domain: "jsmith@neopost.grp"
	FormatUPN Format = "upn"
	// FormatNTStyle is DOMAIN\user: "NEOPOST\jsmith"
	FormatNTStyle Format = "nt_style"
)

// NormalizedIdentity is the canonical, immutable result of Normalize.
type NormalizedIdentity struct {
	CanonicalPrincipal string // user@REALM
	Username           string // lowercase
	Realm              string // uppercase Kerberos realm
	Domain             string // lowercase domain
	IsADTrust          bool
	OriginalFormat     Format
	OriginalInput      string
}

func (n NormalizedIdentity) String() string { return n.CanonicalPrincipal }

// Normalizer resolves bare/UPN/NT-style principals against a native realm
// plus a priority-ordered list of trusted AD domains.
type Normalizer struct {
	nativeRealm    string
	nativeDomain   string
	trustedDomains []string
	domainPriority []string
	domainToRealm  map[string]string

	// ntAliases maps known NT-style NETBIOS prefixes (uppercase) to their
	// full domain (lowercase), populated from configuration at construction
	// time rather than hardcoded, since the directory's aliases vary per
	// deployment.
	ntAliases map[string]string

	// PermissiveADTrust controls what happens when an NT-style domain
	// prefix matches none of the static map or any trusted domain.
	// false (default): treat it as a literal domain name, same as the
	// Python original's fallback. This field exists purely to document
	// the §9 open-question decision; the fallback behavior is identical
	// either way today, but permissive=true is reserved for a future mode
	// that instead falls through to domainPriority[last].
	PermissiveADTrust bool
}

// New builds a Normalizer. trustedDomains and domainPriority are lowercased
// internally; an empty domainPriority defaults to trustedDomains followed by
// nativeDomain, matching the Python original's default resolution order.
func New(nativeRealm, nativeDomain string, trustedDomains, domainPriority []string, ntAliases map[string]string) *Normalizer {
	n := &Normalizer{
		nativeRealm:  strings.ToUpper(nativeRealm),
		nativeDomain: strings.ToLower(nativeDomain),
	}

	for _, d := range trustedDomains {
		n.trustedDomains = append(n.trustedDomains, strings.ToLower(d))
	}

	if len(domainPriority) > 0 {
		for _, d := range domainPriority {
			n.domainPriority = append(n.domainPriority, strings.ToLower(d))
		}
	} else {
		n.domainPriority = append(append([]string{}, n.trustedDomains...), n.nativeDomain)
	}

	n.domainToRealm = map[string]string{n.nativeDomain: n.nativeRealm}
	for _, d := range n.trustedDomains {
		n.domainToRealm[d] = strings.ToUpper(d)
	}

	n.ntAliases = make(map[string]string, len(ntAliases))
	for k, v := range ntAliases {
		n.ntAliases[strings.ToUpper(k)] = strings.ToLower(v)
	}

	return n
}

// normalizerExtra is an empty type that nothing uses; the NT-prefix alias
// table is Normalizer's ntAliases field, filled in by New.
type normalizerExtra struct{}

// Normalize converts identity (in any supported shape) to its canonical form.
func (n *Normalizer) Normalize(identity string) NormalizedIdentity {
	identity = strings.TrimSpace(identity)
	original := identity

	username, domain, format := n.parseIdentity(identity)

	if domain == "" {
		if len(n.domainPriority) > 0 {
			domain = n.domainPriority[0]
		} else {
			domain = n.nativeDomain
		}
	}
	domain = strings.ToLower(domain)

	realm := n.realmForDomain(domain)
	isADTrust := domain != n.nativeDomain
	canonical := username + "@" + realm

	return NormalizedIdentity{
		CanonicalPrincipal: canonical,
		Username:           username,
		Realm:              realm,
		Domain:             domain,
		IsADTrust:          isADTrust,
		OriginalFormat:     format,
		OriginalInput:      original,
	}
}

func (n *Normalizer) parseIdentity(identity string) (username, domain string, format Format) {
	if idx := strings.Index(identity, `\`); idx >= 0 {
		ntDomain := identity[:idx]
		user := identity[idx+1:]
		return strings.ToLower(user), n.resolveNTDomain(ntDomain), FormatNTStyle
	}

	if idx := strings.LastIndex(identity, "@"); idx >= 0 {
		user := identity[:idx]
		dom := identity[idx+1:]
		return strings.ToLower(user), strings.ToLower(dom), FormatUPN
	}

	return strings.ToLower(identity), "", FormatBare
}

func (n *Normalizer) resolveNTDomain(ntDomain string) string {
	ntUpper := strings.ToUpper(ntDomain)

	if domain, ok := n.ntAliases[ntUpper]; ok {
		return domain
	}

	for _, domain := range n.trustedDomains {
		prefix := strings.ToUpper(strings.SplitN(domain, ".", 2)[0])
		if ntUpper == prefix {
			return domain
		}
	}

	// Fallback: assume the NT prefix IS a (lowercased) domain name.
	return strings.ToLower(ntDomain)
}

func (n *Normalizer) realmForDomain(domain string) string {
	domain = strings.ToLower(domain)

	if realm, ok := n.domainToRealm[domain]; ok {
		return realm
	}

	for known, realm := range n.domainToRealm {
		if domain == known || strings.HasSuffix(domain, "."+known) {
			return realm
		}
	}

	return strings.ToUpper(domain)
}

// IsADTrustDomain reports whether domain is one of the configured trusted
// AD domains (as opposed to the native realm).
func (n *Normalizer) IsADTrustDomain(domain string) bool {
	domain = strings.ToLower(domain)
	for _, d := range n.trustedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// AllPossiblePrincipals returns username@REALM for every domain in priority
// order — used to try authentication against each realm in turn.
func (n *Normalizer) AllPossiblePrincipals(username string) []string {
	principals := make([]string, 0, len(n.domainPriority))
	for _, domain := range n.domainPriority {
		principals = append(principals, username+"@"+n.realmForDomain(domain))
	}
	return principals
}

var cnPattern = regexp.MustCompile(`(?i)^cn=([^,]+)`)

// NormalizeGroupName reduces a full LDAP DN, NT-style group, or UPN-style
// group to its bare, lowercase name.
func NormalizeGroupName(groupDNOrName string) string {
	name := strings.TrimSpace(groupDNOrName)
	if name == "" {
		return ""
	}

	if strings.HasPrefix(strings.ToLower(name), "cn=") {
		if m := cnPattern.FindStringSubmatch(name); m != nil {
			name = m[1]
		}
	}

	if idx := strings.Index(name, `\`); idx >= 0 {
		name = name[idx+1:]
	}

	if idx := strings.Index(name, "@"); idx >= 0 {
		name = name[:idx]
	}

	return strings.ToLower(strings.TrimSpace(name))
}

// GroupMatches reports whether userGroup and mappingGroup refer to the same
// group once both are reduced to a bare lowercase name by
// NormalizeGroupName — "dsm-admins" matches "cn=dsm-admins,..." because
// NormalizeGroupName already extracts the bare CN, not because one name
// contains the other. "admins" must not match "dsm-admins".
func GroupMatches(userGroup, mappingGroup string) bool {
	normUser := NormalizeGroupName(userGroup)
	normMapping := NormalizeGroupName(mappingGroup)

	return normUser != "" && normUser == normMapping
}
