package utils

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeHost lowercases a host, strips any port, and removes a leading
// "www." so that "www.Example.com:443" and "example.com" compare equal.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}

// RegistrableDomain returns the eTLD+1 of a host ("sub.blog.example.co.uk"
// -> "example.co.uk"). The public-suffix list keeps multi-part TLDs like
// "co.uk" intact. Falls back to the normalized host when the suffix list
// cannot resolve it (e.g. "localhost").
func RegistrableDomain(host string) string {
	host = NormalizeHost(host)
	etld, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld
}

// OriginMatchesDomain reports whether a request Origin header belongs to a
// site's registered domain. The origin's host must equal the registered
// domain or sit beneath it, so a site registered at a subdomain does not
// admit its siblings.
func OriginMatchesDomain(origin, domain string) bool {
	if origin == "" || domain == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	originHost := NormalizeHost(u.Host)
	registered := NormalizeHost(domain)
	if originHost == registered || strings.HasSuffix(originHost, "."+registered) {
		return true
	}
	// A registered apex additionally matches any origin sharing its
	// registrable domain.
	return registered == RegistrableDomain(registered) && RegistrableDomain(originHost) == registered
}
