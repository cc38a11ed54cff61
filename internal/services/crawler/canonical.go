package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Canonicalizer produces the stable URL form the frontier keys on. Two URLs
// that differ only in scheme/host case, default port, fragment, or ignored
// and reordered query parameters canonicalize to the same string.
type Canonicalizer struct {
	ignoreQuery []*regexp.Regexp
}

// NewCanonicalizer compiles the ignore globs once for the life of a job.
func NewCanonicalizer(ignoreQueryGlobs []string) (*Canonicalizer, error) {
	ignore := make([]*regexp.Regexp, 0, len(ignoreQueryGlobs))
	for _, glob := range ignoreQueryGlobs {
		re, err := GlobToRegexp(glob)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", glob, err)
		}
		ignore = append(ignore, re)
	}
	return &Canonicalizer{ignoreQuery: ignore}, nil
}

// Canonicalize normalizes an absolute URL.
func (c *Canonicalizer) Canonicalize(rawURL string) (string, error) {
	return c.CanonicalizeRef("", rawURL)
}

// CanonicalizeRef resolves ref against base (when base is non-empty) and
// normalizes the result:
//
//  1. lower-case scheme and host, scheme defaults to http
//  2. drop a port equal to the scheme default
//  3. resolve . and .. path segments, collapse empty ones, keep a trailing
//     slash only when the original path had one and the last segment looks
//     like a directory (contains no dot)
//  4. drop query parameters matching the ignore globs, sort the remainder
//     by name then value
//  5. drop the fragment
func (c *Canonicalizer) CanonicalizeRef(base, ref string) (string, error) {
	var u *url.URL
	var err error

	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse base %q: %w", base, err)
		}
		u, err = b.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("resolve %q against %q: %w", ref, base, err)
		}
	} else {
		u, err = url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("parse %q: %w", ref, err)
		}
		// A bare "example.com/x" parses as a path. Re-read it as a host.
		if u.Scheme == "" && u.Host == "" && !strings.HasPrefix(ref, "/") {
			if u, err = url.Parse("http://" + ref); err != nil {
				return "", fmt.Errorf("parse %q: %w", ref, err)
			}
		}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}

	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		// IPv6 literal, restore the brackets Hostname stripped.
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host += ":" + port
	}

	path := normalizePath(u.EscapedPath())
	query := c.normalizeQuery(u.RawQuery)

	var sb strings.Builder
	sb.WriteString(scheme)
	sb.WriteString("://")
	sb.WriteString(host)
	sb.WriteString(path)
	if query != "" {
		sb.WriteByte('?')
		sb.WriteString(query)
	}
	return sb.String(), nil
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// normalizePath resolves dot segments and applies the directory heuristic
// for the trailing slash. The root path is always "/".
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}

	var resolved []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, seg)
		}
	}

	result := "/" + strings.Join(resolved, "/")
	if strings.HasSuffix(path, "/") && result != "/" && !strings.Contains(resolved[len(resolved)-1], ".") {
		result += "/"
	}
	return result
}

// normalizeQuery drops ignored parameters and re-encodes the remainder
// sorted by name and, within a name, by value.
func (c *Canonicalizer) normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		// Unparseable queries pass through untouched so the URL still has a
		// stable form.
		return rawQuery
	}

	names := make([]string, 0, len(values))
	for name := range values {
		if c.isIgnoredParam(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		vals := values[name]
		sort.Strings(vals)
		for _, v := range vals {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(name))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

func (c *Canonicalizer) isIgnoredParam(name string) bool {
	for _, re := range c.ignoreQuery {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// GlobToRegexp compiles a glob where * matches any run of characters into an
// anchored regular expression.
func GlobToRegexp(glob string) (*regexp.Regexp, error) {
	pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(glob), `\*`, ".*") + "$"
	return regexp.Compile(pattern)
}

// MatchGlob reports whether s matches the glob in full.
func MatchGlob(glob, s string) bool {
	re, err := GlobToRegexp(glob)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// Components carries the pieces of a URL that scope decisions need.
type Components struct {
	Scheme           string
	Netloc           string // host with port, lower-cased
	Host             string // host without port
	RegisteredDomain string
	Subdomain        string
	Path             string
	Canonical        string
}

// ParseComponents canonicalizes a URL and splits out the parts used by the
// scope predicate. The registered domain comes from the public suffix list;
// IP literals and hosts without a listed suffix fall back to the host itself.
func (c *Canonicalizer) ParseComponents(rawURL string) (*Components, error) {
	canonical, err := c.Canonicalize(rawURL)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(canonical)
	if err != nil {
		return nil, fmt.Errorf("parse canonical %q: %w", canonical, err)
	}

	host := u.Hostname()
	regDomain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		regDomain = host
	}

	subdomain := ""
	if host != regDomain && strings.HasSuffix(host, "."+regDomain) {
		subdomain = strings.TrimSuffix(host, "."+regDomain)
	}

	return &Components{
		Scheme:           u.Scheme,
		Netloc:           u.Host,
		Host:             host,
		RegisteredDomain: regDomain,
		Subdomain:        subdomain,
		Path:             u.Path,
		Canonical:        canonical,
	}, nil
}
