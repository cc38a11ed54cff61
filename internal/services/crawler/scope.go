package crawler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ternarybob/aranea/internal/models"
)

// ScopeFilter decides whether a URL is in bounds for a job. It is built once
// per job with the compiled include/exclude patterns and the seed components.
type ScopeFilter struct {
	kind             models.ScopeKind
	pathPrefix       string
	sameProtocolOnly bool
	followNofollow   bool
	seed             *Components
	include          []*regexp.Regexp
	exclude          []*regexp.Regexp
}

// NewScopeFilter validates the scope configuration and compiles its patterns.
func NewScopeFilter(params *models.CrawlParams, seed *Components) (*ScopeFilter, error) {
	if errs := ValidateScopeConfig(params); len(errs) > 0 {
		return nil, fmt.Errorf("invalid scope config: %s", strings.Join(errs, "; "))
	}

	f := &ScopeFilter{
		kind:             params.Scope,
		pathPrefix:       params.PathPrefix,
		sameProtocolOnly: params.SameProtocolOnly,
		followNofollow:   params.FollowNofollow,
		seed:             seed,
	}

	for _, p := range params.IncludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", p, err)
		}
		f.include = append(f.include, re)
	}

	for _, p := range params.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		f.exclude = append(f.exclude, re)
	}

	return f, nil
}

// InScope applies the scope rule, then the include patterns (at least one
// must match when any are configured), then the exclude patterns (any match
// rejects). The patterns run against the canonical URL string.
func (f *ScopeFilter) InScope(comps *Components) bool {
	if f.sameProtocolOnly && comps.Scheme != f.seed.Scheme {
		return false
	}

	switch f.kind {
	case models.ScopeDomain:
		if comps.RegisteredDomain != f.seed.RegisteredDomain {
			return false
		}
	case models.ScopeHost:
		if comps.Host != f.seed.Host {
			return false
		}
	case models.ScopePathPrefix:
		if comps.Host != f.seed.Host {
			return false
		}
		if f.pathPrefix != "" && !strings.HasPrefix(comps.Path, f.pathPrefix) {
			return false
		}
	case models.ScopeCustom:
		// Patterns below carry the whole decision.
	}

	if len(f.include) > 0 {
		matched := false
		for _, re := range f.include {
			if re.MatchString(comps.Canonical) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, re := range f.exclude {
		if re.MatchString(comps.Canonical) {
			return false
		}
	}

	return true
}

// ShouldFollowLink is the per-link gate: nofollow handling first, then scope.
func (f *ScopeFilter) ShouldFollowLink(comps *Components, hasNofollow bool) bool {
	if hasNofollow && !f.followNofollow {
		return false
	}
	return f.InScope(comps)
}

// Description renders the effective scope for job start logging.
func (f *ScopeFilter) Description() string {
	var desc string
	switch f.kind {
	case models.ScopeDomain:
		desc = "domain " + f.seed.RegisteredDomain
	case models.ScopeHost:
		desc = "host " + f.seed.Host
	case models.ScopePathPrefix:
		prefix := f.pathPrefix
		if prefix == "" {
			prefix = "/"
		}
		desc = "host " + f.seed.Host + " prefix " + prefix
	default:
		desc = "custom"
	}
	if n := len(f.include); n > 0 {
		desc += fmt.Sprintf(", %d include patterns", n)
	}
	if n := len(f.exclude); n > 0 {
		desc += fmt.Sprintf(", %d exclude patterns", n)
	}
	if f.sameProtocolOnly {
		desc += ", " + f.seed.Scheme + " only"
	}
	return desc
}

// ValidateScopeConfig returns every configuration problem it finds so the
// submit handler can report them all at once.
func ValidateScopeConfig(params *models.CrawlParams) []string {
	var errs []string

	switch params.Scope {
	case models.ScopeDomain, models.ScopeHost, models.ScopeCustom:
	case models.ScopePathPrefix:
		if params.PathPrefix == "" {
			errs = append(errs, "path_prefix is required when scope is 'path_prefix'")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown scope %q", params.Scope))
	}

	for i, p := range params.IncludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Sprintf("invalid include pattern %d: %s - %v", i, p, err))
		}
	}
	for i, p := range params.ExcludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Sprintf("invalid exclude pattern %d: %s - %v", i, p, err))
		}
	}

	if params.Scope == models.ScopeCustom && len(params.IncludePatterns) == 0 && len(params.ExcludePatterns) == 0 {
		errs = append(errs, "custom scope requires at least one include or exclude pattern")
	}

	return errs
}

// IsContentTypeAllowed matches a MIME type against the allowed patterns,
// ignoring parameters such as charset. An empty pattern list allows nothing.
func IsContentTypeAllowed(contentType string, allowed []string) bool {
	if contentType == "" {
		return false
	}
	mainType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))

	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if strings.Contains(pattern, "*") {
			if MatchGlob(pattern, mainType) {
				return true
			}
		} else if mainType == pattern {
			return true
		}
	}
	return false
}

// IsAssetTypeAllowed mirrors IsContentTypeAllowed for asset capture.
func IsAssetTypeAllowed(contentType string, allowed []string) bool {
	return IsContentTypeAllowed(contentType, allowed)
}
